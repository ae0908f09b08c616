package delivery

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"matchwire/services/delivery/presence"
)

const (
	defaultRecentLimit = 50
	maxRecentLimit     = 200
	defaultSendRate    = 120
)

// APIConfig controls runtime behaviour for the HTTP handlers.
type APIConfig struct {
	RecentLimit       int
	AllowedOrigins    []string
	SendRatePerMinute int
}

// API wires the engine, aggregator, router, and registry into HTTP handlers.
type API struct {
	engine   *Engine
	receipts *ReadReceipts
	router   *Router
	registry *presence.Registry
	store    MessageStore
	orm      *gorm.DB
	config   APIConfig
	metrics  *Metrics
	log      zerolog.Logger
}

// NewAPI initialises the API layer with defaults applied to the provided
// configuration.
func NewAPI(engine *Engine, receipts *ReadReceipts, router *Router, registry *presence.Registry, store MessageStore, orm *gorm.DB, cfg APIConfig, metrics *Metrics, log zerolog.Logger) (*API, error) {
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	if receipts == nil {
		return nil, errors.New("receipts aggregator is required")
	}
	if router == nil {
		return nil, errors.New("router is required")
	}
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	if orm == nil {
		return nil, errors.New("orm is required")
	}

	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = defaultRecentLimit
	}
	if cfg.SendRatePerMinute <= 0 {
		cfg.SendRatePerMinute = defaultSendRate
	}

	return &API{
		engine:   engine,
		receipts: receipts,
		router:   router,
		registry: registry,
		store:    store,
		orm:      orm,
		config:   cfg,
		metrics:  metrics,
		log:      log.With().Str("component", "api").Logger(),
	}, nil
}

// Routes constructs the chi router containing all REST endpoints plus the
// websocket upgrade handler.
func (a *API) Routes(wsHandler http.HandlerFunc) (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	if len(a.config.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   a.config.AllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete},
			AllowedHeaders:   []string{"Accept", "Content-Type"},
			AllowCredentials: true,
		}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/conversations", a.handleCreateConversation)
		r.Get("/conversations/{conversationID}", a.handleGetConversation)
		r.Get("/conversations/{conversationID}/messages", a.handleListMessages)
		r.Get("/conversations/{conversationID}/unread", a.handleUnreadCount)
		r.Post("/conversations/{conversationID}/read", a.handleMarkRead)

		r.Group(func(r chi.Router) {
			r.Use(httprate.LimitByIP(a.config.SendRatePerMinute, time.Minute))
			r.Post("/messages", a.handleSendMessage)
		})
		r.Post("/messages/{messageID}/delivered", a.handleAcknowledgeDelivered)
		r.Delete("/messages/{messageID}", a.handleDeleteMessage)

		r.Get("/presence/{userID}", a.handlePresence)
		r.Get("/presence/stats", a.handlePresenceStats)
	})

	if wsHandler != nil {
		r.Get("/ws", wsHandler)
	}

	return r, nil
}
