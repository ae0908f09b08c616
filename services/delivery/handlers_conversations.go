package delivery

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type conversationModel struct {
	ID        uuid.UUID         `gorm:"type:uuid;primaryKey"`
	UserA     string            `gorm:"type:text;not null"`
	UserB     string            `gorm:"type:text;not null"`
	Meta      datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt time.Time         `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

func (conversationModel) TableName() string { return "conversations" }

func (m conversationModel) toAPI() Conversation {
	return Conversation{
		ID:        m.ID,
		UserA:     m.UserA,
		UserB:     m.UserB,
		Meta:      mapFromJSONMap(m.Meta),
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func mapFromJSONMap(src datatypes.JSONMap) map[string]any {
	if src == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func toJSONMap(src map[string]any) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	if src == nil {
		return out
	}
	for k, v := range src {
		out[k] = v
	}
	return out
}

func (a *API) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserA string         `json:"user_a"`
		UserB string         `json:"user_b"`
		Meta  map[string]any `json:"meta"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	req.UserA = strings.TrimSpace(req.UserA)
	req.UserB = strings.TrimSpace(req.UserB)
	if req.UserA == "" || req.UserB == "" {
		respondError(w, http.StatusBadRequest, errors.New("user_a and user_b are required"))
		return
	}
	if req.UserA == req.UserB {
		respondError(w, http.StatusBadRequest, errors.New("a conversation binds two distinct users"))
		return
	}

	// Canonical pair order so (a, b) and (b, a) map to the same row.
	if req.UserB < req.UserA {
		req.UserA, req.UserB = req.UserB, req.UserA
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	model := conversationModel{
		ID:    uuid.New(),
		UserA: req.UserA,
		UserB: req.UserB,
		Meta:  toJSONMap(req.Meta),
	}

	err := a.orm.WithContext(ctx).
		Where("user_a = ? AND user_b = ?", req.UserA, req.UserB).
		FirstOrCreate(&model).Error
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{"conversation": model.toAPI()})
}

func (a *API) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "conversationID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("valid conversation id is required"))
		return
	}

	conv, err := a.fetchConversation(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"conversation": conv})
}

func (a *API) fetchConversation(ctx context.Context, id uuid.UUID) (Conversation, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var model conversationModel
	err := a.orm.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Conversation{}, &NotFoundError{Kind: "conversation", ID: id.String()}
		}
		return Conversation{}, &TransientStoreError{Op: "fetch conversation", Err: err}
	}
	return model.toAPI(), nil
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 5*time.Second)
}
