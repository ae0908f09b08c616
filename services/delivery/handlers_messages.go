package delivery

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

func (a *API) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConversationID uuid.UUID `json:"conversation_id"`
		SenderID       string    `json:"sender_id"`
		ReceiverID     string    `json:"receiver_id"`
		Content        string    `json:"content"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	conv, err := a.fetchConversation(r.Context(), req.ConversationID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if !conv.Participants(req.SenderID, req.ReceiverID) {
		respondError(w, http.StatusBadRequest, errors.New("sender and receiver must be the conversation's matched pair"))
		return
	}

	msg, err := a.engine.Create(r.Context(), req.ConversationID, req.SenderID, req.ReceiverID, req.Content)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	a.metrics.inc(a.metrics.MessagesCreated)

	// The sender gets the durable row back immediately; fan-out happens off
	// the request path so slow receiver sockets never block the send.
	fanoutCtx := context.WithoutCancel(r.Context())
	go func() {
		ctx, cancel := context.WithTimeout(fanoutCtx, 30*time.Second)
		defer cancel()
		if err := a.router.Deliver(ctx, msg); err != nil {
			a.log.Error().Err(err).Stringer("message_id", msg.ID).Msg("fan-out")
		}
	}()

	respondJSON(w, http.StatusCreated, map[string]any{"message": msg})
}

func (a *API) handleAcknowledgeDelivered(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "messageID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("valid message id is required"))
		return
	}

	msg, err := a.engine.MarkDelivered(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"message": msg})
}

func (a *API) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "messageID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("valid message id is required"))
		return
	}

	if _, err := a.engine.Delete(r.Context(), id); err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusNoContent, nil)
}

func (a *API) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	conversationID, err := uuid.Parse(chi.URLParam(r, "conversationID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("valid conversation id is required"))
		return
	}

	var req struct {
		ReaderID        string    `json:"reader_id"`
		CursorMessageID uuid.UUID `json:"cursor_message_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	count, err := a.receipts.MarkReadUpTo(r.Context(), conversationID, req.ReaderID, req.CursorMessageID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	a.metrics.add(a.metrics.ReadReceiptRows, float64(count))

	respondJSON(w, http.StatusOK, map[string]any{"updated": count})
}

func (a *API) handleListMessages(w http.ResponseWriter, r *http.Request) {
	conversationID, err := uuid.Parse(chi.URLParam(r, "conversationID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("valid conversation id is required"))
		return
	}

	limit := a.config.RecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}

	msgs, err := a.store.ListRecent(r.Context(), conversationID, limit)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if msgs == nil {
		msgs = []Message{}
	}

	respondJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (a *API) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	conversationID, err := uuid.Parse(chi.URLParam(r, "conversationID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("valid conversation id is required"))
		return
	}

	userID := r.URL.Query().Get("user_id")
	count, err := a.receipts.CountUnread(r.Context(), conversationID, userID)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"unread": count})
}
