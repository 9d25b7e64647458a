// Package api exposes the delivery subsystem over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/rkastur/pigeon/internal/dedupe"
	"github.com/rkastur/pigeon/internal/notify"
	"github.com/rkastur/pigeon/internal/notify/factory"
	"github.com/rkastur/pigeon/internal/report"
)

// SendRequest is the body of POST /v1/send.
type SendRequest struct {
	Channel   string              `json:"channel"`
	Recipient notify.Recipient    `json:"recipient"`
	Content   notify.Content      `json:"content"`
	Event     *notify.Event       `json:"event,omitempty"`
	Options   *notify.SendOptions `json:"options,omitempty"`
}

// BulkSendRequest is the body of POST /v1/send/bulk.
type BulkSendRequest struct {
	Channel    string              `json:"channel"`
	Recipients []notify.Recipient  `json:"recipients"`
	Content    notify.Content      `json:"content"`
	Event      *notify.Event       `json:"event,omitempty"`
	Options    *notify.SendOptions `json:"options,omitempty"`
}

// ErrorResponse is an error in problem+json format.
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers. The dedupe guard and the
// report producer are optional; nil disables the corresponding feature.
type Handler struct {
	logger   *zap.Logger
	factory  *factory.Factory
	guard    *dedupe.Guard
	reporter *report.Producer
}

// NewHandler creates an API handler.
func NewHandler(logger *zap.Logger, f *factory.Factory, guard *dedupe.Guard, reporter *report.Producer) *Handler {
	return &Handler{
		logger:   logger,
		factory:  f,
		guard:    guard,
		reporter: reporter,
	}
}

// Send handles POST /v1/send.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	ch := notify.Channel(req.Channel)
	if !ch.Valid() {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel", "channel must be email, sms, push, or webhook")
		return
	}

	adapter, err := h.factory.GetAdapter(ctx, ch)
	if err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "channel_unavailable", "Channel is not available", err.Error())
		return
	}

	notificationID := notify.ResolveNotificationID(req.Options)
	if req.Options == nil {
		req.Options = &notify.SendOptions{}
	}
	req.Options.NotificationID = notificationID

	if h.guard != nil {
		prior, err := h.guard.Reserve(ctx, req.Channel, notificationID)
		if err != nil && !errors.Is(err, dedupe.ErrDuplicate) {
			h.logger.Warn("dedupe reservation failed, proceeding without", zap.Error(err))
		} else if errors.Is(err, dedupe.ErrDuplicate) {
			h.writeError(w, http.StatusConflict, "duplicate_request", "Notification is already being sent", notificationID)
			return
		} else if prior != nil {
			h.writeError(w, http.StatusConflict, "duplicate_request", "Notification was already sent", notificationID)
			return
		}
	}

	result := adapter.Send(ctx, req.Recipient, req.Content, req.Event, req.Options)

	if h.guard != nil {
		if err := h.guard.Complete(ctx, req.Channel, dedupe.Outcome{
			NotificationID: notificationID,
			Channel:        req.Channel,
			Success:        result.Success,
		}); err != nil {
			h.logger.Warn("failed to record send outcome", zap.Error(err))
		}
	}

	if h.reporter != nil {
		h.reporter.Publish(ctx, ch, req.Recipient.ID, result)
	}

	h.writeJSON(w, http.StatusOK, result)
}

// SendBulk handles POST /v1/send/bulk.
func (h *Handler) SendBulk(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req BulkSendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	ch := notify.Channel(req.Channel)
	if !ch.Valid() {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel", "channel must be email, sms, push, or webhook")
		return
	}

	if len(req.Recipients) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "No recipients", "recipients must be non-empty")
		return
	}

	adapter, err := h.factory.GetAdapter(ctx, ch)
	if err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "channel_unavailable", "Channel is not available", err.Error())
		return
	}

	results := adapter.SendBulk(ctx, req.Recipients, req.Content, req.Event, req.Options)

	if h.reporter != nil {
		h.reporter.PublishBatch(ctx, ch, req.Recipients, results)
	}

	h.writeJSON(w, http.StatusOK, results)
}

// Status handles GET /v1/status/{channel}/{id}.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ch := notify.Channel(chi.URLParam(r, "channel"))
	if !ch.Valid() {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel", "")
		return
	}
	id := chi.URLParam(r, "id")

	adapter, err := h.factory.GetAdapter(ctx, ch)
	if err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "channel_unavailable", "Channel is not available", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, adapter.Status(ctx, id))
}

// Cancel handles POST /v1/cancel/{channel}/{id}.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ch := notify.Channel(chi.URLParam(r, "channel"))
	if !ch.Valid() {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel", "")
		return
	}
	id := chi.URLParam(r, "id")

	adapter, err := h.factory.GetAdapter(ctx, ch)
	if err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "channel_unavailable", "Channel is not available", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]bool{"cancelled": adapter.Cancel(ctx, id)})
}

// Channels handles GET /v1/channels.
func (h *Handler) Channels(w http.ResponseWriter, r *http.Request) {
	states := h.factory.ChannelStates()
	out := make(map[string]string, len(states))
	for ch, state := range states {
		out[string(ch)] = string(state)
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
