package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/shohag/unipush/internal/models"
	"github.com/shohag/unipush/internal/push"
)

type MessageHandler struct {
	svc *push.Service
	log zerolog.Logger
}

func NewMessageHandler(svc *push.Service, log zerolog.Logger) *MessageHandler {
	return &MessageHandler{svc: svc, log: log}
}

const maxPayloadSize = 256 * 1024 // 256KB

type notFoundResponse struct {
	MessageID string `json:"messageId"`
	Status    int    `json:"status"`
	Error     string `json:"error"`
}

func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxPayloadSize)
	var req models.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id, err := h.svc.CreatePushTask(r.Context(), &req)
	if errors.Is(err, push.ErrDispatchDeferred) {
		h.log.Warn().Err(err).Str("message_id", id).Msg("push task accepted, dispatch deferred")
		writeJSON(w, http.StatusAccepted, map[string]string{
			"messageId": id,
			"warning":   err.Error(),
		})
		return
	}
	if err != nil {
		h.writeServiceError(w, err, "failed to create push task")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"messageId": id,
	})
}

func (h *MessageHandler) SendBatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxPayloadSize)
	var req models.BatchSendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	items, err := h.svc.CreateBatchPushTask(r.Context(), &req)
	if err != nil {
		h.writeServiceError(w, err, "failed to create push tasks")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"results": items,
	})
}

func (h *MessageHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	msg, err := h.svc.GetMessageResult(r.Context(), id)
	if errors.Is(err, push.ErrMessageNotFound) {
		writeJSON(w, http.StatusNotFound, notFoundResponse{
			MessageID: id,
			Status:    models.StatusCodeNotFound,
			Error:     "message not found",
		})
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("message_id", id).Msg("failed to get message")
		writeError(w, http.StatusInternalServerError, "failed to get message")
		return
	}

	writeJSON(w, http.StatusOK, models.NewMessageResult(msg))
}

func (h *MessageHandler) Logs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	logs, err := h.svc.ListLogs(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list logs")
		return
	}
	if logs == nil {
		logs = []models.PushLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

func (h *MessageHandler) writeServiceError(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, push.ErrValidation) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.log.Error().Err(err).Msg(msg)
	writeError(w, http.StatusInternalServerError, msg)
}
