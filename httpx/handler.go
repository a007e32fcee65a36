// Package httpx exposes the saga control plane over HTTP: starting sagas,
// inspecting their state, and requesting cancellation.
package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/velmie/saga"
)

// Handler serves the saga control API backed by an orchestrator.
type Handler struct {
	orchestrator *saga.Orchestrator
	logger       saga.Logger
}

// NewHandler initializes the handler. A nil logger disables request logging.
func NewHandler(orchestrator *saga.Orchestrator, logger saga.Logger) *Handler {
	if orchestrator == nil {
		panic("httpx: nil Orchestrator")
	}
	if logger == nil {
		logger = saga.NopLogger{}
	}

	return &Handler{orchestrator: orchestrator, logger: logger}
}

// StartSaga validates the request and starts a new saga instance. The saga
// runs asynchronously; the response carries only its id.
func (h *Handler) StartSaga(w http.ResponseWriter, r *http.Request) {
	var req StartSagaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.Definition == "" || req.Version <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "definition and version are required")
		return
	}

	ref := saga.DefinitionRef{Name: req.Definition, Version: req.Version}
	sagaID, err := h.orchestrator.StartSaga(r.Context(), ref, req.Payload)
	switch {
	case errors.Is(err, saga.ErrDefinitionNotFound):
		writeError(w, http.StatusNotFound, "definition_not_found", err.Error())
		return
	case errors.Is(err, saga.ErrInvalidPayload):
		writeError(w, http.StatusBadRequest, "invalid_payload", err.Error())
		return
	case err != nil:
		h.logger.Error("start saga failed", "definition", ref.String(), "err", err)
		writeError(w, http.StatusInternalServerError, "start_failed", err.Error())
		return
	}

	h.logger.Info("saga start accepted", "saga_id", sagaID, "definition", ref.String())
	writeJSON(w, http.StatusAccepted, StartSagaResponse{SagaID: sagaID})
}

// GetSaga returns the current state and step history of a saga.
func (h *Handler) GetSaga(w http.ResponseWriter, r *http.Request) {
	sagaID := chi.URLParam(r, "id")
	if sagaID == "" {
		writeError(w, http.StatusBadRequest, "saga_id_required", "")
		return
	}

	status, err := h.orchestrator.Status(r.Context(), sagaID)
	switch {
	case errors.Is(err, saga.ErrInstanceNotFound):
		writeError(w, http.StatusNotFound, "saga_not_found", err.Error())
		return
	case err != nil:
		h.logger.Error("saga status failed", "saga_id", sagaID, "err", err)
		writeError(w, http.StatusInternalServerError, "status_failed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, mapStatusToResponse(status))
}

// CancelSaga requests compensation for a running saga. An in-flight step is
// not revoked; its reply joins the unwind.
func (h *Handler) CancelSaga(w http.ResponseWriter, r *http.Request) {
	sagaID := chi.URLParam(r, "id")
	if sagaID == "" {
		writeError(w, http.StatusBadRequest, "saga_id_required", "")
		return
	}

	err := h.orchestrator.Cancel(r.Context(), sagaID)
	switch {
	case errors.Is(err, saga.ErrInstanceNotFound):
		writeError(w, http.StatusNotFound, "saga_not_found", err.Error())
		return
	case errors.Is(err, saga.ErrSagaTerminal):
		writeError(w, http.StatusConflict, "saga_terminal", err.Error())
		return
	case err != nil:
		h.logger.Error("saga cancel failed", "saga_id", sagaID, "err", err)
		writeError(w, http.StatusInternalServerError, "cancel_failed", err.Error())
		return
	}

	h.logger.Info("saga cancel accepted", "saga_id", sagaID)
	w.WriteHeader(http.StatusAccepted)
}

// SubmitReply ingests a participant reply and queues it for processing.
// Duplicate deliveries are accepted; the orchestrator deduplicates them.
func (h *Handler) SubmitReply(w http.ResponseWriter, r *http.Request) {
	var reply saga.Reply
	if err := json.NewDecoder(r.Body).Decode(&reply); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if reply.SagaID == "" || reply.Direction == "" || reply.Outcome == "" {
		writeError(w, http.StatusBadRequest, "invalid_reply", "saga_id, direction and outcome are required")
		return
	}

	if err := h.orchestrator.Submit(r.Context(), reply); err != nil {
		writeError(w, http.StatusServiceUnavailable, "submit_failed", err.Error())
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{
		Error:   code,
		Message: msg,
	})
}
