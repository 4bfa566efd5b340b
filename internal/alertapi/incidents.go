package alertapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/opsflow/internal/actions"
)

func (a *API) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("opsflow.incident.id", id))

	inc, ok, err := a.incidents.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get incident", "id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	span.SetAttributes(attribute.String("opsflow.incident.status", string(inc.Status)))
	writeJSON(w, http.StatusOK, inc)
}

type executeRequest struct {
	Approved bool `json:"approved"`
}

func (a *API) handleExecuteStep(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	stepID := chi.URLParam(r, "stepId")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("opsflow.incident.id", id),
		attribute.String("opsflow.step.id", stepID),
	)

	if a.executor == nil {
		writeError(w, http.StatusNotImplemented, "step execution is not configured")
		return
	}

	var req executeRequest
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid payload")
			return
		}
	}

	inc, ok, err := a.incidents.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get incident", "id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "incident not found")
		return
	}

	res, err := a.executor.Execute(r.Context(), inc, stepID, req.Approved)
	var adapterErr *actions.AdapterError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, actions.ErrStepNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, actions.ErrNoPlan), errors.Is(err, actions.ErrApprovalRequired):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, actions.ErrUnsupportedAction), errors.Is(err, actions.ErrInvalidParams):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &adapterErr):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		a.logger.Error(r.Context(), err, "step execution failed", "id", id, "step_id", stepID)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
