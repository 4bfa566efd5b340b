package alertapi

import (
	"encoding/json"
	"io"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/opsflow/internal/queue"
)

func (a *API) handleIngestAlert(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	draft := a.normalize(body)

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("opsflow.incident.id", draft.IncidentID),
		attribute.String("opsflow.incident.service", draft.Service),
	)

	msg, err := json.Marshal(draft)
	if err != nil {
		a.logger.Error(r.Context(), err, "marshal draft failed", "incident_id", draft.IncidentID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if err := a.pub.Publish(r.Context(), queue.TopicIngest, msg); err != nil {
		a.logger.Error(r.Context(), err, "enqueue alert failed", "incident_id", draft.IncidentID)
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}

	a.logger.Info(r.Context(), "alert accepted",
		"incident_id", draft.IncidentID,
		"service", draft.Service,
		"severity", draft.Severity,
	)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"success":    true,
		"incidentId": draft.IncidentID,
	})
}
