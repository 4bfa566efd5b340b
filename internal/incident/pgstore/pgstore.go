// Package pgstore provides a PostgreSQL implementation of incident.Store and
// incident.Feed. The change feed is driven by a row trigger that publishes on
// the incident_changes LISTEN/NOTIFY channel.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/opsflow/internal/incident"
)

var tracer = otel.Tracer("github.com/linnemanlabs/opsflow/internal/incident/pgstore")

//go:embed schema.sql
var schema string

// notifyChannel must match the channel used by the trigger in schema.sql.
const notifyChannel = "incident_changes"

// Re-read retry bounds for a changed row.
const (
	rereadTries     = 5
	rereadBaseDelay = 100 * time.Millisecond
)

// Store persists incidents in PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger log.Logger
}

// New applies the schema and returns a Store backed by pool. The caller owns
// the pool.
func New(ctx context.Context, pool *pgxpool.Pool, logger log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.Nop()
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

const incidentColumns = `id, source, service, severity, event_type, message, occurred_at, details,
	status, received_at, raw_payload, anomaly_score, is_anomaly, detected_at,
	retrieved_context, retrieved_at, remediation_plan, planned_at, error`

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Create inserts the initial record; an existing record with the same ID is
// left untouched.
func (s *Store) Create(ctx context.Context, inc *incident.Incident) (bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Create", "INSERT")
	defer span.End()
	span.SetAttributes(attribute.String("opsflow.incident.id", inc.IncidentID))

	details, err := json.Marshal(inc.IncidentDetails)
	if err != nil {
		fail(span, err)
		return false, fmt.Errorf("marshal details: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO incidents (id, source, service, severity, event_type, message, occurred_at,
			details, status, received_at, raw_payload, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO NOTHING`,
		inc.IncidentID, inc.Source, inc.Service, inc.Severity, inc.EventType, inc.Message,
		inc.Timestamp, details, string(inc.Status), inc.ReceivedAt, nullJSON(inc.RawPayload), inc.Error,
	)
	if err != nil {
		fail(span, err)
		return false, fmt.Errorf("insert incident: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Get retrieves an incident by ID.
func (s *Store) Get(ctx context.Context, id string) (*incident.Incident, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()
	span.SetAttributes(attribute.String("opsflow.incident.id", id))

	inc, err := scanIncident(s.pool.QueryRow(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id = $1`, id))
	if err != nil {
		fail(span, err)
		return nil, false, err
	}
	if inc == nil {
		return nil, false, nil
	}
	return inc, true, nil
}

// Update applies a partial update as a single UPDATE statement touching only
// the columns of the field groups that are set.
func (s *Store) Update(ctx context.Context, id string, f incident.Fields) error {
	ctx, span := startSpan(ctx, "pgstore.Update", "UPDATE")
	defer span.End()
	span.SetAttributes(attribute.String("opsflow.incident.id", id))

	query, args, err := buildUpdate(id, f)
	if err != nil {
		fail(span, err)
		return err
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		fail(span, err)
		return fmt.Errorf("update incident: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Zero rows: either the record is missing or the guard did not hold.
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM incidents WHERE id = $1)`, id).Scan(&exists); err != nil {
		fail(span, err)
		return fmt.Errorf("check incident: %w", err)
	}
	if !exists {
		return incident.ErrNotFound
	}
	return incident.ErrConditionFailed
}

// Delete removes an incident. Used by retention jobs and tests.
func (s *Store) Delete(ctx context.Context, id string) error {
	ctx, span := startSpan(ctx, "pgstore.Delete", "DELETE")
	defer span.End()

	if _, err := s.pool.Exec(ctx, `DELETE FROM incidents WHERE id = $1`, id); err != nil {
		fail(span, err)
		return fmt.Errorf("delete incident: %w", err)
	}
	return nil
}

// buildUpdate renders f into an UPDATE statement. The WHERE clause carries
// the RequireNoPlan guard so the check and the write are one atomic step.
func buildUpdate(id string, f incident.Fields) (string, []any, error) {
	var (
		sets []string
		args = []any{id}
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	// SET expressions all see the old row, so the guard reads the prior status
	// for every column it covers.
	guarded := func(col, val string) string { return col + " = " + val }
	if len(f.StatusIfCurrent) > 0 {
		from := make([]string, len(f.StatusIfCurrent))
		for i, st := range f.StatusIfCurrent {
			from[i] = string(st)
		}
		cond := fmt.Sprintf("status = ANY(%s::text[])", arg(from))
		guarded = func(col, val string) string {
			return fmt.Sprintf("%s = CASE WHEN %s THEN %s ELSE %s END", col, cond, val, col)
		}
	}

	if f.Status != nil {
		sets = append(sets, guarded("status", arg(string(*f.Status))))
	}
	if d := f.Detection; d != nil {
		sets = append(sets,
			"anomaly_score = "+arg(d.AnomalyScore),
			"is_anomaly = "+arg(d.IsAnomaly),
			"detected_at = "+arg(d.DetectedAt),
		)
	}
	if r := f.Retrieval; r != nil {
		ctxEntries := r.Context
		if ctxEntries == nil {
			ctxEntries = []incident.ContextEntry{}
		}
		b, err := json.Marshal(ctxEntries)
		if err != nil {
			return "", nil, fmt.Errorf("marshal retrieved context: %w", err)
		}
		sets = append(sets,
			"retrieved_context = "+arg(b),
			"retrieved_at = "+arg(r.RetrievedAt),
		)
	}
	if p := f.Planning; p != nil {
		b, err := json.Marshal(p.Plan)
		if err != nil {
			return "", nil, fmt.Errorf("marshal plan: %w", err)
		}
		sets = append(sets,
			"remediation_plan = "+arg(b),
			"planned_at = "+arg(p.PlannedAt),
		)
	}
	switch {
	case f.Error != nil:
		sets = append(sets, guarded("error", arg(*f.Error)))
	case f.ClearError:
		sets = append(sets, guarded("error", "''"))
	}
	sets = append(sets, "updated_at = now()")

	where := "id = $1"
	if f.RequireNoPlan {
		where += " AND remediation_plan IS NULL"
	}

	return "UPDATE incidents SET " + strings.Join(sets, ", ") + " WHERE " + where, args, nil
}

// Subscribe listens on the notification channel from a dedicated connection
// and re-reads each changed row to build its NewImage. Notifications are not
// replayed, so every subscription starts by emitting a MODIFY for each
// incident that is ready to plan (see Unplanned). The channel is closed when
// ctx is done or the connection fails; callers resubscribe.
func (s *Store) Subscribe(ctx context.Context) (<-chan incident.Change, error) {
	pc, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen conn: %w", err)
	}
	if _, err := pc.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		pc.Release()
		return nil, fmt.Errorf("listen: %w", err)
	}
	// The LISTEN session state must not go back to the pool.
	conn := pc.Hijack()

	out := make(chan incident.Change)
	go func() {
		defer close(out)
		defer func() { _ = conn.Close(context.Background()) }()

		send := func(c incident.Change) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		// LISTEN is active, so anything changed after this query is also
		// notified.
		pending, err := s.Unplanned(ctx)
		if err != nil {
			s.logger.Error(ctx, err, "change feed catch-up failed")
			return
		}
		for _, inc := range pending {
			if !send(incident.Change{Type: incident.ChangeModify, ID: inc.IncidentID, NewImage: inc}) {
				return
			}
		}

		for {
			n, err := conn.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn(ctx, "change feed connection lost", "error", err)
				}
				return
			}
			c, ok, err := s.changeForRetry(ctx, n.Payload)
			if errors.Is(err, errBadNotification) {
				s.logger.Warn(ctx, "dropping malformed change notification", "payload", n.Payload, "error", err)
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				// The resubscribe catch-up picks the incident up again.
				s.logger.Error(ctx, err, "change feed re-read failed, resubscribing", "payload", n.Payload)
				return
			}
			if !ok {
				continue
			}
			if !send(c) {
				return
			}
		}
	}()
	return out, nil
}

// Unplanned returns incidents with detection and retrieval complete and no
// plan, oldest first. Incidents whose planning already failed were triggered
// once and are left out.
func (s *Store) Unplanned(ctx context.Context) ([]*incident.Incident, error) {
	ctx, span := startSpan(ctx, "pgstore.Unplanned", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT `+incidentColumns+` FROM incidents
		WHERE is_anomaly IS NOT NULL
		  AND jsonb_typeof(retrieved_context) = 'array'
		  AND jsonb_array_length(retrieved_context) > 0
		  AND remediation_plan IS NULL
		  AND status <> $1
		ORDER BY received_at`, string(incident.StatusPlanningFailed))
	if err != nil {
		fail(span, err)
		return nil, fmt.Errorf("query unplanned incidents: %w", err)
	}
	defer rows.Close()

	var out []*incident.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			fail(span, err)
			return nil, err
		}
		out = append(out, inc)
	}
	if err := rows.Err(); err != nil {
		fail(span, err)
		return nil, fmt.Errorf("scan unplanned incidents: %w", err)
	}
	span.SetAttributes(attribute.Int("opsflow.incidents.count", len(out)))
	return out, nil
}

// changeForRetry is changeFor with the row re-read retried on transient
// errors. Malformed payloads are not retried.
func (s *Store) changeForRetry(ctx context.Context, payload string) (incident.Change, bool, error) {
	type result struct {
		c  incident.Change
		ok bool
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = rereadBaseDelay

	r, err := backoff.Retry(ctx, func() (result, error) {
		c, ok, err := s.changeFor(ctx, payload)
		if errors.Is(err, errBadNotification) {
			return result{}, backoff.Permanent(err)
		}
		return result{c, ok}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(rereadTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.Warn(ctx, "change feed re-read failed, retrying", "error", err, "retry_in", next.String())
		}),
	)
	return r.c, r.ok, err
}

var errBadNotification = errors.New("malformed change notification")

type notification struct {
	Op string `json:"op"`
	ID string `json:"id"`
}

func (s *Store) changeFor(ctx context.Context, payload string) (incident.Change, bool, error) {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return incident.Change{}, false, fmt.Errorf("%w: %w", errBadNotification, err)
	}

	var typ incident.ChangeType
	switch n.Op {
	case "INSERT":
		typ = incident.ChangeInsert
	case "UPDATE":
		typ = incident.ChangeModify
	case "DELETE":
		return incident.Change{Type: incident.ChangeRemove, ID: n.ID}, true, nil
	default:
		return incident.Change{}, false, nil
	}

	inc, ok, err := s.Get(ctx, n.ID)
	if err != nil {
		return incident.Change{}, false, err
	}
	if !ok {
		// deleted before we could read it; the DELETE notification follows
		return incident.Change{}, false, nil
	}
	return incident.Change{Type: typ, ID: n.ID, NewImage: inc}, true, nil
}

// scanIncident scans a single row. Returns (nil, nil) when no row is found.
func scanIncident(row pgx.Row) (*incident.Incident, error) {
	var (
		inc          incident.Incident
		status       string
		details      []byte
		rawPayload   []byte
		retrievedCtx []byte
		plan         []byte
	)

	err := row.Scan(
		&inc.IncidentID, &inc.Source, &inc.Service, &inc.Severity, &inc.EventType, &inc.Message,
		&inc.Timestamp, &details, &status, &inc.ReceivedAt, &rawPayload,
		&inc.AnomalyScore, &inc.IsAnomaly, &inc.DetectionTimestamp,
		&retrievedCtx, &inc.RetrievalTimestamp, &plan, &inc.PlanningTimestamp, &inc.Error,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	inc.Status = incident.Status(status)
	inc.Timestamp = inc.Timestamp.UTC()
	inc.ReceivedAt = inc.ReceivedAt.UTC()
	if len(rawPayload) > 0 {
		inc.RawPayload = json.RawMessage(rawPayload)
	}
	if err := json.Unmarshal(details, &inc.IncidentDetails); err != nil {
		return nil, fmt.Errorf("unmarshal details: %w", err)
	}
	if len(retrievedCtx) > 0 {
		if err := json.Unmarshal(retrievedCtx, &inc.RetrievedContext); err != nil {
			return nil, fmt.Errorf("unmarshal retrieved context: %w", err)
		}
	}
	if len(plan) > 0 && string(plan) != "null" {
		inc.RemediationPlan = &incident.Plan{}
		if err := json.Unmarshal(plan, inc.RemediationPlan); err != nil {
			return nil, fmt.Errorf("unmarshal plan: %w", err)
		}
	}
	return &inc, nil
}

func nullJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

// compile-time checks
var (
	_ incident.Store = (*Store)(nil)
	_ incident.Feed  = (*Store)(nil)
)
