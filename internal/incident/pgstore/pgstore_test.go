package pgstore_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/opsflow/internal/incident"
	"github.com/linnemanlabs/opsflow/internal/incident/pgstore"
	"github.com/linnemanlabs/opsflow/internal/postgres"
)

func openStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("OPSFLOW_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("OPSFLOW_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, dsn)
	if err != nil {
		t.Fatalf("postgres.NewPool: %v", err)
	}
	t.Cleanup(pool.Close)
	s, err := pgstore.New(ctx, pool, log.Nop())
	if err != nil {
		t.Fatalf("pgstore.New: %v", err)
	}
	return s
}

func newIncident(id string) *incident.Incident {
	now := time.Now().Truncate(time.Microsecond).UTC()
	return &incident.Incident{
		IncidentID:      id,
		Source:          "prometheus",
		Service:         "checkout",
		Severity:        "CRITICAL",
		EventType:       "ResourceExhaustion",
		Message:         "CPU spike",
		Timestamp:       now,
		IncidentDetails: incident.Details{PrimaryMetricName: "cpuUsagePercent", PrimaryMetricValue: 95},
		Status:          incident.StatusReceived,
		ReceivedAt:      now,
		RawPayload:      json.RawMessage(`{"service":"checkout"}`),
	}
}

func assertEqual[T comparable](t *testing.T, field string, want, got T) {
	t.Helper()
	if want != got {
		t.Errorf("%s = %v, want %v", field, got, want)
	}
}

func TestCreateAndGet(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	inc := newIncident("test-create-get-" + time.Now().Format("150405.000000"))
	t.Cleanup(func() { _ = s.Delete(ctx, inc.IncidentID) })

	created, err := s.Create(ctx, inc)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !created {
		t.Fatal("Create returned created=false, want true")
	}

	got, ok, err := s.Get(ctx, inc.IncidentID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("Get returned ok=false, want true")
	}

	assertEqual(t, "Service", inc.Service, got.Service)
	assertEqual(t, "Severity", inc.Severity, got.Severity)
	assertEqual(t, "Status", inc.Status, got.Status)
	assertEqual(t, "Timestamp", inc.Timestamp, got.Timestamp)
	assertEqual(t, "PrimaryMetricValue", inc.IncidentDetails.PrimaryMetricValue, got.IncidentDetails.PrimaryMetricValue)
	if got.AnomalyScore != nil || got.RemediationPlan != nil {
		t.Error("derived fields should be unset on a fresh record")
	}

	created, err = s.Create(ctx, inc)
	if err != nil {
		t.Fatalf("second Create: %v", err)
	}
	if created {
		t.Error("second Create returned created=true, want false")
	}
}

func TestGetMissing(t *testing.T) {
	s := openStore(t)

	_, ok, err := s.Get(context.Background(), "nonexistent-incident")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("Get returned ok=true for missing ID")
	}
}

func TestUpdateFieldGroups(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	inc := newIncident("test-update-" + time.Now().Format("150405.000000"))
	t.Cleanup(func() { _ = s.Delete(ctx, inc.IncidentID) })
	if _, err := s.Create(ctx, inc); err != nil {
		t.Fatalf("Create: %v", err)
	}

	now := time.Now().Truncate(time.Microsecond).UTC()

	// retrieval lands first; the later detection must not downgrade status
	if err := s.Update(ctx, inc.IncidentID, incident.Fields{
		Status:    incident.StatusPtr(incident.StatusContextRetrieved),
		Retrieval: &incident.Retrieval{Context: []incident.ContextEntry{{Document: "cpu.md", Section: "## Mitigation", Score: 0.8}}, RetrievedAt: now},
	}); err != nil {
		t.Fatalf("Update retrieval: %v", err)
	}
	if err := s.Update(ctx, inc.IncidentID, incident.Fields{
		Status:          incident.StatusPtr(incident.StatusDetected),
		StatusIfCurrent: []incident.Status{incident.StatusReceived},
		Detection:       &incident.Detection{AnomalyScore: 1.0, IsAnomaly: true, DetectedAt: now},
	}); err != nil {
		t.Fatalf("Update detection: %v", err)
	}

	got, _, err := s.Get(ctx, inc.IncidentID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	assertEqual(t, "Status", incident.StatusContextRetrieved, got.Status)
	if !incident.Ready(got) {
		t.Errorf("expected ready, reasons: %v", incident.NotReadyReasons(got))
	}

	plan := incident.Fields{
		Status:        incident.StatusPtr(incident.StatusPlanGenerated),
		Planning:      &incident.Planning{Plan: &incident.Plan{Risk: incident.RiskHigh, RequiresManualApproval: true}, PlannedAt: now},
		ClearError:    true,
		RequireNoPlan: true,
	}
	if err := s.Update(ctx, inc.IncidentID, plan); err != nil {
		t.Fatalf("Update plan: %v", err)
	}
	if err := s.Update(ctx, inc.IncidentID, plan); !errors.Is(err, incident.ErrConditionFailed) {
		t.Errorf("second plan Update err = %v, want ErrConditionFailed", err)
	}

	got, _, _ = s.Get(ctx, inc.IncidentID)
	if got.RemediationPlan == nil || got.RemediationPlan.Risk != incident.RiskHigh {
		t.Errorf("RemediationPlan = %+v, want HIGH risk plan", got.RemediationPlan)
	}
}

func TestUpdateMissing(t *testing.T) {
	s := openStore(t)

	err := s.Update(context.Background(), "nonexistent-incident", incident.Fields{Error: incident.StringPtr("x")})
	if !errors.Is(err, incident.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSubscribe(t *testing.T) {
	s := openStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ch, err := s.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	inc := newIncident("test-subscribe-" + time.Now().Format("150405.000000"))
	t.Cleanup(func() { _ = s.Delete(context.Background(), inc.IncidentID) })
	if _, err := s.Create(ctx, inc); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Update(ctx, inc.IncidentID, incident.Fields{Error: incident.StringPtr("boom")}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	var sawInsert, sawModify bool
	for !sawInsert || !sawModify {
		select {
		case c, ok := <-ch:
			if !ok {
				t.Fatal("feed closed early")
			}
			if c.ID != inc.IncidentID {
				continue
			}
			switch c.Type {
			case incident.ChangeInsert:
				sawInsert = true
			case incident.ChangeModify:
				sawModify = true
				if c.NewImage == nil {
					t.Fatal("MODIFY without NewImage")
				}
			}
		case <-ctx.Done():
			t.Fatalf("timed out: insert=%v modify=%v", sawInsert, sawModify)
		}
	}
}

func TestSubscribe_CatchesUpReadyIncidents(t *testing.T) {
	s := openStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Written before anyone listens, so no notification reaches the feed.
	suffix := time.Now().Format("150405.000000")
	ready := newIncident("test-catchup-ready-" + suffix)
	partial := newIncident("test-catchup-partial-" + suffix)
	failed := newIncident("test-catchup-failed-" + suffix)
	for _, inc := range []*incident.Incident{ready, partial, failed} {
		t.Cleanup(func() { _ = s.Delete(context.Background(), inc.IncidentID) })
		if _, err := s.Create(ctx, inc); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	now := time.Now().UTC()
	if err := s.Update(ctx, ready.IncidentID, incident.Fields{
		Detection: &incident.Detection{AnomalyScore: 1, IsAnomaly: true, DetectedAt: now},
		Retrieval: &incident.Retrieval{Context: []incident.ContextEntry{{Document: "cpu.md", Snippet: "scale out"}}, RetrievedAt: now},
	}); err != nil {
		t.Fatalf("Update ready: %v", err)
	}
	if err := s.Update(ctx, partial.IncidentID, incident.Fields{
		Detection: &incident.Detection{AnomalyScore: 1, IsAnomaly: true, DetectedAt: now},
	}); err != nil {
		t.Fatalf("Update partial: %v", err)
	}
	if err := s.Update(ctx, failed.IncidentID, incident.Fields{
		Status:    incident.StatusPtr(incident.StatusPlanningFailed),
		Error:     incident.StringPtr("completion: model exploded"),
		Detection: &incident.Detection{AnomalyScore: 1, IsAnomaly: true, DetectedAt: now},
		Retrieval: &incident.Retrieval{Context: []incident.ContextEntry{{Document: "cpu.md"}}, RetrievedAt: now},
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	pending, err := s.Unplanned(ctx)
	if err != nil {
		t.Fatalf("Unplanned: %v", err)
	}
	var sawReady bool
	for _, inc := range pending {
		if inc.IncidentID == partial.IncidentID || inc.IncidentID == failed.IncidentID {
			t.Errorf("Unplanned returned %s", inc.IncidentID)
		}
		sawReady = sawReady || inc.IncidentID == ready.IncidentID
	}
	if !sawReady {
		t.Fatalf("Unplanned missing %s", ready.IncidentID)
	}

	ch, err := s.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				t.Fatal("feed closed early")
			}
			if c.ID != ready.IncidentID {
				continue
			}
			if c.Type != incident.ChangeModify {
				t.Errorf("Type = %s, want %s", c.Type, incident.ChangeModify)
			}
			if !incident.Ready(c.NewImage) {
				t.Errorf("catch-up image not ready: %v", incident.NotReadyReasons(c.NewImage))
			}
			return
		case <-ctx.Done():
			t.Fatal("timed out waiting for catch-up change")
		}
	}
}
