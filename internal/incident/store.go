package incident

import (
	"context"
	"errors"
	"slices"
	"time"
)

var (
	// ErrNotFound is returned when an incident does not exist.
	ErrNotFound = errors.New("incident not found")

	// ErrConditionFailed is returned when a conditional update's guard does not hold.
	ErrConditionFailed = errors.New("incident update condition failed")
)

// Detection is the field group owned by the detector.
type Detection struct {
	AnomalyScore float64
	IsAnomaly    bool
	DetectedAt   time.Time
}

// Retrieval is the field group owned by the retriever.
type Retrieval struct {
	Context     []ContextEntry
	RetrievedAt time.Time
}

// Planning is the field group owned by the planner.
type Planning struct {
	Plan      *Plan
	PlannedAt time.Time
}

// Fields is a partial, field-scoped update. Only the groups that are set are
// written; everything else on the record is left untouched.
type Fields struct {
	Status *Status

	// StatusIfCurrent, when non-empty, applies the Status, Error and
	// ClearError changes only if the stored status is one of these values.
	// Data groups are applied regardless.
	StatusIfCurrent []Status

	Detection *Detection
	Retrieval *Retrieval
	Planning  *Planning

	// Error sets the error string. ClearError removes it.
	Error      *string
	ClearError bool

	// RequireNoPlan makes the whole update conditional on the record not
	// having a remediation plan yet; ErrConditionFailed otherwise.
	RequireNoPlan bool
}

// Empty reports whether the update would not change anything.
func (f *Fields) Empty() bool {
	return f.Status == nil && f.Detection == nil && f.Retrieval == nil &&
		f.Planning == nil && f.Error == nil && !f.ClearError
}

// Apply mutates inc according to f. It returns ErrConditionFailed if
// RequireNoPlan is set and inc already has a plan. Store implementations that
// hold records in memory use it directly.
func (f *Fields) Apply(inc *Incident) error {
	if f.RequireNoPlan && inc.RemediationPlan != nil {
		return ErrConditionFailed
	}
	transition := len(f.StatusIfCurrent) == 0 || slices.Contains(f.StatusIfCurrent, inc.Status)
	if f.Status != nil && transition {
		inc.Status = *f.Status
	}
	if d := f.Detection; d != nil {
		score, anomaly, at := d.AnomalyScore, d.IsAnomaly, d.DetectedAt
		inc.AnomalyScore = &score
		inc.IsAnomaly = &anomaly
		inc.DetectionTimestamp = &at
	}
	if r := f.Retrieval; r != nil {
		at := r.RetrievedAt
		inc.RetrievedContext = append([]ContextEntry{}, r.Context...)
		inc.RetrievalTimestamp = &at
	}
	if p := f.Planning; p != nil {
		at := p.PlannedAt
		plan := (&Incident{RemediationPlan: p.Plan}).Clone().RemediationPlan
		inc.RemediationPlan = plan
		inc.PlanningTimestamp = &at
	}
	if f.ClearError && transition {
		inc.Error = ""
	}
	if f.Error != nil && transition {
		inc.Error = *f.Error
	}
	return nil
}

// StatusPtr is a convenience for building Fields literals.
func StatusPtr(s Status) *Status { return &s }

// StringPtr is a convenience for building Fields literals.
func StringPtr(s string) *string { return &s }

// Store is the persistence interface for incidents.
type Store interface {
	// Create writes the initial record if no record with the same ID exists.
	// It reports whether the record was created.
	Create(ctx context.Context, inc *Incident) (created bool, err error)

	// Get returns a copy of the record.
	Get(ctx context.Context, id string) (*Incident, bool, error)

	// Update applies a partial, field-scoped update. It returns ErrNotFound
	// for a missing record and ErrConditionFailed when a guard does not hold.
	Update(ctx context.Context, id string, fields Fields) error
}

// ChangeType is the kind of mutation a change notification describes.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeModify ChangeType = "MODIFY"
	ChangeRemove ChangeType = "REMOVE"
)

// Change is one entry of the store's change feed. Delivery is at-least-once
// and may be out of order; NewImage is the record state as read after the
// mutation and is nil for removals.
type Change struct {
	Type     ChangeType
	ID       string
	NewImage *Incident
}

// Feed delivers change notifications. The channel is closed when ctx is done
// or the feed fails.
type Feed interface {
	Subscribe(ctx context.Context) (<-chan Change, error)
}
