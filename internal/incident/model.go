package incident

import (
	"encoding/json"
	"time"
)

// Status tracks where an incident is in the pipeline.
type Status string

const (
	// StatusReceived means the incident was ingested and nothing has run yet
	StatusReceived Status = "RECEIVED"

	// StatusDetected means anomaly detection wrote its score
	StatusDetected Status = "DETECTED"

	// StatusContextRetrieved means the retriever attached context
	StatusContextRetrieved Status = "CONTEXT_RETRIEVED"

	// StatusRetrievalFailed means retrieval ended with an error
	StatusRetrievalFailed Status = "RETRIEVAL_FAILED"

	// StatusPlanGenerated means a remediation plan was stored
	StatusPlanGenerated Status = "PLAN_GENERATED"

	// StatusPlanningFailed means the planner gave up
	StatusPlanningFailed Status = "PLANNING_FAILED"
)

// Risk levels a plan may carry.
const (
	RiskLow    = "LOW"
	RiskMedium = "MEDIUM"
	RiskHigh   = "HIGH"
)

// MaxErrorLen bounds the error string stored on a failed incident.
const MaxErrorLen = 500

// Details holds the structured signals extracted at normalization time.
type Details struct {
	PrimaryMetricName  string  `json:"primaryMetricName"`
	PrimaryMetricValue float64 `json:"primaryMetricValue"`
}

// ContextEntry is one retrieved document section attached to an incident.
type ContextEntry struct {
	Document string  `json:"document"`
	Section  string  `json:"section"`
	Score    float64 `json:"score"`
	Snippet  string  `json:"snippet"`
}

// PlanStep is a single remediation action proposed by the planner.
type PlanStep struct {
	StepID      string          `json:"stepId"`
	Description string          `json:"description,omitempty"`
	Action      string          `json:"action,omitempty"`
	Params      json.RawMessage `json:"params,omitempty"`
}

// Plan is the structured remediation plan generated for an incident.
type Plan struct {
	Summary                string          `json:"summary,omitempty"`
	RootCause              string          `json:"rootCause,omitempty"`
	Risk                   string          `json:"risk"`
	RequiresManualApproval bool            `json:"requiresManualApproval"`
	Steps                  []PlanStep      `json:"steps,omitempty"`
	Raw                    json.RawMessage `json:"raw,omitempty"`
}

// Step returns the plan step with the given ID.
func (p *Plan) Step(id string) (*PlanStep, bool) {
	if p == nil {
		return nil, false
	}
	for i := range p.Steps {
		if p.Steps[i].StepID == id {
			return &p.Steps[i], true
		}
	}
	return nil, false
}

// Draft is the normalized form of a raw alert before it is persisted.
type Draft struct {
	IncidentID      string          `json:"incidentId"`
	Source          string          `json:"source"`
	Service         string          `json:"service"`
	Severity        string          `json:"severity"`
	EventType       string          `json:"eventType"`
	Message         string          `json:"message"`
	Timestamp       time.Time       `json:"timestamp"`
	IncidentDetails Details         `json:"incidentDetails"`
	RawPayload      json.RawMessage `json:"rawPayload,omitempty"`
}

// Incident is the single mutable record tracking one alert through the pipeline.
//
// Field groups have exactly one writer: detection fields belong to the
// detector, retrieval fields to the retriever, plan fields to the planner.
type Incident struct {
	IncidentID      string          `json:"incidentId"`
	Source          string          `json:"source"`
	Service         string          `json:"service"`
	Severity        string          `json:"severity"`
	EventType       string          `json:"eventType"`
	Message         string          `json:"message"`
	Timestamp       time.Time       `json:"timestamp"`
	IncidentDetails Details         `json:"incidentDetails"`
	Status          Status          `json:"status"`
	ReceivedAt      time.Time       `json:"receivedAt"`
	RawPayload      json.RawMessage `json:"rawPayload,omitempty"`

	AnomalyScore       *float64   `json:"anomalyScore"`
	IsAnomaly          *bool      `json:"isAnomaly"`
	DetectionTimestamp *time.Time `json:"detectionTimestamp,omitempty"`

	RetrievedContext   []ContextEntry `json:"retrievedContext"`
	RetrievalTimestamp *time.Time     `json:"retrievalTimestamp,omitempty"`

	RemediationPlan   *Plan      `json:"remediationPlan"`
	PlanningTimestamp *time.Time `json:"planningTimestamp,omitempty"`

	Error string `json:"error,omitempty"`
}

// FromDraft builds the initial record for a draft: status RECEIVED and every
// derived field unset.
func FromDraft(d *Draft, receivedAt time.Time) *Incident {
	return &Incident{
		IncidentID:      d.IncidentID,
		Source:          d.Source,
		Service:         d.Service,
		Severity:        d.Severity,
		EventType:       d.EventType,
		Message:         d.Message,
		Timestamp:       d.Timestamp,
		IncidentDetails: d.IncidentDetails,
		Status:          StatusReceived,
		ReceivedAt:      receivedAt,
		RawPayload:      d.RawPayload,
	}
}

// Clone returns a deep copy so callers never share slices or pointers with a store.
func (i *Incident) Clone() *Incident {
	if i == nil {
		return nil
	}
	cp := *i
	cp.RawPayload = cloneRaw(i.RawPayload)
	if i.AnomalyScore != nil {
		v := *i.AnomalyScore
		cp.AnomalyScore = &v
	}
	if i.IsAnomaly != nil {
		v := *i.IsAnomaly
		cp.IsAnomaly = &v
	}
	cp.DetectionTimestamp = cloneTime(i.DetectionTimestamp)
	cp.RetrievalTimestamp = cloneTime(i.RetrievalTimestamp)
	cp.PlanningTimestamp = cloneTime(i.PlanningTimestamp)
	if i.RetrievedContext != nil {
		cp.RetrievedContext = append([]ContextEntry(nil), i.RetrievedContext...)
	}
	if i.RemediationPlan != nil {
		p := *i.RemediationPlan
		p.Raw = cloneRaw(p.Raw)
		if p.Steps != nil {
			p.Steps = make([]PlanStep, len(i.RemediationPlan.Steps))
			for n, s := range i.RemediationPlan.Steps {
				s.Params = cloneRaw(s.Params)
				p.Steps[n] = s
			}
		}
		cp.RemediationPlan = &p
	}
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}

// TruncateError bounds an error message to MaxErrorLen bytes without
// splitting a UTF-8 sequence.
func TruncateError(msg string) string {
	if len(msg) <= MaxErrorLen {
		return msg
	}
	cut := MaxErrorLen
	for cut > 0 && !utf8Start(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

func utf8Start(b byte) bool {
	return b&0xC0 != 0x80
}
