package planner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/linnemanlabs/opsflow/internal/incident"
)

// ExtractError reports model output that did not contain a JSON object.
type ExtractError struct {
	Reason string
	Raw    string
	Err    error
}

func (e *ExtractError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extract plan json: %s: %v", e.Reason, e.Err)
	}
	return "extract plan json: " + e.Reason
}

func (e *ExtractError) Unwrap() error { return e.Err }

// ExtractJSON returns the JSON object in text. The whole trimmed text is
// tried first, then the span from the first '{' to the last '}'.
func ExtractJSON(text string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed), nil
	}

	first := strings.Index(text, "{")
	last := strings.LastIndex(text, "}")
	if first == -1 || last == -1 || last < first {
		return nil, &ExtractError{Reason: "no JSON object boundaries found in model response", Raw: text}
	}

	candidate := text[first : last+1]
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(candidate), &obj); err != nil {
		return nil, &ExtractError{Reason: "extracted text is not a JSON object", Raw: text, Err: err}
	}
	return json.RawMessage(candidate), nil
}

// wirePlan is the model's plan shape. Step IDs may come back as numbers.
type wirePlan struct {
	Summary   string `json:"summary"`
	RootCause string `json:"rootCause"`
	Risk      string `json:"risk"`
	Steps     []struct {
		StepID      json.RawMessage `json:"stepId"`
		Description string          `json:"description"`
		Action      string          `json:"action"`
		Params      json.RawMessage `json:"params"`
	} `json:"steps"`
}

// ParsePlan decodes an extracted object and applies risk gating: a missing
// risk is HIGH and anything but LOW requires manual approval.
func ParsePlan(raw json.RawMessage) (*incident.Plan, error) {
	var w wirePlan
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, &ExtractError{Reason: "plan does not match the expected shape", Raw: string(raw), Err: err}
	}

	p := &incident.Plan{
		Summary:   w.Summary,
		RootCause: w.RootCause,
		Risk:      GateRisk(w.Risk),
		Raw:       append(json.RawMessage(nil), raw...),
	}
	p.RequiresManualApproval = p.Risk != incident.RiskLow

	for i, s := range w.Steps {
		id := stepID(s.StepID)
		if id == "" {
			id = fmt.Sprintf("step-%d", i+1)
		}
		step := incident.PlanStep{
			StepID:      id,
			Description: s.Description,
			Action:      s.Action,
		}
		if len(s.Params) > 0 && string(s.Params) != "null" {
			step.Params = append(json.RawMessage(nil), s.Params...)
		}
		p.Steps = append(p.Steps, step)
	}
	return p, nil
}

// GateRisk normalizes a model supplied risk level.
func GateRisk(risk string) string {
	risk = strings.ToUpper(strings.TrimSpace(risk))
	if risk == "" {
		return incident.RiskHigh
	}
	return risk
}

func stepID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
