// Package normalize turns arbitrary alert payloads into incident drafts.
package normalize

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/tidwall/gjson"

	"github.com/linnemanlabs/opsflow/internal/incident"
	"github.com/linnemanlabs/opsflow/internal/signal"
)

// Defaults applied when a payload does not carry the field.
const (
	DefaultSource    = "unknown"
	DefaultService   = "unknown"
	DefaultSeverity  = "INFO"
	DefaultEventType = "Alert"
	DefaultMessage   = "no message"

	// HeuristicMetric names a primary metric that was inferred rather than read.
	HeuristicMetric = "heuristic"

	idPrefix = "inc-"
)

// Normalizer converts raw payloads to drafts. The zero value is usable.
type Normalizer struct {
	// Now defaults to time.Now.
	Now func() time.Time
	// NewID defaults to a prefixed ULID.
	NewID func() string
}

var defaultNormalizer Normalizer

// Normalize converts raw using the default clock and ID source.
func Normalize(raw []byte) incident.Draft {
	return defaultNormalizer.Normalize(raw)
}

// NewID returns a fresh incident ID.
func NewID() string {
	return idPrefix + ulid.Make().String()
}

// Normalize is total: any input, including invalid JSON, yields a draft.
func (n Normalizer) Normalize(raw []byte) incident.Draft {
	doc := unwrap(bytes.TrimSpace(raw))

	d := incident.Draft{
		Source:     orDefault(signal.Source, doc, DefaultSource),
		Service:    orDefault(signal.Service, doc, DefaultService),
		Severity:   strings.ToUpper(orDefault(signal.Severity, doc, DefaultSeverity)),
		EventType:  orDefault(signal.EventType, doc, DefaultEventType),
		Message:    orDefault(signal.Message, doc, DefaultMessage),
		RawPayload: rawPayload(doc),
	}

	if id, ok := signal.IncidentID.Exact(doc); ok {
		d.IncidentID = id
	} else {
		d.IncidentID = n.newID()
	}

	if ts, ok := signal.Timestamp.Time(doc); ok {
		d.Timestamp = ts
	} else {
		d.Timestamp = n.now().UTC()
	}

	if name, v, ok := signal.Metric(doc); ok {
		d.IncidentDetails = incident.Details{PrimaryMetricName: name, PrimaryMetricValue: v}
	} else {
		v := 0.0
		if signal.ErrorLike(d.Severity, d.EventType, d.Message) {
			v = 1.0
		}
		d.IncidentDetails = incident.Details{PrimaryMetricName: HeuristicMetric, PrimaryMetricValue: v}
	}

	return d
}

func (n Normalizer) now() time.Time {
	if n.Now != nil {
		return n.Now()
	}
	return time.Now()
}

func (n Normalizer) newID() string {
	if n.NewID != nil {
		return n.NewID()
	}
	return NewID()
}

// unwrap returns the inner document of a gateway envelope whose "body" is a
// JSON object encoded as a string. Any other input is returned unchanged.
func unwrap(doc []byte) []byte {
	if !signal.IsObject(doc) {
		return doc
	}
	body := gjson.GetBytes(doc, "body")
	if body.Type != gjson.String {
		return doc
	}
	inner := []byte(body.Str)
	if signal.IsObject(inner) {
		return inner
	}
	return doc
}

func orDefault(c signal.Chain, doc []byte, def string) string {
	if v, ok := c.String(doc); ok {
		return v
	}
	return def
}

// rawPayload keeps valid JSON verbatim. Invalid input is stored as a JSON
// string so the record stays encodable.
func rawPayload(doc []byte) json.RawMessage {
	if len(doc) == 0 {
		return json.RawMessage(`{}`)
	}
	if json.Valid(doc) {
		return append(json.RawMessage(nil), doc...)
	}
	b, _ := json.Marshal(string(doc))
	return b
}
