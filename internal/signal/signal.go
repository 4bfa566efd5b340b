// Package signal holds the ordered field lookups shared by every stage that
// reads alert payloads. Each chain is tried in order and the first present,
// non-empty value wins, so the normalizer, detector and retriever agree on
// where a field comes from.
package signal

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Chain is an ordered list of gjson paths.
type Chain []string

var (
	IncidentID = Chain{"incidentId", "id", "incident_id"}
	Service    = Chain{"service", "incidentDetails.service", "details.service", "labels.service", "rawPayload.service", "raw.service"}
	Message    = Chain{"message", "details.message", "annotations.summary", "rawPayload.message", "raw.message"}
	Source     = Chain{"source", "labels.source", "rawPayload.source", "raw.source"}
	Severity   = Chain{"severity", "level", "labels.severity", "rawPayload.severity", "raw.severity"}
	EventType  = Chain{"eventType", "event_type", "type", "labels.alertname", "rawPayload.eventType", "raw.eventType"}
	Timestamp  = Chain{"timestamp", "time", "startsAt", "createdAt", "rawPayload.timestamp", "raw.timestamp"}
)

// metricChain is tried before the named metrics.* keys.
var metricChain = Chain{
	"incidentDetails.primaryMetricValue",
	"primaryMetricValue",
	"metricValue",
	"details.metricValue",
	"details.value",
	"rawPayload.metricValue",
	"raw.metricValue",
}

// KnownMetrics are the metrics.* keys consulted last, in order.
var KnownMetrics = []string{"cpuUsagePercent", "memoryUsagePercent", "latencyMs", "errorRate"}

// IsObject reports whether doc is a valid JSON object.
func IsObject(doc []byte) bool {
	return gjson.ValidBytes(doc) && gjson.ParseBytes(doc).IsObject()
}

// String returns the first non-empty string or number along the chain.
func (c Chain) String(doc []byte) (string, bool) {
	for _, p := range c {
		r := gjson.GetBytes(doc, p)
		switch r.Type {
		case gjson.String:
			if s := strings.TrimSpace(r.Str); s != "" {
				return s, true
			}
		case gjson.Number:
			return r.Raw, true
		}
	}
	return "", false
}

// Exact is String without trimming: the first string that is not blank is
// returned as written. Numbers are returned as their raw text.
func (c Chain) Exact(doc []byte) (string, bool) {
	for _, p := range c {
		r := gjson.GetBytes(doc, p)
		switch r.Type {
		case gjson.String:
			if strings.TrimSpace(r.Str) != "" {
				return r.Str, true
			}
		case gjson.Number:
			return r.Raw, true
		}
	}
	return "", false
}

// Float returns the first numeric value along the chain. Numeric strings are
// accepted.
func (c Chain) Float(doc []byte) (float64, string, bool) {
	for _, p := range c {
		if v, ok := number(gjson.GetBytes(doc, p)); ok {
			return v, p, true
		}
	}
	return 0, "", false
}

// number rejects NaN and infinities; encoding/json cannot represent them.
func number(r gjson.Result) (float64, bool) {
	var v float64
	switch r.Type {
	case gjson.Number:
		v = r.Num
	case gjson.String:
		f, err := strconv.ParseFloat(strings.TrimSpace(r.Str), 64)
		if err != nil {
			return 0, false
		}
		v = f
	default:
		return 0, false
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// Metric extracts the primary metric and its name.
func Metric(doc []byte) (name string, value float64, ok bool) {
	v, path, found := metricChain.Float(doc)
	if found {
		return metricName(doc, path), v, true
	}
	for _, k := range KnownMetrics {
		if v, ok := number(gjson.GetBytes(doc, "metrics."+k)); ok {
			return k, v, true
		}
	}
	return "", 0, false
}

func metricName(doc []byte, path string) string {
	if path == "incidentDetails.primaryMetricValue" {
		if n := gjson.GetBytes(doc, "incidentDetails.primaryMetricName").String(); n != "" {
			return n
		}
	}
	if n := gjson.GetBytes(doc, "metricName").String(); n != "" {
		return n
	}
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// epochMillisThreshold separates epoch seconds from epoch milliseconds.
const epochMillisThreshold = 1e12

// minEpochSeconds is the first second of year 0.
const minEpochSeconds = -62167219200

// maxEpochSeconds is the last second of year 9999, the largest time
// encoding/json can marshal.
const maxEpochSeconds = 253402300799

// Time returns the first usable timestamp along the chain. Numbers are epoch
// seconds, or milliseconds when above 1e12. Strings may be RFC3339 or
// numeric. Values outside years 0 to 9999 are skipped.
func (c Chain) Time(doc []byte) (time.Time, bool) {
	for _, p := range c {
		r := gjson.GetBytes(doc, p)
		if r.Type == gjson.String {
			s := strings.TrimSpace(r.Str)
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				if t = t.UTC(); t.Year() >= 0 && t.Year() <= 9999 {
					return t, true
				}
				continue
			}
		}
		v, ok := number(r)
		if !ok {
			continue
		}
		if t, ok := fromEpoch(v); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

func fromEpoch(v float64) (time.Time, bool) {
	if v > epochMillisThreshold {
		if v/1000 > maxEpochSeconds {
			return time.Time{}, false
		}
		return time.UnixMilli(int64(v)).UTC(), true
	}
	if v < minEpochSeconds || v > maxEpochSeconds {
		return time.Time{}, false
	}
	sec := math.Floor(v)
	return time.Unix(int64(sec), int64((v-sec)*1e9)).UTC(), true
}

var errorSeverities = map[string]bool{"ERROR": true, "CRITICAL": true, "FATAL": true}

var errorWords = []string{"error", "fail", "exception", "down", "timeout"}

// ErrorLike reports whether an alert looks like a failure even though it
// carries no metric.
func ErrorLike(severity, eventType, message string) bool {
	if errorSeverities[strings.ToUpper(severity)] {
		return true
	}
	text := strings.ToLower(eventType + " " + message)
	for _, w := range errorWords {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}
