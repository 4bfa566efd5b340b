package planner

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/linnemanlabs/opsflow/internal/incident"
)

//go:embed prompt_template.md
var promptTemplate string

// Placeholder fallbacks when an incident has no retrieved context.
const (
	noLogs     = "No logs retrieved."
	noRunbooks = "No runbooks retrieved."
)

// BuildPrompt fills the prompt template for inc.
func BuildPrompt(inc *incident.Incident) (string, error) {
	data, err := incidentJSON(inc)
	if err != nil {
		return "", err
	}

	var logs, runbooks []string
	for _, c := range inc.RetrievedContext {
		logs = append(logs, "- "+c.Snippet)
		runbooks = append(runbooks, fmt.Sprintf("- %s (Section: %s)", c.Document, c.Section))
	}

	r := strings.NewReplacer(
		"{incident_json}", data,
		"{logs}", joinOr(logs, noLogs),
		"{runbooks}", joinOr(runbooks, noRunbooks),
	)
	return r.Replace(promptTemplate), nil
}

// incidentJSON renders the subset of the record the model sees.
func incidentJSON(inc *incident.Incident) (string, error) {
	b := []byte(`{}`)
	set := func(path string, v any) error {
		var err error
		b, err = sjson.SetBytes(b, path, v)
		if err != nil {
			return fmt.Errorf("build incident json %s: %w", path, err)
		}
		return nil
	}

	fields := []struct {
		path string
		v    any
	}{
		{"incidentId", inc.IncidentID},
		{"service", inc.Service},
		{"message", inc.Message},
		{"severity", inc.Severity},
		{"eventType", inc.EventType},
		{"anomalyScore", inc.AnomalyScore},
		{"isAnomaly", inc.IsAnomaly},
	}
	for _, f := range fields {
		if err := set(f.path, f.v); err != nil {
			return "", err
		}
	}
	return strings.TrimSpace(gjson.GetBytes(b, "@pretty").Raw), nil
}

func joinOr(lines []string, fallback string) string {
	if len(lines) == 0 {
		return fallback
	}
	return strings.Join(lines, "\n")
}
