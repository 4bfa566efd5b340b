package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultGitHubAPI is the public GitHub REST endpoint.
const DefaultGitHubAPI = "https://api.github.com"

// RollbackWorkflow dispatches a GitHub Actions workflow, typically one that
// redeploys a previous release.
type RollbackWorkflow struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

// NewRollbackWorkflow creates the adapter. An empty endpoint uses
// DefaultGitHubAPI.
func NewRollbackWorkflow(endpoint, token string) *RollbackWorkflow {
	if endpoint == "" {
		endpoint = DefaultGitHubAPI
	}
	return &RollbackWorkflow{
		endpoint: strings.TrimRight(endpoint, "/"),
		token:    token,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (g *RollbackWorkflow) Name() string { return "dispatch_rollback_workflow" }

func (g *RollbackWorkflow) Description() string {
	return "Trigger a GitHub Actions workflow_dispatch event, used to run a rollback workflow for a repository."
}

func (g *RollbackWorkflow) Parameters() json.RawMessage {
	return json.RawMessage(`{
        "type": "object",
        "properties": {
            "owner": {"type": "string", "description": "Repository owner"},
            "repo": {"type": "string", "description": "Repository name"},
            "workflow_id": {"type": "string", "description": "Workflow file name or ID"},
            "ref": {"type": "string", "description": "Git ref to run the workflow on"},
            "inputs": {"type": "object", "description": "Workflow inputs"}
        },
        "required": ["owner", "repo", "workflow_id", "ref"]
    }`)
}

type dispatchParams struct {
	Owner      string            `json:"owner"`
	Repo       string            `json:"repo"`
	WorkflowID string            `json:"workflow_id"`
	Ref        string            `json:"ref"`
	Inputs     map[string]any `json:"inputs,omitempty"`
}

func (g *RollbackWorkflow) Invoke(ctx context.Context, params json.RawMessage) (*Result, error) {
	var in dispatchParams
	if err := json.Unmarshal(params, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if in.Owner == "" || in.Repo == "" || in.WorkflowID == "" || in.Ref == "" {
		return nil, fmt.Errorf("%w: %s requires 'owner', 'repo', 'workflow_id', and 'ref'", ErrInvalidParams, g.Name())
	}
	if in.Inputs == nil {
		in.Inputs = map[string]any{}
	}

	body, err := json.Marshal(struct {
		Ref    string            `json:"ref"`
		Inputs map[string]any `json:"inputs"`
	}{in.Ref, in.Inputs})
	if err != nil {
		return nil, fmt.Errorf("marshal dispatch: %w", err)
	}

	u := fmt.Sprintf("%s/repos/%s/%s/actions/workflows/%s/dispatches",
		g.endpoint, url.PathEscape(in.Owner), url.PathEscape(in.Repo), url.PathEscape(in.WorkflowID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("workflow dispatch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("github returned %d: %s", resp.StatusCode, string(b))
	}

	details, _ := json.Marshal(map[string]any{
		"httpStatus": resp.StatusCode,
		"workflow":   in.WorkflowID,
		"repository": in.Owner + "/" + in.Repo,
		"ref":        in.Ref,
	})
	return &Result{
		Status:  "success",
		Message: fmt.Sprintf("Action '%s' completed successfully.", g.Name()),
		Details: details,
	}, nil
}
