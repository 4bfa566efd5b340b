package actions

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRollbackWorkflow_Invoke(t *testing.T) {
	t.Parallel()

	var gotPath, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &gotBody)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	g := NewRollbackWorkflow(srv.URL, "gh-token")
	res, err := g.Invoke(context.Background(), json.RawMessage(
		`{"owner":"acme","repo":"checkout","workflow_id":"rollback.yml","ref":"main","inputs":{"version":"v1.2.3"}}`))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	if gotPath != "/repos/acme/checkout/actions/workflows/rollback.yml/dispatches" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer gh-token" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotBody["ref"] != "main" {
		t.Errorf("ref = %v, want main", gotBody["ref"])
	}
	if res.Status != "success" {
		t.Errorf("Status = %q, want success", res.Status)
	}
	var details map[string]any
	_ = json.Unmarshal(res.Details, &details)
	if details["httpStatus"] != float64(204) {
		t.Errorf("httpStatus = %v, want 204", details["httpStatus"])
	}
}

func TestRollbackWorkflow_InvalidParams(t *testing.T) {
	t.Parallel()

	g := NewRollbackWorkflow("http://127.0.0.1:1", "")
	tests := []struct {
		name   string
		params string
	}{
		{"missing ref", `{"owner":"acme","repo":"checkout","workflow_id":"rollback.yml"}`},
		{"missing owner", `{"repo":"checkout","workflow_id":"rollback.yml","ref":"main"}`},
		{"not json", `nope`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := g.Invoke(context.Background(), json.RawMessage(tt.params))
			if !errors.Is(err, ErrInvalidParams) {
				t.Errorf("err = %v, want ErrInvalidParams", err)
			}
		})
	}
}

func TestRollbackWorkflow_GitHubError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewRollbackWorkflow(srv.URL, "t").Invoke(context.Background(), json.RawMessage(
		`{"owner":"acme","repo":"checkout","workflow_id":"rollback.yml","ref":"main"}`))
	if err == nil {
		t.Fatal("expected error for 404")
	}
}
