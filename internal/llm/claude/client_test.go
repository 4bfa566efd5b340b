package claude

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/opsflow/internal/planner"
)

const testModel = "claude-test-model"

// captureServer records the last request body and replies with status/body.
type captureServer struct {
	mu     sync.Mutex
	body   map[string]any
	status int
	reply  string
}

func (c *captureServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	c.mu.Lock()
	_ = json.Unmarshal(raw, &c.body)
	c.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(c.status)
	_, _ = w.Write([]byte(c.reply))
}

func newTestClient(t *testing.T, cs *captureServer) *Client {
	t.Helper()
	srv := httptest.NewServer(cs)
	t.Cleanup(srv.Close)
	return New("test-key", testModel, Hooks{}, option.WithBaseURL(srv.URL))
}

func TestComplete_Text(t *testing.T) {
	t.Parallel()

	cs := &captureServer{status: http.StatusOK, reply: `{
		"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-test-model",
		"content": [{"type": "text", "text": "{\"risk\":"}, {"type": "text", "text": "\"LOW\"}"}],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 10, "output_tokens": 5}
	}`}
	c := newTestClient(t, cs)

	got, err := c.Complete(context.Background(), "plan this", 256, 0)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != `{"risk":"LOW"}` {
		t.Errorf("Complete = %q, want joined text blocks", got)
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.body["model"] != testModel {
		t.Errorf("model = %v, want %q", cs.body["model"], testModel)
	}
	if cs.body["max_tokens"] != float64(256) {
		t.Errorf("max_tokens = %v, want 256", cs.body["max_tokens"])
	}
	if cs.body["temperature"] != float64(0) {
		t.Errorf("temperature = %v, want 0", cs.body["temperature"])
	}
}

func TestComplete_ErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		status      int
		rateLimited bool
	}{
		{"too many requests", http.StatusTooManyRequests, true},
		{"overloaded", 529, true},
		{"unauthorized", http.StatusUnauthorized, false},
		{"bad request", http.StatusBadRequest, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cs := &captureServer{status: tt.status, reply: `{"type":"error","error":{"type":"x","message":"nope"}}`}
			c := newTestClient(t, cs)

			_, err := c.Complete(context.Background(), "p", 16, 0)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errors.Is(err, planner.ErrRateLimited); got != tt.rateLimited {
				t.Errorf("errors.Is(err, ErrRateLimited) = %v, want %v (err: %v)", got, tt.rateLimited, err)
			}
		})
	}
}

func TestTextOf_SkipsNonText(t *testing.T) {
	t.Parallel()

	cs := &captureServer{status: http.StatusOK, reply: `{
		"id": "msg_1", "type": "message", "role": "assistant", "model": "m",
		"content": [{"type": "thinking", "thinking": "hmm", "signature": "s"}, {"type": "text", "text": "answer"}],
		"stop_reason": "end_turn", "usage": {"input_tokens": 1, "output_tokens": 1}
	}`}
	got, err := newTestClient(t, cs).Complete(context.Background(), "p", 16, 0)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != "answer" {
		t.Errorf("Complete = %q, want %q", got, "answer")
	}
}

func TestComplete_Hooks(t *testing.T) {
	t.Parallel()

	cs := &captureServer{status: http.StatusOK, reply: `{
		"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-test-model",
		"content": [{"type": "text", "text": "ok"}],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 120, "output_tokens": 30}
	}`}
	srv := httptest.NewServer(cs)
	t.Cleanup(srv.Close)

	var (
		mu      sync.Mutex
		in, out int64
		calls   int
		callErr error
	)
	c := New("test-key", testModel, Hooks{
		OnCall: func(i, o int64, _ float64, err error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			in, out, callErr = i, o, err
		},
	}, option.WithBaseURL(srv.URL))

	if _, err := c.Complete(context.Background(), "p", 64, 0); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("OnCall called %d times, want 1", calls)
	}
	if in != 120 || out != 30 {
		t.Errorf("tokens = %d/%d, want 120/30", in, out)
	}
	if callErr != nil {
		t.Errorf("err = %v, want nil", callErr)
	}
}
