package main

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/linnemanlabs/opsflow/internal/detect"
	"github.com/linnemanlabs/opsflow/internal/llm/embedding"

	oc "github.com/linnemanlabs/opsflow/internal/cfg"
)

func TestNotifySystemd_NoSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")

	err := notifySystemd()
	if err == nil {
		t.Fatal("expected error when NOTIFY_SOCKET is empty")
	}
	if !strings.Contains(err.Error(), "NOTIFY_SOCKET not set") {
		t.Errorf("error = %q, want substring %q", err, "NOTIFY_SOCKET not set")
	}
}

func TestNotifySystemd_InvalidPath(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", filepath.Join(t.TempDir(), "nonexistent.sock"))

	err := notifySystemd()
	if err == nil {
		t.Fatal("expected error for nonexistent socket")
	}
	if !strings.Contains(err.Error(), "dial failed") {
		t.Errorf("error = %q, want substring %q", err, "dial failed")
	}
}

func TestNotifySystemd_Success(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "notify.sock")

	// Create a real unixgram listener.
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(context.Background(), "unixgram", sockPath)
	if err != nil {
		t.Fatalf("listen unixgram: %v", err)
	}
	defer func() { _ = conn.Close() }()

	t.Setenv("NOTIFY_SOCKET", sockPath)

	if err := notifySystemd(); err != nil {
		t.Fatalf("notifySystemd() = %v, want nil", err)
	}

	buf := make([]byte, 256)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read from socket: %v", err)
	}

	got := string(buf[:n])
	if got != "READY=1" {
		t.Errorf("payload = %q, want %q", got, "READY=1")
	}
}

func TestNewScorer(t *testing.T) {
	t.Parallel()

	s, err := newScorer(oc.Config{ScoringEndpoint: "http://scorer:8000/score"})
	if err != nil {
		t.Fatalf("newScorer: %v", err)
	}
	if _, ok := s.(*detect.HTTPScorer); !ok {
		t.Errorf("scorer = %T, want *detect.HTTPScorer", s)
	}

	s, err = newScorer(oc.Config{})
	if err != nil {
		t.Fatalf("newScorer: %v", err)
	}
	got, _ := s.Score(context.Background(), 95)
	if got != 1.0 {
		t.Errorf("built-in tiers Score(95) = %g, want 1.0", got)
	}
}

func TestNewScorer_TiersFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tiers.yaml")
	if err := os.WriteFile(path, []byte("tiers:\n  - above: 10\n    score: 0.8\ndefault: 0.1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	s, err := newScorer(oc.Config{ScoringTiersFile: path})
	if err != nil {
		t.Fatalf("newScorer: %v", err)
	}
	if got, _ := s.Score(context.Background(), 20); got != 0.8 {
		t.Errorf("Score(20) = %g, want 0.8", got)
	}

	if _, err := newScorer(oc.Config{ScoringTiersFile: filepath.Join(t.TempDir(), "missing.yaml")}); err == nil {
		t.Error("expected error for missing tiers file")
	}
}

func TestNewEmbedder(t *testing.T) {
	t.Parallel()

	e := newEmbedder(oc.Config{EmbeddingEndpoint: "http://embed/v1/embeddings", EmbeddingModel: "m", EmbeddingDimensions: 1536})
	if _, ok := e.(*embedding.HTTPEmbedder); !ok {
		t.Errorf("embedder = %T, want *embedding.HTTPEmbedder", e)
	}
	if e.Dimensions() != 1536 {
		t.Errorf("Dimensions() = %d, want 1536", e.Dimensions())
	}

	e = newEmbedder(oc.Config{EmbeddingDimensions: 64})
	if _, ok := e.(*embedding.HashEmbedder); !ok {
		t.Errorf("embedder = %T, want *embedding.HashEmbedder", e)
	}
	if e.Dimensions() != 64 {
		t.Errorf("Dimensions() = %d, want 64", e.Dimensions())
	}
}
