package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

const defaultAPIURL = "http://localhost:8080/api/v1/alerts"

type options struct {
	count  int
	delay  time.Duration
	apiURL string
	token  string
	seed   uint64
}

func newRootCmd() *cobra.Command {
	var o options
	cmd := &cobra.Command{
		Use:          "simulate",
		Short:        "Send synthetic incident alerts to the alert API",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cmd.OutOrStdout(), o, http.DefaultClient)
		},
	}

	f := cmd.Flags()
	f.IntVar(&o.count, "count", 5, "Number of incidents to send")
	f.DurationVar(&o.delay, "delay", time.Second, "Delay between sends")
	f.StringVar(&o.apiURL, "api-url", defaultAPIURL, "Alert ingress URL")
	f.StringVar(&o.token, "token", "", "Bearer token for the API")
	f.Uint64Var(&o.seed, "seed", 0, "Random seed (0 = time based)")
	return cmd
}

var (
	services   = []string{"auth-service", "payment-gateway", "search-engine", "inventory-db", "frontend-ui"}
	severities = []string{"INFO", "WARN", "ERROR", "CRITICAL"}
	// cumulative weights 10/30/40/20
	severityCDF = []int{10, 40, 80, 100}
	eventTypes  = []string{"LatencySpike", "ErrorRateIncrease", "Timeouts", "ResourceExhaustion", "ServiceDown"}
)

// alert is the payload shape accepted by POST /api/v1/alerts.
type alert struct {
	IncidentID string             `json:"incidentId"`
	Timestamp  int64              `json:"timestamp"`
	Service    string             `json:"service"`
	Severity   string             `json:"severity"`
	EventType  string             `json:"eventType"`
	Metrics    map[string]float64 `json:"metrics"`
	Message    string             `json:"message"`
}

func round(v float64, places int) float64 {
	p := 1.0
	for range places {
		p *= 10
	}
	return float64(int64(v*p+0.5)) / p
}

func generate(rng *rand.Rand, now time.Time) alert {
	sev := rng.IntN(100)
	severity := severities[len(severities)-1]
	for i, c := range severityCDF {
		if sev < c {
			severity = severities[i]
			break
		}
	}
	return alert{
		IncidentID: uuid.NewString(),
		Timestamp:  now.Unix(),
		Service:    services[rng.IntN(len(services))],
		Severity:   severity,
		EventType:  eventTypes[rng.IntN(len(eventTypes))],
		Metrics: map[string]float64{
			"errorRate":          round(rng.Float64()*0.5, 3),
			"latencyMs":          float64(50 + rng.IntN(1451)),
			"cpuUsagePercent":    round(10+rng.Float64()*80, 2),
			"memoryUsagePercent": round(10+rng.Float64()*80, 2),
		},
		Message: "Synthetic alert generated for testing OpsFlow pipeline",
	}
}

func run(ctx context.Context, out io.Writer, o options, client *http.Client) error {
	if o.count <= 0 {
		return fmt.Errorf("--count must be > 0")
	}
	seed := o.seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	rng := rand.New(rand.NewPCG(seed, seed>>1))

	fmt.Fprintln(out, "--- Starting Incident Simulation ---")
	failed := 0
	for i := range o.count {
		a := generate(rng, time.Now())
		if err := send(ctx, client, o, a); err != nil {
			failed++
			fmt.Fprintf(out, "[!] incident %s: %v\n", a.IncidentID, err)
		} else {
			fmt.Fprintf(out, "[+] incident %s accepted (%s %s %s)\n", a.IncidentID, a.Service, a.Severity, a.EventType)
		}

		if i < o.count-1 && o.delay > 0 {
			select {
			case <-time.After(o.delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	fmt.Fprintln(out, "--- Simulation Complete ---")
	if failed > 0 {
		return fmt.Errorf("%d of %d incidents failed", failed, o.count)
	}
	return nil
}

func send(ctx context.Context, client *http.Client, o options, a alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if o.token != "" {
		req.Header.Set("Authorization", "Bearer "+o.token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
