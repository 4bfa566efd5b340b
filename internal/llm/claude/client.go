// Package claude implements planner.Completer on the Anthropic Messages API.
package claude

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/opsflow/internal/planner"
)

var tracer = otel.Tracer("github.com/linnemanlabs/opsflow/internal/llm/claude")

// systemPrompt frames every completion.
const systemPrompt = "You are an expert incident response AI. Follow all instructions precisely."

// Hooks observe completion calls. Nil fields are skipped.
type Hooks struct {
	OnCall func(inputTokens, outputTokens int64, duration float64, err error)
}

// Client implements planner.Completer for the Claude API.
type Client struct {
	sdk   anthropic.Client
	model string
	hooks Hooks
}

// New creates a Claude client. Retries are left to the planner so rate
// limits surface as planner.ErrRateLimited.
func New(apiKey, model string, hooks Hooks, opts ...option.RequestOption) *Client {
	base := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
		option.WithHTTPClient(&http.Client{
			Timeout:   120 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}),
	}
	return &Client{
		sdk:   anthropic.NewClient(append(base, opts...)...),
		model: model,
		hooks: hooks,
	}
}

// Complete sends prompt as a single user turn and returns the concatenated
// text blocks of the reply.
func (c *Client) Complete(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	ctx, span := tracer.Start(ctx, "llm.call", trace.WithAttributes(
		attribute.String("gen_ai.operation.name", "llm.call"),
		attribute.String("gen_ai.system", "anthropic"),
		attribute.String("gen_ai.request.model", c.model),
		attribute.Int("gen_ai.request.max_tokens", maxTokens),
	))
	defer span.End()

	start := time.Now()
	msg, err := c.sdk.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(temperature),
		System:      []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		err = classify(err)
		c.observe(0, 0, start, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	span.SetAttributes(
		attribute.String("gen_ai.response.model", string(msg.Model)),
		attribute.String("gen_ai.response.finish_reason", string(msg.StopReason)),
		attribute.Int64("gen_ai.usage.input_tokens", msg.Usage.InputTokens),
		attribute.Int64("gen_ai.usage.output_tokens", msg.Usage.OutputTokens),
	)

	c.observe(msg.Usage.InputTokens, msg.Usage.OutputTokens, start, nil)
	return textOf(msg.Content), nil
}

func (c *Client) observe(in, out int64, start time.Time, err error) {
	if c.hooks.OnCall != nil {
		c.hooks.OnCall(in, out, time.Since(start).Seconds(), err)
	}
}

func textOf(blocks []anthropic.ContentBlockUnion) string {
	var b strings.Builder
	for _, block := range blocks {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// classify maps throttling and overload responses to planner.ErrRateLimited.
func classify(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests, 529:
			return fmt.Errorf("claude api %d: %w", apiErr.StatusCode, errors.Join(planner.ErrRateLimited, err))
		}
		return fmt.Errorf("claude api %d: %w", apiErr.StatusCode, err)
	}
	return fmt.Errorf("claude request: %w", err)
}

var _ planner.Completer = (*Client)(nil)
