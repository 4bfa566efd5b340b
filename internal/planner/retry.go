package planner

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrRateLimited marks a completion error that is worth retrying.
var ErrRateLimited = errors.New("completion rate limited")

// Retry defaults.
const (
	DefaultMaxAttempts = 7
	DefaultBaseDelay   = 3 * time.Second
	DefaultJitter      = 1500 * time.Millisecond
)

// expBackOff waits base * 2^(n-1) plus a random jitter in [0, jitter)
// before retry n.
type expBackOff struct {
	base   time.Duration
	jitter time.Duration
	n      int
}

func (b *expBackOff) NextBackOff() time.Duration {
	b.n++
	d := b.base << (b.n - 1)
	if b.jitter > 0 {
		d += rand.N(b.jitter)
	}
	return d
}

func (b *expBackOff) Reset() { b.n = 0 }

// complete calls the completer under the rate limiter, retrying only errors
// that match ErrRateLimited.
func (p *Planner) complete(ctx context.Context, prompt string) (string, error) {
	op := func() (string, error) {
		if err := p.limiter.Wait(ctx); err != nil {
			return "", backoff.Permanent(err)
		}
		text, err := p.completer.Complete(ctx, prompt, p.opts.MaxTokens, 0)
		if err == nil {
			p.attempt("ok")
			return text, nil
		}
		if errors.Is(err, ErrRateLimited) {
			p.attempt("rate_limited")
			return "", err
		}
		p.attempt("error")
		return "", backoff.Permanent(err)
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(&expBackOff{base: p.opts.BaseDelay, jitter: p.opts.Jitter}),
		backoff.WithMaxTries(uint(p.opts.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.logger.Warn(ctx, "completion rate limited, retrying",
				"error", err,
				"retry_in", next.String(),
			)
		}),
	)
}

func (p *Planner) attempt(outcome string) {
	if p.hooks.OnAttempt != nil {
		p.hooks.OnAttempt(outcome)
	}
}
