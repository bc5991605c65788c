// Package breaker wraps any agent.Runtime with a sony/gobreaker
// circuit breaker plus exponential-backoff retry, implementing the
// "transport error retried up to 3 times with exponential backoff;
// on exhaustion surfaced as a RuntimeError" policy uniformly across
// every concrete backend.
package breaker

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	apperrors "github.com/valueforge/orchestrator/internal/errors"
	"github.com/valueforge/orchestrator/pkg/agent"
)

// Config tunes the breaker and retry policy.
type Config struct {
	MaxConsecutiveFailures uint32
	OpenTimeout            time.Duration
	MaxRetries             int
	InitialBackoff         time.Duration
}

// DefaultConfig applies a documented retry policy (3
// retries after the first call, exponential backoff) plus a
// conservative breaker.
func DefaultConfig() Config {
	return Config{
		MaxConsecutiveFailures: 5,
		OpenTimeout:            30 * time.Second,
		MaxRetries:             3,
		InitialBackoff:         2 * time.Second,
	}
}

// Runtime wraps an inner agent.Runtime, retrying Send on retryable
// errors and tripping a circuit breaker on sustained failure.
type Runtime struct {
	inner agent.Runtime
	cb    *gobreaker.CircuitBreaker
	retry Config
}

// New wraps inner with the given Config.
func New(inner agent.Runtime, config Config) *Runtime {
	settings := gobreaker.Settings{
		Name:        "agent-runtime",
		MaxRequests: 1,
		Timeout:     config.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.MaxConsecutiveFailures
		},
	}
	return &Runtime{inner: inner, cb: gobreaker.NewCircuitBreaker(settings), retry: config}
}

// Begin delegates directly; opening a session is not retried.
func (r *Runtime) Begin(ctx context.Context, opts agent.BeginOptions) (agent.SessionHandle, error) {
	return r.inner.Begin(ctx, opts)
}

// End delegates directly.
func (r *Runtime) End(ctx context.Context, handle agent.SessionHandle) error {
	return r.inner.End(ctx, handle)
}

// Send runs the inner Send through the circuit breaker, retrying a
// retryable failure up to MaxRetries times with exponential backoff.
// On exhaustion, the last error is surfaced wrapped as a RuntimeError.
func (r *Runtime) Send(ctx context.Context, handle agent.SessionHandle, userMessage string, resolveTool agent.ToolResultProvider) (string, []agent.ToolCall, agent.Usage, agent.StopReason, error) {
	type result struct {
		text  string
		calls []agent.ToolCall
		usage agent.Usage
		stop  agent.StopReason
	}

	var lastErr error
	backoff := r.retry.InitialBackoff

	for attempt := 0; attempt <= r.retry.MaxRetries; attempt++ {
		out, err := r.cb.Execute(func() (interface{}, error) {
			text, calls, usage, stop, err := r.inner.Send(ctx, handle, userMessage, resolveTool)
			if err != nil {
				return nil, err
			}
			return result{text: text, calls: calls, usage: usage, stop: stop}, nil
		})
		if err == nil {
			r := out.(result)
			return r.text, r.calls, r.usage, r.stop, nil
		}

		lastErr = err
		if !apperrors.IsRetryable(err) || attempt == r.retry.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return "", nil, agent.Usage{}, "", ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return "", nil, agent.Usage{}, "", apperrors.FailedToWithDetails("send agent runtime message after retries", "agent", string(handle.ID), lastErr)
}
