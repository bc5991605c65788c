package anthropicrt

import (
	"context"
	"testing"

	"github.com/valueforge/orchestrator/pkg/agent"
)

func TestBeginEndLifecycle(t *testing.T) {
	rt := New(Config{APIKey: "test-key"})

	handle, err := rt.Begin(context.Background(), agent.BeginOptions{System: "be terse"})
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if handle.ID == "" {
		t.Error("Begin() returned empty session handle")
	}

	if err := rt.End(context.Background(), handle); err != nil {
		t.Fatalf("End() error = %v", err)
	}

	// Sending against an ended session must fail fast without a network call.
	_, _, _, _, err = rt.Send(context.Background(), handle, "hello", noopResolver)
	if err == nil {
		t.Error("Send() after End() want error, got nil")
	}
}

func TestSendUnknownSessionErrors(t *testing.T) {
	rt := New(Config{APIKey: "test-key"})
	_, _, _, _, err := rt.Send(context.Background(), agent.SessionHandle{ID: "never-begun"}, "hi", noopResolver)
	if err == nil {
		t.Error("Send() with unknown handle want error, got nil")
	}
}

func TestNewDefaultsModelAndMaxTokens(t *testing.T) {
	rt := New(Config{APIKey: "test-key"})
	if rt.model == "" {
		t.Error("New() left model empty")
	}
	if rt.maxTokens == 0 {
		t.Error("New() left maxTokens at zero")
	}
}

func noopResolver(ctx context.Context, call agent.ToolCall) string { return "" }
