package httprt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/valueforge/orchestrator/pkg/agent"
)

func TestSendReturnsTextWithNoToolCalls(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{{"message": map[string]interface{}{"content": "done"}}},
		})
	}))
	defer server.Close()

	rt := New(Config{Endpoint: server.URL, Model: "test-model"})
	handle, err := rt.Begin(context.Background(), agent.BeginOptions{System: "be terse"})
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	text, calls, _, stop, err := rt.Send(context.Background(), handle, "hello", noopResolver)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if text != "done" {
		t.Errorf("Send() text = %q, want %q", text, "done")
	}
	if len(calls) != 0 {
		t.Errorf("Send() calls = %+v, want none", calls)
	}
	if stop != agent.StopEndTurn {
		t.Errorf("Send() stop = %v, want StopEndTurn", stop)
	}
}

func TestSendResolvesToolCallsBeforeFinishing(t *testing.T) {
	turn := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		turn++
		if turn == 1 {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"choices": []map[string]interface{}{{
					"message": map[string]interface{}{
						"tool_calls": []map[string]interface{}{{"name": "run_check", "args": map[string]interface{}{}}},
					},
				}},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{{"message": map[string]interface{}{"content": "ok"}}},
		})
	}))
	defer server.Close()

	rt := New(Config{Endpoint: server.URL, Model: "test-model"})
	handle, _ := rt.Begin(context.Background(), agent.BeginOptions{})

	var resolvedCall string
	resolver := func(ctx context.Context, call agent.ToolCall) string {
		resolvedCall = call.Name
		return "result"
	}

	text, calls, _, stop, err := rt.Send(context.Background(), handle, "go", resolver)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if resolvedCall != "run_check" {
		t.Errorf("resolver invoked with %q, want run_check", resolvedCall)
	}
	if len(calls) != 1 || calls[0].Name != "run_check" {
		t.Errorf("Send() calls = %+v, want one run_check call", calls)
	}
	if text != "ok" {
		t.Errorf("Send() text = %q, want %q", text, "ok")
	}
	if stop != agent.StopEndTurn {
		t.Errorf("Send() stop = %v, want StopEndTurn", stop)
	}
}

func TestSendUnknownSessionErrors(t *testing.T) {
	rt := New(Config{Endpoint: "http://unused", Model: "test-model"})
	_, _, _, _, err := rt.Send(context.Background(), agent.SessionHandle{ID: "missing"}, "hi", noopResolver)
	if err == nil {
		t.Error("Send() with unknown handle want error, got nil")
	}
}

func noopResolver(ctx context.Context, call agent.ToolCall) string { return "" }
