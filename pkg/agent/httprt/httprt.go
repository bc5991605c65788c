// Package httprt implements agent.Runtime against a generic
// HTTP+OAuth2 chat-completions style endpoint, for self-hosted or
// third-party model servers that speak neither the Anthropic nor
// Bedrock wire formats directly.
package httprt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	apperrors "github.com/valueforge/orchestrator/internal/errors"
	"github.com/valueforge/orchestrator/internal/httpclient"
	"github.com/valueforge/orchestrator/pkg/agent"
)

// Config points the runtime at an endpoint and credential source.
type Config struct {
	Endpoint    string
	Model       string
	TokenSource oauth2.TokenSource
	Timeout     time.Duration
}

// Runtime talks to a generic HTTP chat-completions endpoint.
type Runtime struct {
	client   *http.Client
	endpoint string
	model    string

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	system   string
	history  []message
	maxTurns int
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []message `json:"messages"`
	Tools    []toolDef `json:"tools,omitempty"`
	Stream   bool      `json:"stream"`
}

type toolDef struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		FinishReason string `json:"finish_reason"`
		Message      struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Name string                 `json:"name"`
				Args map[string]interface{} `json:"args"`
			} `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

// New builds a Runtime whose transport timeout is tuned by
// internal/httpclient.LLMClientConfig, since LLM responses routinely
// exceed ordinary API latencies.
func New(config Config) *Runtime {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = agent.DefaultSessionTimeout
	}
	httpClient := httpclient.NewClient(httpclient.LLMClientConfig(timeout))
	if config.TokenSource != nil {
		httpClient = oauth2.NewClient(context.Background(), config.TokenSource)
		httpClient.Timeout = timeout
	}
	return &Runtime{
		client:   httpClient,
		endpoint: config.Endpoint,
		model:    config.Model,
		sessions: map[string]*session{},
	}
}

var sessionCounter struct {
	mu sync.Mutex
	n  int
}

func nextSessionID() string {
	sessionCounter.mu.Lock()
	defer sessionCounter.mu.Unlock()
	sessionCounter.n++
	return fmt.Sprintf("httprt-%d", sessionCounter.n)
}

// Begin opens an in-memory session tracking conversation history.
func (r *Runtime) Begin(ctx context.Context, opts agent.BeginOptions) (agent.SessionHandle, error) {
	id := nextSessionID()
	r.mu.Lock()
	r.sessions[id] = &session{system: opts.System, maxTurns: opts.MaxTurns}
	r.mu.Unlock()
	return agent.SessionHandle{ID: id}, nil
}

// End drops the session's history.
func (r *Runtime) End(ctx context.Context, handle agent.SessionHandle) error {
	r.mu.Lock()
	delete(r.sessions, handle.ID)
	r.mu.Unlock()
	return nil
}

// Send runs the multi-turn loop: post the conversation, and for every
// tool call the model emits, resolve it via resolveTool and append the
// result as a new turn, until a terminal stop reason or max turns.
func (r *Runtime) Send(ctx context.Context, handle agent.SessionHandle, userMessage string, resolveTool agent.ToolResultProvider) (string, []agent.ToolCall, agent.Usage, agent.StopReason, error) {
	r.mu.Lock()
	sess, ok := r.sessions[handle.ID]
	r.mu.Unlock()
	if !ok {
		return "", nil, agent.Usage{}, "", apperrors.ValidationError("handle", "unknown session: "+handle.ID)
	}

	sess.history = append(sess.history, message{Role: "user", Content: userMessage})

	var allCalls []agent.ToolCall
	var totalUsage agent.Usage
	turns := 0

	for {
		turns++
		resp, err := r.postChat(ctx, sess)
		if err != nil {
			return "", allCalls, totalUsage, "", err
		}
		if len(resp.Choices) == 0 {
			return "", allCalls, totalUsage, "", apperrors.FailedTo("parse chat response", fmt.Errorf("no choices returned"))
		}
		choice := resp.Choices[0]
		totalUsage.InputTokens += resp.Usage.PromptTokens
		totalUsage.OutputTokens += resp.Usage.CompletionTokens

		if len(choice.Message.ToolCalls) == 0 || (sess.maxTurns > 0 && turns >= sess.maxTurns) {
			sess.history = append(sess.history, message{Role: "assistant", Content: choice.Message.Content})
			stop := agent.StopEndTurn
			if sess.maxTurns > 0 && turns >= sess.maxTurns {
				stop = agent.StopMaxTurns
			}
			return choice.Message.Content, allCalls, totalUsage, stop, nil
		}

		for _, tc := range choice.Message.ToolCalls {
			call := agent.ToolCall{Name: tc.Name, Inputs: tc.Args}
			allCalls = append(allCalls, call)
			result := resolveTool(ctx, call)
			sess.history = append(sess.history, message{Role: "tool", Content: result})
		}
	}
}

func (r *Runtime) postChat(ctx context.Context, sess *session) (*chatResponse, error) {
	messages := make([]message, 0, len(sess.history)+1)
	if sess.system != "" {
		messages = append(messages, message{Role: "system", Content: sess.system})
	}
	messages = append(messages, sess.history...)

	body, err := json.Marshal(chatRequest{Model: r.model, Messages: messages})
	if err != nil {
		return nil, apperrors.FailedToWithDetails("marshal chat request", "agent", r.endpoint, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.FailedToWithDetails("build chat request", "agent", r.endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, apperrors.NetworkError("send chat request", r.endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.NetworkError("read chat response", r.endpoint, err)
	}
	if resp.StatusCode >= 400 {
		return nil, apperrors.NetworkError("chat request returned an error status", r.endpoint, fmt.Errorf("status %d: %s", resp.StatusCode, data))
	}

	var out chatResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, apperrors.ParseError("chat response", "json", err)
	}
	return &out, nil
}
