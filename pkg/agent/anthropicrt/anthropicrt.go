// Package anthropicrt implements agent.Runtime against the Anthropic
// Messages API via github.com/anthropics/anthropic-sdk-go.
package anthropicrt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	apperrors "github.com/valueforge/orchestrator/internal/errors"
	"github.com/valueforge/orchestrator/pkg/agent"
)

// Config selects the model and credentials for a Runtime.
type Config struct {
	APIKey    string
	Model     anthropic.Model
	MaxTokens int64
}

// Runtime talks to the Anthropic Messages API.
type Runtime struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	system   string
	history  []anthropic.MessageParam
	tools    []anthropic.ToolUnionParam
	maxTurns int
}

// New builds a Runtime from Config. If config.Model is empty it
// defaults to Claude's current latest Sonnet alias, matching the
// reasoning-tier default role configs.
func New(config Config) *Runtime {
	model := config.Model
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_0
	}
	maxTokens := config.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}
	return &Runtime{
		client:    anthropic.NewClient(option.WithAPIKey(config.APIKey)),
		model:     model,
		maxTokens: maxTokens,
		sessions:  map[string]*session{},
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
	return fmt.Sprintf("anthropicrt-%d", sessionCounter.n)
}

// Begin opens an in-memory session with the given system prompt and
// max-turn budget. It attaches no tool definitions: the session's tool
// list stays empty, so requests carry no tool schemas.
func (r *Runtime) Begin(ctx context.Context, opts agent.BeginOptions) (agent.SessionHandle, error) {
	id := nextSessionID()
	r.mu.Lock()
	r.sessions[id] = &session{system: opts.System, maxTurns: opts.MaxTurns}
	r.mu.Unlock()
	return agent.SessionHandle{ID: id}, nil
}

// End drops the session's conversation history.
func (r *Runtime) End(ctx context.Context, handle agent.SessionHandle) error {
	r.mu.Lock()
	delete(r.sessions, handle.ID)
	r.mu.Unlock()
	return nil
}

// Send appends userMessage, runs the multi-turn loop until the model
// stops requesting tools or MaxTurns is reached, and returns the final
// assistant text alongside every observed tool call.
func (r *Runtime) Send(ctx context.Context, handle agent.SessionHandle, userMessage string, resolveTool agent.ToolResultProvider) (string, []agent.ToolCall, agent.Usage, agent.StopReason, error) {
	r.mu.Lock()
	sess, ok := r.sessions[handle.ID]
	r.mu.Unlock()
	if !ok {
		return "", nil, agent.Usage{}, "", apperrors.ValidationError("handle", "unknown session: "+handle.ID)
	}

	sess.history = append(sess.history, anthropic.NewUserMessage(anthropic.NewTextBlock(userMessage)))

	var allCalls []agent.ToolCall
	var totalUsage agent.Usage
	turns := 0

	for {
		turns++
		params := anthropic.MessageNewParams{
			Model:     r.model,
			MaxTokens: r.maxTokens,
			Messages:  sess.history,
			Tools:     sess.tools,
		}
		if sess.system != "" {
			params.System = []anthropic.TextBlockParam{{Text: sess.system}}
		}

		msg, err := r.client.Messages.New(ctx, params)
		if err != nil {
			return "", allCalls, totalUsage, "", apperrors.NetworkError("send anthropic message", "anthropic-messages-api", err)
		}

		totalUsage.InputTokens += msg.Usage.InputTokens
		totalUsage.OutputTokens += msg.Usage.OutputTokens
		sess.history = append(sess.history, msg.ToParam())

		var text string
		var toolUses []anthropic.ToolUseBlock
		for _, block := range msg.Content {
			switch variant := block.AsAny().(type) {
			case anthropic.TextBlock:
				text += variant.Text
			case anthropic.ToolUseBlock:
				toolUses = append(toolUses, variant)
			}
		}

		atMaxTurns := sess.maxTurns > 0 && turns >= sess.maxTurns
		if len(toolUses) == 0 || msg.StopReason != anthropic.StopReasonToolUse || atMaxTurns {
			stop := stopReasonFrom(msg.StopReason)
			if atMaxTurns {
				stop = agent.StopMaxTurns
			}
			return text, allCalls, totalUsage, stop, nil
		}

		var resultBlocks []anthropic.ContentBlockParamUnion
		for _, tu := range toolUses {
			var inputs map[string]interface{}
			if err := json.Unmarshal(tu.Input, &inputs); err != nil {
				inputs = map[string]interface{}{}
			}
			call := agent.ToolCall{Name: tu.Name, Inputs: inputs}
			allCalls = append(allCalls, call)
			result := resolveTool(ctx, call)
			resultBlocks = append(resultBlocks, anthropic.NewToolResultBlock(tu.ID, result, false))
		}
		sess.history = append(sess.history, anthropic.NewUserMessage(resultBlocks...))
	}
}

func stopReasonFrom(r anthropic.StopReason) agent.StopReason {
	switch r {
	case anthropic.StopReasonToolUse:
		return agent.StopToolUse
	case anthropic.StopReasonMaxTokens:
		return agent.StopMaxTurns
	default:
		return agent.StopEndTurn
	}
}
