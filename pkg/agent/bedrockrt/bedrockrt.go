// Package bedrockrt implements agent.Runtime against Anthropic models
// served through AWS Bedrock, via aws-sdk-go-v2/service/bedrockruntime
// Converse API. This is the backend for deployments that route model
// traffic through an AWS account rather than directly to Anthropic.
package bedrockrt

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	apperrors "github.com/valueforge/orchestrator/internal/errors"
	"github.com/valueforge/orchestrator/pkg/agent"
)

// Config selects the Bedrock model ID and a pre-built client.
type Config struct {
	Client    *bedrockruntime.Client
	ModelID   string
	MaxTokens int32
}

// Runtime talks to Bedrock's Converse API.
type Runtime struct {
	client    *bedrockruntime.Client
	modelID   string
	maxTokens int32

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	system   string
	history  []types.Message
	toolCfg  *types.ToolConfiguration
	maxTurns int
}

// New builds a Runtime from Config.
func New(config Config) *Runtime {
	maxTokens := config.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}
	return &Runtime{
		client:    config.Client,
		modelID:   config.ModelID,
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
	return fmt.Sprintf("bedrockrt-%d", sessionCounter.n)
}

// Begin opens an in-memory session.
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

// Send appends userMessage and runs Converse in a loop, resolving any
// tool_use content blocks via resolveTool until the model stops
// requesting tools or MaxTurns is reached.
func (r *Runtime) Send(ctx context.Context, handle agent.SessionHandle, userMessage string, resolveTool agent.ToolResultProvider) (string, []agent.ToolCall, agent.Usage, agent.StopReason, error) {
	r.mu.Lock()
	sess, ok := r.sessions[handle.ID]
	r.mu.Unlock()
	if !ok {
		return "", nil, agent.Usage{}, "", apperrors.ValidationError("handle", "unknown session: "+handle.ID)
	}

	sess.history = append(sess.history, types.Message{
		Role:    types.ConversationRoleUser,
		Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: userMessage}},
	})

	var allCalls []agent.ToolCall
	var totalUsage agent.Usage
	turns := 0

	for {
		turns++
		input := &bedrockruntime.ConverseInput{
			ModelId:  aws.String(r.modelID),
			Messages: sess.history,
			ToolConfig: sess.toolCfg,
			InferenceConfig: &types.InferenceConfiguration{
				MaxTokens: aws.Int32(r.maxTokens),
			},
		}
		if sess.system != "" {
			input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: sess.system}}
		}

		out, err := r.client.Converse(ctx, input)
		if err != nil {
			return "", allCalls, totalUsage, "", apperrors.NetworkError("converse with bedrock", r.modelID, err)
		}

		if out.Usage != nil {
			totalUsage.InputTokens += int64(aws.ToInt32(out.Usage.InputTokens))
			totalUsage.OutputTokens += int64(aws.ToInt32(out.Usage.OutputTokens))
		}

		outputMember, ok := out.Output.(*types.ConverseOutputMemberMessage)
		if !ok {
			return "", allCalls, totalUsage, "", apperrors.FailedTo("parse bedrock converse output", fmt.Errorf("unexpected output variant"))
		}
		assistantMsg := outputMember.Value
		sess.history = append(sess.history, assistantMsg)

		var text string
		var toolUseCount int
		for _, block := range assistantMsg.Content {
			switch v := block.(type) {
			case *types.ContentBlockMemberText:
				text += v.Value
			case *types.ContentBlockMemberToolUse:
				toolUseCount++
			}
		}

		atMaxTurns := sess.maxTurns > 0 && turns >= sess.maxTurns
		stopping := out.StopReason != types.StopReasonToolUse
		if toolUseCount == 0 || stopping || atMaxTurns {
			stop := stopReasonFrom(out.StopReason)
			if atMaxTurns {
				stop = agent.StopMaxTurns
			}
			return text, allCalls, totalUsage, stop, nil
		}

		var resultBlocks []types.ContentBlock
		for _, block := range assistantMsg.Content {
			tuBlock, ok := block.(*types.ContentBlockMemberToolUse)
			if !ok {
				continue
			}
			var inputs map[string]interface{}
			if doc, ok := tuBlock.Value.Input.(types.DocumentMemberJSON); ok {
				inputs = docToMap(doc)
			}
			call := agent.ToolCall{Name: aws.ToString(tuBlock.Value.Name), Inputs: inputs}
			allCalls = append(allCalls, call)
			result := resolveTool(ctx, call)
			resultBlocks = append(resultBlocks, &types.ContentBlockMemberToolResult{
				Value: types.ToolResultBlock{
					ToolUseId: tuBlock.Value.ToolUseId,
					Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: result}},
				},
			})
		}
		sess.history = append(sess.history, types.Message{
			Role:    types.ConversationRoleUser,
			Content: resultBlocks,
		})
	}
}

func docToMap(doc types.DocumentMemberJSON) map[string]interface{} {
	m, _ := doc.Value.(map[string]interface{})
	return m
}

func stopReasonFrom(r types.StopReason) agent.StopReason {
	switch r {
	case types.StopReasonToolUse:
		return agent.StopToolUse
	case types.StopReasonMaxTokens:
		return agent.StopMaxTurns
	default:
		return agent.StopEndTurn
	}
}
