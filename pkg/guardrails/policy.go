package guardrails

import (
	"context"

	"github.com/open-policy-agent/opa/rego"

	apperrors "github.com/valueforge/orchestrator/internal/errors"
	"github.com/valueforge/orchestrator/pkg/loopstate"
)

// PolicyBundle is an optional organization-specific Rego policy
// evaluated after the deterministic guardrails pass. It can only add
// rejections; it never overrides a deterministic check's approval
// into a rejection-free pass, and a deterministic failure is never
// even submitted to it.
type PolicyBundle struct {
	query rego.PreparedEvalQuery
}

// LoadPolicyBundle compiles a Rego module exposing
// `data.orchestrator.guardrails.deny` as a set of violation strings.
// An empty deny set means the mutation is allowed.
func LoadPolicyBundle(ctx context.Context, moduleName, regoSource string) (*PolicyBundle, error) {
	query, err := rego.New(
		rego.Query("data.orchestrator.guardrails.deny"),
		rego.Module(moduleName, regoSource),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, apperrors.FailedToWithDetails("compile policy bundle", "guardrails", moduleName, err)
	}
	return &PolicyBundle{query: query}, nil
}

// EvaluateAdd runs the bundle against a proposed add request. Returns
// the first deny reason as a ValidationError, or nil when the bundle
// has no objection.
func (b *PolicyBundle) EvaluateAdd(ctx context.Context, state *loopstate.LoopState, req AddRequest) error {
	if b == nil {
		return nil
	}
	input := map[string]interface{}{
		"action":         "add",
		"description":    req.Description,
		"value":          req.Value,
		"source":         req.Source,
		"dependencies":   req.Dependencies,
		"expected_files": req.ExpectedFiles,
		"non_done_tasks": state.NonDoneTaskCount(),
	}
	results, err := b.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return apperrors.FailedTo("evaluate policy bundle", err)
	}
	return firstDeny(results)
}

func firstDeny(results rego.ResultSet) error {
	for _, r := range results {
		for _, expr := range r.Expressions {
			denies, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denies {
				if reason, ok := d.(string); ok && reason != "" {
					return apperrors.ValidationError("policy", reason)
				}
			}
		}
	}
	return nil
}
