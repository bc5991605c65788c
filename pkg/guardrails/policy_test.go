package guardrails

import (
	"context"
	"testing"

	"github.com/valueforge/orchestrator/pkg/loopstate"
)

const testPolicyModule = `
package orchestrator.guardrails

deny[msg] {
	input.action == "add"
	startswith(input.description, "prod/")
	msg := "no task may target prod/ without an approved epic"
}
`

func TestPolicyBundleDeniesMatchingRule(t *testing.T) {
	bundle, err := LoadPolicyBundle(context.Background(), "test.rego", testPolicyModule)
	if err != nil {
		t.Fatalf("LoadPolicyBundle() error = %v", err)
	}

	state := loopstate.New("sprint-1")
	err = bundle.EvaluateAdd(context.Background(), state, AddRequest{Description: "prod/deploy the thing", Value: "v", Source: "plan"})
	if err == nil {
		t.Error("EvaluateAdd() want deny, got nil")
	}
}

func TestPolicyBundleAllowsNonMatchingRequest(t *testing.T) {
	bundle, err := LoadPolicyBundle(context.Background(), "test.rego", testPolicyModule)
	if err != nil {
		t.Fatalf("LoadPolicyBundle() error = %v", err)
	}

	state := loopstate.New("sprint-1")
	err = bundle.EvaluateAdd(context.Background(), state, AddRequest{Description: "staging/deploy the thing", Value: "v", Source: "plan"})
	if err != nil {
		t.Errorf("EvaluateAdd() error = %v, want nil", err)
	}
}

func TestNilPolicyBundleAllowsEverything(t *testing.T) {
	var bundle *PolicyBundle
	state := loopstate.New("sprint-1")
	if err := bundle.EvaluateAdd(context.Background(), state, AddRequest{Description: "prod/anything"}); err != nil {
		t.Errorf("EvaluateAdd() on nil bundle error = %v, want nil", err)
	}
}
