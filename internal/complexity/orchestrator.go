package complexity

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/traceforge/traceforge/assistant/internal/llm"
	"github.com/traceforge/traceforge/assistant/pkg/contracts"
	"github.com/traceforge/traceforge/assistant/pkg/models"
)

const collaborationPrompt = `A factory traceability assistant received the request below.
Decide whether answering it needs several cooperating agents working across different
business areas (for example quality, warehouse and supplier data combined in dependent
steps) rather than a single analysis pass.
Request: %s
Extracted features: %s
Answer with JSON: {"multi_agent": true|false}`

// ReasonerOrchestrator settles borderline complexity scores by asking the
// reasoner whether the request spans several agents.
type ReasonerOrchestrator struct {
	reasoner contracts.Reasoner
}

// NewReasonerOrchestrator returns an orchestrator backed by r.
func NewReasonerOrchestrator(r contracts.Reasoner) *ReasonerOrchestrator {
	return &ReasonerOrchestrator{reasoner: r}
}

// RequiresMultiAgentCollaboration implements contracts.AgentOrchestrator.
func (o *ReasonerOrchestrator) RequiresMultiAgentCollaboration(ctx context.Context, input string, f models.QueryFeatures) (bool, error) {
	features, err := json.Marshal(f)
	if err != nil {
		return false, err
	}
	var out struct {
		MultiAgent bool `json:"multi_agent"`
	}
	if err := llm.CompleteJSON(ctx, o.reasoner, contracts.ReasonRequest{
		Prompt:    fmt.Sprintf(collaborationPrompt, input, features),
		JSON:      true,
		MaxTokens: 20,
	}, &out); err != nil {
		return false, err
	}
	return out.MultiAgent, nil
}
