package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/traceforge/traceforge/assistant/internal/errs"
	"github.com/traceforge/traceforge/assistant/internal/llm"
	"github.com/traceforge/traceforge/assistant/pkg/contracts"
	"github.com/traceforge/traceforge/assistant/pkg/models"
)

// Selection tells how the intent of a turn was chosen.
type Selection string

const (
	SelectNone     Selection = "none"
	SelectDirect   Selection = "direct"
	SelectRerank   Selection = "rerank"
	SelectReasoner Selection = "reasoner"
	SelectKeyword  Selection = "keyword"
	SelectPending  Selection = "pending"
)

// keywordFallbackMin is the keyword score a fallback pick needs: one
// untrained keyword hit scores exactly this.
const keywordFallbackMin = 0.5

type choice struct {
	code      string
	score     float64
	selection Selection
	keywords  []string
}

// selectIntent turns the routing decision into one intent. Direct decisions
// are taken as is, reranking blends the semantic score with the learned
// keyword score and everything else is classified by the reasoner, or by
// keywords alone when the reasoner is unavailable.
func (p *Pipeline) selectIntent(ctx context.Context, factoryID, input, conversation string, d models.RouteDecision) (choice, error) {
	switch d.Tier {
	case models.TierDirectExecute:
		top, _ := d.Top()
		return choice{code: top.IntentCode, score: top.Score, selection: SelectDirect}, nil
	case models.TierNeedReranking:
		if len(d.TopCandidates) > 0 {
			return p.rerank(ctx, factoryID, input, d.TopCandidates), nil
		}
	}

	intents, err := p.visibleIntents(ctx, factoryID)
	if err != nil {
		return choice{}, err
	}
	if len(intents) == 0 {
		return choice{selection: SelectNone}, nil
	}
	ch, err := p.classify(ctx, input, conversation, intents, d.TopCandidates)
	if err == nil {
		return ch, nil
	}
	log.Warn().Err(err).Str("factory", factoryID).Msg("Reasoner classification unavailable, falling back to keywords")
	return p.keywordFallback(ctx, factoryID, input, intents), nil
}

func (p *Pipeline) rerank(ctx context.Context, factoryID, input string, candidates []models.Candidate) choice {
	best := choice{selection: SelectRerank, score: -1}
	for _, c := range candidates {
		kw, matched, err := p.learning.KeywordScore(ctx, factoryID, c.IntentCode, input)
		if err != nil {
			log.Warn().Err(err).Str("intent", c.IntentCode).Msg("Keyword score failed, using semantic score only")
			kw, matched = 0, nil
		}
		score := (1-p.keywordWeight)*c.Score + p.keywordWeight*kw
		if score > best.score+1e-9 {
			best = choice{code: c.IntentCode, score: score, selection: SelectRerank, keywords: matched}
		}
	}
	return best
}

const classifySystemPrompt = `You classify requests sent to a factory traceability assistant.
Pick the single intent that matches the request, or none.
Return only a JSON object {"intent_code": "<code or empty>", "confidence": <0..1>}.`

type classification struct {
	IntentCode string  `json:"intent_code"`
	Confidence float64 `json:"confidence"`
}

func (p *Pipeline) classify(ctx context.Context, input, conversation string, intents []models.IntentDefinition, candidates []models.Candidate) (choice, error) {
	var b strings.Builder
	b.WriteString("Intents:\n")
	for _, it := range intents {
		fmt.Fprintf(&b, "- %s: %s", it.Code, it.Name)
		if it.Description != "" {
			fmt.Fprintf(&b, " (%s)", it.Description)
		}
		b.WriteByte('\n')
	}
	if len(candidates) > 0 {
		b.WriteString("\nClosest by similarity:")
		for _, c := range candidates {
			fmt.Fprintf(&b, " %s=%.2f", c.IntentCode, c.Score)
		}
		b.WriteByte('\n')
	}
	if conversation != "" {
		fmt.Fprintf(&b, "\nConversation:\n%s\n", conversation)
	}
	fmt.Fprintf(&b, "\nRequest: %s", input)

	cctx, cancel := context.WithTimeout(ctx, p.classifyTimeout)
	defer cancel()
	var out classification
	if err := llm.CompleteJSON(cctx, p.reasoner, contracts.ReasonRequest{
		System:      classifySystemPrompt,
		Prompt:      b.String(),
		MaxTokens:   100,
		Temperature: 0,
		Timeout:     p.classifyTimeout,
	}, &out); err != nil {
		return choice{}, err
	}

	code := strings.TrimSpace(out.IntentCode)
	if code == "" || out.Confidence < p.minConfidence {
		return choice{selection: SelectNone}, nil
	}
	for _, it := range intents {
		if it.Code == code {
			return choice{code: code, score: out.Confidence, selection: SelectReasoner}, nil
		}
	}
	log.Warn().Str("intent", code).Msg("Reasoner picked an unknown intent")
	return choice{selection: SelectNone}, nil
}

func (p *Pipeline) keywordFallback(ctx context.Context, factoryID, input string, intents []models.IntentDefinition) choice {
	best := choice{selection: SelectNone}
	for _, it := range intents {
		score, matched, err := p.learning.KeywordScore(ctx, factoryID, it.Code, input)
		if err != nil || score < keywordFallbackMin {
			continue
		}
		if score > best.score+1e-9 {
			best = choice{code: it.Code, score: score, selection: SelectKeyword, keywords: matched}
		}
	}
	return best
}

// followPending decides whether the turn answers the open collection. A
// confident route to a different intent leaves it to be abandoned.
func (p *Pipeline) followPending(ctx context.Context, factoryID string, pending *models.PendingCollection, d models.RouteDecision) (*models.IntentDefinition, bool) {
	if top, ok := d.Top(); ok && d.Tier != models.TierNeedFullLLM && top.IntentCode != pending.IntentCode {
		return nil, false
	}
	intent, err := p.visibleIntent(ctx, factoryID, pending.IntentCode)
	if err != nil {
		if !errs.IsNotFound(err) {
			log.Warn().Err(err).Str("intent", pending.IntentCode).Msg("Failed to load pending intent")
		}
		return nil, false
	}
	return intent, true
}

// visibleIntent returns the factory's active definition of code, falling
// back to the global one.
func (p *Pipeline) visibleIntent(ctx context.Context, factoryID, code string) (*models.IntentDefinition, error) {
	intent, err := p.intents.GetIntent(ctx, factoryID, code)
	if errs.IsNotFound(err) && factoryID != models.GlobalFactory {
		intent, err = p.intents.GetIntent(ctx, models.GlobalFactory, code)
	}
	if err != nil {
		return nil, err
	}
	if !intent.Active {
		return nil, &errs.NotFound{Entity: "intent", Key: code}
	}
	return intent, nil
}

// visibleIntents lists the active intents of the factory, factory
// definitions shadowing global ones, sorted by code.
func (p *Pipeline) visibleIntents(ctx context.Context, factoryID string) ([]models.IntentDefinition, error) {
	byCode := make(map[string]models.IntentDefinition)
	scopes := []string{models.GlobalFactory}
	if factoryID != models.GlobalFactory {
		scopes = append(scopes, factoryID)
	}
	for _, scope := range scopes {
		list, err := p.intents.ListIntents(ctx, scope)
		if err != nil {
			return nil, err
		}
		for _, it := range list {
			byCode[it.Code] = it
		}
	}
	out := make([]models.IntentDefinition, 0, len(byCode))
	for _, it := range byCode {
		if it.Active {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}
