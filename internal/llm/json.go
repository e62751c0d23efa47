package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/traceforge/traceforge/assistant/internal/errs"
	"github.com/traceforge/traceforge/assistant/pkg/contracts"
)

// CompleteJSON asks r for a JSON object and decodes it into out. Models often
// wrap JSON in prose or code fences, so the outermost object is extracted
// before decoding. A response with no decodable object is reported as
// ErrProviderUnavailable: the caller degrades exactly as for an outage.
func CompleteJSON(ctx context.Context, r contracts.Reasoner, req contracts.ReasonRequest, out any) error {
	if r == nil {
		return errs.Unavailable("reasoner", fmt.Errorf("not configured"))
	}
	req.JSON = true
	resp, err := r.Complete(ctx, req)
	if err != nil {
		return err
	}
	raw, ok := ExtractJSON(resp.Text)
	if !ok {
		return errs.Unavailable("reasoner", fmt.Errorf("no JSON object in response"))
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return errs.Unavailable("reasoner", fmt.Errorf("decode JSON response: %w", err))
	}
	return nil
}

// ExtractJSON returns the outermost {...} or [...] block of s.
func ExtractJSON(s string) (string, bool) {
	s = strings.TrimSpace(s)
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return "", false
	}
	open := s[start]
	closer := byte('}')
	if open == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(s, closer)
	if end <= start {
		return "", false
	}
	return s[start : end+1], true
}
