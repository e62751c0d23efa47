package slotfill

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/traceforge/traceforge/assistant/internal/errs"
)

// validators compiles slot validation expressions once and reuses them.
// An expression sees the candidate as `value` and must yield a bool,
// e.g. `value > 0 && value <= 10000` or `value matches "^B\\d{4}"`.
type validators struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
}

func newValidators() *validators {
	return &validators{programs: make(map[string]*vm.Program)}
}

func (v *validators) program(src string) (*vm.Program, error) {
	v.mu.RLock()
	p, ok := v.programs[src]
	v.mu.RUnlock()
	if ok {
		return p, nil
	}
	p, err := expr.Compile(src, expr.AsBool())
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	v.programs[src] = p
	v.mu.Unlock()
	return p, nil
}

// check returns an *errs.AmbiguousSlot when value fails the expression.
// A broken expression rejects every value so the user is re-prompted
// instead of running an intent with an unchecked parameter.
func (v *validators) check(slot, src string, value any) error {
	if src == "" {
		return nil
	}
	p, err := v.program(src)
	if err != nil {
		return &errs.AmbiguousSlot{Slot: slot, Reason: fmt.Sprintf("invalid validation rule: %v", err)}
	}
	out, err := expr.Run(p, map[string]any{"value": value})
	if err != nil {
		return &errs.AmbiguousSlot{Slot: slot, Reason: fmt.Sprintf("validation error: %v", err)}
	}
	if ok, _ := out.(bool); !ok {
		return &errs.AmbiguousSlot{Slot: slot, Reason: fmt.Sprintf("value %v fails %s", value, src)}
	}
	return nil
}
