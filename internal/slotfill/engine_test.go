package slotfill

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traceforge/traceforge/assistant/internal/errs"
	"github.com/traceforge/traceforge/assistant/internal/store"
	"github.com/traceforge/traceforge/assistant/pkg/contracts"
	"github.com/traceforge/traceforge/assistant/pkg/models"
)

type countingReasoner struct {
	text  string
	err   error
	calls atomic.Int32
}

func (r *countingReasoner) Complete(ctx context.Context, req contracts.ReasonRequest) (*contracts.ReasonResponse, error) {
	r.calls.Add(1)
	if r.err != nil {
		return nil, r.err
	}
	return &contracts.ReasonResponse{Text: r.text}, nil
}

func shipIntent() *models.IntentDefinition {
	return &models.IntentDefinition{
		Code:     "SHIP_BATCH",
		Category: models.CategoryDataOp,
		RequiredSlots: []models.SlotSpec{
			{Name: "batch", Type: models.SlotValueBatch},
			{Name: "quantity", Type: models.SlotValueNumber, Validation: "value > 0 && value <= 1000", Prompt: "请提供出库数量"},
			{Name: "remark", Type: models.SlotValueString, Optional: true},
		},
	}
}

func newEngine(t *testing.T, opts ...Option) (*Engine, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })
	now := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	opts = append([]Option{WithRuleStore(s), WithClock(func() time.Time { return now })}, opts...)
	return NewEngine(s, opts...), s
}

func turn(intent *models.IntentDefinition, input string) Turn {
	return Turn{SessionID: "s1", FactoryID: "F1", Intent: intent, Input: input}
}

// ─── State machine ───────────────────────────────────────────

func TestCompleteOnFirstTurn(t *testing.T) {
	e, _ := newEngine(t)
	res, err := e.CheckAndStartSlotFilling(context.Background(), turn(shipIntent(), "出库批次B2024-07 数量50件"))
	require.NoError(t, err)
	assert.True(t, res.Complete)
	assert.Equal(t, map[string]any{"batch": "B2024-07", "quantity": 50.0}, res.Parameters)
	assert.Empty(t, res.Missing)
	assert.Equal(t, []string{"batch", "quantity"}, res.Filled)

	_, open, err := e.Pending(context.Background(), "s1")
	require.NoError(t, err)
	assert.False(t, open)
}

func TestCollectsMissingSlotOverTurns(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	res, err := e.CheckAndStartSlotFilling(ctx, turn(shipIntent(), "出库批次B2024-07"))
	require.NoError(t, err)
	assert.False(t, res.Complete)
	assert.Equal(t, 1, res.Step)
	require.Len(t, res.Missing, 1)
	assert.Equal(t, "quantity", res.Missing[0].Name)
	assert.Equal(t, "not provided", res.Missing[0].Reason)
	assert.Equal(t, "请提供出库数量", res.Prompt)

	p, open, err := e.Pending(ctx, "s1")
	require.NoError(t, err)
	require.True(t, open)
	assert.Equal(t, models.PendingAwaitingSlot, p.Status)
	assert.Equal(t, []string{"quantity"}, p.Missing)

	res, err = e.CheckAndStartSlotFilling(ctx, turn(shipIntent(), "50"))
	require.NoError(t, err)
	assert.True(t, res.Complete)
	assert.Equal(t, map[string]any{"batch": "B2024-07", "quantity": 50.0}, res.Parameters)
	assert.Equal(t, []string{"quantity"}, res.Filled)

	_, open, err = e.Pending(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, open)
}

func TestFailedValidationReprompts(t *testing.T) {
	e, _ := newEngine(t)
	res, err := e.CheckAndStartSlotFilling(context.Background(), turn(shipIntent(), "出库批次B2024-07 数量5000件"))
	require.NoError(t, err)
	assert.False(t, res.Complete)
	require.Len(t, res.Missing, 1)
	assert.Equal(t, "quantity", res.Missing[0].Name)
	assert.Contains(t, res.Missing[0].Reason, "fails")
	assert.NotContains(t, res.Parameters, "quantity")
}

func TestSwitchingIntentAbandonsPending(t *testing.T) {
	e, s := newEngine(t)
	ctx := context.Background()

	_, err := e.CheckAndStartSlotFilling(ctx, turn(shipIntent(), "出库批次B2024-07"))
	require.NoError(t, err)

	other := &models.IntentDefinition{Code: "SHOW_DASHBOARD"}
	res, err := e.CheckAndStartSlotFilling(ctx, turn(other, "打开看板"))
	require.NoError(t, err)
	assert.True(t, res.Complete)
	assert.Empty(t, res.Parameters)

	p, err := s.GetPending(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.PendingAbandoned, p.Status)
	assert.Equal(t, "SHIP_BATCH", p.IntentCode)

	// a later turn for the first intent starts over
	res, err = e.CheckAndStartSlotFilling(ctx, turn(shipIntent(), "数量20"))
	require.NoError(t, err)
	assert.False(t, res.Complete)
	assert.Equal(t, map[string]any{"quantity": 20.0}, res.Parameters)
}

func TestNoProgressAbandonsAfterMaxAttempts(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	_, err := e.CheckAndStartSlotFilling(ctx, turn(shipIntent(), "出库批次B2024-07"))
	require.NoError(t, err)

	for i := 0; i < DefaultMaxAttempts-1; i++ {
		res, err := e.ContinueSlotFilling(ctx, turn(shipIntent(), "嗯"))
		require.NoError(t, err)
		assert.False(t, res.Abandoned)
		assert.Equal(t, 1, res.Step)
	}
	res, err := e.ContinueSlotFilling(ctx, turn(shipIntent(), "嗯"))
	require.NoError(t, err)
	assert.True(t, res.Abandoned)
	assert.False(t, res.Complete)

	_, err = e.ContinueSlotFilling(ctx, turn(shipIntent(), "50"))
	assert.True(t, errs.IsNotFound(err))
}

func TestFreeTextAnswerFillsSingleStringSlot(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	intent := &models.IntentDefinition{
		Code:          "STOP_LINE",
		RequiredSlots: []models.SlotSpec{{Name: "reason", Type: models.SlotValueString, Prompt: "请说明停线原因"}},
	}

	res, err := e.CheckAndStartSlotFilling(ctx, turn(intent, "申请停线"))
	require.NoError(t, err)
	assert.Equal(t, "请说明停线原因", res.Prompt)

	res, err = e.CheckAndStartSlotFilling(ctx, turn(intent, " 设备异常 "))
	require.NoError(t, err)
	assert.True(t, res.Complete)
	assert.Equal(t, "设备异常", res.Parameters["reason"])
}

func TestAbandonWithoutPendingIsNoop(t *testing.T) {
	e, _ := newEngine(t)
	assert.NoError(t, e.Abandon(context.Background(), "nobody", "test"))
}

func TestGetRequiredSlotsCopies(t *testing.T) {
	intent := shipIntent()
	slots := GetRequiredSlots(intent)
	slots[0].Name = "changed"
	assert.Equal(t, "batch", intent.RequiredSlots[0].Name)
	assert.Nil(t, GetRequiredSlots(nil))
}

// ─── Extraction sources ──────────────────────────────────────

func TestExtractionFromContextAndEntitySlots(t *testing.T) {
	e, _ := newEngine(t)
	tc := TurnContext{
		Structured: map[string]any{"quantity": "30"},
		Slots: map[models.SlotType]models.EntitySlot{
			models.SlotBatch: {Type: models.SlotBatch, ReferenceValue: "B2024-09"},
		},
	}
	ex := e.ExtractParameters(context.Background(), "F1", "SHIP_BATCH", shipIntent().RequiredSlots, "出库", tc)
	assert.Equal(t, map[string]any{"batch": "B2024-09", "quantity": 30.0}, ex.Values)
	assert.Equal(t, SourceEntity, ex.Sources["batch"])
	assert.Equal(t, SourceStructured, ex.Sources["quantity"])
}

func TestSlotPatternAndDates(t *testing.T) {
	e, _ := newEngine(t)
	slots := []models.SlotSpec{
		{Name: "order", Type: models.SlotValueString, Pattern: `订单[号:：\s]*([A-Z]{2}\d+)`},
		{Name: "due", Type: models.SlotValueDate},
	}
	ex := e.ExtractParameters(context.Background(), "F1", "X", slots, "订单号PO123 要在2026年11月3日前交付", TurnContext{})
	assert.Equal(t, "PO123", ex.Values["order"])
	assert.Equal(t, SourcePattern, ex.Sources["order"])
	assert.Equal(t, "2026-11-03", ex.Values["due"])

	ex = e.ExtractParameters(context.Background(), "F1", "X", slots[1:], "明天交付", TurnContext{})
	assert.Equal(t, "2026-10-17", ex.Values["due"])
}

func TestQuantityIgnoresCodeAndDateDigits(t *testing.T) {
	intent := &models.IntentDefinition{
		Code:     "SHIP_BATCH",
		Category: models.CategoryDataOp,
		RequiredSlots: []models.SlotSpec{
			{Name: "batchNumber", Type: models.SlotValueBatch},
			{Name: "quantity", Type: models.SlotValueNumber},
		},
	}
	for _, input := range []string{
		"出库批次20240701",
		"出库批次 B2024-07，日期2024年7月1日",
		"ship batch 20240701",
	} {
		t.Run(input, func(t *testing.T) {
			e, _ := newEngine(t)
			res, err := e.CheckAndStartSlotFilling(context.Background(), turn(intent, input))
			require.NoError(t, err)
			assert.False(t, res.Complete)
			assert.NotContains(t, res.Parameters, "quantity")
			require.Len(t, res.Missing, 1)
			assert.Equal(t, "quantity", res.Missing[0].Name)
		})
	}
}

func TestQuantityBesideBatchCode(t *testing.T) {
	e, _ := newEngine(t)
	slots := []models.SlotSpec{{Name: "quantity", Type: models.SlotValueNumber}}
	ex := e.ExtractParameters(context.Background(), "F1", "X", slots, "批次B2024-001出库200件，3号仓库", TurnContext{})
	assert.Equal(t, 200.0, ex.Values["quantity"])
}

func TestBrokenValidationRejects(t *testing.T) {
	e, _ := newEngine(t)
	slots := []models.SlotSpec{{Name: "n", Type: models.SlotValueNumber, Validation: "value >"}}
	ex := e.ExtractParameters(context.Background(), "F1", "X", slots, "数量 12", TurnContext{})
	assert.Empty(t, ex.Values)
	assert.ErrorIs(t, ex.Rejected["n"], errs.ErrExtractionAmbiguous)
}

func TestReasonerFallbackLearnsRule(t *testing.T) {
	r := &countingReasoner{text: `{"values": {"inspector": "QC-7", "line": null}}`}
	e, s := newEngine(t, WithReasoner(r))
	ctx := context.Background()
	slots := []models.SlotSpec{
		{Name: "inspector", Type: models.SlotValueString},
		{Name: "line", Type: models.SlotValueString, Optional: true},
	}

	ex := e.ExtractParameters(ctx, "F1", "INSPECTION_LOG", slots, "检验员是QC-7的记录", TurnContext{})
	assert.Equal(t, map[string]any{"inspector": "QC-7"}, ex.Values)
	assert.Equal(t, SourceReasoner, ex.Sources["inspector"])
	assert.Equal(t, int32(1), r.calls.Load())

	rules, err := s.ListExtractionRules(ctx, "F1", "INSPECTION_LOG")
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "inspector", rules[0].SlotName)
	assert.True(t, rules[0].Enabled)

	ex = e.ExtractParameters(ctx, "F1", "INSPECTION_LOG", slots[:1], "检验员是QC-9", TurnContext{})
	assert.Equal(t, "QC-9", ex.Values["inspector"])
	assert.Equal(t, SourceRule, ex.Sources["inspector"])
	assert.Equal(t, int32(1), r.calls.Load())

	rules, err = s.ListExtractionRules(ctx, "F1", "INSPECTION_LOG")
	require.NoError(t, err)
	assert.Equal(t, 1, rules[0].Hits)
}

func TestReasonerFailureLeavesSlotMissing(t *testing.T) {
	r := &countingReasoner{err: errs.Unavailable("reasoner", errors.New("timeout"))}
	e, _ := newEngine(t, WithReasoner(r))
	slots := []models.SlotSpec{{Name: "inspector", Type: models.SlotValueString}}
	ex := e.ExtractParameters(context.Background(), "F1", "X", slots, "查一下检验记录", TurnContext{})
	assert.Empty(t, ex.Values)
	assert.Len(t, FindMissingSlots(slots, ex), 1)
}

func TestDerivePattern(t *testing.T) {
	tests := []struct {
		input string
		value any
		want  string
		ok    bool
	}{
		{"检验员是QC-7的记录", "QC-7", `检验员是\s*([A-Za-z0-9][A-Za-z0-9-]*)`, true},
		{"发货 数量 120 箱", 120.0, `数量\s*(\d+(?:\.\d+)?)`, true},
		{"QC-7", "QC-7", "", false},
		{"负责人是张三", "张三", "", false},
	}
	for _, tt := range tests {
		got, ok := derivePattern(tt.input, tt.value)
		assert.Equal(t, tt.ok, ok, tt.input)
		assert.Equal(t, tt.want, got, tt.input)
	}
}
