package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traceforge/traceforge/assistant/internal/store"
	"github.com/traceforge/traceforge/assistant/pkg/models"
)

const sample = `
version: 1
intents:
  - code: query_batch
    name: " 批次查询 "
    category: data_op
    keywords: [" 批次 ", Batch, ""]
    required_slots:
      - name: batch
        type: batch
    active: true
  - code: SHIP_BATCH
    factory_id: F1
    name: 批次出库
    category: DATA_OP
    sensitivity: high
    required_slots:
      - name: quantity
        type: NUMBER
        validation: value > 0
    active: true
`

func TestParseNormalizes(t *testing.T) {
	c, err := Parse([]byte(sample))
	require.NoError(t, err)
	require.Len(t, c.Intents, 2)

	q := c.Intents[0]
	assert.Equal(t, "QUERY_BATCH", q.Code)
	assert.Equal(t, "批次查询", q.Name)
	assert.Equal(t, models.CategoryDataOp, q.Category)
	assert.Equal(t, models.SensitivityLow, q.Sensitivity, "sensitivity defaults to LOW")
	assert.Equal(t, []string{"批次", "batch"}, q.Keywords)
	assert.Equal(t, models.SlotValueBatch, q.RequiredSlots[0].Type)

	s := c.Intents[1]
	assert.Equal(t, "F1", s.FactoryID)
	assert.Equal(t, models.SensitivityHigh, s.Sensitivity)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("intents:\n  - code: A\n    nmae: typo\n"))
	assert.Error(t, err)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	_, err := Parse([]byte(`
intents:
  - code: bad-code
    category: WHATEVER
    required_slots:
      - name: n
        type: COLOR
      - name: n
        type: NUMBER
        pattern: "(["
        validation: "value >"
  - code: A
    name: a
    category: FORM
  - code: A
    name: a again
    category: FORM
`))
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		"upper snake case",
		"name is required",
		"unknown category",
		`unknown type "COLOR"`,
		"duplicate slot n",
		"invalid pattern",
		"invalid validation",
		"duplicate intent",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestSeedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore("")
	defer s.Close()
	c, err := Parse([]byte(sample))
	require.NoError(t, err)

	report, err := Seed(ctx, s, c)
	require.NoError(t, err)
	assert.Equal(t, []string{"QUERY_BATCH", "SHIP_BATCH"}, report.Created)

	report, err = Seed(ctx, s, c)
	require.NoError(t, err)
	assert.Empty(t, report.Created)
	assert.Empty(t, report.Updated)
	assert.Equal(t, []string{"QUERY_BATCH", "SHIP_BATCH"}, report.Unchanged)

	it, err := s.GetIntent(ctx, models.GlobalFactory, "QUERY_BATCH")
	require.NoError(t, err)
	assert.Equal(t, 1, it.Version)

	c.Intents[0].Keywords = append(c.Intents[0].Keywords, "追溯")
	report, err = Seed(ctx, s, c)
	require.NoError(t, err)
	assert.Equal(t, []string{"QUERY_BATCH"}, report.Updated)

	it, err = s.GetIntent(ctx, models.GlobalFactory, "QUERY_BATCH")
	require.NoError(t, err)
	assert.Equal(t, 2, it.Version)
	assert.Contains(t, it.Keywords, "追溯")
}

func TestLoadAndSeed(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore("")
	defer s.Close()

	report, err := LoadAndSeed(ctx, s, "")
	require.NoError(t, err)
	assert.Empty(t, report.Created)

	path := filepath.Join(t.TempDir(), "intents.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	report, err = LoadAndSeed(ctx, s, path)
	require.NoError(t, err)
	assert.Len(t, report.Created, 2)

	_, err = LoadAndSeed(ctx, s, filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestShippedCatalogIsValid(t *testing.T) {
	c, err := Load(filepath.Join("..", "..", "configs", "intents.yaml"))
	require.NoError(t, err)
	assert.NotEmpty(t, c.Intents)

	categories := make(map[models.IntentCategory]bool)
	for _, it := range c.Intents {
		categories[it.Category] = true
	}
	assert.Len(t, categories, 5, "every category has at least one intent")
}
