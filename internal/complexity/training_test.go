package complexity

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traceforge/traceforge/assistant/internal/errs"
	"github.com/traceforge/traceforge/assistant/pkg/contracts"
	"github.com/traceforge/traceforge/assistant/pkg/models"
)

type stubReasoner struct {
	text string
	err  error
}

func (s *stubReasoner) Complete(ctx context.Context, req contracts.ReasonRequest) (*contracts.ReasonResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &contracts.ReasonResponse{Text: s.text}, nil
}

// separableSamples returns short lookups labelled FAST and long analytical
// requests labelled DEEP_REASONING.
func separableSamples() []models.ComplexitySample {
	var out []models.ComplexitySample
	for i := 1; i <= 12; i++ {
		out = append(out, models.ComplexitySample{Query: fmt.Sprintf("查询批次B2024-%02d", i), Mode: models.ModeFast})
		out = append(out, models.ComplexitySample{
			Query: fmt.Sprintf("对比第%d车间上个月和本月的合格率，分析不合格的根本原因，然后预测下季度的风险并给出建议？", i),
			Mode:  models.ModeDeepReasoning,
		})
	}
	return out
}

func newTrainingService(t *testing.T, r contracts.Reasoner) (*TrainingService, *Classifier) {
	t.Helper()
	c := NewClassifier(nil)
	router := NewRouter(WithClassifier(c, 0.4))
	path := filepath.Join(t.TempDir(), "classifier", "weights.json")
	return NewTrainingService(r, nil, router, c, path), c
}

func TestFitSeparatesClasses(t *testing.T) {
	svc, c := newTrainingService(t, nil)
	model, err := svc.Fit(context.Background(), separableSamples(), FitConfig{Holdout: 0.25})
	require.NoError(t, err)

	assert.Equal(t, featureDim, model.InputDim)
	assert.Len(t, model.Weights, featureDim)
	assert.Len(t, model.Bias, len(models.AllModes))
	assert.Equal(t, 24, model.Samples)
	assert.GreaterOrEqual(t, model.Accuracy, 0.9)

	require.NoError(t, c.Set(model))
	p, ok := c.Predict(context.Background(), "查询批次C2025-99", svc.router.ExtractFeatures("查询批次C2025-99", models.QueryContext{}))
	require.True(t, ok)
	assert.Equal(t, models.ModeFast, p.Mode)

	var sum float64
	for _, v := range p.Probs {
		sum += v
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestFitRejectsTooFewSamples(t *testing.T) {
	svc, _ := newTrainingService(t, nil)
	_, err := svc.Fit(context.Background(), separableSamples()[:2], FitConfig{})
	assert.Error(t, err)
}

func TestGenerateSamplesFiltersInvalid(t *testing.T) {
	r := &stubReasoner{text: "```json\n" + `{"samples":[
		{"query":"查询批次B1","mode":"fast"},
		{"query":"查询批次B1","mode":"FAST"},
		{"query":"统计本月供应商合格率","mode":"ANALYSIS"},
		{"query":"","mode":"FAST"},
		{"query":"做点什么","mode":"TURBO"}
	]}` + "\n```"}
	svc, _ := newTrainingService(t, r)

	samples, err := svc.GenerateSamples(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, []models.ComplexitySample{
		{Query: "查询批次B1", Mode: models.ModeFast},
		{Query: "统计本月供应商合格率", Mode: models.ModeAnalysis},
	}, samples)
}

func TestGenerateSamplesWithoutReasoner(t *testing.T) {
	svc, _ := newTrainingService(t, nil)
	_, err := svc.GenerateSamples(context.Background(), 5)
	assert.ErrorIs(t, err, errs.ErrProviderUnavailable)
}

func TestTrainAndReload(t *testing.T) {
	payload, err := json.Marshal(map[string]any{"samples": separableSamples()})
	require.NoError(t, err)
	svc, c := newTrainingService(t, &stubReasoner{text: string(payload)})

	model, err := svc.TrainAndReload(context.Background(), 24, DefaultFitConfig)
	require.NoError(t, err)
	assert.True(t, c.IsTrained())

	meta, ok := c.Model()
	require.True(t, ok)
	assert.Equal(t, model.Version, meta.Version)
	assert.Nil(t, meta.Weights)

	_, err = os.Stat(svc.path)
	assert.NoError(t, err)
}

func TestReloadKeepsPreviousWeightsOnError(t *testing.T) {
	svc, c := newTrainingService(t, nil)
	good := biasedModel(models.ModeAnalysis)
	good.Version = 7
	require.NoError(t, svc.Persist(good))
	require.NoError(t, svc.Reload())

	require.NoError(t, os.WriteFile(svc.path, []byte("{not json"), 0644))
	assert.Error(t, svc.Reload())

	meta, ok := c.Model()
	require.True(t, ok)
	assert.Equal(t, 7, meta.Version)
}

func TestReloadDuringRoutingIsSafe(t *testing.T) {
	svc, c := newTrainingService(t, nil)
	require.NoError(t, svc.Persist(biasedModel(models.ModeFast)))
	require.NoError(t, svc.Reload())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				res := svc.router.Route(context.Background(), simpleQuery, models.QueryContext{})
				if res.ClassifierScore == nil {
					t.Errorf("classifier score missing during reload")
					return
				}
			}
		}()
	}
	for i := 0; i < 50; i++ {
		mode := models.ModeFast
		if i%2 == 1 {
			mode = models.ModeDeepReasoning
		}
		require.NoError(t, c.Set(biasedModel(mode)))
	}
	wg.Wait()
}
