package complexity

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/traceforge/traceforge/assistant/internal/llm"
	"github.com/traceforge/traceforge/assistant/pkg/contracts"
	"github.com/traceforge/traceforge/assistant/pkg/models"
)

// FitConfig tunes batch gradient descent.
type FitConfig struct {
	Epochs       int
	LearningRate float64
	L2           float64
	Holdout      float64 // fraction of samples kept for validation
	UseEmbedding bool
}

// DefaultFitConfig is used when TrainAndReload is not given one.
var DefaultFitConfig = FitConfig{Epochs: 400, LearningRate: 0.5, L2: 1e-3, Holdout: 0.2}

// TrainingService is the offline training workflow of the classifier:
// generate labelled samples, fit, persist, hot reload.
type TrainingService struct {
	reasoner   contracts.Reasoner
	provider   contracts.EmbeddingProvider // optional
	router     *Router
	classifier *Classifier
	path       string
}

// NewTrainingService wires the training workflow. path is where weights are
// written and reloaded from.
func NewTrainingService(reasoner contracts.Reasoner, provider contracts.EmbeddingProvider, router *Router, classifier *Classifier, path string) *TrainingService {
	return &TrainingService{reasoner: reasoner, provider: provider, router: router, classifier: classifier, path: path}
}

type generatedSamples struct {
	Samples []models.ComplexitySample `json:"samples"`
}

const samplePrompt = `You label user requests sent to a factory traceability assistant.
Generate %d realistic requests (mostly Chinese, some English) about batches, suppliers,
customers, quality inspections, warehouses and production schedules. Cover all four
processing modes evenly:
- FAST: a single lookup or simple action
- ANALYSIS: aggregation, comparison or a time-range report
- MULTI_AGENT: several dependent steps across different business areas
- DEEP_REASONING: root-cause analysis, prediction or conditional planning
Answer with JSON: {"samples":[{"query":"...","mode":"FAST"}]}`

// GenerateSamples asks the reasoner for n labelled queries. Invalid labels and
// duplicates are dropped.
func (s *TrainingService) GenerateSamples(ctx context.Context, n int) ([]models.ComplexitySample, error) {
	if n <= 0 {
		return nil, fmt.Errorf("sample count must be positive")
	}
	var out generatedSamples
	err := llm.CompleteJSON(ctx, s.reasoner, contracts.ReasonRequest{
		Prompt:      fmt.Sprintf(samplePrompt, n),
		MaxTokens:   60 * n,
		Temperature: 0.8,
		Timeout:     2 * time.Minute,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("generate samples: %w", err)
	}

	seen := make(map[string]struct{}, len(out.Samples))
	valid := make([]models.ComplexitySample, 0, len(out.Samples))
	for _, smp := range out.Samples {
		q := strings.TrimSpace(smp.Query)
		mode := models.ProcessingMode(strings.ToUpper(strings.TrimSpace(string(smp.Mode))))
		if q == "" {
			continue
		}
		if _, ok := modeCenters[mode]; !ok {
			continue
		}
		if _, dup := seen[q]; dup {
			continue
		}
		seen[q] = struct{}{}
		valid = append(valid, models.ComplexitySample{Query: q, Mode: mode})
	}
	log.Info().Int("requested", n).Int("valid", len(valid)).Msg("Complexity training samples generated")
	return valid, nil
}

// Fit trains a softmax classifier on samples with batch gradient descent.
func (s *TrainingService) Fit(ctx context.Context, samples []models.ComplexitySample, cfg FitConfig) (*models.ClassifierModel, error) {
	if len(samples) < 4 {
		return nil, fmt.Errorf("need at least 4 samples, got %d", len(samples))
	}
	if cfg.Epochs <= 0 {
		cfg.Epochs = DefaultFitConfig.Epochs
	}
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = DefaultFitConfig.LearningRate
	}

	rows := make([][]float64, len(samples))
	labels := make([]int, len(samples))
	classIdx := make(map[models.ProcessingMode]int, len(models.AllModes))
	for i, m := range models.AllModes {
		classIdx[m] = i
	}

	var embeddings [][]float64
	if cfg.UseEmbedding {
		if s.provider == nil {
			return nil, fmt.Errorf("embedding features requested without a provider")
		}
		texts := make([]string, len(samples))
		for i, smp := range samples {
			texts[i] = smp.Query
		}
		var err error
		if embeddings, err = s.provider.EncodeBatch(ctx, texts); err != nil {
			return nil, fmt.Errorf("embed samples: %w", err)
		}
	}

	for i, smp := range samples {
		k, ok := classIdx[smp.Mode]
		if !ok {
			return nil, fmt.Errorf("sample %d has unknown mode %q", i, smp.Mode)
		}
		x := FeatureVector(s.router.ExtractFeatures(smp.Query, models.QueryContext{}))
		if cfg.UseEmbedding {
			x = append(x, embeddings[i]...)
		}
		rows[i] = x
		labels[i] = k
	}

	trainX, trainY, valX, valY := splitHoldout(rows, labels, cfg.Holdout)
	w, b := fitSoftmax(trainX, trainY, len(models.AllModes), cfg)

	classes := make([]string, len(models.AllModes))
	for i, m := range models.AllModes {
		classes[i] = string(m)
	}
	model := &models.ClassifierModel{
		Version:      int(time.Now().Unix()),
		Classes:      classes,
		InputDim:     len(rows[0]),
		UseEmbedding: cfg.UseEmbedding,
		Weights:      w,
		Bias:         b,
		Samples:      len(samples),
		TrainedAt:    time.Now().UTC(),
	}
	if cfg.UseEmbedding {
		model.EmbedModel = s.provider.ModelName()
	}

	lm, err := compile(model)
	if err != nil {
		return nil, err
	}
	evalX, evalY := valX, valY
	if len(evalX) == 0 {
		evalX, evalY = trainX, trainY
	}
	model.Accuracy = accuracy(lm, evalX, evalY)
	return model, nil
}

// Persist writes the weights atomically (temp file + rename).
func (s *TrainingService) Persist(model *models.ClassifierModel) error {
	if s.path == "" {
		return fmt.Errorf("no classifier path configured")
	}
	data, err := json.MarshalIndent(model, "", "  ")
	if err != nil {
		return fmt.Errorf("encode classifier weights: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create classifier dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write classifier weights: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// Reload swaps in the persisted weights.
func (s *TrainingService) Reload() error {
	return s.classifier.Reload(s.path)
}

// TrainAndReload runs the whole workflow. Routing keeps using the previous
// weights until the final atomic swap.
func (s *TrainingService) TrainAndReload(ctx context.Context, n int, cfg FitConfig) (*models.ClassifierModel, error) {
	samples, err := s.GenerateSamples(ctx, n)
	if err != nil {
		return nil, err
	}
	model, err := s.Fit(ctx, samples, cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Persist(model); err != nil {
		return nil, err
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return model, nil
}

// ── Math ────────────────────────────────────────────────────

// toMatrix converts row-major data to a gonum matrix.
func toMatrix(data [][]float64) *mat.Dense {
	rows, cols := len(data), len(data[0])
	flat := make([]float64, 0, rows*cols)
	for _, r := range data {
		flat = append(flat, r...)
	}
	return mat.NewDense(rows, cols, flat)
}

// fitSoftmax minimises cross-entropy with L2 regularisation.
func fitSoftmax(rows [][]float64, labels []int, k int, cfg FitConfig) ([][]float64, []float64) {
	n, d := len(rows), len(rows[0])
	X := toMatrix(rows)
	Y := mat.NewDense(n, k, nil)
	for i, l := range labels {
		Y.Set(i, l, 1)
	}

	W := mat.NewDense(d, k, nil)
	b := make([]float64, k)
	var Z, G mat.Dense
	inv := 1 / float64(n)

	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		Z.Mul(X, W)
		for i := 0; i < n; i++ {
			row := Z.RawRowView(i)
			floats.Add(row, b)
			copy(row, softmax(row))
		}
		// Z becomes the gradient of the loss w.r.t. the logits.
		Z.Sub(&Z, Y)

		G.Mul(X.T(), &Z)
		G.Scale(inv, &G)
		if cfg.L2 > 0 {
			var reg mat.Dense
			reg.Scale(cfg.L2, W)
			G.Add(&G, &reg)
		}
		G.Scale(cfg.LearningRate, &G)
		W.Sub(W, &G)

		for j := 0; j < k; j++ {
			b[j] -= cfg.LearningRate * inv * floats.Sum(mat.Col(nil, j, &Z))
		}
	}

	out := make([][]float64, d)
	for i := 0; i < d; i++ {
		out[i] = mat.Row(nil, i, W)
	}
	return out, b
}

// splitHoldout keeps every k-th sample for validation, k = round(1/holdout).
func splitHoldout(rows [][]float64, labels []int, holdout float64) (trX [][]float64, trY []int, vaX [][]float64, vaY []int) {
	if holdout <= 0 || holdout >= 1 || len(rows) < 10 {
		return rows, labels, nil, nil
	}
	every := int(1/holdout + 0.5)
	for i := range rows {
		if every > 1 && i%every == every-1 {
			vaX = append(vaX, rows[i])
			vaY = append(vaY, labels[i])
			continue
		}
		trX = append(trX, rows[i])
		trY = append(trY, labels[i])
	}
	return trX, trY, vaX, vaY
}

func accuracy(m *loadedModel, rows [][]float64, labels []int) float64 {
	if len(rows) == 0 {
		return 0
	}
	correct := 0
	for i, x := range rows {
		if m.predict(x).Mode == m.classes[labels[i]] {
			correct++
		}
	}
	return float64(correct) / float64(len(rows))
}
