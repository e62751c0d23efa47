package complexity

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/traceforge/traceforge/assistant/pkg/contracts"
	"github.com/traceforge/traceforge/assistant/pkg/models"
)

// modeCenters place each processing mode on the [0,1] complexity scale so a
// class distribution can be folded into one score.
var modeCenters = map[models.ProcessingMode]float64{
	models.ModeFast:          0.15,
	models.ModeAnalysis:      0.45,
	models.ModeMultiAgent:    0.70,
	models.ModeDeepReasoning: 0.90,
}

// loadedModel is an immutable, validated classifier.
type loadedModel struct {
	meta    models.ClassifierModel
	classes []models.ProcessingMode
	w       *mat.Dense // InputDim x K
	b       []float64
}

// Classifier is a softmax classifier over the query feature vector,
// optionally concatenated with the query embedding. The weights are swapped
// atomically on Reload so scoring never waits on a reload.
type Classifier struct {
	provider contracts.EmbeddingProvider // optional; needed by embedding models
	model    atomic.Pointer[loadedModel]
}

// NewClassifier creates an untrained classifier.
func NewClassifier(provider contracts.EmbeddingProvider) *Classifier {
	return &Classifier{provider: provider}
}

// IsTrained reports whether weights are loaded.
func (c *Classifier) IsTrained() bool {
	return c.model.Load() != nil
}

// Model returns the metadata of the loaded weights.
func (c *Classifier) Model() (models.ClassifierModel, bool) {
	m := c.model.Load()
	if m == nil {
		return models.ClassifierModel{}, false
	}
	meta := m.meta
	meta.Weights = nil
	meta.Bias = nil
	return meta, true
}

// Reload reads weights from path and swaps them in. On error the previous
// weights stay active.
func (c *Classifier) Reload(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read classifier weights: %w", err)
	}
	var m models.ClassifierModel
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("decode classifier weights: %w", err)
	}
	return c.Set(&m)
}

// Set validates and installs an in-memory model.
func (c *Classifier) Set(m *models.ClassifierModel) error {
	lm, err := compile(m)
	if err != nil {
		return err
	}
	if lm.meta.UseEmbedding && c.provider != nil && lm.meta.EmbedModel != c.provider.ModelName() {
		return fmt.Errorf("classifier trained on embedding model %q, provider serves %q", lm.meta.EmbedModel, c.provider.ModelName())
	}
	c.model.Store(lm)
	log.Info().Int("version", m.Version).Int("samples", m.Samples).Float64("accuracy", m.Accuracy).
		Bool("embedding", m.UseEmbedding).Msg("Complexity classifier loaded")
	return nil
}

func compile(m *models.ClassifierModel) (*loadedModel, error) {
	k := len(m.Classes)
	if k < 2 {
		return nil, fmt.Errorf("classifier needs at least 2 classes, got %d", k)
	}
	if m.InputDim <= 0 || len(m.Weights) != m.InputDim {
		return nil, fmt.Errorf("classifier weights have %d rows, want input_dim %d", len(m.Weights), m.InputDim)
	}
	if len(m.Bias) != k {
		return nil, fmt.Errorf("classifier bias has %d entries, want %d", len(m.Bias), k)
	}
	if !m.UseEmbedding && m.InputDim != featureDim {
		return nil, fmt.Errorf("feature-only classifier must have input_dim %d, got %d", featureDim, m.InputDim)
	}
	classes := make([]models.ProcessingMode, k)
	for i, cl := range m.Classes {
		mode := models.ProcessingMode(cl)
		if _, ok := modeCenters[mode]; !ok {
			return nil, fmt.Errorf("unknown class %q", cl)
		}
		classes[i] = mode
	}
	flat := make([]float64, 0, m.InputDim*k)
	for i, row := range m.Weights {
		if len(row) != k {
			return nil, fmt.Errorf("weights row %d has %d columns, want %d", i, len(row), k)
		}
		flat = append(flat, row...)
	}
	return &loadedModel{
		meta:    *m,
		classes: classes,
		w:       mat.NewDense(m.InputDim, k, flat),
		b:       append([]float64(nil), m.Bias...),
	}, nil
}

// Prediction is the classifier's output for one query.
type Prediction struct {
	Mode  models.ProcessingMode
	Probs map[models.ProcessingMode]float64
	Score float64 // expected complexity under Probs
}

// Predict scores the query. ok is false when no model is loaded or the
// embedding a model needs could not be computed in time.
func (c *Classifier) Predict(ctx context.Context, input string, f models.QueryFeatures) (Prediction, bool) {
	m := c.model.Load()
	if m == nil {
		return Prediction{}, false
	}
	x := FeatureVector(f)
	if m.meta.UseEmbedding {
		if c.provider == nil {
			return Prediction{}, false
		}
		emb, err := c.provider.Encode(ctx, input)
		if err != nil {
			log.Debug().Err(err).Msg("Classifier embedding unavailable, using rule score only")
			return Prediction{}, false
		}
		x = append(x, emb...)
	}
	if len(x) != m.meta.InputDim {
		return Prediction{}, false
	}
	return m.predict(x), true
}

func (m *loadedModel) predict(x []float64) Prediction {
	_, k := m.w.Dims()
	logits := make([]float64, k)
	mat.NewVecDense(k, logits).MulVec(m.w.T(), mat.NewVecDense(len(x), x))
	floats.Add(logits, m.b)
	probs := softmax(logits)

	p := Prediction{Probs: make(map[models.ProcessingMode]float64, k)}
	best := -1.0
	for i, mode := range m.classes {
		p.Probs[mode] = probs[i]
		p.Score += probs[i] * modeCenters[mode]
		if probs[i] > best {
			best = probs[i]
			p.Mode = mode
		}
	}
	return p
}

// softmax is numerically stable; it shifts by the max logit.
func softmax(z []float64) []float64 {
	out := make([]float64, len(z))
	mx := floats.Max(z)
	var sum float64
	for i, v := range z {
		out[i] = math.Exp(v - mx)
		sum += out[i]
	}
	floats.Scale(1/sum, out)
	return out
}
