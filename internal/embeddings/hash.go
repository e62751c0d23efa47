package embeddings

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// HashDriver is an offline embedding driver based on feature hashing of
// character unigrams and bigrams. It needs no model server, so it backs local
// development and tests. Similar strings land close together; it has no
// notion of synonyms.
type HashDriver struct {
	dims int
}

// NewHashDriver creates a hashing driver with the given dimension (default 256).
func NewHashDriver(dims int) *HashDriver {
	if dims <= 0 {
		dims = 256
	}
	return &HashDriver{dims: dims}
}

func (d *HashDriver) Kind() string      { return "hash" }
func (d *HashDriver) Model() string     { return "hash-bigram" }
func (d *HashDriver) Dimensions() int   { return d.dims }
func (d *HashDriver) MaxBatchSize() int { return 1024 }

func (d *HashDriver) HealthCheck(ctx context.Context) error { return nil }

func (d *HashDriver) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = d.vector(t)
	}
	return out, nil
}

func (d *HashDriver) vector(text string) []float64 {
	v := make([]float64, d.dims)
	var runes []rune
	for _, r := range strings.ToLower(text) {
		if unicode.IsSpace(r) || unicode.IsPunct(r) {
			continue
		}
		runes = append(runes, r)
	}
	add := func(feature string, w float64) {
		h := fnv.New32a()
		h.Write([]byte(feature))
		sum := h.Sum32()
		idx := int(sum % uint32(d.dims))
		if sum&(1<<31) != 0 {
			w = -w
		}
		v[idx] += w
	}
	for i, r := range runes {
		add(string(r), 1)
		if i+1 < len(runes) {
			add(string(runes[i:i+2]), 1.5)
		}
	}
	var norm float64
	for _, x := range v {
		norm += x * x
	}
	if norm == 0 {
		// Empty input still yields a unit vector so cosine stays defined.
		v[0] = 1
		return v
	}
	norm = math.Sqrt(norm)
	for i := range v {
		v[i] /= norm
	}
	return v
}
