package embedding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/vthunder/conscience/internal/types"
)

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float64{1, 2, 3}, []float64{2, 4, 6}), 1e-12)
	assert.InDelta(t, 0.0, CosineSimilarity([]float64{1, 0}, []float64{0, 1}), 1e-12)
	assert.Equal(t, 0.0, CosineSimilarity([]float64{1}, []float64{1, 2}))
	assert.Equal(t, 0.0, CosineSimilarity([]float64{0, 0}, []float64{1, 1}))
}

func TestJaccard(t *testing.T) {
	assert.Equal(t, 1.0, Jaccard([]string{"a", "B"}, []string{"b", "a"}))
	assert.InDelta(t, 1.0/3.0, Jaccard([]string{"a", "b"}, []string{"b", "c"}), 1e-12)
	assert.Equal(t, 0.0, Jaccard(nil, nil))
	assert.Equal(t, 0.5, Jaccard([]string{"a"}, []string{"a", "a", "b"}), "duplicates count once")
}

func TestMemorySimilarity(t *testing.T) {
	a := &types.Memory{Tags: []string{"x", "y"}, Embedding: []float64{1, 0}}
	b := &types.Memory{Tags: []string{"z"}, Embedding: []float64{1, 0}}
	assert.InDelta(t, 1.0, MemorySimilarity(a, b), 1e-12, "embeddings win over tags")

	b.Embedding = nil
	assert.Equal(t, 0.0, MemorySimilarity(a, b), "falls back to tags")

	opposite := &types.Memory{Embedding: []float64{-1, 0}}
	assert.Equal(t, 0.0, MemorySimilarity(a, opposite), "negative cosine clamps to 0")
	assert.Equal(t, 0.0, MemorySimilarity(nil, a))
}

func TestAverageEmbeddings(t *testing.T) {
	avg := AverageEmbeddings([][]float64{{1, 2}, {3, 4}, {9}})
	assert.Equal(t, []float64{2, 3}, avg)
	assert.Nil(t, AverageEmbeddings(nil))
}
