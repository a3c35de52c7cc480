// Package embedding compares memories by embedding cosine and tag overlap
package embedding

import (
	"strings"

	"github.com/vthunder/conscience/internal/numeric"
	"github.com/vthunder/conscience/internal/types"
	"gonum.org/v1/gonum/floats"
)

// CosineSimilarity returns the cosine of the angle between a and b.
// Mismatched or zero-length vectors compare as 0.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	normA := floats.Norm(a, 2)
	normB := floats.Norm(b, 2)
	if normA == 0 || normB == 0 {
		return 0
	}

	return numeric.Sanitize(floats.Dot(a, b) / (normA * normB))
}

// AverageEmbeddings computes the centroid of multiple embeddings
func AverageEmbeddings(embeddings [][]float64) []float64 {
	if len(embeddings) == 0 {
		return nil
	}

	dims := len(embeddings[0])
	result := make([]float64, dims)
	count := 0
	for _, emb := range embeddings {
		if len(emb) != dims {
			continue
		}
		floats.Add(result, emb)
		count++
	}
	if count == 0 {
		return nil
	}
	floats.Scale(1/float64(count), result)
	return result
}

// Jaccard returns |a∩b| / |a∪b| over case-folded tags
func Jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	setA := make(map[string]bool, len(a))
	for _, t := range a {
		setA[strings.ToLower(t)] = true
	}
	union := len(setA)
	inter := 0
	seen := make(map[string]bool, len(b))
	for _, t := range b {
		t = strings.ToLower(t)
		if seen[t] {
			continue
		}
		seen[t] = true
		if setA[t] {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// MemorySimilarity prefers embedding cosine when both memories carry
// embeddings and falls back to tag Jaccard otherwise. Result is in [0,1].
func MemorySimilarity(a, b *types.Memory) float64 {
	if a == nil || b == nil {
		return 0
	}
	if len(a.Embedding) > 0 && len(a.Embedding) == len(b.Embedding) {
		return numeric.Clamp01(CosineSimilarity(a.Embedding, b.Embedding))
	}
	return numeric.Clamp01(Jaccard(a.Tags, b.Tags))
}
