package embedding

import (
	"math"
	"sort"
)

// CosineSimilarity returns the normalized dot product of a and b, or 0 when
// the lengths differ, either is empty, or either has zero norm.
func CosineSimilarity(a, b Vector) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}

	s := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return math.Max(-1, math.Min(1, s))
}

type Candidate[T any] struct {
	Item   T
	Vector Vector
}

type Match[T any] struct {
	Item  T
	Index int
	Score float64
}

// FindSimilar ranks candidates by similarity to query, keeping those at or
// above minSimilarity. Ties keep input order. topK <= 0 means no limit.
func FindSimilar[T any](query Vector, candidates []Candidate[T], topK int, minSimilarity float64) []Match[T] {
	var matches []Match[T]
	for i, c := range candidates {
		if c.Vector == nil {
			continue
		}
		s := CosineSimilarity(query, c.Vector)
		if s < minSimilarity {
			continue
		}
		matches = append(matches, Match[T]{Item: c.Item, Index: i, Score: s})
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches
}

// Mean averages vectors of the leading dimension; nil or mismatched vectors
// are ignored.
func Mean(vectors []Vector) Vector {
	var dim int
	for _, v := range vectors {
		if len(v) > 0 {
			dim = len(v)
			break
		}
	}
	if dim == 0 {
		return nil
	}

	sum := make([]float64, dim)
	n := 0
	for _, v := range vectors {
		if len(v) != dim {
			continue
		}
		for i, x := range v {
			sum[i] += float64(x)
		}
		n++
	}

	out := make(Vector, dim)
	for i := range sum {
		out[i] = float32(sum[i] / float64(n))
	}
	return out
}
