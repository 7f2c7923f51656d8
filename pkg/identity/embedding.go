package identity

import (
	"math"
)

// Embedding is a face identity signature. Stored and compared embeddings
// are L2-normalized so that their inner product is the cosine similarity.
type Embedding []float32

// Validate checks that e has dimension dim, only finite components and a
// non-zero norm. It returns an InvalidRecord error otherwise.
func (e Embedding) Validate(dim int) error {
	if len(e) == 0 {
		return Errorf(KindInvalidRecord, "embedding", "empty embedding")
	}
	if dim > 0 && len(e) != dim {
		return Errorf(KindInvalidRecord, "embedding", "dimension mismatch: expected %d, got %d", dim, len(e))
	}
	var sum float64
	for i, v := range e {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return Errorf(KindInvalidRecord, "embedding", "non-finite component at %d", i)
		}
		sum += f * f
	}
	if sum == 0 {
		return Errorf(KindInvalidRecord, "embedding", "zero-norm embedding")
	}
	return nil
}

// Norm returns the L2 norm of e.
func (e Embedding) Norm() float64 {
	var sum float64
	for _, v := range e {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

// Normalize returns a unit-length copy of e. The receiver is not modified.
// Zero-norm or non-finite embeddings are rejected with InvalidRecord.
func (e Embedding) Normalize() (Embedding, error) {
	if err := e.Validate(0); err != nil {
		return nil, err
	}
	out := make(Embedding, len(e))
	scale := 1 / e.Norm()
	for i, v := range e {
		out[i] = float32(float64(v) * scale)
	}
	return out, nil
}

// Dot returns the inner product of a and b over their common prefix.
func Dot(a, b Embedding) float64 {
	n := min(len(a), len(b))
	var dot float64
	for i := range n {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

// Cosine returns the cosine similarity of a and b, clamped to [-1, 1].
// For normalized inputs this equals their inner product. Mismatched
// dimensions or a zero-norm input yield 0.
func Cosine(a, b Embedding) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	na, nb := a.Norm(), b.Norm()
	if na == 0 || nb == 0 {
		return 0
	}
	sim := Dot(a, b) / (na * nb)
	return max(-1, min(1, sim))
}
