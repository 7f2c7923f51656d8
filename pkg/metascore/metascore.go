// Package metascore scores how well two attribute sets agree.
//
// The score fuses three signals with fixed weights:
//
//   - gender: 1 when both are known and equal, else 0
//   - age:    linear falloff over a 10-year window, 0 when either is missing
//   - color:  cosine similarity of the RGB clothing colors, clipped to [0,1]
//
//	score = 0.4*gender + 0.3*age + 0.3*color
//
// Scoring never fails. A missing or malformed sub-attribute zeroes its own
// term and leaves the others alone.
package metascore

import (
	"math"

	"github.com/dishu2607/missing-person-detection/pkg/identity"
)

// Term weights. They sum to 1 so the score stays in [0,1].
const (
	WeightGender = 0.4
	WeightAge    = 0.3
	WeightColor  = 0.3
)

// AgeWindow is the age difference (years) at which the age term reaches 0.
const AgeWindow = 10

// Breakdown is a score with its per-term contributions, before weighting.
type Breakdown struct {
	Gender float64 `json:"gender" yaml:"gender"`
	Age    float64 `json:"age" yaml:"age"`
	Color  float64 `json:"color" yaml:"color"`
	Score  float64 `json:"score" yaml:"score"`
}

// Scorer computes attribute similarity. The zero value is ready to use.
type Scorer struct {
	// LegacyColorScale divides the color cosine by 255 before clipping,
	// reproducing scores produced by the first deployment. It shrinks the
	// color term to at most ~0.004 and is only useful for comparing
	// against historic results.
	LegacyColorScale bool
}

// Score returns the fused similarity in [0,1]. It is 0 if either set is nil.
func (s Scorer) Score(ref, cand *identity.Attributes) float64 {
	return s.Explain(ref, cand).Score
}

// Explain returns the score together with its term values.
func (s Scorer) Explain(ref, cand *identity.Attributes) Breakdown {
	if ref == nil || cand == nil {
		return Breakdown{}
	}
	b := Breakdown{
		Gender: genderTerm(ref.Gender, cand.Gender),
		Age:    ageTerm(ref.Age, cand.Age),
		Color:  s.colorTerm(ref.Color, cand.Color),
	}
	b.Score = WeightGender*b.Gender + WeightAge*b.Age + WeightColor*b.Color
	return b
}

// Score is shorthand for Scorer{}.Score.
func Score(ref, cand *identity.Attributes) float64 {
	return Scorer{}.Score(ref, cand)
}

func genderTerm(a, b identity.Gender) float64 {
	if a.Known() && a == b {
		return 1
	}
	return 0
}

func ageTerm(a, b *int) float64 {
	if a == nil || b == nil {
		return 0
	}
	diff := *a - *b
	if diff < 0 {
		diff = -diff
	}
	if diff > AgeWindow {
		return 0
	}
	return max(0, 1-float64(diff)/AgeWindow)
}

func (s Scorer) colorTerm(a, b identity.RGB) float64 {
	if !a.Valid() || !b.Valid() {
		return 0
	}
	var dot, na, nb float64
	for i := range 3 {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if s.LegacyColorScale {
		sim /= 255
	}
	return max(0, min(1, sim))
}
