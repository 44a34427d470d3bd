package diffusion

import (
	"fmt"
	"math"
	"sort"
)

// Levels is the model's discrete noise-level table: one sigma per training
// timestep, ascending. It is immutable once built.
type Levels struct {
	sigmas    []float64
	logSigmas []float64
}

// NewLevels validates and copies an ascending table of positive sigmas.
func NewLevels(sigmas []float64) (*Levels, error) {
	if len(sigmas) < 2 {
		return nil, fmt.Errorf("noise table needs at least 2 levels, got %d", len(sigmas))
	}
	l := &Levels{
		sigmas:    make([]float64, len(sigmas)),
		logSigmas: make([]float64, len(sigmas)),
	}
	for i, s := range sigmas {
		if !(s > 0) || math.IsInf(s, 0) {
			return nil, fmt.Errorf("noise level %d is not a positive finite value: %v", i, s)
		}
		if i > 0 && s <= sigmas[i-1] {
			return nil, fmt.Errorf("noise table must be strictly ascending at index %d (%v <= %v)", i, s, sigmas[i-1])
		}
		l.sigmas[i] = s
		l.logSigmas[i] = math.Log(s)
	}
	return l, nil
}

// LevelsFromAlphasCumprod converts a DDPM alphas_cumprod table into sigmas,
// sigma = sqrt((1 - a) / a).
func LevelsFromAlphasCumprod(alphasCumprod []float64) (*Levels, error) {
	sigmas := make([]float64, len(alphasCumprod))
	for i, a := range alphasCumprod {
		if !(a > 0 && a < 1) {
			return nil, fmt.Errorf("alphas_cumprod[%d] = %v outside (0, 1)", i, a)
		}
		sigmas[i] = math.Sqrt((1 - a) / a)
	}
	return NewLevels(sigmas)
}

func (l *Levels) Len() int { return len(l.sigmas) }

func (l *Levels) At(i int) float64 { return l.sigmas[i] }

// Sigmas returns a copy of the table.
func (l *Levels) Sigmas() []float64 { return append([]float64(nil), l.sigmas...) }

func (l *Levels) SigmaMin() float64 { return l.sigmas[0] }

func (l *Levels) SigmaMax() float64 { return l.sigmas[len(l.sigmas)-1] }

// SigmaToT maps a continuous sigma to a fractional timestep by linear
// interpolation in log-sigma space, clamped to the table.
func (l *Levels) SigmaToT(sigma float64) float64 {
	logSigma := math.Log(sigma)
	// last index whose log sigma is <= logSigma, kept below the final entry
	low := sort.SearchFloat64s(l.logSigmas, logSigma)
	if low < len(l.logSigmas) && l.logSigmas[low] == logSigma {
		low++
	}
	low--
	if low < 0 {
		low = 0
	}
	if low > len(l.logSigmas)-2 {
		low = len(l.logSigmas) - 2
	}
	high := low + 1
	w := (l.logSigmas[low] - logSigma) / (l.logSigmas[low] - l.logSigmas[high])
	w = math.Max(0, math.Min(1, w))
	return (1-w)*float64(low) + w*float64(high)
}

// NearestT returns the timestep whose level is closest to sigma in log space.
func (l *Levels) NearestT(sigma float64) int {
	logSigma := math.Log(sigma)
	best, bestDist := 0, math.Inf(1)
	for i, ls := range l.logSigmas {
		if d := math.Abs(ls - logSigma); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

// TToSigma is the inverse of SigmaToT for t in [0, Len()-1].
func (l *Levels) TToSigma(t float64) float64 {
	t = math.Max(0, math.Min(float64(len(l.sigmas)-1), t))
	low := math.Floor(t)
	high := math.Ceil(t)
	w := t - low
	logSigma := (1-w)*l.logSigmas[int(low)] + w*l.logSigmas[int(high)]
	return math.Exp(logSigma)
}
