package diffusion

import (
	"fmt"
	"math"
)

// BetaSchedule names a DDPM beta schedule.
type BetaSchedule string

const (
	// BetaLinear is the latent-diffusion "linear" schedule, linear in sqrt(beta).
	BetaLinear BetaSchedule = "linear"
	// BetaScaledLinear is the same curve under its diffusers name.
	BetaScaledLinear BetaSchedule = "scaled_linear"
	// BetaRawLinear is linear in beta.
	BetaRawLinear BetaSchedule = "raw_linear"
)

// AlphasCumprod builds the cumulative product of (1 - beta) for n training steps.
func AlphasCumprod(schedule BetaSchedule, n int, betaStart, betaEnd float64) ([]float64, error) {
	if n < 2 {
		return nil, fmt.Errorf("beta schedule needs at least 2 timesteps, got %d", n)
	}
	if !(betaStart > 0 && betaEnd > betaStart && betaEnd < 1) {
		return nil, fmt.Errorf("invalid beta range [%v, %v]", betaStart, betaEnd)
	}

	betas := make([]float64, n)
	switch schedule {
	case BetaLinear, BetaScaledLinear, "":
		sqrtStart := math.Sqrt(betaStart)
		sqrtEnd := math.Sqrt(betaEnd)
		for i := 0; i < n; i++ {
			b := sqrtStart + float64(i)/float64(n-1)*(sqrtEnd-sqrtStart)
			betas[i] = b * b
		}
	case BetaRawLinear:
		for i := 0; i < n; i++ {
			betas[i] = betaStart + float64(i)/float64(n-1)*(betaEnd-betaStart)
		}
	default:
		return nil, fmt.Errorf("unknown beta schedule %q", schedule)
	}

	alphasCumprod := make([]float64, n)
	prod := 1.0
	for i := 0; i < n; i++ {
		prod *= 1.0 - betas[i]
		alphasCumprod[i] = prod
	}
	return alphasCumprod, nil
}
