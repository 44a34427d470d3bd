package diffusion

import (
	"fmt"
	"math"
)

// DefaultRho is the Karras et al. schedule exponent.
const DefaultRho = 7.0

// KarrasSigmas returns n levels on the Karras power curve from sigmaMax down
// to sigmaMin. There is no trailing zero: callers that need one append it
// after any quantization so the zero is never snapped onto the table.
func KarrasSigmas(n int, sigmaMin, sigmaMax, rho float64) ([]float64, error) {
	if n < 1 {
		return nil, &InvalidScheduleError{Reason: fmt.Sprintf("step count %d < 1", n)}
	}
	if !(sigmaMin > 0) {
		return nil, &InvalidScheduleError{Reason: fmt.Sprintf("sigma_min %v must be positive", sigmaMin)}
	}
	if sigmaMin >= sigmaMax {
		return nil, &InvalidScheduleError{Reason: fmt.Sprintf("sigma_min %v >= sigma_max %v", sigmaMin, sigmaMax)}
	}
	if !(rho > 0) {
		return nil, &InvalidScheduleError{Reason: fmt.Sprintf("rho %v must be positive", rho)}
	}

	minInvRho := math.Pow(sigmaMin, 1/rho)
	maxInvRho := math.Pow(sigmaMax, 1/rho)
	sigmas := make([]float64, n)
	if n == 1 {
		sigmas[0] = sigmaMax
		return sigmas, nil
	}
	for i := 0; i < n; i++ {
		ramp := float64(i) / float64(n-1)
		sigmas[i] = math.Pow(maxInvRho+ramp*(minInvRho-maxInvRho), rho)
	}
	// pin the endpoints against pow round-off
	sigmas[0] = sigmaMax
	sigmas[n-1] = sigmaMin
	return sigmas, nil
}

// NativeSchedule spaces steps timesteps evenly over the model's table, from
// the noisiest level down to the cleanest, and appends the terminal zero.
func NativeSchedule(levels *Levels, steps int) ([]float64, error) {
	if steps < 1 {
		return nil, &InvalidScheduleError{Reason: fmt.Sprintf("step count %d < 1", steps)}
	}
	tMax := float64(levels.Len() - 1)
	sigmas := make([]float64, steps+1)
	for i := 0; i < steps; i++ {
		t := tMax
		if steps > 1 {
			t = tMax - float64(i)*tMax/float64(steps-1)
		}
		sigmas[i] = levels.TToSigma(t)
	}
	sigmas[steps] = 0
	return sigmas, nil
}

// AppendZero returns sigmas with a terminal zero level.
func AppendZero(sigmas []float64) []float64 {
	out := make([]float64, len(sigmas)+1)
	copy(out, sigmas)
	return out
}

// validateSchedule checks the outer schedule handed to the sampler loop.
func validateSchedule(sigmas []float64) error {
	if len(sigmas) < 2 {
		return &InvalidScheduleError{Reason: fmt.Sprintf("schedule needs at least 2 levels, got %d", len(sigmas))}
	}
	for i, s := range sigmas {
		if s < 0 || math.IsNaN(s) {
			return &InvalidScheduleError{Reason: fmt.Sprintf("level %d is %v", i, s)}
		}
		if i > 0 && s > sigmas[i-1] {
			return &InvalidScheduleError{Reason: fmt.Sprintf("level %d (%v) increases over %v", i, s, sigmas[i-1])}
		}
	}
	return nil
}
