package diffusion

import (
	"math"
	"testing"
)

func TestAlphasCumprod(t *testing.T) {
	ac, err := AlphasCumprod(BetaLinear, 1000, 0.00085, 0.012)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(ac[0]-(1-0.00085)) > 1e-12 {
		t.Errorf("alphas_cumprod[0] = %v, want %v", ac[0], 1-0.00085)
	}
	for i := 1; i < len(ac); i++ {
		if !(ac[i] < ac[i-1]) {
			t.Fatalf("alphas_cumprod not decreasing at %d", i)
		}
	}

	raw, err := AlphasCumprod(BetaRawLinear, 10, 0.1, 0.5)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(raw[0]-0.9) > 1e-12 {
		t.Errorf("raw linear first value = %v, want 0.9", raw[0])
	}

	if _, err := AlphasCumprod("cosine", 10, 0.1, 0.5); err == nil {
		t.Error("expected error for unknown schedule")
	}
	if _, err := AlphasCumprod(BetaLinear, 10, 0.5, 0.1); err == nil {
		t.Error("expected error for inverted beta range")
	}
}

func TestStableDiffusionLevels(t *testing.T) {
	levels := sdLevels(t)
	if levels.Len() != 1000 {
		t.Fatalf("Len = %d, want 1000", levels.Len())
	}
	if math.Abs(levels.SigmaMin()-0.0292) > 1e-3 {
		t.Errorf("sigma_min = %v, want ~0.0292", levels.SigmaMin())
	}
	if math.Abs(levels.SigmaMax()-14.6146) > 1e-2 {
		t.Errorf("sigma_max = %v, want ~14.6146", levels.SigmaMax())
	}
}

func TestNewLevelsRejects(t *testing.T) {
	tests := []struct {
		name   string
		sigmas []float64
	}{
		{"too short", []float64{1}},
		{"zero", []float64{0, 1}},
		{"descending", []float64{2, 1}},
		{"duplicate", []float64{1, 1}},
		{"infinite", []float64{1, math.Inf(1)}},
		{"nan", []float64{math.NaN(), 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewLevels(tt.sigmas); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestSigmaToTAtTableEntries(t *testing.T) {
	levels := sdLevels(t)
	for _, i := range []int{0, 1, 250, 500, 998, 999} {
		if got := levels.SigmaToT(levels.At(i)); got != float64(i) {
			t.Errorf("SigmaToT(level %d) = %v", i, got)
		}
	}
}

func TestSigmaToTRoundTrip(t *testing.T) {
	levels := sdLevels(t)
	for _, sigma := range []float64{0.05, 0.5, 1, 3.3, 10} {
		got := levels.TToSigma(levels.SigmaToT(sigma))
		if math.Abs(got-sigma)/sigma > 1e-9 {
			t.Errorf("TToSigma(SigmaToT(%v)) = %v", sigma, got)
		}
	}
}

func TestSigmaToTClamps(t *testing.T) {
	levels := sdLevels(t)
	if got := levels.SigmaToT(1e-6); got != 0 {
		t.Errorf("below table: t = %v, want 0", got)
	}
	if got := levels.SigmaToT(1e6); got != 999 {
		t.Errorf("above table: t = %v, want 999", got)
	}
}

func TestNearestT(t *testing.T) {
	levels, err := NewLevels([]float64{1, 2, 4, 8})
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		sigma float64
		want  int
	}{
		{0.1, 0},
		{1, 0},
		{1.3, 0},
		{1.5, 1},
		{3, 2},
		{100, 3},
	}
	for _, tt := range tests {
		if got := levels.NearestT(tt.sigma); got != tt.want {
			t.Errorf("NearestT(%v) = %d, want %d", tt.sigma, got, tt.want)
		}
	}
}

func TestSigmasReturnsCopy(t *testing.T) {
	levels := sdLevels(t)
	s := levels.Sigmas()
	s[0] = -1
	if levels.At(0) == -1 {
		t.Error("Sigmas exposes the internal table")
	}
}
