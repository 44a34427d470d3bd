package diffusion

import (
	"strings"

	"github.com/agnivade/levenshtein"
)

// Kind selects a sampler update rule.
type Kind int

const (
	LMS Kind = iota
	Euler
	EulerAncestral
	Heun
	DPM2
	DPM2Ancestral
)

var kindNames = [...]string{
	LMS:            "lms",
	Euler:          "euler",
	EulerAncestral: "euler_ancestral",
	Heun:           "heun",
	DPM2:           "dpm2",
	DPM2Ancestral:  "dpm2_ancestral",
}

// aliases accepted on the command line, including the k_* names used by
// older txt2img scripts
var kindAliases = map[string]Kind{
	"k_lms":     LMS,
	"k_euler":   Euler,
	"k_euler_a": EulerAncestral,
	"euler_a":   EulerAncestral,
	"k_heun":    Heun,
	"k_dpm_2":   DPM2,
	"dpm_2":     DPM2,
	"k_dpm_2_a": DPM2Ancestral,
	"dpm_2_a":   DPM2Ancestral,
	"dpm2_a":    DPM2Ancestral,
}

// Kinds lists every sampler in declaration order.
func Kinds() []Kind {
	return []Kind{LMS, Euler, EulerAncestral, Heun, DPM2, DPM2Ancestral}
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// SupportsQuanta reports whether the rule can snap its evaluation sigmas to
// the model's table while the outer schedule stays continuous.
func (k Kind) SupportsQuanta() bool {
	switch k {
	case Euler, Heun, DPM2:
		return true
	}
	return false
}

// Ancestral reports whether the rule injects fresh noise every step.
func (k Kind) Ancestral() bool {
	return k == EulerAncestral || k == DPM2Ancestral
}

// ParseKind resolves a sampler name or alias, case-insensitively.
func ParseKind(name string) (Kind, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for i, s := range kindNames {
		if s == n {
			return Kind(i), nil
		}
	}
	if k, ok := kindAliases[n]; ok {
		return k, nil
	}
	return 0, &UnknownSamplerError{Name: name, Suggestion: suggest(n)}
}

func suggest(name string) string {
	best, score := "", len(name)/2+2
	candidates := append([]string{}, kindNames[:]...)
	for alias := range kindAliases {
		candidates = append(candidates, alias)
	}
	for _, c := range candidates {
		if d := levenshtein.ComputeDistance(name, c); d < score || (d == score && c < best) {
			best, score = c, d
		}
	}
	return best
}
