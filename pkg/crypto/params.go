package crypto

import (
	"fmt"
	"sort"

	"github.com/tuneinsight/lattigo/v5/he/hefloat"
)

// Preset names a fixed CKKS parameter set.
type Preset string

const (
	// PresetPN14 is the production parameter set: N=2^14, scale=2^30 and a
	// [60,30,30,30,30,30 | 60] modulus chain.
	PresetPN14 Preset = "pn14"

	// PresetPN12 is a compact 128-bit parameter set for addition-only
	// workloads. Ciphertexts are ~16x smaller than PN14.
	PresetPN12 Preset = "pn12"

	// PresetTest is NOT secure. It exists so tests can encrypt quickly.
	PresetTest Preset = "test"
)

var presets = map[Preset]hefloat.ParametersLiteral{
	PresetPN14: {
		LogN:            14,
		LogQ:            []int{60, 30, 30, 30, 30, 30},
		LogP:            []int{60},
		LogDefaultScale: 30,
	},
	PresetPN12: {
		LogN:            12,
		LogQ:            []int{38, 30},
		LogP:            []int{40},
		LogDefaultScale: 30,
	},
	PresetTest: {
		LogN:            10,
		LogQ:            []int{40, 30},
		LogP:            []int{40},
		LogDefaultScale: 30,
	},
}

// NewParameters creates CKKS parameters for the given preset.
func NewParameters(p Preset) (hefloat.Parameters, error) {
	lit, ok := presets[p]
	if !ok {
		return hefloat.Parameters{}, fmt.Errorf("unknown parameter preset %q (known: %v)", p, Presets())
	}
	params, err := hefloat.NewParametersFromLiteral(lit)
	if err != nil {
		return hefloat.Parameters{}, fmt.Errorf("failed to create CKKS parameters: %w", err)
	}
	return params, nil
}

// Presets lists the known preset names in sorted order.
func Presets() []Preset {
	out := make([]Preset, 0, len(presets))
	for p := range presets {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
