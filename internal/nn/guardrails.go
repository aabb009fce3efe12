package nn

import (
	"math"
	"sync/atomic"
)

const (
	DefaultMaxGradient           = 1.0
	DefaultMaxWeightChange       = 0.05
	DefaultLargeUpdateFraction   = 0.5
	DefaultConsecutiveLargeLimit = 5
	DefaultDampingFactor         = 0.1
	DefaultEligibilityCap        = 1.0
)

// Guardrails bound every weight delta before it reaches SetWeight.
//
// A delta is rejected to zero when non-finite, clipped to MaxGradient, then
// clipped to MaxWeightChange. Deltas larger than LargeUpdateFraction of
// MaxWeightChange count as large, judged after clipping. Once
// ConsecutiveLargeLimit large deltas have passed in a row, every further large
// delta is multiplied by DampingFactor until a small delta resets the run.
type Guardrails struct {
	MaxGradient           float64 `json:"max_gradient" yaml:"max_gradient"`
	MaxWeightChange       float64 `json:"max_weight_change" yaml:"max_weight_change"`
	LargeUpdateFraction   float64 `json:"large_update_fraction" yaml:"large_update_fraction"`
	ConsecutiveLargeLimit int     `json:"consecutive_large_limit" yaml:"consecutive_large_limit"`
	DampingFactor         float64 `json:"damping_factor" yaml:"damping_factor"`
	EligibilityCap        float64 `json:"eligibility_cap" yaml:"eligibility_cap"`
}

func DefaultGuardrails() Guardrails {
	return Guardrails{
		MaxGradient:           DefaultMaxGradient,
		MaxWeightChange:       DefaultMaxWeightChange,
		LargeUpdateFraction:   DefaultLargeUpdateFraction,
		ConsecutiveLargeLimit: DefaultConsecutiveLargeLimit,
		DampingFactor:         DefaultDampingFactor,
		EligibilityCap:        DefaultEligibilityCap,
	}
}

func (g Guardrails) withDefaults() Guardrails {
	def := DefaultGuardrails()
	if g.MaxGradient <= 0 {
		g.MaxGradient = def.MaxGradient
	}
	if g.MaxWeightChange <= 0 {
		g.MaxWeightChange = def.MaxWeightChange
	}
	if g.LargeUpdateFraction <= 0 {
		g.LargeUpdateFraction = def.LargeUpdateFraction
	}
	if g.ConsecutiveLargeLimit <= 0 {
		g.ConsecutiveLargeLimit = def.ConsecutiveLargeLimit
	}
	if g.DampingFactor <= 0 || g.DampingFactor > 1 {
		g.DampingFactor = def.DampingFactor
	}
	if g.EligibilityCap <= 0 {
		g.EligibilityCap = def.EligibilityCap
	}
	return g
}

// guardState is the per-synapse half of the guardrail controller.
type guardState struct {
	consecutiveLarge atomic.Int32
	rejected         atomic.Uint64
	clipped          atomic.Uint64
	damped           atomic.Uint64
}

func (s *guardState) apply(g Guardrails, dw float64) float64 {
	if !finite(dw) {
		s.rejected.Add(1)
		dw = 0
	}

	clipped := false
	if math.Abs(dw) > g.MaxGradient {
		dw = math.Copysign(g.MaxGradient, dw)
		clipped = true
	}
	if math.Abs(dw) > g.MaxWeightChange {
		dw = math.Copysign(g.MaxWeightChange, dw)
		clipped = true
	}
	if clipped {
		s.clipped.Add(1)
	}

	// The streak is judged on the clipped delta so damping cannot end it.
	if math.Abs(dw) <= g.LargeUpdateFraction*g.MaxWeightChange {
		s.consecutiveLarge.Store(0)
		return dw
	}
	if int(s.consecutiveLarge.Add(1)) > g.ConsecutiveLargeLimit {
		dw *= g.DampingFactor
		s.damped.Add(1)
	}
	return dw
}
