package nn

import (
	"fmt"
	"math"
	"strings"
)

// PlasticityRule selects how a synapse adapts its weight to activity.
type PlasticityRule int32

const (
	PlasticityNone PlasticityRule = iota
	PlasticityHebbian
	PlasticitySTDP
	PlasticityBCM
	PlasticityOja
)

const (
	// BCMThreshold is the sliding modification threshold θ of the BCM rule.
	BCMThreshold = 0.5
	// STDPTauMillis is the time constant of the exponential STDP kernel.
	STDPTauMillis = 20.0
)

func (r PlasticityRule) String() string {
	switch r {
	case PlasticityNone:
		return "none"
	case PlasticityHebbian:
		return "hebbian"
	case PlasticitySTDP:
		return "stdp"
	case PlasticityBCM:
		return "bcm"
	case PlasticityOja:
		return "oja"
	default:
		return fmt.Sprintf("plasticity(%d)", int32(r))
	}
}

func (r PlasticityRule) Valid() bool {
	return r >= PlasticityNone && r <= PlasticityOja
}

// NormalizePlasticityRuleName folds aliases onto canonical rule names.
func NormalizePlasticityRuleName(rule string) string {
	switch strings.ToLower(strings.TrimSpace(rule)) {
	case "", "none":
		return "none"
	case "hebbian", "hebbian_w", "hebb":
		return "hebbian"
	case "oja", "ojas", "ojas_w":
		return "oja"
	case "stdp", "spike_timing":
		return "stdp"
	case "bcm":
		return "bcm"
	default:
		return strings.ToLower(strings.TrimSpace(rule))
	}
}

func ParsePlasticityRule(name string) (PlasticityRule, error) {
	switch NormalizePlasticityRuleName(name) {
	case "none":
		return PlasticityNone, nil
	case "hebbian":
		return PlasticityHebbian, nil
	case "stdp":
		return PlasticitySTDP, nil
	case "bcm":
		return PlasticityBCM, nil
	case "oja":
		return PlasticityOja, nil
	default:
		return PlasticityNone, fmt.Errorf("unsupported plasticity rule: %s", name)
	}
}

// HebbianDelta is η·pre·post·dt.
func HebbianDelta(rate, pre, post, dt float64) float64 {
	return rate * pre * post * dt
}

// BCMDelta is η·post·(post−θ)·pre·dt with θ = BCMThreshold.
func BCMDelta(rate, pre, post, dt float64) float64 {
	return rate * post * (post - BCMThreshold) * pre * dt
}

// OjaDelta is η·post·(pre − post·w)·dt.
func OjaDelta(rate, pre, post, weight, dt float64) float64 {
	return rate * post * (pre - post*weight) * dt
}

// STDPKernel returns the unscaled timing kernel for a spike pair. A
// postsynaptic spike after the presynaptic one yields a positive value, the
// reverse order a negative one, and coincident spikes zero.
func STDPKernel(preMillis, postMillis float64) float64 {
	dt := postMillis - preMillis
	if dt == 0 || !finite(dt) {
		return 0
	}
	k := math.Exp(-math.Abs(dt) / STDPTauMillis)
	if dt < 0 {
		return -k
	}
	return k
}

// STDPDelta is ±η·exp(−|Δt|/20ms).
func STDPDelta(rate, preMillis, postMillis float64) float64 {
	return rate * STDPKernel(preMillis, postMillis)
}
