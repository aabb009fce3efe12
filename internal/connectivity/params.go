// Package connectivity wires regions together stochastically and computes
// procedural (virtual) synapses that are never materialized.
package connectivity

import (
	"errors"
	"fmt"
	"strings"

	"hypergraph/internal/nn"
)

var ErrInvalidParams = errors.New("invalid connectivity parameters")

// ConnectionType decides which directions are wired.
type ConnectionType string

const (
	// Reciprocal wires every accepted pair in both directions.
	Reciprocal ConnectionType = "reciprocal"
	// Global wires accepted pairs source to target only.
	Global ConnectionType = "global"
	// Feedforward behaves like Global and documents layered intent.
	Feedforward ConnectionType = "feedforward"
	// Lateral is meant for connecting a region to itself.
	Lateral ConnectionType = "lateral"
)

// Distribution is the weight distribution of new synapses.
type Distribution string

const (
	Uniform   Distribution = "uniform"
	Gaussian  Distribution = "gaussian"
	LogNormal Distribution = "lognormal"
)

func ParseConnectionType(s string) (ConnectionType, error) {
	switch t := ConnectionType(strings.ToLower(strings.TrimSpace(s))); t {
	case "":
		return Global, nil
	case Reciprocal, Global, Feedforward, Lateral:
		return t, nil
	default:
		return "", fmt.Errorf("%w: unsupported connection type %q", ErrInvalidParams, s)
	}
}

func ParseDistribution(s string) (Distribution, error) {
	switch d := Distribution(strings.ToLower(strings.TrimSpace(s))); d {
	case "":
		return Uniform, nil
	case Uniform, Gaussian, LogNormal:
		return d, nil
	case "normal":
		return Gaussian, nil
	default:
		return "", fmt.Errorf("%w: unsupported distribution %q", ErrInvalidParams, s)
	}
}

// Params configures one connect call.
type Params struct {
	Type                    ConnectionType
	Distribution            Distribution
	ConnectionProbability   float64
	WeightMean              float64
	WeightStd               float64
	DistanceDecay           float64
	Bidirectional           bool
	MaxConnectionsPerNeuron int
	PlasticityRule          nn.PlasticityRule
	PlasticityRate          float64
	SynapseType             nn.SynapseType
	Delay                   float64
}

func DefaultParams() Params {
	return Params{
		Type:                  Global,
		Distribution:          Uniform,
		ConnectionProbability: 0.1,
		WeightMean:            0.5,
		WeightStd:             0.1,
		PlasticityRule:        nn.PlasticityNone,
		PlasticityRate:        nn.DefaultLearningRate,
		SynapseType:           nn.SynapseExcitatory,
	}
}

func (p Params) Validate() error {
	if _, err := ParseConnectionType(string(p.Type)); err != nil {
		return err
	}
	if _, err := ParseDistribution(string(p.Distribution)); err != nil {
		return err
	}
	if p.ConnectionProbability < 0 || p.ConnectionProbability > 1 || p.ConnectionProbability != p.ConnectionProbability {
		return fmt.Errorf("%w: connection_probability must be in [0,1], got %f", ErrInvalidParams, p.ConnectionProbability)
	}
	if p.WeightStd < 0 {
		return fmt.Errorf("%w: weight_std must be non-negative, got %f", ErrInvalidParams, p.WeightStd)
	}
	if p.DistanceDecay < 0 {
		return fmt.Errorf("%w: distance_decay must be non-negative, got %f", ErrInvalidParams, p.DistanceDecay)
	}
	if p.MaxConnectionsPerNeuron < 0 {
		return fmt.Errorf("%w: max_connections_per_neuron must be non-negative, got %d", ErrInvalidParams, p.MaxConnectionsPerNeuron)
	}
	if !p.PlasticityRule.Valid() {
		return fmt.Errorf("%w: plasticity rule %d", ErrInvalidParams, p.PlasticityRule)
	}
	if !p.SynapseType.Valid() {
		return fmt.Errorf("%w: synapse type %d", ErrInvalidParams, p.SynapseType)
	}
	if p.Delay < 0 {
		return fmt.Errorf("%w: delay must be non-negative, got %f", ErrInvalidParams, p.Delay)
	}
	return nil
}

func (p Params) reverse() bool {
	return p.Type == Reciprocal || p.Bidirectional
}
