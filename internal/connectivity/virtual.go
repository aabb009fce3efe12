package connectivity

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"hypergraph/internal/nn"
)

const (
	saltWeight uint64 = 0x9e3779b97f4a7c15
	saltDelay  uint64 = 0xc2b2ae3d27d4eb4f
	saltExists uint64 = 0x165667b19e3779f9

	// VirtualMinDelay and VirtualMaxDelay bound VirtualDelay in milliseconds.
	VirtualMinDelay = 1.0
	VirtualMaxDelay = 20.0
)

func pairHash(pre, post nn.NeuronID, seed, salt uint64) uint64 {
	var buf [32]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(pre))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(post))
	binary.LittleEndian.PutUint64(buf[16:24], seed)
	binary.LittleEndian.PutUint64(buf[24:32], salt)
	return xxhash.Sum64(buf[:])
}

// unit maps a hash onto [0,1) using its top 53 bits.
func unit(h uint64) float64 {
	return float64(h>>11) / (1 << 53)
}

// VirtualWeight is the procedural weight in [0,1) of the edge pre→post.
func VirtualWeight(pre, post nn.NeuronID, seed uint64) float64 {
	return unit(pairHash(pre, post, seed, saltWeight))
}

// VirtualDelay is the procedural delay of the edge pre→post in
// [VirtualMinDelay, VirtualMaxDelay) milliseconds.
func VirtualDelay(pre, post nn.NeuronID, seed uint64) float64 {
	return VirtualMinDelay + (VirtualMaxDelay-VirtualMinDelay)*unit(pairHash(pre, post, seed, saltDelay))
}

// VirtualExists reports whether the edge pre→post exists at connection
// probability p.
func VirtualExists(pre, post nn.NeuronID, p float64, seed uint64) bool {
	if p <= 0 {
		return false
	}
	if p >= 1 {
		return true
	}
	return unit(pairHash(pre, post, seed, saltExists)) < p
}

// VirtualSynapse scales the procedural family to a weight and delay range.
// Identical inputs always produce identical outputs, so topologies of any
// size can be recomputed instead of stored.
type VirtualSynapse struct {
	Seed        uint64
	Probability float64
	MinWeight   float64
	MaxWeight   float64
	MinDelay    float64
	MaxDelay    float64
	Type        nn.SynapseType
}

func DefaultVirtualSynapse(seed uint64, probability float64) VirtualSynapse {
	return VirtualSynapse{
		Seed:        seed,
		Probability: probability,
		MinWeight:   nn.DefaultMinWeight,
		MaxWeight:   nn.DefaultMaxWeight,
		MinDelay:    VirtualMinDelay,
		MaxDelay:    VirtualMaxDelay,
		Type:        nn.SynapseExcitatory,
	}
}

func (v VirtualSynapse) Exists(pre, post nn.NeuronID) bool {
	return VirtualExists(pre, post, v.Probability, v.Seed)
}

func (v VirtualSynapse) Weight(pre, post nn.NeuronID) float64 {
	return v.MinWeight + (v.MaxWeight-v.MinWeight)*VirtualWeight(pre, post, v.Seed)
}

func (v VirtualSynapse) Delay(pre, post nn.NeuronID) float64 {
	return v.MinDelay + (v.MaxDelay-v.MinDelay)*unit(pairHash(pre, post, v.Seed, saltDelay))
}

// ForEachTarget calls fn for every procedural target of pre within targets
// until fn returns false. It returns the number of targets visited.
func (v VirtualSynapse) ForEachTarget(pre nn.NeuronID, targets Endpoints, fn func(post nn.NeuronID, weight float64) bool) int {
	visited := 0
	for i := 0; i < targets.Len(); i++ {
		post := targets.At(i)
		if post == pre || !v.Exists(pre, post) {
			continue
		}
		visited++
		if !fn(post, v.Weight(pre, post)) {
			break
		}
	}
	return visited
}

// Input is the weighted input post receives from the procedural sources in
// sources, reading presynaptic activations through activation.
func (v VirtualSynapse) Input(post nn.NeuronID, sources Endpoints, activation func(nn.NeuronID) float64) float64 {
	var sum float64
	mod := v.Type.Modifier()
	for i := 0; i < sources.Len(); i++ {
		pre := sources.At(i)
		if pre == post || !v.Exists(pre, post) {
			continue
		}
		sum += activation(pre) * v.Weight(pre, post) * mod
	}
	return sum
}
