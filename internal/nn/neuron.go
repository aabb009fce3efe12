package nn

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/exp/slices"
)

type NeuronID uint64

// State is the discrete firing state of a neuron.
type State int32

const (
	StateInactive State = iota
	StateActive
	StateInhibited
	StateRefractory
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateActive:
		return "active"
	case StateInhibited:
		return "inhibited"
	case StateRefractory:
		return "refractory"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

func (s State) Valid() bool {
	return s >= StateInactive && s <= StateRefractory
}

// NeuronConfig holds every persistent field of a neuron. It doubles as the
// checkpoint form returned by Neuron.Config.
type NeuronConfig struct {
	ID               NeuronID
	Activation       float64
	State            State
	Threshold        float64
	DecayRate        float64
	RefractoryPeriod float64
	RefractoryTimer  float64
	Energy           float64
	Health           float64
	FireCount        uint64
}

func DefaultNeuronConfig() NeuronConfig {
	return NeuronConfig{
		Threshold:        0.5,
		DecayRate:        0.1,
		RefractoryPeriod: 2.0,
		Energy:           1.0,
		Health:           1.0,
	}
}

// Neuron holds activation and firing state. Scalar fields are lock-free
// atomics read and written with relaxed expectations: a reader may observe a
// slightly stale activation. The synapse slices are guarded by mu, which the
// hot path only ever try-locks.
type Neuron struct {
	id  NeuronID
	env *Env

	activation       atomicFloat
	state            atomic.Int32
	threshold        atomicFloat
	decayRate        atomicFloat
	refractoryPeriod atomicFloat
	refractoryTimer  atomicFloat
	energy           atomicFloat
	health           atomicFloat

	lastSpike           atomic.Int64
	fireCount           atomic.Uint64
	processCount        atomic.Uint64
	skippedIntegrations atomic.Uint64
	skippedPropagations atomic.Uint64
	dead                atomic.Bool

	mu      sync.Mutex
	inputs  []*Synapse
	outputs []*Synapse
}

// NewNeuron builds a neuron from cfg. A nil env gets a private default.
func NewNeuron(cfg NeuronConfig, env *Env) *Neuron {
	n := &Neuron{id: cfg.ID, env: normalizeEnv(env)}
	state := cfg.State
	if !state.Valid() {
		state = StateInactive
	}
	n.activation.Store(clamp01(cfg.Activation))
	n.state.Store(int32(state))
	n.threshold.Store(cfg.Threshold)
	n.decayRate.Store(math.Max(0, cfg.DecayRate))
	n.refractoryPeriod.Store(math.Max(0, cfg.RefractoryPeriod))
	n.refractoryTimer.Store(math.Max(0, cfg.RefractoryTimer))
	n.energy.Store(cfg.Energy)
	n.health.Store(cfg.Health)
	n.fireCount.Store(cfg.FireCount)
	n.lastSpike.Store(-1)
	return n
}

func (n *Neuron) ID() NeuronID { return n.id }

func (n *Neuron) Activation() float64 { return n.activation.Load() }

// SetActivation stores v clamped to [0,1]. Non-finite values are ignored.
func (n *Neuron) SetActivation(v float64) {
	if !finite(v) {
		return
	}
	n.activation.Store(clamp01(v))
}

// AddActivation adds delta to the activation, clamped to [0,1], and returns
// the new value.
func (n *Neuron) AddActivation(delta float64) float64 {
	if !finite(delta) {
		return n.activation.Load()
	}
	return n.activation.Update(func(v float64) float64 { return clamp01(v + delta) })
}

func (n *Neuron) State() State { return State(n.state.Load()) }

func (n *Neuron) SetState(s State) {
	if !s.Valid() {
		return
	}
	n.state.Store(int32(s))
}

// Inhibit moves an Inactive neuron to Inhibited. Inhibited neurons keep
// integrating input but cannot fire until Release.
func (n *Neuron) Inhibit() bool {
	return n.state.CompareAndSwap(int32(StateInactive), int32(StateInhibited))
}

// Release returns an Inhibited neuron to Inactive.
func (n *Neuron) Release() bool {
	return n.state.CompareAndSwap(int32(StateInhibited), int32(StateInactive))
}

func (n *Neuron) Threshold() float64        { return n.threshold.Load() }
func (n *Neuron) SetThreshold(v float64)    { n.threshold.Store(v) }
func (n *Neuron) DecayRate() float64        { return n.decayRate.Load() }
func (n *Neuron) SetDecayRate(v float64)    { n.decayRate.Store(math.Max(0, v)) }
func (n *Neuron) RefractoryPeriod() float64 { return n.refractoryPeriod.Load() }
func (n *Neuron) RefractoryTimer() float64  { return n.refractoryTimer.Load() }
func (n *Neuron) Energy() float64           { return n.energy.Load() }
func (n *Neuron) SetEnergy(v float64)       { n.energy.Store(v) }
func (n *Neuron) Health() float64           { return n.health.Load() }
func (n *Neuron) SetHealth(v float64)       { n.health.Store(v) }
func (n *Neuron) FireCount() uint64         { return n.fireCount.Load() }

func (n *Neuron) SetRefractoryPeriod(v float64) {
	n.refractoryPeriod.Store(math.Max(0, v))
}

// LastSpike reports the clock time of the most recent firing.
func (n *Neuron) LastSpike() (time.Duration, bool) {
	v := n.lastSpike.Load()
	if v < 0 {
		return 0, false
	}
	return time.Duration(v), true
}

// Alive is false once the owning region has destroyed the neuron.
func (n *Neuron) Alive() bool { return !n.dead.Load() }

// Kill marks the neuron destroyed and drops its synapse handles. Synapses
// that still reference it report IsValid() == false from now on.
func (n *Neuron) Kill() {
	if n.dead.Swap(true) {
		return
	}
	n.mu.Lock()
	n.inputs = nil
	n.outputs = nil
	n.mu.Unlock()
}

func (n *Neuron) AddInputSynapse(s *Synapse) {
	if s == nil {
		return
	}
	n.mu.Lock()
	n.inputs = append(n.inputs, s)
	n.mu.Unlock()
}

func (n *Neuron) AddOutputSynapse(s *Synapse) {
	if s == nil {
		return
	}
	n.mu.Lock()
	n.outputs = append(n.outputs, s)
	n.mu.Unlock()
}

func (n *Neuron) RemoveInputSynapse(s *Synapse) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return removeSynapse(&n.inputs, s)
}

func (n *Neuron) RemoveOutputSynapse(s *Synapse) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return removeSynapse(&n.outputs, s)
}

func removeSynapse(list *[]*Synapse, s *Synapse) bool {
	idx := slices.Index(*list, s)
	if idx < 0 {
		return false
	}
	*list = slices.Delete(*list, idx, idx+1)
	return true
}

// ReserveSynapses grows the synapse slices ahead of bulk wiring.
func (n *Neuron) ReserveSynapses(inputs, outputs int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if inputs > 0 {
		n.inputs = slices.Grow(n.inputs, inputs)
	}
	if outputs > 0 {
		n.outputs = slices.Grow(n.outputs, outputs)
	}
}

func (n *Neuron) InputSynapses() []*Synapse {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.inputs)
}

func (n *Neuron) OutputSynapses() []*Synapse {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.outputs)
}

// SynapseCapacity reports the capacity of the input and output slices.
func (n *Neuron) SynapseCapacity() (inputs, outputs int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return cap(n.inputs), cap(n.outputs)
}

// Process runs one best-effort tick of dt milliseconds.
//
// A refractory neuron only counts down its timer. Otherwise the input list is
// snapshotted under a try-lock; when the lock is contended the tick is
// skipped and counted. Firing notifies the observer, propagates to the output
// synapses (again try-locked, skipped on contention) and enters Refractory.
func (n *Neuron) Process(dt float64) {
	if n.dead.Load() {
		return
	}
	n.processCount.Add(1)

	if n.State() == StateRefractory {
		remaining := n.refractoryTimer.Add(-dt)
		if remaining <= 0 {
			n.refractoryTimer.Store(0)
			n.state.Store(int32(StateInactive))
		}
		return
	}

	if !n.mu.TryLock() {
		n.skippedIntegrations.Add(1)
		return
	}
	inputs := slices.Clone(n.inputs)
	n.mu.Unlock()

	var sum float64
	for _, s := range inputs {
		sum += s.WeightedInput()
	}
	if !finite(sum) {
		sum = 0
	}

	prev := n.State()
	decay := math.Max(0, 1-n.decayRate.Load()*dt)
	next := clamp01(n.activation.Load()+sum*dt) * decay
	n.activation.Store(next)

	threshold := n.threshold.Load()
	switch {
	case next >= threshold && prev != StateActive && prev != StateInhibited:
		n.fire(next)
	case next < threshold && prev == StateActive:
		n.state.Store(int32(StateInactive))
	}
}

func (n *Neuron) fire(activation float64) {
	n.state.Store(int32(StateActive))
	count := n.fireCount.Add(1)
	at := n.env.Clock.Now()
	n.lastSpike.Store(int64(at))

	if n.env.Observer != nil {
		n.env.Observer.OnSpike(Spike{Neuron: n.id, At: at, Activation: activation, FireCount: count})
	}

	if n.mu.TryLock() {
		outputs := slices.Clone(n.outputs)
		n.mu.Unlock()
		for _, s := range outputs {
			s.PropagateSignal(activation)
		}
	} else {
		n.skippedPropagations.Add(1)
	}

	n.refractoryTimer.Store(n.refractoryPeriod.Load())
	n.state.Store(int32(StateRefractory))
}

// Config snapshots the persistent fields of the neuron.
func (n *Neuron) Config() NeuronConfig {
	return NeuronConfig{
		ID:               n.id,
		Activation:       n.activation.Load(),
		State:            n.State(),
		Threshold:        n.threshold.Load(),
		DecayRate:        n.decayRate.Load(),
		RefractoryPeriod: n.refractoryPeriod.Load(),
		RefractoryTimer:  n.refractoryTimer.Load(),
		Energy:           n.energy.Load(),
		Health:           n.health.Load(),
		FireCount:        n.fireCount.Load(),
	}
}

// NeuronStats is a read-only snapshot for telemetry consumers.
type NeuronStats struct {
	ID                  NeuronID `json:"id"`
	State               string   `json:"state"`
	Activation          float64  `json:"activation"`
	Threshold           float64  `json:"threshold"`
	Energy              float64  `json:"energy"`
	Health              float64  `json:"health"`
	FireCount           uint64   `json:"fire_count"`
	ProcessCount        uint64   `json:"process_count"`
	SkippedIntegrations uint64   `json:"skipped_integrations"`
	SkippedPropagations uint64   `json:"skipped_propagations"`
	Inputs              int      `json:"inputs"`
	Outputs             int      `json:"outputs"`
	Alive               bool     `json:"alive"`
}

func (n *Neuron) Stats() NeuronStats {
	n.mu.Lock()
	inputs, outputs := len(n.inputs), len(n.outputs)
	n.mu.Unlock()
	return NeuronStats{
		ID:                  n.id,
		State:               n.State().String(),
		Activation:          n.activation.Load(),
		Threshold:           n.threshold.Load(),
		Energy:              n.energy.Load(),
		Health:              n.health.Load(),
		FireCount:           n.fireCount.Load(),
		ProcessCount:        n.processCount.Load(),
		SkippedIntegrations: n.skippedIntegrations.Load(),
		SkippedPropagations: n.skippedPropagations.Load(),
		Inputs:              inputs,
		Outputs:             outputs,
		Alive:               n.Alive(),
	}
}
