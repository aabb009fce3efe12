package nn

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"weak"
)

type SynapseID uint64

// SynapseType scales and signs the signal a synapse carries.
type SynapseType int32

const (
	SynapseExcitatory SynapseType = iota
	SynapseInhibitory
	SynapseModulatory
)

func (t SynapseType) String() string {
	switch t {
	case SynapseExcitatory:
		return "excitatory"
	case SynapseInhibitory:
		return "inhibitory"
	case SynapseModulatory:
		return "modulatory"
	default:
		return fmt.Sprintf("synapse_type(%d)", int32(t))
	}
}

func (t SynapseType) Valid() bool {
	return t >= SynapseExcitatory && t <= SynapseModulatory
}

// Modifier is the factor applied to every propagated or integrated signal.
func (t SynapseType) Modifier() float64 {
	switch t {
	case SynapseInhibitory:
		return -1
	case SynapseModulatory:
		return 0.5
	default:
		return 1
	}
}

func ParseSynapseType(name string) (SynapseType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "excitatory", "exc":
		return SynapseExcitatory, nil
	case "inhibitory", "inh":
		return SynapseInhibitory, nil
	case "modulatory", "mod":
		return SynapseModulatory, nil
	default:
		return SynapseExcitatory, fmt.Errorf("unsupported synapse type: %s", name)
	}
}

const (
	DefaultMinWeight      = 0.0
	DefaultMaxWeight      = 1.0
	DefaultLearningRate   = 0.01
	DefaultEligibilityTau = 1000.0
)

// SynapseConfig holds every persistent field of a synapse. It doubles as the
// checkpoint form returned by Synapse.Config.
type SynapseConfig struct {
	ID           SynapseID
	Weight       float64
	MinWeight    float64
	MaxWeight    float64
	Type         SynapseType
	Rule         PlasticityRule
	LearningRate float64
	Delay        float64 // milliseconds
	Eligibility  float64
}

func DefaultSynapseConfig() SynapseConfig {
	return SynapseConfig{
		MinWeight:    DefaultMinWeight,
		MaxWeight:    DefaultMaxWeight,
		Type:         SynapseExcitatory,
		Rule:         PlasticityNone,
		LearningRate: DefaultLearningRate,
	}
}

type delayedSignal struct {
	due    time.Duration
	signal float64
}

// Synapse is a directed weighted edge. It observes its endpoints through weak
// pointers and never keeps a neuron alive. Weight and statistics are
// lock-free; only the delayed-signal buffer takes a mutex.
type Synapse struct {
	id       SynapseID
	sourceID NeuronID
	targetID NeuronID
	source   weak.Pointer[Neuron]
	target   weak.Pointer[Neuron]
	env      *Env

	typ       SynapseType
	minWeight float64
	maxWeight float64
	delay     float64

	rule         atomic.Int32
	learningRate atomicFloat
	weight       atomicFloat
	eligibility  atomicFloat

	signalCount atomic.Uint64
	updateCount atomic.Uint64
	minSeen     atomicFloat
	maxSeen     atomicFloat
	weightSum   atomicFloat

	lastPreSpike  atomic.Int64
	lastPostSpike atomic.Int64
	tracedPre     atomic.Int64
	tracedPost    atomic.Int64

	guard guardState

	mu      sync.Mutex
	pending []delayedSignal
}

// NewSynapse connects source to target. It does not register itself with
// either neuron; Region owns that bookkeeping.
func NewSynapse(source, target *Neuron, cfg SynapseConfig, env *Env) *Synapse {
	if cfg.MinWeight > cfg.MaxWeight {
		cfg.MinWeight, cfg.MaxWeight = cfg.MaxWeight, cfg.MinWeight
	}
	if cfg.MinWeight == 0 && cfg.MaxWeight == 0 {
		cfg.MinWeight, cfg.MaxWeight = DefaultMinWeight, DefaultMaxWeight
	}
	if !cfg.Type.Valid() {
		cfg.Type = SynapseExcitatory
	}
	if !cfg.Rule.Valid() {
		cfg.Rule = PlasticityNone
	}
	if !finite(cfg.Delay) || cfg.Delay < 0 {
		cfg.Delay = 0
	}

	s := &Synapse{
		id:        cfg.ID,
		env:       normalizeEnv(env),
		typ:       cfg.Type,
		minWeight: cfg.MinWeight,
		maxWeight: cfg.MaxWeight,
		delay:     cfg.Delay,
	}
	if source != nil {
		s.sourceID = source.ID()
		s.source = weak.Make(source)
	}
	if target != nil {
		s.targetID = target.ID()
		s.target = weak.Make(target)
	}

	w := cfg.Weight
	if !finite(w) {
		w = cfg.MinWeight
	}
	w = clamp(w, s.minWeight, s.maxWeight)
	s.weight.Store(w)
	s.minSeen.Store(w)
	s.maxSeen.Store(w)
	s.weightSum.Store(w)

	s.rule.Store(int32(cfg.Rule))
	s.learningRate.Store(cfg.LearningRate)
	s.eligibility.Store(clamp(cfg.Eligibility, -s.env.Guardrails.EligibilityCap, s.env.Guardrails.EligibilityCap))
	s.lastPreSpike.Store(-1)
	s.lastPostSpike.Store(-1)
	s.tracedPre.Store(-1)
	s.tracedPost.Store(-1)
	return s
}

func (s *Synapse) ID() SynapseID      { return s.id }
func (s *Synapse) SourceID() NeuronID { return s.sourceID }
func (s *Synapse) TargetID() NeuronID { return s.targetID }
func (s *Synapse) Type() SynapseType  { return s.typ }
func (s *Synapse) Delay() float64     { return s.delay }

// Bounds returns the closed weight interval.
func (s *Synapse) Bounds() (lo, hi float64) {
	return s.minWeight, s.maxWeight
}

// Source returns the presynaptic neuron, or nil once it has been destroyed.
func (s *Synapse) Source() *Neuron {
	return liveNeuron(s.source)
}

// Target returns the postsynaptic neuron, or nil once it has been destroyed.
func (s *Synapse) Target() *Neuron {
	return liveNeuron(s.target)
}

func liveNeuron(p weak.Pointer[Neuron]) *Neuron {
	n := p.Value()
	if n == nil || !n.Alive() {
		return nil
	}
	return n
}

// IsValid reports whether both endpoints are still alive.
func (s *Synapse) IsValid() bool {
	return s.Source() != nil && s.Target() != nil
}

func (s *Synapse) Rule() PlasticityRule  { return PlasticityRule(s.rule.Load()) }
func (s *Synapse) LearningRate() float64 { return s.learningRate.Load() }

func (s *Synapse) SetPlasticity(rule PlasticityRule, rate float64) {
	if !rule.Valid() {
		rule = PlasticityNone
	}
	s.rule.Store(int32(rule))
	if finite(rate) {
		s.learningRate.Store(rate)
	}
}

func (s *Synapse) Weight() float64 { return s.weight.Load() }

// SetWeight stores w clamped to the synapse bounds and folds it into the
// running statistics. NaN is rejected and counted.
func (s *Synapse) SetWeight(w float64) {
	if math.IsNaN(w) {
		s.guard.rejected.Add(1)
		return
	}
	w = clamp(w, s.minWeight, s.maxWeight)
	s.weight.Store(w)
	s.recordWeight(w)
}

func (s *Synapse) recordWeight(w float64) {
	s.updateCount.Add(1)
	s.weightSum.Add(w)
	s.minSeen.StoreMin(w)
	s.maxSeen.StoreMax(w)
}

// ApplyDelta passes dw through the guardrails and adds the result to the
// weight. It returns the change actually applied after clamping.
func (s *Synapse) ApplyDelta(dw float64) float64 {
	dw = s.guard.apply(s.env.Guardrails, dw)
	if dw == 0 {
		return 0
	}
	var before float64
	next := s.weight.Update(func(w float64) float64 {
		before = w
		return clamp(w+dw, s.minWeight, s.maxWeight)
	})
	s.recordWeight(next)
	return next - before
}

// PropagateSignal sends strength·weight·modifier to the target. With no delay
// the signal is added to the target activation at once; otherwise it waits in
// the delayed buffer until WeightedInput drains it.
func (s *Synapse) PropagateSignal(strength float64) {
	if s.Source() == nil {
		return
	}
	target := s.Target()
	if target == nil {
		return
	}
	signal := strength * s.weight.Load() * s.typ.Modifier()
	if !finite(signal) {
		return
	}
	s.signalCount.Add(1)

	if s.delay <= 0 {
		target.AddActivation(signal)
		return
	}
	due := s.env.Clock.Now() + fromMillis(s.delay)
	s.mu.Lock()
	s.pending = append(s.pending, delayedSignal{due: due, signal: signal})
	s.mu.Unlock()
}

// WeightedInput is the value the target neuron integrates each tick: any
// delayed signals whose delivery time has passed plus the current source
// activation times the weight. Delivered signals are discarded.
func (s *Synapse) WeightedInput() float64 {
	source := s.Source()
	if source == nil || s.Target() == nil {
		return 0
	}
	var delivered float64
	if s.delay > 0 {
		delivered = s.drainDue(s.env.Clock.Now())
	}
	return delivered + source.Activation()*s.weight.Load()*s.typ.Modifier()
}

func (s *Synapse) drainDue(now time.Duration) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sum float64
	kept := s.pending[:0]
	for _, d := range s.pending {
		if d.due <= now {
			sum += d.signal
			continue
		}
		kept = append(kept, d)
	}
	for i := len(kept); i < len(s.pending); i++ {
		s.pending[i] = delayedSignal{}
	}
	s.pending = kept
	return sum
}

// PendingSignals reports how many delayed signals await delivery.
func (s *Synapse) PendingSignals() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// UpdateWeight applies the configured plasticity rule for one step and
// returns the applied weight change. STDP uses the endpoints' most recent
// spike times and only acts once per new spike pair.
func (s *Synapse) UpdateWeight(pre, post, dt float64) float64 {
	rate := s.learningRate.Load()
	switch s.Rule() {
	case PlasticityHebbian:
		return s.ApplyDelta(HebbianDelta(rate, pre, post, dt))
	case PlasticityBCM:
		return s.ApplyDelta(BCMDelta(rate, pre, post, dt))
	case PlasticityOja:
		return s.ApplyDelta(OjaDelta(rate, pre, post, s.weight.Load(), dt))
	case PlasticitySTDP:
		return s.updateFromSpikes()
	default:
		return 0
	}
}

func (s *Synapse) updateFromSpikes() float64 {
	preAt, postAt, ok := s.newSpikePair(&s.lastPreSpike, &s.lastPostSpike)
	if !ok {
		return 0
	}
	return s.ApplySTDP(toMillis(preAt), toMillis(postAt))
}

// newSpikePair returns the endpoints' latest spike times when both have
// fired and the pair differs from the one recorded in pre/post.
func (s *Synapse) newSpikePair(pre, post *atomic.Int64) (time.Duration, time.Duration, bool) {
	source, target := s.Source(), s.Target()
	if source == nil || target == nil {
		return 0, 0, false
	}
	preAt, ok := source.LastSpike()
	if !ok {
		return 0, 0, false
	}
	postAt, ok := target.LastSpike()
	if !ok {
		return 0, 0, false
	}
	samePre := pre.Swap(int64(preAt)) == int64(preAt)
	samePost := post.Swap(int64(postAt)) == int64(postAt)
	if samePre && samePost {
		return 0, 0, false
	}
	return preAt, postAt, true
}

// TraceSpikes folds the endpoints' latest spike pair into the eligibility
// trace. Each pair is counted once; the weight is left alone until
// ApplyReward.
func (s *Synapse) TraceSpikes() float64 {
	preAt, postAt, ok := s.newSpikePair(&s.tracedPre, &s.tracedPost)
	if !ok {
		return s.eligibility.Load()
	}
	return s.RecordSTDPEligibility(toMillis(preAt), toMillis(postAt))
}

// ApplySTDP applies the timing-dependent update for one spike pair given in
// milliseconds.
func (s *Synapse) ApplySTDP(preMillis, postMillis float64) float64 {
	return s.ApplyDelta(STDPDelta(s.learningRate.Load(), preMillis, postMillis))
}

func (s *Synapse) Eligibility() float64 { return s.eligibility.Load() }

// AccumulateEligibility adds v to the trace, clamped to ±EligibilityCap.
func (s *Synapse) AccumulateEligibility(v float64) float64 {
	if !finite(v) {
		s.guard.rejected.Add(1)
		return s.eligibility.Load()
	}
	limit := s.env.Guardrails.EligibilityCap
	return s.eligibility.Update(func(e float64) float64 { return clamp(e+v, -limit, limit) })
}

// RecordSTDPEligibility accumulates the STDP kernel of a spike pair into the
// trace without touching the weight.
func (s *Synapse) RecordSTDPEligibility(preMillis, postMillis float64) float64 {
	return s.AccumulateEligibility(STDPKernel(preMillis, postMillis))
}

// DecayEligibility scales the trace by exp(−dt/tau). tau <= 0 uses
// DefaultEligibilityTau.
func (s *Synapse) DecayEligibility(dt, tau float64) float64 {
	if tau <= 0 {
		tau = DefaultEligibilityTau
	}
	factor := math.Exp(-dt / tau)
	if !finite(factor) {
		return s.eligibility.Load()
	}
	return s.eligibility.Update(func(e float64) float64 { return e * factor })
}

// ApplyReward converts the trace into a weight change of η·reward·trace.
func (s *Synapse) ApplyReward(reward float64) float64 {
	return s.ApplyDelta(s.learningRate.Load() * reward * s.eligibility.Load())
}

// Config snapshots the persistent fields of the synapse.
func (s *Synapse) Config() SynapseConfig {
	return SynapseConfig{
		ID:           s.id,
		Weight:       s.weight.Load(),
		MinWeight:    s.minWeight,
		MaxWeight:    s.maxWeight,
		Type:         s.typ,
		Rule:         s.Rule(),
		LearningRate: s.learningRate.Load(),
		Delay:        s.delay,
		Eligibility:  s.eligibility.Load(),
	}
}

// SynapseStats is a read-only snapshot for telemetry consumers.
type SynapseStats struct {
	ID              SynapseID `json:"id"`
	Source          NeuronID  `json:"source"`
	Target          NeuronID  `json:"target"`
	Type            string    `json:"type"`
	Rule            string    `json:"rule"`
	Weight          float64   `json:"weight"`
	MinObserved     float64   `json:"min_observed"`
	MaxObserved     float64   `json:"max_observed"`
	AvgWeight       float64   `json:"avg_weight"`
	SignalCount     uint64    `json:"signal_count"`
	UpdateCount     uint64    `json:"update_count"`
	Eligibility     float64   `json:"eligibility"`
	RejectedUpdates uint64    `json:"rejected_updates"`
	ClippedUpdates  uint64    `json:"clipped_updates"`
	DampedUpdates   uint64    `json:"damped_updates"`
	PendingSignals  int       `json:"pending_signals"`
	Valid           bool      `json:"valid"`
}

func (s *Synapse) Stats() SynapseStats {
	updates := s.updateCount.Load()
	return SynapseStats{
		ID:              s.id,
		Source:          s.sourceID,
		Target:          s.targetID,
		Type:            s.typ.String(),
		Rule:            s.Rule().String(),
		Weight:          s.weight.Load(),
		MinObserved:     s.minSeen.Load(),
		MaxObserved:     s.maxSeen.Load(),
		AvgWeight:       s.weightSum.Load() / float64(updates+1),
		SignalCount:     s.signalCount.Load(),
		UpdateCount:     updates,
		Eligibility:     s.eligibility.Load(),
		RejectedUpdates: s.guard.rejected.Load(),
		ClippedUpdates:  s.guard.clipped.Load(),
		DampedUpdates:   s.guard.damped.Load(),
		PendingSignals:  s.PendingSignals(),
		Valid:           s.IsValid(),
	}
}
