package nn

import (
	"math"
	"math/rand"
	"runtime"
	"sync"
	"testing"
	"time"
)

func newPair(env *Env) (*Neuron, *Neuron) {
	return newTestNeuron(1, env), newTestNeuron(2, env)
}

func TestSynapseSetWeightClampsToBounds(t *testing.T) {
	env := NewEnv()
	a, b := newPair(env)
	cfg := DefaultSynapseConfig()
	cfg.MinWeight, cfg.MaxWeight = -0.5, 0.75
	s := NewSynapse(a, b, cfg, env)

	s.SetWeight(10)
	if s.Weight() != 0.75 {
		t.Fatalf("weight=%f want=0.75", s.Weight())
	}
	s.SetWeight(-10)
	if s.Weight() != -0.5 {
		t.Fatalf("weight=%f want=-0.5", s.Weight())
	}
	s.SetWeight(math.NaN())
	if s.Weight() != -0.5 {
		t.Fatalf("NaN must be ignored, weight=%f", s.Weight())
	}
	stats := s.Stats()
	if stats.MaxObserved != 0.75 || stats.MinObserved != -0.5 {
		t.Fatalf("unexpected running min/max: %+v", stats)
	}
	if stats.UpdateCount != 2 {
		t.Fatalf("update count=%d want=2", stats.UpdateCount)
	}
}

func TestSynapseWeightStaysInBoundsUnderRandomUpdates(t *testing.T) {
	env := NewEnv()
	a, b := newPair(env)
	rules := []PlasticityRule{PlasticityHebbian, PlasticityBCM, PlasticityOja}
	rng := rand.New(rand.NewSource(7))
	for _, rule := range rules {
		cfg := DefaultSynapseConfig()
		cfg.Weight = 0.5
		cfg.Rule = rule
		cfg.LearningRate = 5
		s := NewSynapse(a, b, cfg, env)
		for i := 0; i < 2000; i++ {
			switch rng.Intn(3) {
			case 0:
				s.SetWeight(rng.NormFloat64() * 10)
			case 1:
				s.UpdateWeight(rng.NormFloat64()*100, rng.NormFloat64()*100, rng.Float64()*10)
			default:
				s.ApplyDelta(rng.NormFloat64())
			}
			if w := s.Weight(); w < 0 || w > 1 {
				t.Fatalf("rule %s step %d: weight %f escaped [0,1]", rule, i, w)
			}
		}
	}
}

func TestHebbianGuardrailClampsHugeUpdate(t *testing.T) {
	env := NewEnv()
	a, b := newPair(env)
	cfg := DefaultSynapseConfig()
	cfg.Weight = 0.5
	cfg.Rule = PlasticityHebbian
	s := NewSynapse(a, b, cfg, env)

	before := s.Weight()
	s.UpdateWeight(1e6, 1e6, 1)
	if change := math.Abs(s.Weight() - before); change > DefaultMaxWeightChange+1e-12 {
		t.Fatalf("weight changed by %f, limit %f", change, DefaultMaxWeightChange)
	}
	if s.Stats().ClippedUpdates != 1 {
		t.Fatalf("expected clipped update to be counted, got %+v", s.Stats())
	}
}

func TestGuardrailRejectsNonFinite(t *testing.T) {
	env := NewEnv()
	a, b := newPair(env)
	cfg := DefaultSynapseConfig()
	cfg.Weight = 0.5
	s := NewSynapse(a, b, cfg, env)

	if applied := s.ApplyDelta(math.Inf(1)); applied != 0 {
		t.Fatalf("applied=%f want=0", applied)
	}
	if applied := s.ApplyDelta(math.NaN()); applied != 0 {
		t.Fatalf("applied=%f want=0", applied)
	}
	if s.Weight() != 0.5 {
		t.Fatalf("weight=%f want=0.5", s.Weight())
	}
	if s.Stats().RejectedUpdates != 2 {
		t.Fatalf("rejected=%d want=2", s.Stats().RejectedUpdates)
	}
}

func TestGuardrailDampsAfterConsecutiveLargeUpdates(t *testing.T) {
	g := DefaultGuardrails()
	var state guardState

	for i := 0; i < g.ConsecutiveLargeLimit; i++ {
		if got := state.apply(g, 1); got != g.MaxWeightChange {
			t.Fatalf("update %d: got %f want %f", i, got, g.MaxWeightChange)
		}
	}
	damped := state.apply(g, 1)
	if want := g.MaxWeightChange * g.DampingFactor; math.Abs(damped-want) > 1e-12 {
		t.Fatalf("damped=%f want=%f", damped, want)
	}
	if state.damped.Load() != 1 {
		t.Fatalf("damped count=%d want=1", state.damped.Load())
	}
	// Damping does not end the run: the next large delta is damped too.
	if got := state.apply(g, 1); math.Abs(got-damped) > 1e-12 {
		t.Fatalf("post-damping update=%f want=%f", got, damped)
	}
}

func TestGuardrailKeepsDampingSustainedLargeUpdates(t *testing.T) {
	g := DefaultGuardrails()
	var state guardState

	const calls = 60
	for i := 0; i < calls; i++ {
		state.apply(g, 1)
	}
	if want := uint64(calls - g.ConsecutiveLargeLimit); state.damped.Load() != want {
		t.Fatalf("damped count=%d want=%d", state.damped.Load(), want)
	}

	// A genuinely small delta ends the run and is passed through.
	small := g.MaxWeightChange * 0.1
	if got := state.apply(g, small); got != small {
		t.Fatalf("small update=%f want=%f", got, small)
	}
	if state.consecutiveLarge.Load() != 0 {
		t.Fatalf("consecutive=%d want=0", state.consecutiveLarge.Load())
	}
	if got := state.apply(g, 1); got != g.MaxWeightChange {
		t.Fatalf("first large update after reset=%f want=%f", got, g.MaxWeightChange)
	}
}

func TestGuardrailSmallUpdateResetsRun(t *testing.T) {
	g := DefaultGuardrails()
	var state guardState
	for i := 0; i < g.ConsecutiveLargeLimit-1; i++ {
		state.apply(g, 1)
	}
	state.apply(g, g.MaxWeightChange*0.1)
	if state.consecutiveLarge.Load() != 0 {
		t.Fatalf("consecutive=%d want=0", state.consecutiveLarge.Load())
	}
	for i := 0; i < g.ConsecutiveLargeLimit; i++ {
		if got := state.apply(g, 1); got != g.MaxWeightChange {
			t.Fatalf("update %d damped early: %f", i, got)
		}
	}
}

func TestSynapseTypeModifiers(t *testing.T) {
	env := &Env{Clock: NewManualClock()}
	cases := map[SynapseType]float64{
		SynapseExcitatory: 0.25,
		SynapseInhibitory: -0.25,
		SynapseModulatory: 0.125,
	}
	for typ, want := range cases {
		a, b := newPair(env)
		a.SetActivation(0.5)
		cfg := DefaultSynapseConfig()
		cfg.Weight = 0.5
		cfg.Type = typ
		s := NewSynapse(a, b, cfg, env)
		if got := s.WeightedInput(); math.Abs(got-want) > 1e-12 {
			t.Fatalf("%s weighted input=%f want=%f", typ, got, want)
		}
		runtime.KeepAlive(a)
		runtime.KeepAlive(b)
	}
}

func TestSynapseDelayedSignalDelivery(t *testing.T) {
	clock := NewManualClock()
	env := &Env{Clock: clock}
	a, b := newPair(env)
	cfg := DefaultSynapseConfig()
	cfg.Weight = 0.5
	cfg.Delay = 5
	s := NewSynapse(a, b, cfg, env)

	s.PropagateSignal(1)
	if b.Activation() != 0 {
		t.Fatalf("delayed signal applied early: %f", b.Activation())
	}
	if s.PendingSignals() != 1 {
		t.Fatalf("pending=%d want=1", s.PendingSignals())
	}

	clock.AdvanceMillis(4)
	if got := s.WeightedInput(); got != 0 {
		t.Fatalf("signal delivered before due time: %f", got)
	}

	clock.AdvanceMillis(1)
	if got := s.WeightedInput(); math.Abs(got-0.5) > 1e-12 {
		t.Fatalf("weighted input=%f want=0.5", got)
	}
	if s.PendingSignals() != 0 {
		t.Fatalf("delivered signal must be discarded, pending=%d", s.PendingSignals())
	}
	if got := s.WeightedInput(); got != 0 {
		t.Fatalf("delivered signal replayed: %f", got)
	}
	runtime.KeepAlive(a)
	runtime.KeepAlive(b)
}

func TestSynapseInvalidAfterEndpointDestroyed(t *testing.T) {
	env := &Env{Clock: NewManualClock()}
	a, b := newPair(env)
	a.SetActivation(1)
	cfg := DefaultSynapseConfig()
	cfg.Weight = 0.5
	s := NewSynapse(a, b, cfg, env)
	if !s.IsValid() {
		t.Fatal("expected valid synapse")
	}

	b.Kill()
	if s.IsValid() {
		t.Fatal("expected invalid synapse after target destroyed")
	}
	if got := s.WeightedInput(); got != 0 {
		t.Fatalf("weighted input=%f want=0", got)
	}
	s.PropagateSignal(1)
	if s.Stats().SignalCount != 0 {
		t.Fatal("propagation through invalid synapse must be a no-op")
	}
	runtime.KeepAlive(a)
}

func TestSynapseApplySTDP(t *testing.T) {
	env := NewEnv()
	a, b := newPair(env)
	cfg := DefaultSynapseConfig()
	cfg.Weight = 0.5
	cfg.Rule = PlasticitySTDP
	cfg.LearningRate = 0.01
	s := NewSynapse(a, b, cfg, env)

	up := s.ApplySTDP(10, 12)
	if up <= 0 {
		t.Fatalf("causal pair should strengthen, got %f", up)
	}
	down := s.ApplySTDP(12, 10)
	if down >= 0 {
		t.Fatalf("anti-causal pair should weaken, got %f", down)
	}
}

func TestSynapseSTDPFromSpikeTimesAppliesOncePerPair(t *testing.T) {
	clock := NewManualClock()
	env := &Env{Clock: clock}
	a, b := newPair(env)
	a.SetDecayRate(0)
	b.SetDecayRate(0)
	cfg := DefaultSynapseConfig()
	cfg.Weight = 0.5
	cfg.Rule = PlasticitySTDP
	cfg.LearningRate = 0.01
	s := NewSynapse(a, b, cfg, env)

	a.SetActivation(1)
	a.Process(1)
	clock.AdvanceMillis(5)
	b.SetActivation(1)
	b.Process(1)

	first := s.UpdateWeight(0, 0, 1)
	if first <= 0 {
		t.Fatalf("expected potentiation, got %f", first)
	}
	if again := s.UpdateWeight(0, 0, 1); again != 0 {
		t.Fatalf("same spike pair applied twice: %f", again)
	}
	runtime.KeepAlive(a)
	runtime.KeepAlive(b)
}

func TestSynapseTraceSpikesRecordsEachPairOnce(t *testing.T) {
	clock := NewManualClock()
	env := &Env{Clock: clock}
	a, b := newPair(env)
	a.SetDecayRate(0)
	b.SetDecayRate(0)
	cfg := DefaultSynapseConfig()
	cfg.Weight = 0.5
	cfg.Rule = PlasticitySTDP
	s := NewSynapse(a, b, cfg, env)

	if got := s.TraceSpikes(); got != 0 {
		t.Fatalf("trace before any spike=%f want=0", got)
	}

	a.SetActivation(1)
	a.Process(1)
	clock.AdvanceMillis(5)
	b.SetActivation(1)
	b.Process(1)

	// The weight rule and the trace track pairs independently.
	s.UpdateWeight(0, 0, 1)
	weight := s.Weight()
	trace := s.TraceSpikes()
	if want := STDPKernel(0, 5); math.Abs(trace-want) > 1e-12 {
		t.Fatalf("trace=%f want=%f", trace, want)
	}
	if s.Weight() != weight {
		t.Fatalf("tracing moved the weight: %f -> %f", weight, s.Weight())
	}
	if again := s.TraceSpikes(); again != trace {
		t.Fatalf("same spike pair traced twice: %f", again)
	}
	runtime.KeepAlive(a)
	runtime.KeepAlive(b)
}

func TestEligibilityTraceClampDecayAndReward(t *testing.T) {
	env := NewEnv()
	a, b := newPair(env)
	cfg := DefaultSynapseConfig()
	cfg.Weight = 0.5
	cfg.LearningRate = 0.02
	s := NewSynapse(a, b, cfg, env)

	for i := 0; i < 10; i++ {
		s.AccumulateEligibility(0.4)
	}
	if s.Eligibility() != DefaultEligibilityCap {
		t.Fatalf("trace=%f want cap %f", s.Eligibility(), DefaultEligibilityCap)
	}
	s.AccumulateEligibility(-5)
	if s.Eligibility() != -DefaultEligibilityCap {
		t.Fatalf("trace=%f want -cap", s.Eligibility())
	}

	s.AccumulateEligibility(1.5)
	decayed := s.DecayEligibility(100, 100)
	if want := 0.5 * math.Exp(-1); math.Abs(decayed-want) > 1e-12 {
		t.Fatalf("decayed=%f want=%f", decayed, want)
	}

	before := s.Weight()
	applied := s.ApplyReward(1)
	if want := 0.02 * decayed; math.Abs(applied-want) > 1e-12 {
		t.Fatalf("reward delta=%f want=%f", applied, want)
	}
	if s.Weight() <= before {
		t.Fatal("positive reward with positive trace should strengthen")
	}

	s.RecordSTDPEligibility(0, 10)
	if s.Eligibility() <= decayed {
		t.Fatal("causal STDP pair should raise the trace")
	}
}

func TestSynapseConcurrentUpdatesKeepStatsConsistent(t *testing.T) {
	env := NewEnv()
	a, b := newPair(env)
	cfg := DefaultSynapseConfig()
	cfg.Weight = 0.5
	s := NewSynapse(a, b, cfg, env)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 500; i++ {
				s.SetWeight(rng.Float64())
			}
		}(int64(w))
	}
	wg.Wait()

	stats := s.Stats()
	if stats.UpdateCount != 4000 {
		t.Fatalf("update count=%d want=4000", stats.UpdateCount)
	}
	if stats.MinObserved < 0 || stats.MaxObserved > 1 || stats.MinObserved > stats.MaxObserved {
		t.Fatalf("inconsistent min/max: %+v", stats)
	}
	if stats.AvgWeight < 0 || stats.AvgWeight > 1 {
		t.Fatalf("avg out of range: %f", stats.AvgWeight)
	}
}

func TestMonotonicClockAdvances(t *testing.T) {
	c := NewMonotonicClock()
	first := c.Now()
	time.Sleep(time.Millisecond)
	if c.Now() <= first {
		t.Fatal("monotonic clock did not advance")
	}
}
