// Package brain hosts the region registry of one simulation instance: it
// creates and tears down regions, ticks them on a worker pool and moves the
// whole graph in and out of checkpoints.
package brain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"hypergraph/internal/connectivity"
	"hypergraph/internal/ids"
	"hypergraph/internal/logging"
	"hypergraph/internal/nn"
	"hypergraph/internal/region"
)

var (
	ErrDuplicateRegion = errors.New("duplicate region name")
	ErrUnknownRegion   = errors.New("unknown region")
)

// stepChunk is the number of neurons one worker processes per task.
const stepChunk = 256

type Config struct {
	Name           string
	Workers        int
	Learning       bool
	EligibilityTau float64
	Seed           int64
	Env            *nn.Env
	NeuronDefaults nn.NeuronConfig
	Logger         *slog.Logger
}

type Brain struct {
	id       uuid.UUID
	name     string
	workers  int
	learning atomic.Bool
	tau      float64
	env      *nn.Env
	defaults nn.NeuronConfig
	logger   *slog.Logger
	wiring   *connectivity.Manager

	mu         sync.RWMutex
	regionIDs  *ids.Sequence
	neuronIDs  *ids.Sequence
	synapseIDs *ids.Sequence
	regions    map[region.ID]*region.Region
	names      map[string]*region.Region

	steps atomic.Uint64
}

func New(cfg Config) *Brain {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.EligibilityTau <= 0 {
		cfg.EligibilityTau = nn.DefaultEligibilityTau
	}
	if cfg.NeuronDefaults == (nn.NeuronConfig{}) {
		cfg.NeuronDefaults = nn.DefaultNeuronConfig()
	}
	logger := logging.OrDiscard(cfg.Logger)
	b := &Brain{
		id:         uuid.New(),
		name:       cfg.Name,
		workers:    cfg.Workers,
		tau:        cfg.EligibilityTau,
		env:        cfg.Env.Normalized(),
		defaults:   cfg.NeuronDefaults,
		logger:     logger,
		wiring:     connectivity.NewManager(cfg.Seed, logger),
		regionIDs:  ids.NewSequence(0),
		neuronIDs:  ids.NewSequence(0),
		synapseIDs: ids.NewSequence(0),
		regions:    make(map[region.ID]*region.Region),
		names:      make(map[string]*region.Region),
	}
	b.learning.Store(cfg.Learning)
	return b
}

func (b *Brain) ID() uuid.UUID { return b.id }
func (b *Brain) Name() string  { return b.name }
func (b *Brain) Env() *nn.Env  { return b.env }

func (b *Brain) SetLearning(enabled bool) { b.learning.Store(enabled) }
func (b *Brain) Learning() bool           { return b.learning.Load() }

// CreateRegion registers a new empty region. Names are unique per brain.
func (b *Brain) CreateRegion(name string, typ region.Type, pattern region.ActivationPattern) (*region.Region, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.names[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRegion, name)
	}
	r := region.New(region.Config{
		ID:             region.ID(b.regionIDs.Next()),
		Name:           name,
		Type:           typ,
		Pattern:        pattern,
		Env:            b.env,
		NeuronDefaults: b.defaults,
		NeuronIDs:      b.neuronIDs,
		SynapseIDs:     b.synapseIDs,
	})
	b.regions[r.ID()] = r
	b.names[name] = r
	b.logger.Debug("region created", "region", name, "id", r.ID(), "type", string(r.Type()))
	return r, nil
}

func (b *Brain) Region(id region.ID) *region.Region {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.regions[id]
}

func (b *Brain) RegionByName(name string) *region.Region {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.names[name]
}

// Regions returns the registered regions ordered by ID.
func (b *Brain) Regions() []*region.Region {
	b.mu.RLock()
	out := make([]*region.Region, 0, len(b.regions))
	for _, r := range b.regions {
		out = append(out, r)
	}
	b.mu.RUnlock()
	slices.SortFunc(out, func(a, c *region.Region) int {
		switch {
		case a.ID() < c.ID():
			return -1
		case a.ID() > c.ID():
			return 1
		default:
			return 0
		}
	})
	return out
}

// RemoveRegion unregisters and destroys a region. Inter-region synapses in
// either direction are disconnected first.
func (b *Brain) RemoveRegion(id region.ID) bool {
	b.mu.Lock()
	victim, ok := b.regions[id]
	if ok {
		delete(b.regions, id)
		delete(b.names, victim.Name())
	}
	remaining := make([]*region.Region, 0, len(b.regions))
	for _, r := range b.regions {
		remaining = append(remaining, r)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}

	pruned := 0
	for _, r := range remaining {
		for _, syn := range r.InterRegionSynapses(id) {
			if r.Disconnect(victim, syn.SourceID(), syn.TargetID()) {
				pruned++
			}
		}
		for _, syn := range victim.InterRegionSynapses(r.ID()) {
			if victim.Disconnect(r, syn.SourceID(), syn.TargetID()) {
				pruned++
			}
		}
	}
	victim.Destroy()
	b.logger.Debug("region removed", "region", victim.Name(), "id", id, "pruned_synapses", pruned)
	return true
}

// Connect wires src to dst through the brain's connectivity manager.
func (b *Brain) Connect(ctx context.Context, src, dst region.ID, p connectivity.Params) (int, error) {
	from, to := b.Region(src), b.Region(dst)
	if from == nil {
		return 0, fmt.Errorf("%w: %d", ErrUnknownRegion, src)
	}
	if to == nil {
		return 0, fmt.Errorf("%w: %d", ErrUnknownRegion, dst)
	}
	return b.wiring.ConnectRegions(ctx, from, to, p)
}

// Step ticks every neuron once on the worker pool. Ticks are best effort: a
// neuron whose synapse lists are contended skips work and counts it. When
// learning is enabled every plastic synapse is then updated from the
// post-tick activations, new spike pairs feed its eligibility trace and all
// traces decay.
func (b *Brain) Step(ctx context.Context, dt float64) error {
	regions := b.Regions()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)
	for _, r := range regions {
		neurons := r.Neurons()
		for start := 0; start < len(neurons); start += stepChunk {
			chunk := neurons[start:min(start+stepChunk, len(neurons))]
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				for _, n := range chunk {
					n.Process(dt)
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if b.learning.Load() {
		if err := b.learn(ctx, regions, dt); err != nil {
			return err
		}
	}
	steps := b.steps.Add(1)
	b.logger.Log(ctx, logging.LevelTrace, "step complete", "step", steps, "regions", len(regions))
	return nil
}

func (b *Brain) learn(ctx context.Context, regions []*region.Region, dt float64) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)
	for _, r := range regions {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			for _, syn := range r.Synapses() {
				if syn.Rule() != nn.PlasticityNone {
					src, dst := syn.Source(), syn.Target()
					if src == nil || dst == nil {
						continue
					}
					syn.UpdateWeight(src.Activation(), dst.Activation(), dt)
					syn.TraceSpikes()
				}
				syn.DecayEligibility(dt, b.tau)
			}
			return nil
		})
	}
	return g.Wait()
}

// Steps is the number of completed Step calls.
func (b *Brain) Steps() uint64 { return b.steps.Load() }

// ApplyReward feeds a scalar reward to every synapse's eligibility trace.
// It returns the summed absolute weight change.
func (b *Brain) ApplyReward(reward float64) float64 {
	var total float64
	for _, r := range b.Regions() {
		for _, syn := range r.Synapses() {
			dw := syn.ApplyReward(reward)
			if dw < 0 {
				dw = -dw
			}
			total += dw
		}
	}
	return total
}

// Snapshot is a read-only summary of the whole brain.
type Snapshot struct {
	ID                  string         `json:"id"`
	Name                string         `json:"name"`
	Steps               uint64         `json:"steps"`
	Regions             []region.Stats `json:"regions"`
	Neurons             int            `json:"neurons"`
	Synapses            int            `json:"synapses"`
	InvalidSynapses     int            `json:"invalid_synapses"`
	FireCount           uint64         `json:"fire_count"`
	SkippedIntegrations uint64         `json:"skipped_integrations"`
	SkippedPropagations uint64         `json:"skipped_propagations"`
	RejectedUpdates     uint64         `json:"rejected_updates"`
	ClippedUpdates      uint64         `json:"clipped_updates"`
	DampedUpdates       uint64         `json:"damped_updates"`
	PendingSignals      int            `json:"pending_signals"`
	MeanWeight          float64        `json:"mean_weight"`
}

func (b *Brain) Snapshot() Snapshot {
	snap := Snapshot{ID: b.id.String(), Name: b.name, Steps: b.steps.Load()}
	var weightSum float64
	for _, r := range b.Regions() {
		snap.Regions = append(snap.Regions, r.Stats())
		for _, n := range r.Neurons() {
			st := n.Stats()
			snap.Neurons++
			snap.FireCount += st.FireCount
			snap.SkippedIntegrations += st.SkippedIntegrations
			snap.SkippedPropagations += st.SkippedPropagations
		}
		for _, syn := range r.Synapses() {
			st := syn.Stats()
			snap.Synapses++
			if !st.Valid {
				snap.InvalidSynapses++
			}
			snap.RejectedUpdates += st.RejectedUpdates
			snap.ClippedUpdates += st.ClippedUpdates
			snap.DampedUpdates += st.DampedUpdates
			snap.PendingSignals += st.PendingSignals
			weightSum += st.Weight
		}
	}
	if snap.Synapses > 0 {
		snap.MeanWeight = weightSum / float64(snap.Synapses)
	}
	return snap
}
