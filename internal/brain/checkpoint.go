package brain

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"

	"hypergraph/internal/ids"
	"hypergraph/internal/model"
	"hypergraph/internal/nn"
	"hypergraph/internal/region"
	"hypergraph/internal/storage"
)

var (
	ErrUnresolvedSynapse  = errors.New("synapse endpoint does not resolve")
	ErrInconsistentGraph  = errors.New("graph is inconsistent")
	ErrCheckpointNotFound = errors.New("checkpoint not found")
)

// ExportGraph encodes every region, neuron and synapse without container
// metadata.
func (b *Brain) ExportGraph() ([]byte, error) {
	g, err := b.graph()
	if err != nil {
		return nil, err
	}
	return storage.EncodeGraph(g)
}

// ExportCheckpoint encodes the graph inside a versioned container. Zero
// fields of meta are filled with the current version, time and brain ID.
func (b *Brain) ExportCheckpoint(meta model.CheckpointMeta) ([]byte, error) {
	g, err := b.graph()
	if err != nil {
		return nil, err
	}
	data, err := storage.EncodeCheckpoint(model.Checkpoint{Meta: b.fillMeta(meta), Graph: g})
	if err != nil {
		return nil, err
	}
	b.logger.Debug("checkpoint exported", "regions", len(g.Regions), "synapses", len(g.Synapses), "bytes", len(data))
	return data, nil
}

func (b *Brain) fillMeta(meta model.CheckpointMeta) model.CheckpointMeta {
	if meta.FormatVersion == 0 {
		meta.FormatVersion = storage.CurrentFormatVersion
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)
	}
	if meta.CreatedBy == "" {
		meta.CreatedBy = "hypergraph/" + b.id.String()
	}
	return meta
}

// ImportGraph replaces the brain's contents with a graph-only export.
func (b *Brain) ImportGraph(data []byte) error {
	g, err := storage.DecodeGraph(data)
	if err != nil {
		return err
	}
	return b.restore(g)
}

// ImportCheckpoint replaces the brain's contents with a container export.
// Framing and wire schema are checked first, then the format version, then
// that every synapse endpoint resolves. On any failure the brain is left
// exactly as it was.
func (b *Brain) ImportCheckpoint(data []byte) (model.CheckpointMeta, error) {
	ckpt, err := storage.DecodeCheckpoint(data)
	if err != nil {
		return model.CheckpointMeta{}, err
	}
	if err := b.restore(ckpt.Graph); err != nil {
		return model.CheckpointMeta{}, err
	}
	return ckpt.Meta, nil
}

// Save exports a checkpoint into store under name. An empty name is replaced
// by a random one, which is returned.
func (b *Brain) Save(ctx context.Context, store storage.Store, name string, meta model.CheckpointMeta) (model.CheckpointInfo, error) {
	if name == "" {
		name = uuid.NewString()
	}
	g, err := b.graph()
	if err != nil {
		return model.CheckpointInfo{}, err
	}
	meta = b.fillMeta(meta)
	payload, err := storage.EncodeCheckpoint(model.Checkpoint{Meta: meta, Graph: g})
	if err != nil {
		return model.CheckpointInfo{}, fmt.Errorf("encode checkpoint %s: %w", name, err)
	}
	record := model.CheckpointRecord{
		CheckpointInfo: model.CheckpointInfo{
			Name:      name,
			Meta:      meta,
			Regions:   len(g.Regions),
			Neurons:   g.NeuronCount(),
			Synapses:  len(g.Synapses),
			SizeBytes: len(payload),
		},
		Payload: payload,
	}
	if err := store.SaveCheckpoint(ctx, record); err != nil {
		return model.CheckpointInfo{}, fmt.Errorf("save checkpoint %s: %w", name, err)
	}
	b.logger.Info("checkpoint saved", "name", name, "bytes", len(payload))
	return record.CheckpointInfo, nil
}

// Load imports the checkpoint stored under name.
func (b *Brain) Load(ctx context.Context, store storage.Store, name string) (model.CheckpointMeta, error) {
	record, ok, err := store.GetCheckpoint(ctx, name)
	if err != nil {
		return model.CheckpointMeta{}, fmt.Errorf("load checkpoint %s: %w", name, err)
	}
	if !ok {
		return model.CheckpointMeta{}, fmt.Errorf("%w: %s", ErrCheckpointNotFound, name)
	}
	meta, err := b.ImportCheckpoint(record.Payload)
	if err != nil {
		return model.CheckpointMeta{}, fmt.Errorf("load checkpoint %s: %w", name, err)
	}
	b.logger.Info("checkpoint loaded", "name", name, "regions", record.Regions, "synapses", record.Synapses)
	return meta, nil
}

// graph walks the registry into its persistent form, ordered by ID. Every
// synapse endpoint must be owned by a registered region.
func (b *Brain) graph() (model.Graph, error) {
	regions := b.Regions()
	owned := make(map[nn.NeuronID]struct{})
	g := model.Graph{Regions: make([]model.Region, 0, len(regions))}
	var synapses []*nn.Synapse

	for _, r := range regions {
		neurons := r.Neurons()
		slices.SortFunc(neurons, func(a, c *nn.Neuron) int { return cmpID(a.ID(), c.ID()) })
		rec := model.Region{
			ID:      uint64(r.ID()),
			Name:    r.Name(),
			Type:    string(r.Type()),
			Pattern: string(r.Pattern()),
			Neurons: make([]model.Neuron, 0, len(neurons)),
		}
		for _, n := range neurons {
			owned[n.ID()] = struct{}{}
			rec.Neurons = append(rec.Neurons, neuronRecord(n.Config()))
		}
		if len(rec.Neurons) == 0 {
			rec.Neurons = nil
		}
		g.Regions = append(g.Regions, rec)
		synapses = append(synapses, r.Synapses()...)
	}

	slices.SortFunc(synapses, func(a, c *nn.Synapse) int { return cmpID(a.ID(), c.ID()) })
	for _, syn := range synapses {
		if _, ok := owned[syn.SourceID()]; !ok {
			return model.Graph{}, fmt.Errorf("%w: synapse %d source %d", ErrInconsistentGraph, syn.ID(), syn.SourceID())
		}
		if _, ok := owned[syn.TargetID()]; !ok {
			return model.Graph{}, fmt.Errorf("%w: synapse %d target %d", ErrInconsistentGraph, syn.ID(), syn.TargetID())
		}
		g.Synapses = append(g.Synapses, synapseRecord(syn.ID(), syn.SourceID(), syn.TargetID(), syn.Config()))
	}
	return g, nil
}

// staging is a registry built off to the side during import.
type staging struct {
	regionIDs  *ids.Sequence
	neuronIDs  *ids.Sequence
	synapseIDs *ids.Sequence
	regions    map[region.ID]*region.Region
	names      map[string]*region.Region
}

// restore builds g into a staging registry and swaps it in only when every
// region, neuron and synapse was accepted.
func (b *Brain) restore(g model.Graph) error {
	st, err := b.build(g)
	if err != nil {
		if st != nil {
			for _, r := range st.regions {
				r.Destroy()
			}
		}
		return err
	}

	b.mu.Lock()
	old := b.regions
	b.regionIDs, b.neuronIDs, b.synapseIDs = st.regionIDs, st.neuronIDs, st.synapseIDs
	b.regions, b.names = st.regions, st.names
	b.mu.Unlock()

	for _, r := range old {
		r.Destroy()
	}
	b.logger.Debug("graph imported", "regions", len(g.Regions), "neurons", g.NeuronCount(), "synapses", len(g.Synapses))
	return nil
}

func (b *Brain) build(g model.Graph) (*staging, error) {
	st := &staging{
		regionIDs:  ids.NewSequence(0),
		neuronIDs:  ids.NewSequence(0),
		synapseIDs: ids.NewSequence(0),
		regions:    make(map[region.ID]*region.Region, len(g.Regions)),
		names:      make(map[string]*region.Region, len(g.Regions)),
	}
	owner := make(map[nn.NeuronID]*region.Region, g.NeuronCount())

	for _, rec := range g.Regions {
		if rec.ID == 0 {
			return st, fmt.Errorf("%w: region %q has no id", storage.ErrCorrupt, rec.Name)
		}
		id := region.ID(rec.ID)
		if _, dup := st.regions[id]; dup {
			return st, fmt.Errorf("%w: duplicate region id %d", storage.ErrCorrupt, rec.ID)
		}
		if _, dup := st.names[rec.Name]; dup {
			return st, fmt.Errorf("%w: duplicate region name %q", storage.ErrCorrupt, rec.Name)
		}
		typ, err := region.ParseType(rec.Type)
		if err != nil {
			return st, fmt.Errorf("%w: region %d: %v", storage.ErrCorrupt, rec.ID, err)
		}
		pattern, err := region.ParsePattern(rec.Pattern)
		if err != nil {
			return st, fmt.Errorf("%w: region %d: %v", storage.ErrCorrupt, rec.ID, err)
		}

		st.regionIDs.Observe(rec.ID)
		r := region.New(region.Config{
			ID:             id,
			Name:           rec.Name,
			Type:           typ,
			Pattern:        pattern,
			Env:            b.env,
			NeuronDefaults: b.defaults,
			NeuronIDs:      st.neuronIDs,
			SynapseIDs:     st.synapseIDs,
		})
		st.regions[id] = r
		st.names[rec.Name] = r

		for _, nrec := range rec.Neurons {
			cfg, err := neuronConfig(nrec)
			if err != nil {
				return st, err
			}
			if _, dup := owner[cfg.ID]; dup {
				return st, fmt.Errorf("%w: duplicate neuron id %d", storage.ErrCorrupt, nrec.ID)
			}
			if _, err := r.AddNeuron(cfg); err != nil {
				return st, fmt.Errorf("%w: %v", storage.ErrCorrupt, err)
			}
			owner[cfg.ID] = r
		}
	}

	seen := make(map[nn.SynapseID]struct{}, len(g.Synapses))
	for _, srec := range g.Synapses {
		cfg, err := synapseConfig(srec)
		if err != nil {
			return st, err
		}
		if _, dup := seen[cfg.ID]; dup {
			return st, fmt.Errorf("%w: duplicate synapse id %d", storage.ErrCorrupt, srec.ID)
		}
		seen[cfg.ID] = struct{}{}

		src, ok := owner[nn.NeuronID(srec.Source)]
		if !ok {
			return st, fmt.Errorf("%w: synapse %d source %d", ErrUnresolvedSynapse, srec.ID, srec.Source)
		}
		dst, ok := owner[nn.NeuronID(srec.Target)]
		if !ok {
			return st, fmt.Errorf("%w: synapse %d target %d", ErrUnresolvedSynapse, srec.ID, srec.Target)
		}
		if _, created := src.Link(dst, nn.NeuronID(srec.Source), nn.NeuronID(srec.Target), cfg); !created {
			return st, fmt.Errorf("%w: duplicate edge %d->%d", storage.ErrCorrupt, srec.Source, srec.Target)
		}
	}
	return st, nil
}

func neuronRecord(cfg nn.NeuronConfig) model.Neuron {
	return model.Neuron{
		ID:               uint64(cfg.ID),
		Activation:       cfg.Activation,
		State:            int32(cfg.State),
		Threshold:        cfg.Threshold,
		DecayRate:        cfg.DecayRate,
		RefractoryPeriod: cfg.RefractoryPeriod,
		RefractoryTimer:  cfg.RefractoryTimer,
		Energy:           cfg.Energy,
		Health:           cfg.Health,
		FireCount:        cfg.FireCount,
	}
}

func neuronConfig(rec model.Neuron) (nn.NeuronConfig, error) {
	if rec.ID == 0 {
		return nn.NeuronConfig{}, fmt.Errorf("%w: neuron without id", storage.ErrCorrupt)
	}
	state := nn.State(rec.State)
	if !state.Valid() {
		return nn.NeuronConfig{}, fmt.Errorf("%w: neuron %d state %d", storage.ErrCorrupt, rec.ID, rec.State)
	}
	if !allFinite(rec.Activation, rec.Threshold, rec.DecayRate, rec.RefractoryPeriod, rec.RefractoryTimer, rec.Energy, rec.Health) {
		return nn.NeuronConfig{}, fmt.Errorf("%w: neuron %d has non-finite fields", storage.ErrCorrupt, rec.ID)
	}
	return nn.NeuronConfig{
		ID:               nn.NeuronID(rec.ID),
		Activation:       rec.Activation,
		State:            state,
		Threshold:        rec.Threshold,
		DecayRate:        rec.DecayRate,
		RefractoryPeriod: rec.RefractoryPeriod,
		RefractoryTimer:  rec.RefractoryTimer,
		Energy:           rec.Energy,
		Health:           rec.Health,
		FireCount:        rec.FireCount,
	}, nil
}

func synapseRecord(id nn.SynapseID, src, dst nn.NeuronID, cfg nn.SynapseConfig) model.Synapse {
	return model.Synapse{
		ID:           uint64(id),
		Source:       uint64(src),
		Target:       uint64(dst),
		Weight:       cfg.Weight,
		Type:         int32(cfg.Type),
		Rule:         int32(cfg.Rule),
		LearningRate: cfg.LearningRate,
		Delay:        cfg.Delay,
		MinWeight:    cfg.MinWeight,
		MaxWeight:    cfg.MaxWeight,
		Eligibility:  cfg.Eligibility,
	}
}

func synapseConfig(rec model.Synapse) (nn.SynapseConfig, error) {
	if rec.ID == 0 {
		return nn.SynapseConfig{}, fmt.Errorf("%w: synapse without id", storage.ErrCorrupt)
	}
	typ := nn.SynapseType(rec.Type)
	if !typ.Valid() {
		return nn.SynapseConfig{}, fmt.Errorf("%w: synapse %d type %d", storage.ErrCorrupt, rec.ID, rec.Type)
	}
	rule := nn.PlasticityRule(rec.Rule)
	if !rule.Valid() {
		return nn.SynapseConfig{}, fmt.Errorf("%w: synapse %d rule %d", storage.ErrCorrupt, rec.ID, rec.Rule)
	}
	if !allFinite(rec.Weight, rec.LearningRate, rec.Delay, rec.MinWeight, rec.MaxWeight, rec.Eligibility) ||
		rec.MinWeight > rec.MaxWeight || rec.Delay < 0 {
		return nn.SynapseConfig{}, fmt.Errorf("%w: synapse %d has invalid numeric fields", storage.ErrCorrupt, rec.ID)
	}
	return nn.SynapseConfig{
		ID:           nn.SynapseID(rec.ID),
		Weight:       rec.Weight,
		MinWeight:    rec.MinWeight,
		MaxWeight:    rec.MaxWeight,
		Type:         typ,
		Rule:         rule,
		LearningRate: rec.LearningRate,
		Delay:        rec.Delay,
		Eligibility:  rec.Eligibility,
	}, nil
}

func allFinite(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func cmpID[T ~uint64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
