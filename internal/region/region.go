// Package region owns groups of neurons and the adjacency bookkeeping for the
// synapses that leave them.
package region

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/exp/slices"

	"hypergraph/internal/ids"
	"hypergraph/internal/nn"
)

type ID uint64

// Type classifies a region anatomically.
type Type string

const (
	TypeCortical    Type = "cortical"
	TypeSubcortical Type = "subcortical"
	TypeBrainstem   Type = "brainstem"
	TypeSpecial     Type = "special"
)

// ActivationPattern describes how a region's neurons are expected to fire.
type ActivationPattern string

const (
	PatternAsynchronous ActivationPattern = "asynchronous"
	PatternSynchronous  ActivationPattern = "synchronous"
	PatternLayered      ActivationPattern = "layered"
	PatternCompetitive  ActivationPattern = "competitive"
	PatternOscillatory  ActivationPattern = "oscillatory"
)

var ErrDuplicateNeuron = errors.New("neuron already exists in region")

func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(s))); t {
	case "":
		return TypeCortical, nil
	case TypeCortical, TypeSubcortical, TypeBrainstem, TypeSpecial:
		return t, nil
	default:
		return "", fmt.Errorf("unsupported region type: %s", s)
	}
}

func ParsePattern(s string) (ActivationPattern, error) {
	switch p := ActivationPattern(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PatternAsynchronous, nil
	case PatternAsynchronous, PatternSynchronous, PatternLayered, PatternCompetitive, PatternOscillatory:
		return p, nil
	default:
		return "", fmt.Errorf("unsupported activation pattern: %s", s)
	}
}

// Config describes a region. Sequences are shared across the regions of one
// brain so IDs stay unique; nil sequences get private ones.
type Config struct {
	ID             ID
	Name           string
	Type           Type
	Pattern        ActivationPattern
	Env            *nn.Env
	NeuronDefaults nn.NeuronConfig
	NeuronIDs      *ids.Sequence
	SynapseIDs     *ids.Sequence
}

type edgeKey struct {
	target ID
	src    nn.NeuronID
	dst    nn.NeuronID
}

// Region exclusively owns its neurons. Every synapse whose source neuron
// lives here is recorded in the output map, in the input map when the target
// is local, or in the inter-region map keyed by the target region otherwise.
type Region struct {
	id             ID
	name           string
	typ            Type
	pattern        ActivationPattern
	env            *nn.Env
	neuronDefaults nn.NeuronConfig
	neuronIDs      *ids.Sequence
	synapseIDs     *ids.Sequence

	mu        sync.RWMutex
	neurons   map[nn.NeuronID]*nn.Neuron
	order     []*nn.Neuron
	outputs   map[nn.NeuronID][]*nn.Synapse
	inputs    map[nn.NeuronID][]*nn.Synapse
	inter     map[ID][]*nn.Synapse
	index     map[edgeKey]*nn.Synapse
	destroyed bool
}

func New(cfg Config) *Region {
	if cfg.NeuronIDs == nil {
		cfg.NeuronIDs = ids.NewSequence(0)
	}
	if cfg.SynapseIDs == nil {
		cfg.SynapseIDs = ids.NewSequence(0)
	}
	if cfg.Type == "" {
		cfg.Type = TypeCortical
	}
	if cfg.Pattern == "" {
		cfg.Pattern = PatternAsynchronous
	}
	if cfg.NeuronDefaults == (nn.NeuronConfig{}) {
		cfg.NeuronDefaults = nn.DefaultNeuronConfig()
	}
	return &Region{
		id:             cfg.ID,
		name:           cfg.Name,
		typ:            cfg.Type,
		pattern:        cfg.Pattern,
		env:            cfg.Env.Normalized(),
		neuronDefaults: cfg.NeuronDefaults,
		neuronIDs:      cfg.NeuronIDs,
		synapseIDs:     cfg.SynapseIDs,
		neurons:        make(map[nn.NeuronID]*nn.Neuron),
		outputs:        make(map[nn.NeuronID][]*nn.Synapse),
		inputs:         make(map[nn.NeuronID][]*nn.Synapse),
		inter:          make(map[ID][]*nn.Synapse),
		index:          make(map[edgeKey]*nn.Synapse),
	}
}

func (r *Region) ID() ID                     { return r.id }
func (r *Region) Name() string               { return r.name }
func (r *Region) Type() Type                 { return r.typ }
func (r *Region) Pattern() ActivationPattern { return r.pattern }

// CreateNeurons bulk-creates n neurons from the region defaults. Storage is
// reserved once up front.
func (r *Region) CreateNeurons(n int) []*nn.Neuron {
	if n <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return nil
	}

	if len(r.neurons) == 0 {
		r.neurons = make(map[nn.NeuronID]*nn.Neuron, n)
	}
	r.order = slices.Grow(r.order, n)
	created := make([]*nn.Neuron, 0, n)
	for i := 0; i < n; i++ {
		cfg := r.neuronDefaults
		cfg.ID = nn.NeuronID(r.neuronIDs.Next())
		neuron := nn.NewNeuron(cfg, r.env)
		r.neurons[cfg.ID] = neuron
		r.order = append(r.order, neuron)
		created = append(created, neuron)
	}
	return created
}

// AddNeuron inserts a neuron built from cfg. A zero ID is assigned from the
// sequence; an explicit ID is honored and the sequence advanced past it.
func (r *Region) AddNeuron(cfg nn.NeuronConfig) (*nn.Neuron, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return nil, fmt.Errorf("region %d destroyed", r.id)
	}
	if cfg.ID == 0 {
		cfg.ID = nn.NeuronID(r.neuronIDs.Next())
	} else {
		if _, exists := r.neurons[cfg.ID]; exists {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateNeuron, cfg.ID)
		}
		r.neuronIDs.Observe(uint64(cfg.ID))
	}
	neuron := nn.NewNeuron(cfg, r.env)
	r.neurons[cfg.ID] = neuron
	r.order = append(r.order, neuron)
	return neuron, nil
}

// Neuron returns the neuron with id, or nil when the region does not own it.
func (r *Region) Neuron(id nn.NeuronID) *nn.Neuron {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.neurons[id]
}

func (r *Region) Neurons() []*nn.Neuron {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

func (r *Region) NeuronIDs() []nn.NeuronID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]nn.NeuronID, len(r.order))
	for i, n := range r.order {
		out[i] = n.ID()
	}
	return out
}

func (r *Region) NeuronCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// ConnectToRegion links src (owned by r) to dst (owned by other). Connecting
// the same pair again returns the existing synapse unchanged. It returns nil
// when either neuron cannot be resolved.
func (r *Region) ConnectToRegion(other *Region, src, dst nn.NeuronID, weight float64, typ nn.SynapseType) *nn.Synapse {
	cfg := nn.DefaultSynapseConfig()
	cfg.Weight = weight
	cfg.Type = typ
	syn, _ := r.Link(other, src, dst, cfg)
	return syn
}

// Link is ConnectToRegion with a full synapse configuration. created reports
// whether a new synapse was made. A non-zero cfg.ID is used as the synapse ID.
func (r *Region) Link(other *Region, src, dst nn.NeuronID, cfg nn.SynapseConfig) (syn *nn.Synapse, created bool) {
	if other == nil {
		return nil, false
	}
	srcNeuron := r.Neuron(src)
	dstNeuron := other.Neuron(dst)
	if srcNeuron == nil || dstNeuron == nil {
		return nil, false
	}

	key := edgeKey{target: other.id, src: src, dst: dst}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return nil, false
	}
	if existing, ok := r.index[key]; ok {
		return existing, false
	}

	if cfg.ID == 0 {
		cfg.ID = nn.SynapseID(r.synapseIDs.Next())
	} else {
		r.synapseIDs.Observe(uint64(cfg.ID))
	}
	syn = nn.NewSynapse(srcNeuron, dstNeuron, cfg, r.env)
	r.index[key] = syn
	r.outputs[src] = append(r.outputs[src], syn)
	if other == r {
		r.inputs[dst] = append(r.inputs[dst], syn)
	} else {
		r.inter[other.id] = append(r.inter[other.id], syn)
	}
	srcNeuron.AddOutputSynapse(syn)
	dstNeuron.AddInputSynapse(syn)
	return syn, true
}

// Lookup returns the synapse linking src to dst in other, if any.
func (r *Region) Lookup(other *Region, src, dst nn.NeuronID) *nn.Synapse {
	if other == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.index[edgeKey{target: other.id, src: src, dst: dst}]
}

// Disconnect removes the synapse linking src to dst in other from every
// adjacency structure and from both endpoints.
func (r *Region) Disconnect(other *Region, src, dst nn.NeuronID) bool {
	if other == nil {
		return false
	}
	key := edgeKey{target: other.id, src: src, dst: dst}
	r.mu.Lock()
	syn, ok := r.index[key]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.index, key)
	r.outputs[src] = dropSynapse(r.outputs[src], syn)
	if other == r {
		r.inputs[dst] = dropSynapse(r.inputs[dst], syn)
	} else {
		r.inter[other.id] = dropSynapse(r.inter[other.id], syn)
	}
	r.mu.Unlock()

	if n := syn.Source(); n != nil {
		n.RemoveOutputSynapse(syn)
	}
	if n := syn.Target(); n != nil {
		n.RemoveInputSynapse(syn)
	}
	return true
}

func dropSynapse(list []*nn.Synapse, syn *nn.Synapse) []*nn.Synapse {
	if idx := slices.Index(list, syn); idx >= 0 {
		return slices.Delete(list, idx, idx+1)
	}
	return list
}

// ReserveOutputConnections grows the intra-region output list of neuron id
// to hold at least n more synapses.
// ReserveOutputConnections grows the output lists of an owned neuron, both
// the region's and the neuron's own, ahead of bulk wiring. Unknown IDs are
// ignored.
func (r *Region) ReserveOutputConnections(id nn.NeuronID, n int) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	neuron, ok := r.neurons[id]
	if !ok {
		return
	}
	r.outputs[id] = slices.Grow(r.outputs[id], n)
	neuron.ReserveSynapses(0, n)
}

// ReserveInputConnections grows the local input lists of an owned neuron.
// Unknown IDs are ignored.
func (r *Region) ReserveInputConnections(id nn.NeuronID, n int) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	neuron, ok := r.neurons[id]
	if !ok {
		return
	}
	r.inputs[id] = slices.Grow(r.inputs[id], n)
	neuron.ReserveSynapses(n, 0)
}

func (r *Region) ReserveInterRegionConnections(target ID, n int) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inter[target] = slices.Grow(r.inter[target], n)
}

func (r *Region) OutputCapacity(id nn.NeuronID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cap(r.outputs[id])
}

func (r *Region) InputCapacity(id nn.NeuronID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cap(r.inputs[id])
}

func (r *Region) InterRegionCapacity(target ID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cap(r.inter[target])
}

func (r *Region) OutputSynapses(id nn.NeuronID) []*nn.Synapse {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.outputs[id])
}

func (r *Region) InputSynapses(id nn.NeuronID) []*nn.Synapse {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.inputs[id])
}

func (r *Region) InterRegionSynapses(target ID) []*nn.Synapse {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.inter[target])
}

// Synapses returns every synapse whose source neuron this region owns, in
// neuron order.
func (r *Region) Synapses() []*nn.Synapse {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*nn.Synapse, 0, len(r.index))
	for _, n := range r.order {
		out = append(out, r.outputs[n.ID()]...)
	}
	return out
}

func (r *Region) SynapseCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.index)
}

// Process ticks every neuron of the region once, sequentially.
func (r *Region) Process(dt float64) {
	for _, n := range r.Neurons() {
		n.Process(dt)
	}
}

// Destroy kills every owned neuron and drops the adjacency maps. Synapses
// still held by other regions become invalid.
func (r *Region) Destroy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return
	}
	r.destroyed = true
	for _, n := range r.order {
		n.Kill()
	}
	r.neurons = make(map[nn.NeuronID]*nn.Neuron)
	r.order = nil
	r.outputs = make(map[nn.NeuronID][]*nn.Synapse)
	r.inputs = make(map[nn.NeuronID][]*nn.Synapse)
	r.inter = make(map[ID][]*nn.Synapse)
	r.index = make(map[edgeKey]*nn.Synapse)
}

func (r *Region) Destroyed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.destroyed
}

// Stats is a read-only summary for telemetry consumers.
type Stats struct {
	ID            ID     `json:"id"`
	Name          string `json:"name"`
	Type          string `json:"type"`
	Pattern       string `json:"pattern"`
	Neurons       int    `json:"neurons"`
	IntraSynapses int    `json:"intra_synapses"`
	InterSynapses int    `json:"inter_synapses"`
	FireCount     uint64 `json:"fire_count"`
	Active        int    `json:"active"`
	Refractory    int    `json:"refractory"`
}

func (r *Region) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := Stats{
		ID:      r.id,
		Name:    r.name,
		Type:    string(r.typ),
		Pattern: string(r.pattern),
		Neurons: len(r.order),
	}
	for _, list := range r.inputs {
		st.IntraSynapses += len(list)
	}
	for _, list := range r.inter {
		st.InterSynapses += len(list)
	}
	for _, n := range r.order {
		st.FireCount += n.FireCount()
		switch n.State() {
		case nn.StateActive:
			st.Active++
		case nn.StateRefractory:
			st.Refractory++
		}
	}
	return st
}
