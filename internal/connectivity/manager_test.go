package connectivity

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hypergraph/internal/ids"
	"hypergraph/internal/nn"
	"hypergraph/internal/region"
)

func newRegions(t *testing.T, ns, nd int) (*region.Region, *region.Region) {
	t.Helper()
	neurons, synapses := ids.NewSequence(0), ids.NewSequence(0)
	env := nn.NewEnv()
	src := region.New(region.Config{ID: 1, Name: "src", Env: env, NeuronIDs: neurons, SynapseIDs: synapses})
	dst := region.New(region.Config{ID: 2, Name: "dst", Env: env, NeuronIDs: neurons, SynapseIDs: synapses})
	src.CreateNeurons(ns)
	dst.CreateNeurons(nd)
	return src, dst
}

func TestConnectRegionsFullProbabilityWiresEveryPair(t *testing.T) {
	src, dst := newRegions(t, 4, 5)
	p := DefaultParams()
	p.ConnectionProbability = 1

	created, err := NewManager(1, nil).ConnectRegions(context.Background(), src, dst, p)
	require.NoError(t, err)
	assert.Equal(t, 20, created)
	assert.Len(t, src.InterRegionSynapses(dst.ID()), 20)
	assert.Equal(t, 0, dst.SynapseCount())
}

func TestConnectRegionsIsIdempotent(t *testing.T) {
	src, dst := newRegions(t, 3, 3)
	p := DefaultParams()
	p.ConnectionProbability = 1
	m := NewManager(7, nil)

	first, err := m.ConnectRegions(context.Background(), src, dst, p)
	require.NoError(t, err)
	second, err := m.ConnectRegions(context.Background(), src, dst, p)
	require.NoError(t, err)

	assert.Equal(t, 9, first)
	assert.Zero(t, second)
	assert.Equal(t, 9, src.SynapseCount())
}

func TestConnectRegionsReciprocalWiresBothDirections(t *testing.T) {
	src, dst := newRegions(t, 2, 2)
	p := DefaultParams()
	p.Type = Reciprocal
	p.ConnectionProbability = 1

	created, err := NewManager(3, nil).ConnectRegions(context.Background(), src, dst, p)
	require.NoError(t, err)
	assert.Equal(t, 8, created)
	assert.Len(t, src.InterRegionSynapses(dst.ID()), 4)
	assert.Len(t, dst.InterRegionSynapses(src.ID()), 4)
}

func TestConnectRegionsLateralSkipsSelfConnections(t *testing.T) {
	src, _ := newRegions(t, 5, 0)
	p := DefaultParams()
	p.Type = Lateral
	p.ConnectionProbability = 1

	created, err := NewManager(3, nil).ConnectRegions(context.Background(), src, src, p)
	require.NoError(t, err)
	assert.Equal(t, 20, created)
	for _, syn := range src.Synapses() {
		assert.NotEqual(t, syn.SourceID(), syn.TargetID())
	}
}

func TestConnectRegionsRespectsMaxConnectionsPerNeuron(t *testing.T) {
	src, dst := newRegions(t, 3, 10)
	p := DefaultParams()
	p.ConnectionProbability = 1
	p.MaxConnectionsPerNeuron = 2

	created, err := NewManager(3, nil).ConnectRegions(context.Background(), src, dst, p)
	require.NoError(t, err)
	assert.Equal(t, 6, created)
	for _, id := range src.NeuronIDs() {
		assert.Len(t, src.OutputSynapses(id), 2)
	}
}

func TestConnectRegionsReservesPerNeuronCapacity(t *testing.T) {
	src, _ := newRegions(t, 50, 0)
	p := DefaultParams()
	p.Type = Lateral
	p.ConnectionProbability = 0.1

	_, err := NewManager(9, nil).ConnectRegions(context.Background(), src, src, p)
	require.NoError(t, err)
	for _, id := range src.NeuronIDs() {
		assert.GreaterOrEqual(t, src.OutputCapacity(id), 5, "region outputs of %d", id)
		assert.GreaterOrEqual(t, src.InputCapacity(id), 5, "region inputs of %d", id)
		in, out := src.Neuron(id).SynapseCapacity()
		assert.GreaterOrEqual(t, in, 5, "neuron inputs of %d", id)
		assert.GreaterOrEqual(t, out, 5, "neuron outputs of %d", id)
	}

	// Inter-region targets grow only the neuron's own input list.
	from, to := newRegions(t, 40, 50)
	p.Type = Feedforward
	p.MaxConnectionsPerNeuron = 2
	_, err = NewManager(9, nil).ConnectRegions(context.Background(), from, to, p)
	require.NoError(t, err)
	for _, id := range from.NeuronIDs() {
		assert.GreaterOrEqual(t, from.OutputCapacity(id), 2)
		_, out := from.Neuron(id).SynapseCapacity()
		assert.GreaterOrEqual(t, out, 2)
	}
	for _, id := range to.NeuronIDs() {
		assert.Zero(t, to.InputCapacity(id))
		in, _ := to.Neuron(id).SynapseCapacity()
		assert.GreaterOrEqual(t, in, 4)
	}
}

func TestRangeLenSaturates(t *testing.T) {
	assert.Zero(t, Range{Start: 5, End: 5}.Len())
	assert.Zero(t, Range{Start: 9, End: 5}.Len())
	assert.Equal(t, 3, Range{Start: 5, End: 8}.Len())
	assert.Equal(t, math.MaxInt, Range{Start: 0, End: math.MaxUint64}.Len())
	assert.Equal(t, nn.NeuronID(7), Range{Start: 0, End: math.MaxUint64}.At(7))
}

func TestConnectRegionsZeroProbabilityCreatesNothing(t *testing.T) {
	src, dst := newRegions(t, 10, 10)
	p := DefaultParams()
	p.ConnectionProbability = 0

	created, err := NewManager(3, nil).ConnectRegions(context.Background(), src, dst, p)
	require.NoError(t, err)
	assert.Zero(t, created)
}

func TestConnectRegionsSampledDensityNearProbability(t *testing.T) {
	src, dst := newRegions(t, 200, 200)
	p := DefaultParams()
	p.ConnectionProbability = 0.05

	created, err := NewManager(42, nil).ConnectRegions(context.Background(), src, dst, p)
	require.NoError(t, err)
	// 40000 candidates at p=0.05, expected 2000 with sd ~44.
	assert.InDelta(t, 2000, created, 300)
}

func TestConnectRegionsDistanceDecayThinsEdges(t *testing.T) {
	p := DefaultParams()
	p.ConnectionProbability = 1

	src, dst := newRegions(t, 50, 50)
	dense, err := NewManager(9, nil).ConnectRegions(context.Background(), src, dst, p)
	require.NoError(t, err)

	src, dst = newRegions(t, 50, 50)
	p.DistanceDecay = 5
	thinned, err := NewManager(9, nil).ConnectRegions(context.Background(), src, dst, p)
	require.NoError(t, err)

	assert.Equal(t, 2500, dense)
	assert.Less(t, thinned, dense)
	assert.Greater(t, thinned, 0)
}

func TestConnectRegionsSameSeedIsReproducible(t *testing.T) {
	p := DefaultParams()
	p.ConnectionProbability = 0.3
	p.Distribution = Gaussian

	weights := func() []float64 {
		src, dst := newRegions(t, 20, 20)
		_, err := NewManager(11, nil).ConnectRegions(context.Background(), src, dst, p)
		require.NoError(t, err)
		var out []float64
		for _, syn := range src.Synapses() {
			out = append(out, syn.Weight())
		}
		return out
	}
	assert.Equal(t, weights(), weights())
}

func TestConnectRangesIgnoresForeignNeurons(t *testing.T) {
	src, dst := newRegions(t, 2, 2)
	p := DefaultParams()
	p.ConnectionProbability = 1

	// dst owns IDs 3 and 4; 5..9 resolve to nothing.
	created, err := NewManager(1, nil).ConnectRanges(context.Background(), src, Range{Start: 1, End: 3}, dst, Range{Start: 3, End: 10}, p)
	require.NoError(t, err)
	assert.Equal(t, 4, created)
}

func TestConnectRegionsHonoursCancellation(t *testing.T) {
	src, dst := newRegions(t, 10, 10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := DefaultParams()
	p.ConnectionProbability = 1
	created, err := NewManager(1, nil).ConnectRegions(ctx, src, dst, p)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, created)
}

func TestParamsValidate(t *testing.T) {
	cases := map[string]func(*Params){
		"probability above one": func(p *Params) { p.ConnectionProbability = 1.5 },
		"negative std":          func(p *Params) { p.WeightStd = -1 },
		"negative decay":        func(p *Params) { p.DistanceDecay = -0.1 },
		"unknown type":          func(p *Params) { p.Type = "ring" },
		"unknown distribution":  func(p *Params) { p.Distribution = "cauchy" },
		"negative max":          func(p *Params) { p.MaxConnectionsPerNeuron = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := DefaultParams()
			mutate(&p)
			err := p.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidParams))
		})
	}
	assert.NoError(t, DefaultParams().Validate())
}

func TestSampleWeightMoments(t *testing.T) {
	for _, dist := range []Distribution{Uniform, Gaussian, LogNormal} {
		t.Run(string(dist), func(t *testing.T) {
			rng := rand.New(rand.NewSource(5))
			const n = 20000
			var sum float64
			for i := 0; i < n; i++ {
				sum += SampleWeight(rng, dist, 0.5, 0.1)
			}
			assert.InDelta(t, 0.5, sum/n, 0.01)
		})
	}
}

func TestParseHelpers(t *testing.T) {
	typ, err := ParseConnectionType("Reciprocal")
	require.NoError(t, err)
	assert.Equal(t, Reciprocal, typ)

	dist, err := ParseDistribution("normal")
	require.NoError(t, err)
	assert.Equal(t, Gaussian, dist)

	_, err = ParseDistribution("zipf")
	assert.ErrorIs(t, err, ErrInvalidParams)
}
