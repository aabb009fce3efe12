package brain

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hypergraph/internal/connectivity"
	"hypergraph/internal/model"
	"hypergraph/internal/nn"
	"hypergraph/internal/region"
	"hypergraph/internal/storage"
)

// twoRegionBrain builds region A (2 neurons) linked to region B (2 neurons)
// by one excitatory synapse of weight 0.5.
func twoRegionBrain(t *testing.T) (*Brain, *nn.Synapse) {
	t.Helper()
	b := New(Config{Name: "test", Workers: 2, Env: &nn.Env{Clock: nn.NewManualClock()}})
	a, err := b.CreateRegion("A", region.TypeCortical, region.PatternAsynchronous)
	require.NoError(t, err)
	bb, err := b.CreateRegion("B", region.TypeSubcortical, region.PatternLayered)
	require.NoError(t, err)
	src := a.CreateNeurons(2)
	dst := bb.CreateNeurons(2)
	syn := a.ConnectToRegion(bb, src[0].ID(), dst[1].ID(), 0.5, nn.SynapseExcitatory)
	require.NotNil(t, syn)
	return b, syn
}

func neuronIDSet(r *region.Region) []nn.NeuronID {
	ids := r.NeuronIDs()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func TestCreateRegionRejectsDuplicateNames(t *testing.T) {
	b := New(Config{})
	_, err := b.CreateRegion("A", region.TypeCortical, region.PatternAsynchronous)
	require.NoError(t, err)
	_, err = b.CreateRegion("A", region.TypeCortical, region.PatternAsynchronous)
	assert.ErrorIs(t, err, ErrDuplicateRegion)
}

func TestRegionLookups(t *testing.T) {
	b, _ := twoRegionBrain(t)
	a := b.RegionByName("A")
	require.NotNil(t, a)
	assert.Same(t, a, b.Region(a.ID()))
	assert.Nil(t, b.RegionByName("missing"))
	assert.Nil(t, b.Region(99))

	regions := b.Regions()
	require.Len(t, regions, 2)
	assert.Equal(t, "A", regions[0].Name())
	assert.Equal(t, "B", regions[1].Name())
}

func TestCheckpointRoundTrip(t *testing.T) {
	src, syn := twoRegionBrain(t)
	data, err := src.ExportCheckpoint(model.CheckpointMeta{Description: "two regions"})
	require.NoError(t, err)

	dst := New(Config{})
	meta, err := dst.ImportCheckpoint(data)
	require.NoError(t, err)
	assert.Equal(t, storage.CurrentFormatVersion, meta.FormatVersion)
	assert.Equal(t, "two regions", meta.Description)
	assert.Contains(t, meta.CreatedBy, src.ID().String())

	for _, want := range src.Regions() {
		got := dst.Region(want.ID())
		require.NotNil(t, got, "region %s", want.Name())
		assert.Equal(t, want.Name(), got.Name())
		assert.Equal(t, want.Type(), got.Type())
		assert.Equal(t, want.Pattern(), got.Pattern())
		assert.Equal(t, neuronIDSet(want), neuronIDSet(got))
	}

	a, bb := dst.RegionByName("A"), dst.RegionByName("B")
	restored := a.Lookup(bb, syn.SourceID(), syn.TargetID())
	require.NotNil(t, restored)
	assert.Equal(t, syn.ID(), restored.ID())
	assert.Equal(t, 0.5, restored.Weight())
	assert.Equal(t, nn.SynapseExcitatory, restored.Type())
	assert.True(t, restored.IsValid())
	assert.Len(t, bb.Neuron(syn.TargetID()).InputSynapses(), 1)
}

func TestGraphRoundTripPreservesNeuronState(t *testing.T) {
	src, syn := twoRegionBrain(t)
	n := src.RegionByName("A").Neuron(syn.SourceID())
	n.SetActivation(0.3)
	n.SetThreshold(0.7)
	syn.SetPlasticity(nn.PlasticityOja, 0.02)
	syn.AccumulateEligibility(0.4)

	data, err := src.ExportGraph()
	require.NoError(t, err)

	dst := New(Config{})
	require.NoError(t, dst.ImportGraph(data))

	got := dst.RegionByName("A").Neuron(syn.SourceID())
	require.NotNil(t, got)
	assert.Equal(t, n.Config(), got.Config())

	restored := dst.RegionByName("A").Lookup(dst.RegionByName("B"), syn.SourceID(), syn.TargetID())
	require.NotNil(t, restored)
	assert.Equal(t, syn.Config(), restored.Config())
}

func TestImportAdvancesSequences(t *testing.T) {
	src, syn := twoRegionBrain(t)
	data, err := src.ExportCheckpoint(model.CheckpointMeta{})
	require.NoError(t, err)

	dst := New(Config{})
	_, err = dst.ImportCheckpoint(data)
	require.NoError(t, err)

	c, err := dst.CreateRegion("C", region.TypeSpecial, region.PatternOscillatory)
	require.NoError(t, err)
	assert.Greater(t, c.ID(), dst.RegionByName("B").ID())

	fresh := c.CreateNeurons(1)[0]
	assert.Greater(t, fresh.ID(), nn.NeuronID(4))

	a := dst.RegionByName("A")
	next := a.ConnectToRegion(c, a.NeuronIDs()[1], fresh.ID(), 0.1, nn.SynapseInhibitory)
	require.NotNil(t, next)
	assert.Greater(t, next.ID(), syn.ID())
}

func TestImportVersionMismatchLeavesBrainUntouched(t *testing.T) {
	src, _ := twoRegionBrain(t)
	data, err := src.ExportCheckpoint(model.CheckpointMeta{FormatVersion: storage.CurrentFormatVersion + 1})
	require.NoError(t, err)

	dst, _ := twoRegionBrain(t)
	before, err := dst.ExportGraph()
	require.NoError(t, err)

	_, err = dst.ImportCheckpoint(data)
	assert.ErrorIs(t, err, storage.ErrVersionMismatch)

	after, err := dst.ExportGraph()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestImportCorruptBuffersFailCleanly(t *testing.T) {
	src, _ := twoRegionBrain(t)
	valid, err := src.ExportCheckpoint(model.CheckpointMeta{})
	require.NoError(t, err)

	random := make([]byte, 512)
	rand.New(rand.NewSource(3)).Read(random)
	flipped := append([]byte(nil), valid...)
	flipped[len(flipped)/2] ^= 0x01

	cases := map[string][]byte{
		"empty":     nil,
		"random":    random,
		"truncated": valid[:len(valid)-3],
		"bit flip":  flipped,
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			dst, _ := twoRegionBrain(t)
			before, err := dst.ExportGraph()
			require.NoError(t, err)

			_, err = dst.ImportCheckpoint(data)
			require.Error(t, err)

			after, err := dst.ExportGraph()
			require.NoError(t, err)
			assert.Equal(t, before, after)
		})
	}
}

func TestImportUnresolvedSynapse(t *testing.T) {
	g := model.Graph{
		Regions: []model.Region{{
			ID: 1, Name: "A", Type: "cortical", Pattern: "asynchronous",
			Neurons: []model.Neuron{{ID: 1, Threshold: 0.5}},
		}},
		Synapses: []model.Synapse{{ID: 1, Source: 1, Target: 42, Weight: 0.5, MaxWeight: 1}},
	}
	data, err := storage.EncodeCheckpoint(model.Checkpoint{Graph: g})
	require.NoError(t, err)

	dst, _ := twoRegionBrain(t)
	before, err := dst.ExportGraph()
	require.NoError(t, err)

	_, err = dst.ImportCheckpoint(data)
	assert.ErrorIs(t, err, ErrUnresolvedSynapse)

	after, err := dst.ExportGraph()
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.NotNil(t, dst.RegionByName("B"))
}

func TestImportRejectsInconsistentRecords(t *testing.T) {
	base := func() model.Graph {
		return model.Graph{
			Regions: []model.Region{
				{ID: 1, Name: "A", Type: "cortical", Pattern: "asynchronous", Neurons: []model.Neuron{{ID: 1}, {ID: 2}}},
			},
		}
	}
	cases := map[string]func(*model.Graph){
		"duplicate neuron": func(g *model.Graph) {
			g.Regions = append(g.Regions, model.Region{ID: 2, Name: "B", Type: "cortical", Neurons: []model.Neuron{{ID: 2}}})
		},
		"duplicate region name": func(g *model.Graph) {
			g.Regions = append(g.Regions, model.Region{ID: 2, Name: "A", Type: "cortical"})
		},
		"unknown region type": func(g *model.Graph) { g.Regions[0].Type = "cerebellar" },
		"bad neuron state":    func(g *model.Graph) { g.Regions[0].Neurons[0].State = 9 },
		"bad synapse type": func(g *model.Graph) {
			g.Synapses = []model.Synapse{{ID: 1, Source: 1, Target: 2, Type: 7}}
		},
		"duplicate edge": func(g *model.Graph) {
			g.Synapses = []model.Synapse{{ID: 1, Source: 1, Target: 2}, {ID: 2, Source: 1, Target: 2}}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			g := base()
			mutate(&g)
			data, err := storage.EncodeGraph(g)
			require.NoError(t, err)
			err = New(Config{}).ImportGraph(data)
			assert.ErrorIs(t, err, storage.ErrCorrupt)
		})
	}
}

func TestRemoveRegionPrunesInterRegionSynapses(t *testing.T) {
	b, syn := twoRegionBrain(t)
	a, bb := b.RegionByName("A"), b.RegionByName("B")
	back := bb.ConnectToRegion(a, bb.NeuronIDs()[0], a.NeuronIDs()[1], 0.2, nn.SynapseExcitatory)
	require.NotNil(t, back)

	require.True(t, b.RemoveRegion(bb.ID()))
	assert.False(t, b.RemoveRegion(bb.ID()))
	assert.Nil(t, b.RegionByName("B"))
	assert.True(t, bb.Destroyed())
	assert.Empty(t, a.InterRegionSynapses(bb.ID()))
	assert.Empty(t, a.Neuron(syn.SourceID()).OutputSynapses())
	assert.Empty(t, a.Neuron(back.TargetID()).InputSynapses())

	_, err := b.ExportGraph()
	assert.NoError(t, err)
}

func TestStepFiresAndPropagates(t *testing.T) {
	b, syn := twoRegionBrain(t)
	a := b.RegionByName("A")
	src := a.Neuron(syn.SourceID())
	src.SetActivation(1)

	require.NoError(t, b.Step(context.Background(), 1))
	assert.Equal(t, nn.StateRefractory, src.State())
	assert.Equal(t, uint64(1), src.FireCount())
	assert.Equal(t, uint64(1), b.Steps())

	snap := b.Snapshot()
	assert.Equal(t, 4, snap.Neurons)
	assert.Equal(t, 1, snap.Synapses)
	assert.GreaterOrEqual(t, snap.FireCount, uint64(1))
	assert.Len(t, snap.Regions, 2)
	assert.InDelta(t, 0.5, snap.MeanWeight, 1e-12)
}

func TestStepHonoursCancellation(t *testing.T) {
	b, _ := twoRegionBrain(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, b.Step(ctx, 1), context.Canceled)
	assert.Zero(t, b.Steps())
}

func TestStepWithLearningKeepsWeightsBounded(t *testing.T) {
	b := New(Config{Workers: 4, Learning: true, Seed: 5})
	a, err := b.CreateRegion("A", region.TypeCortical, region.PatternAsynchronous)
	require.NoError(t, err)
	c, err := b.CreateRegion("C", region.TypeCortical, region.PatternAsynchronous)
	require.NoError(t, err)
	a.CreateNeurons(40)
	c.CreateNeurons(40)

	p := connectivity.DefaultParams()
	p.ConnectionProbability = 0.3
	p.PlasticityRule = nn.PlasticityHebbian
	p.PlasticityRate = 0.5
	created, err := b.Connect(context.Background(), a.ID(), c.ID(), p)
	require.NoError(t, err)
	require.Positive(t, created)

	for i := 0; i < 20; i++ {
		for _, n := range a.Neurons() {
			n.AddActivation(0.6)
		}
		require.NoError(t, b.Step(context.Background(), 1))
	}
	for _, s := range a.Synapses() {
		lo, hi := s.Bounds()
		assert.GreaterOrEqual(t, s.Weight(), lo)
		assert.LessOrEqual(t, s.Weight(), hi)
	}
}

func TestStepRecordsEligibilityForReward(t *testing.T) {
	clock := nn.NewManualClock()
	b := New(Config{Workers: 2, Learning: true, Env: &nn.Env{Clock: clock}})
	a, err := b.CreateRegion("A", region.TypeCortical, region.PatternAsynchronous)
	require.NoError(t, err)
	c, err := b.CreateRegion("C", region.TypeSubcortical, region.PatternAsynchronous)
	require.NoError(t, err)
	pre := a.CreateNeurons(1)[0]
	post := c.CreateNeurons(1)[0]
	syn := a.ConnectToRegion(c, pre.ID(), post.ID(), 0.5, nn.SynapseExcitatory)
	require.NotNil(t, syn)
	syn.SetPlasticity(nn.PlasticitySTDP, 0.02)
	ctx := context.Background()

	// Pre fires at 0ms while post is held back.
	require.True(t, post.Inhibit())
	pre.SetActivation(1)
	require.NoError(t, b.Step(ctx, 1))
	require.Equal(t, uint64(1), pre.FireCount())
	require.Zero(t, post.FireCount())
	assert.Zero(t, syn.Eligibility())

	// Post follows 5ms later.
	clock.AdvanceMillis(5)
	require.True(t, post.Release())
	post.SetActivation(1)
	require.NoError(t, b.Step(ctx, 1))
	require.Equal(t, uint64(1), post.FireCount())

	trace := syn.Eligibility()
	want := nn.STDPKernel(0, 5) * math.Exp(-1/nn.DefaultEligibilityTau)
	assert.InDelta(t, want, trace, 1e-9)

	// The same pair is not counted twice.
	require.NoError(t, b.Step(ctx, 1))
	assert.Less(t, syn.Eligibility(), trace)

	before := syn.Weight()
	moved := b.ApplyReward(1)
	assert.Positive(t, moved)
	assert.Greater(t, syn.Weight(), before)

	before = syn.Weight()
	b.ApplyReward(-1)
	assert.Less(t, syn.Weight(), before)
}

func TestStepWithoutLearningLeavesRewardInert(t *testing.T) {
	b, syn := twoRegionBrain(t)
	syn.SetPlasticity(nn.PlasticitySTDP, 0.02)
	for _, n := range b.RegionByName("A").Neurons() {
		n.SetActivation(1)
	}
	for _, n := range b.RegionByName("B").Neurons() {
		n.SetActivation(1)
	}
	require.NoError(t, b.Step(context.Background(), 1))

	assert.Zero(t, syn.Eligibility())
	assert.Zero(t, b.ApplyReward(1))
	assert.Equal(t, 0.5, syn.Weight())
}

func TestConnectUnknownRegion(t *testing.T) {
	b, _ := twoRegionBrain(t)
	_, err := b.Connect(context.Background(), 1, 77, connectivity.DefaultParams())
	assert.ErrorIs(t, err, ErrUnknownRegion)
}

func TestSaveAndLoadThroughStore(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	require.NoError(t, store.Init(ctx))

	src, syn := twoRegionBrain(t)
	info, err := src.Save(ctx, store, "", model.CheckpointMeta{CreatedAt: time.UnixMilli(1_000).UTC()})
	require.NoError(t, err)
	assert.NotEmpty(t, info.Name)
	assert.Equal(t, 2, info.Regions)
	assert.Equal(t, 4, info.Neurons)
	assert.Equal(t, 1, info.Synapses)

	dst := New(Config{})
	meta, err := dst.Load(ctx, store, info.Name)
	require.NoError(t, err)
	assert.Equal(t, time.UnixMilli(1_000).UTC(), meta.CreatedAt)
	assert.NotNil(t, dst.RegionByName("A").Lookup(dst.RegionByName("B"), syn.SourceID(), syn.TargetID()))

	_, err = dst.Load(ctx, store, "missing")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}
