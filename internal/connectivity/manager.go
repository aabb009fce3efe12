package connectivity

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"sync"

	"hypergraph/internal/logging"
	"hypergraph/internal/nn"
	"hypergraph/internal/region"
)

// maxReserve caps the adjacency capacity reserved ahead of a connect call.
const maxReserve = 1 << 20

// Endpoints is an indexable set of candidate neuron IDs.
type Endpoints interface {
	Len() int
	At(i int) nn.NeuronID
}

// IDs adapts a slice of neuron IDs.
type IDs []nn.NeuronID

func (s IDs) Len() int             { return len(s) }
func (s IDs) At(i int) nn.NeuronID { return s[i] }

// Range is the half-open ID interval [Start, End).
type Range struct {
	Start nn.NeuronID
	End   nn.NeuronID
}

// Len saturates at math.MaxInt for spans an int cannot index.
func (r Range) Len() int {
	if r.End <= r.Start {
		return 0
	}
	span := uint64(r.End - r.Start)
	if span > math.MaxInt {
		return math.MaxInt
	}
	return int(span)
}

func (r Range) At(i int) nn.NeuronID { return r.Start + nn.NeuronID(i) }

// Manager creates synapses between regions by sampling the candidate pair
// space. Each call draws its own generator from the manager seed, so a given
// sequence of calls is reproducible.
type Manager struct {
	mu     sync.Mutex
	rng    *rand.Rand
	logger *slog.Logger
}

func NewManager(seed int64, logger *slog.Logger) *Manager {
	return &Manager{
		rng:    rand.New(rand.NewSource(seed)),
		logger: logging.OrDiscard(logger),
	}
}

func (m *Manager) child() *rand.Rand {
	m.mu.Lock()
	defer m.mu.Unlock()
	return rand.New(rand.NewSource(m.rng.Int63()))
}

// ConnectRegions samples every (pre, post) pair of src × dst neurons and
// returns the number of synapses created.
func (m *Manager) ConnectRegions(ctx context.Context, src, dst *region.Region, p Params) (int, error) {
	return m.ConnectRanges(ctx, src, IDs(src.NeuronIDs()), dst, IDs(dst.NeuronIDs()), p)
}

// ConnectRanges samples pairs from srcIDs × dstIDs. The candidate space is
// never materialized: each source row is walked with geometric skips so the
// cost is proportional to accepted pairs, not to the product of the sizes.
// Adjacency lists are reserved up front from the expected degree.
// Pairs whose neurons are not owned by the given regions are ignored, as are
// self-connections. Duplicate pairs resolve to the existing synapse and are
// not counted.
func (m *Manager) ConnectRanges(ctx context.Context, src *region.Region, srcIDs Endpoints, dst *region.Region, dstIDs Endpoints, p Params) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	if src == nil || dst == nil {
		return 0, nil
	}
	ns, nd := srcIDs.Len(), dstIDs.Len()
	if ns == 0 || nd == 0 || p.ConnectionProbability == 0 {
		return 0, nil
	}

	rng := m.child()
	prob := p.ConnectionProbability
	logDenom := math.Log1p(-prob)

	fanOut := expectedDegree(nd, prob, p.MaxConnectionsPerNeuron)
	fanIn := expectedDegree(ns, prob, 0)
	if src != dst {
		expected := float64(ns) * float64(nd) * prob
		src.ReserveInterRegionConnections(dst.ID(), int(math.Min(expected, maxReserve)))
		if p.reverse() {
			dst.ReserveInterRegionConnections(src.ID(), int(math.Min(expected, maxReserve)))
		}
	}
	if nd <= maxReserve {
		for j := 0; j < nd; j++ {
			reserveTarget(src, dst, dstIDs.At(j), fanIn, p.reverse())
		}
	}

	var created, attempted, duplicates int
	for i := 0; i < ns; i++ {
		if err := ctx.Err(); err != nil {
			return created, err
		}
		pre := srcIDs.At(i)
		src.ReserveOutputConnections(pre, fanOut)
		if p.reverse() {
			reserveInputs(dst, src, pre, fanOut)
		}
		perNeuron := 0
		for j := nextCandidate(rng, -1, prob, logDenom); j < nd; j = nextCandidate(rng, j, prob, logDenom) {
			post := dstIDs.At(j)
			if src == dst && pre == post {
				continue
			}
			if p.DistanceDecay > 0 && rng.Float64() >= distanceFactor(i, ns, j, nd, p.DistanceDecay) {
				continue
			}

			attempted++
			cfg := m.synapseConfig(rng, p)
			syn, ok := src.Link(dst, pre, post, cfg)
			if syn == nil {
				continue
			}
			if ok {
				created++
				perNeuron++
			} else {
				duplicates++
			}
			if p.reverse() {
				back, ok := dst.Link(src, post, pre, m.synapseConfig(rng, p))
				if back != nil && ok {
					created++
				}
			}
			if p.MaxConnectionsPerNeuron > 0 && perNeuron >= p.MaxConnectionsPerNeuron {
				break
			}
		}
	}

	m.logger.Debug("connected regions",
		"src", src.Name(), "dst", dst.Name(), "type", string(p.Type),
		"attempted", attempted, "created", created, "duplicates", duplicates)
	return created, nil
}

// expectedDegree is the number of links one neuron is expected to gain from
// n candidates, capped by limit when positive and by maxReserve.
func expectedDegree(n int, prob float64, limit int) int {
	d := math.Ceil(float64(n) * prob)
	if limit > 0 {
		d = math.Min(d, float64(limit))
	}
	return int(math.Min(d, maxReserve))
}

// reserveTarget pre-sizes the lists a target neuron grows when wired from
// src, and the outputs it grows when the link is reciprocated.
func reserveTarget(src, dst *region.Region, post nn.NeuronID, n int, reverse bool) {
	reserveInputs(src, dst, post, n)
	if reverse {
		dst.ReserveOutputConnections(post, n)
	}
}

// reserveInputs pre-sizes the inputs of id in to for links arriving from
// from. Only local links are tracked in the region's own input map.
func reserveInputs(from, to *region.Region, id nn.NeuronID, n int) {
	if from == to {
		to.ReserveInputConnections(id, n)
		return
	}
	if neuron := to.Neuron(id); neuron != nil {
		neuron.ReserveSynapses(n, 0)
	}
}

// nextCandidate returns the index of the next accepted candidate after prev
// under independent Bernoulli(prob) trials.
func nextCandidate(rng *rand.Rand, prev int, prob, logDenom float64) int {
	if prob >= 1 {
		return prev + 1
	}
	u := 1 - rng.Float64() // (0,1]
	skip := math.Floor(math.Log(u) / logDenom)
	if skip > math.MaxInt32 {
		return math.MaxInt
	}
	return prev + 1 + int(skip)
}

func distanceFactor(i, ns, j, nd int, decay float64) float64 {
	d := math.Abs(float64(i)/float64(ns) - float64(j)/float64(nd))
	return math.Exp(-decay * d)
}

func (m *Manager) synapseConfig(rng *rand.Rand, p Params) nn.SynapseConfig {
	cfg := nn.DefaultSynapseConfig()
	cfg.Weight = SampleWeight(rng, p.Distribution, p.WeightMean, p.WeightStd)
	cfg.Type = p.SynapseType
	cfg.Rule = p.PlasticityRule
	cfg.LearningRate = p.PlasticityRate
	cfg.Delay = p.Delay
	return cfg
}

// SampleWeight draws one weight. Uniform is centred on mean with the given
// standard deviation; LogNormal matches mean and std and falls back to
// Gaussian for non-positive means.
func SampleWeight(rng *rand.Rand, dist Distribution, mean, std float64) float64 {
	switch dist {
	case Gaussian:
		return mean + std*rng.NormFloat64()
	case LogNormal:
		if mean <= 0 {
			return mean + std*rng.NormFloat64()
		}
		sigma2 := math.Log1p((std * std) / (mean * mean))
		mu := math.Log(mean) - sigma2/2
		return math.Exp(mu + math.Sqrt(sigma2)*rng.NormFloat64())
	default:
		half := std * math.Sqrt(3)
		return mean - half + 2*half*rng.Float64()
	}
}
