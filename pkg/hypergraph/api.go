package hypergraph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"hypergraph/internal/brain"
	"hypergraph/internal/config"
	"hypergraph/internal/connectivity"
	"hypergraph/internal/logging"
	"hypergraph/internal/model"
	"hypergraph/internal/nn"
	"hypergraph/internal/region"
	"hypergraph/internal/stats"
	"hypergraph/internal/storage"
)

const defaultDBPath = "hypergraph.db"

type Options struct {
	StoreKind string
	DBPath    string
	Logger    *slog.Logger
}

type Client struct {
	store  storage.Store
	logger *slog.Logger

	mu          sync.Mutex
	initialized bool
}

type RunRequest struct {
	Config *config.Config
	// Ticks overrides Config.Simulation.Ticks when positive.
	Ticks int
	// StimulusRegion receives Stimulus activation on every neuron each tick.
	StimulusRegion string
	Stimulus       float64
	// Reward, when non-zero, is applied to eligibility traces after each tick.
	// Traces only build up on plastic synapses while learning is enabled.
	Reward float64
	// Checkpoint names the checkpoint saved after the run; empty skips saving.
	Checkpoint  string
	Description string
	// ArtifactsDir, when set, receives the run's artifacts and index entry.
	ArtifactsDir string
}

type RunSummary struct {
	RunID      string                `json:"run_id"`
	BrainID    string                `json:"brain_id"`
	Ticks      int                   `json:"ticks"`
	Spikes     uint64                `json:"spikes"`
	Elapsed    time.Duration         `json:"elapsed"`
	Snapshot   brain.Snapshot        `json:"snapshot"`
	Checkpoint *model.CheckpointInfo `json:"checkpoint,omitempty"`
	RunDir     string                `json:"run_dir,omitempty"`
}

type RegionSummary struct {
	ID      uint64 `json:"id"`
	Name    string `json:"name"`
	Type    string `json:"type"`
	Pattern string `json:"pattern"`
	Neurons int    `json:"neurons"`
}

type InspectSummary struct {
	Info       model.CheckpointInfo `json:"info"`
	Regions    []RegionSummary      `json:"regions"`
	Synapses   int                  `json:"synapses"`
	MinWeight  float64              `json:"min_weight"`
	MaxWeight  float64              `json:"max_weight"`
	MeanWeight float64              `json:"mean_weight"`
	FireCount  uint64               `json:"fire_count"`
}

type ExportRequest struct {
	Name string
	Path string
	// GraphOnly writes the bare graph frame instead of the container.
	GraphOnly bool
}

type ImportRequest struct {
	Path string
	Name string
}

type VirtualRequest struct {
	Seed        uint64
	Probability float64
	Pre         uint64
	PostStart   uint64
	PostEnd     uint64
	Limit       int
}

type VirtualEdge struct {
	Pre    uint64  `json:"pre"`
	Post   uint64  `json:"post"`
	Weight float64 `json:"weight"`
	Delay  float64 `json:"delay"`
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}

	return &Client{
		store:  store,
		logger: logging.OrDiscard(opts.Logger),
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return nil
	}
	if err := c.store.Init(ctx); err != nil {
		return err
	}
	c.initialized = true
	return nil
}

// Build constructs a brain from cfg: regions first, then connections in
// declaration order.
func (c *Client) Build(ctx context.Context, cfg *config.Config, observer nn.SpikeObserver) (*brain.Brain, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := brain.New(brain.Config{
		Workers:        cfg.Simulation.Workers,
		Learning:       cfg.Simulation.Learning,
		EligibilityTau: cfg.Simulation.EligibilityTau,
		Seed:           cfg.Simulation.Seed,
		Env: &nn.Env{
			Clock:      nn.NewMonotonicClock(),
			Observer:   observer,
			Guardrails: cfg.Guardrails,
		},
		NeuronDefaults: cfg.NeuronDefaults(),
		Logger:         c.logger,
	})

	for _, rc := range cfg.Regions {
		typ, err := region.ParseType(rc.Type)
		if err != nil {
			return nil, err
		}
		pattern, err := region.ParsePattern(rc.Pattern)
		if err != nil {
			return nil, err
		}
		r, err := b.CreateRegion(rc.Name, typ, pattern)
		if err != nil {
			return nil, err
		}
		r.CreateNeurons(rc.Neurons)
	}
	for _, conn := range cfg.Connections {
		p, err := conn.Params()
		if err != nil {
			return nil, err
		}
		from, to := b.RegionByName(conn.From), b.RegionByName(conn.To)
		created, err := b.Connect(ctx, from.ID(), to.ID(), p)
		if err != nil {
			return nil, fmt.Errorf("connect %s -> %s: %w", conn.From, conn.To, err)
		}
		c.logger.Info("regions connected", "from", conn.From, "to", conn.To, "synapses", created)
	}
	return b, nil
}

func (c *Client) Run(ctx context.Context, req RunRequest) (RunSummary, error) {
	cfg := req.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if cfg.Simulation.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Simulation.Timeout)
		defer cancel()
	}

	spikes := &nn.CountingObserver{}
	b, err := c.Build(ctx, cfg, spikes)
	if err != nil {
		return RunSummary{}, err
	}

	var stimulus *region.Region
	if req.StimulusRegion != "" {
		if stimulus = b.RegionByName(req.StimulusRegion); stimulus == nil {
			return RunSummary{}, fmt.Errorf("%w: %s", brain.ErrUnknownRegion, req.StimulusRegion)
		}
	}

	ticks := cfg.Simulation.Ticks
	if req.Ticks > 0 {
		ticks = req.Ticks
	}
	series := make([]stats.TickSample, 0, ticks)
	start := time.Now()
	for i := 0; i < ticks; i++ {
		before := spikes.Count()
		if stimulus != nil && req.Stimulus != 0 {
			for _, n := range stimulus.Neurons() {
				n.AddActivation(req.Stimulus)
			}
		}
		if err := b.Step(ctx, cfg.Simulation.DeltaTime); err != nil {
			return RunSummary{}, fmt.Errorf("tick %d: %w", i, err)
		}
		if req.Reward != 0 {
			b.ApplyReward(req.Reward)
		}
		series = append(series, stats.TickSample{Tick: i + 1, Spikes: spikes.Count() - before})
	}

	summary := RunSummary{
		RunID:    uuid.NewString(),
		BrainID:  b.ID().String(),
		Ticks:    ticks,
		Spikes:   spikes.Count(),
		Elapsed:  time.Since(start),
		Snapshot: b.Snapshot(),
	}
	if req.Checkpoint != "" {
		if err := c.Init(ctx); err != nil {
			return RunSummary{}, err
		}
		info, err := b.Save(ctx, c.store, req.Checkpoint, model.CheckpointMeta{Description: req.Description})
		if err != nil {
			return RunSummary{}, err
		}
		summary.Checkpoint = &info
	}
	if req.ArtifactsDir != "" {
		runDir, err := writeRunArtifacts(req.ArtifactsDir, cfg, summary, series)
		if err != nil {
			return RunSummary{}, err
		}
		summary.RunDir = runDir
	}
	return summary, nil
}

// Runs lists the run index under dir, newest first.
func Runs(dir string, limit int) ([]stats.RunIndexEntry, error) {
	entries, err := stats.ListRunIndex(dir)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// ExportRun copies the artifacts of runID from dir into outDir.
func ExportRun(dir, runID, outDir string) (string, error) {
	return stats.ExportRunArtifacts(dir, runID, outDir)
}

func writeRunArtifacts(dir string, cfg *config.Config, summary RunSummary, series []stats.TickSample) (string, error) {
	cfgYAML, err := cfg.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal run config: %w", err)
	}
	runDir, err := stats.WriteRunArtifacts(dir, stats.RunArtifacts{
		RunID:      summary.RunID,
		ConfigYAML: cfgYAML,
		Summary:    summary,
		Series:     series,
	})
	if err != nil {
		return "", fmt.Errorf("write run artifacts: %w", err)
	}
	entry := stats.RunIndexEntry{
		RunID:        summary.RunID,
		BrainID:      summary.BrainID,
		Regions:      len(summary.Snapshot.Regions),
		Neurons:      summary.Snapshot.Neurons,
		Synapses:     summary.Snapshot.Synapses,
		Ticks:        summary.Ticks,
		Seed:         cfg.Simulation.Seed,
		Workers:      cfg.Simulation.Workers,
		Learning:     cfg.Simulation.Learning,
		Spikes:       summary.Spikes,
		MeanWeight:   summary.Snapshot.MeanWeight,
		CreatedAtUTC: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if summary.Checkpoint != nil {
		entry.Checkpoint = summary.Checkpoint.Name
	}
	if err := stats.AppendRunIndex(dir, entry); err != nil {
		return "", fmt.Errorf("append run index: %w", err)
	}
	return runDir, nil
}

func (c *Client) Checkpoints(ctx context.Context) ([]model.CheckpointInfo, error) {
	if err := c.Init(ctx); err != nil {
		return nil, err
	}
	return c.store.ListCheckpoints(ctx)
}

func (c *Client) Inspect(ctx context.Context, name string) (InspectSummary, error) {
	record, err := c.record(ctx, name)
	if err != nil {
		return InspectSummary{}, err
	}
	ckpt, err := storage.DecodeCheckpoint(record.Payload)
	if err != nil {
		return InspectSummary{}, fmt.Errorf("decode checkpoint %s: %w", name, err)
	}

	summary := InspectSummary{Info: record.CheckpointInfo, Synapses: len(ckpt.Graph.Synapses)}
	for _, r := range ckpt.Graph.Regions {
		summary.Regions = append(summary.Regions, RegionSummary{
			ID:      r.ID,
			Name:    r.Name,
			Type:    r.Type,
			Pattern: r.Pattern,
			Neurons: len(r.Neurons),
		})
		for _, n := range r.Neurons {
			summary.FireCount += n.FireCount
		}
	}
	if len(ckpt.Graph.Synapses) > 0 {
		summary.MinWeight, summary.MaxWeight = math.Inf(1), math.Inf(-1)
		var sum float64
		for _, s := range ckpt.Graph.Synapses {
			summary.MinWeight = math.Min(summary.MinWeight, s.Weight)
			summary.MaxWeight = math.Max(summary.MaxWeight, s.Weight)
			sum += s.Weight
		}
		summary.MeanWeight = sum / float64(len(ckpt.Graph.Synapses))
	}
	return summary, nil
}

// Export writes a stored checkpoint to a file. The payload is restored into
// a scratch brain first, so only loadable checkpoints are exported.
func (c *Client) Export(ctx context.Context, req ExportRequest) (int, error) {
	if req.Path == "" {
		return 0, errors.New("export path is required")
	}
	record, err := c.record(ctx, req.Name)
	if err != nil {
		return 0, err
	}
	b := brain.New(brain.Config{Logger: c.logger})
	if _, err := b.ImportCheckpoint(record.Payload); err != nil {
		return 0, fmt.Errorf("export %s: %w", req.Name, err)
	}

	data := record.Payload
	if req.GraphOnly {
		if data, err = b.ExportGraph(); err != nil {
			return 0, err
		}
	}
	if err := os.WriteFile(req.Path, data, 0o644); err != nil {
		return 0, fmt.Errorf("write %s: %w", req.Path, err)
	}
	return len(data), nil
}

// Import validates a container file by loading it, then stores it.
func (c *Client) Import(ctx context.Context, req ImportRequest) (model.CheckpointInfo, error) {
	data, err := os.ReadFile(req.Path)
	if err != nil {
		return model.CheckpointInfo{}, fmt.Errorf("read %s: %w", req.Path, err)
	}
	b := brain.New(brain.Config{Logger: c.logger})
	meta, err := b.ImportCheckpoint(data)
	if err != nil {
		return model.CheckpointInfo{}, fmt.Errorf("import %s: %w", req.Path, err)
	}
	if err := c.Init(ctx); err != nil {
		return model.CheckpointInfo{}, err
	}
	return b.Save(ctx, c.store, req.Name, meta)
}

func (c *Client) Delete(ctx context.Context, name string) (bool, error) {
	if err := c.Init(ctx); err != nil {
		return false, err
	}
	return c.store.DeleteCheckpoint(ctx, name)
}

// Virtual lists procedural edges of one presynaptic neuron. It needs no
// store: the edges are recomputed from the seed.
func Virtual(req VirtualRequest) ([]VirtualEdge, error) {
	if req.Probability < 0 || req.Probability > 1 {
		return nil, fmt.Errorf("%w: probability must be in [0,1], got %f", connectivity.ErrInvalidParams, req.Probability)
	}
	if req.PostEnd < req.PostStart {
		return nil, fmt.Errorf("%w: empty target range [%d,%d)", connectivity.ErrInvalidParams, req.PostStart, req.PostEnd)
	}
	v := connectivity.DefaultVirtualSynapse(req.Seed, req.Probability)
	targets := connectivity.Range{Start: nn.NeuronID(req.PostStart), End: nn.NeuronID(req.PostEnd)}
	var edges []VirtualEdge
	v.ForEachTarget(nn.NeuronID(req.Pre), targets, func(post nn.NeuronID, weight float64) bool {
		edges = append(edges, VirtualEdge{
			Pre:    req.Pre,
			Post:   uint64(post),
			Weight: weight,
			Delay:  v.Delay(nn.NeuronID(req.Pre), post),
		})
		return req.Limit <= 0 || len(edges) < req.Limit
	})
	return edges, nil
}

func (c *Client) record(ctx context.Context, name string) (model.CheckpointRecord, error) {
	if err := c.Init(ctx); err != nil {
		return model.CheckpointRecord{}, err
	}
	record, ok, err := c.store.GetCheckpoint(ctx, name)
	if err != nil {
		return model.CheckpointRecord{}, err
	}
	if !ok {
		return model.CheckpointRecord{}, fmt.Errorf("%w: %s", brain.ErrCheckpointNotFound, name)
	}
	return record, nil
}
