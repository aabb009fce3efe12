// Package config loads hypergraph configuration from YAML files and
// environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"hypergraph/internal/connectivity"
	"hypergraph/internal/nn"
	"hypergraph/internal/region"
	"hypergraph/internal/storage"
)

// Config is the full configuration of one simulation.
type Config struct {
	Simulation  SimulationConfig   `json:"simulation" yaml:"simulation"`
	Neuron      NeuronConfig       `json:"neuron" yaml:"neuron"`
	Guardrails  nn.Guardrails      `json:"guardrails" yaml:"guardrails"`
	Regions     []RegionConfig     `json:"regions" yaml:"regions"`
	Connections []ConnectionConfig `json:"connections" yaml:"connections"`
	Storage     StorageConfig      `json:"storage" yaml:"storage"`
	Logging     LoggingConfig      `json:"logging" yaml:"logging"`
}

type SimulationConfig struct {
	// Workers bounds the tick worker pool. Zero means GOMAXPROCS.
	Workers int `json:"workers" yaml:"workers"`

	// DeltaTime is the simulated time per tick.
	DeltaTime float64 `json:"delta_time" yaml:"delta_time"`

	// Ticks is the default number of ticks for a run.
	Ticks int `json:"ticks" yaml:"ticks"`

	// Seed drives stochastic wiring.
	Seed int64 `json:"seed" yaml:"seed"`

	Learning       bool    `json:"learning" yaml:"learning"`
	EligibilityTau float64 `json:"eligibility_tau" yaml:"eligibility_tau"`

	// Timeout caps a whole run; zero disables it.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// NeuronConfig holds the defaults applied to newly created neurons.
type NeuronConfig struct {
	Threshold        float64 `json:"threshold" yaml:"threshold"`
	DecayRate        float64 `json:"decay_rate" yaml:"decay_rate"`
	RefractoryPeriod float64 `json:"refractory_period" yaml:"refractory_period"`
}

type RegionConfig struct {
	Name    string `json:"name" yaml:"name"`
	Type    string `json:"type" yaml:"type"`
	Pattern string `json:"pattern" yaml:"pattern"`
	Neurons int    `json:"neurons" yaml:"neurons"`
}

type ConnectionConfig struct {
	From                    string  `json:"from" yaml:"from"`
	To                      string  `json:"to" yaml:"to"`
	Type                    string  `json:"type" yaml:"type"`
	Distribution            string  `json:"distribution" yaml:"distribution"`
	Probability             float64 `json:"probability" yaml:"probability"`
	WeightMean              float64 `json:"weight_mean" yaml:"weight_mean"`
	WeightStd               float64 `json:"weight_std" yaml:"weight_std"`
	DistanceDecay           float64 `json:"distance_decay" yaml:"distance_decay"`
	Bidirectional           bool    `json:"bidirectional" yaml:"bidirectional"`
	MaxConnectionsPerNeuron int     `json:"max_connections_per_neuron" yaml:"max_connections_per_neuron"`
	SynapseType             string  `json:"synapse_type" yaml:"synapse_type"`
	PlasticityRule          string  `json:"plasticity_rule" yaml:"plasticity_rule"`
	PlasticityRate          float64 `json:"plasticity_rate" yaml:"plasticity_rate"`
	Delay                   float64 `json:"delay" yaml:"delay"`
}

type StorageConfig struct {
	// Kind is one of storage.Kinds(); Path names the sqlite database.
	Kind string `json:"kind" yaml:"kind"`
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

type LoggingConfig struct {
	// Level is "info" (default), "debug", or "trace".
	Level string `json:"level" yaml:"level"`
}

func Default() *Config {
	def := nn.DefaultNeuronConfig()
	return &Config{
		Simulation: SimulationConfig{
			DeltaTime:      1.0,
			Ticks:          100,
			Seed:           1,
			EligibilityTau: nn.DefaultEligibilityTau,
		},
		Neuron: NeuronConfig{
			Threshold:        def.Threshold,
			DecayRate:        def.DecayRate,
			RefractoryPeriod: def.RefractoryPeriod,
		},
		Guardrails: nn.DefaultGuardrails(),
		Storage:    StorageConfig{Kind: storage.KindMemory},
		Logging:    LoggingConfig{Level: "info"},
	}
}

// Load reads path over the defaults when path is non-empty, then applies
// HYPERGRAPH_* environment overrides.
func Load(path string) (*Config, error) {
	config := Default()
	if path != "" {
		fileConfig, err := LoadFromFile(path)
		if err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
		config = fileConfig
	}
	applyEnvOverrides(config)
	return config, nil
}

// LoadFromFile loads configuration from a specific YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return config, nil
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

func (c *Config) Validate() error {
	if c.Simulation.Workers < 0 {
		return fmt.Errorf("workers must be non-negative, got %d", c.Simulation.Workers)
	}
	if c.Simulation.DeltaTime <= 0 {
		return fmt.Errorf("delta_time must be positive, got %f", c.Simulation.DeltaTime)
	}
	if c.Simulation.Ticks < 0 {
		return fmt.Errorf("ticks must be non-negative, got %d", c.Simulation.Ticks)
	}
	if c.Neuron.DecayRate < 0 || c.Neuron.RefractoryPeriod < 0 {
		return fmt.Errorf("neuron decay_rate and refractory_period must be non-negative")
	}

	names := make(map[string]bool, len(c.Regions))
	for _, r := range c.Regions {
		if r.Name == "" {
			return fmt.Errorf("region name is required")
		}
		if names[r.Name] {
			return fmt.Errorf("duplicate region: %s", r.Name)
		}
		names[r.Name] = true
		if _, err := region.ParseType(r.Type); err != nil {
			return fmt.Errorf("region %s: %w", r.Name, err)
		}
		if _, err := region.ParsePattern(r.Pattern); err != nil {
			return fmt.Errorf("region %s: %w", r.Name, err)
		}
		if r.Neurons < 0 {
			return fmt.Errorf("region %s: neurons must be non-negative, got %d", r.Name, r.Neurons)
		}
	}
	for i, conn := range c.Connections {
		if !names[conn.From] || !names[conn.To] {
			return fmt.Errorf("connection %d: unknown region %s -> %s", i, conn.From, conn.To)
		}
		if _, err := conn.Params(); err != nil {
			return fmt.Errorf("connection %s -> %s: %w", conn.From, conn.To, err)
		}
	}

	if err := storage.ValidateKind(c.Storage.Kind, c.Storage.Path); err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	validLevels := map[string]bool{"info": true, "debug": true, "trace": true}
	if c.Logging.Level != "" && !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: info, debug, trace, or empty for default)", c.Logging.Level)
	}
	return nil
}

// NeuronDefaults converts the neuron section into a neuron template.
func (c *Config) NeuronDefaults() nn.NeuronConfig {
	cfg := nn.DefaultNeuronConfig()
	cfg.Threshold = c.Neuron.Threshold
	cfg.DecayRate = c.Neuron.DecayRate
	cfg.RefractoryPeriod = c.Neuron.RefractoryPeriod
	return cfg
}

// Params converts a connection entry into connectivity parameters. Unset
// fields fall back to connectivity.DefaultParams.
func (c ConnectionConfig) Params() (connectivity.Params, error) {
	p := connectivity.DefaultParams()
	var err error
	if p.Type, err = connectivity.ParseConnectionType(c.Type); err != nil {
		return p, err
	}
	if p.Distribution, err = connectivity.ParseDistribution(c.Distribution); err != nil {
		return p, err
	}
	if c.SynapseType != "" {
		if p.SynapseType, err = nn.ParseSynapseType(c.SynapseType); err != nil {
			return p, err
		}
	}
	if c.PlasticityRule != "" {
		if p.PlasticityRule, err = nn.ParsePlasticityRule(c.PlasticityRule); err != nil {
			return p, err
		}
	}
	if c.Probability != 0 {
		p.ConnectionProbability = c.Probability
	}
	if c.WeightMean != 0 {
		p.WeightMean = c.WeightMean
	}
	if c.WeightStd != 0 {
		p.WeightStd = c.WeightStd
	}
	if c.PlasticityRate != 0 {
		p.PlasticityRate = c.PlasticityRate
	}
	p.DistanceDecay = c.DistanceDecay
	p.Bidirectional = c.Bidirectional
	p.MaxConnectionsPerNeuron = c.MaxConnectionsPerNeuron
	p.Delay = c.Delay
	return p, p.Validate()
}

func applyEnvOverrides(config *Config) {
	if v := os.Getenv("HYPERGRAPH_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Simulation.Workers = n
		}
	}
	if v := os.Getenv("HYPERGRAPH_TICKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Simulation.Ticks = n
		}
	}
	if v := os.Getenv("HYPERGRAPH_DELTA_TIME"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Simulation.DeltaTime = f
		}
	}
	if v := os.Getenv("HYPERGRAPH_SEED"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			config.Simulation.Seed = n
		}
	}
	if v := os.Getenv("HYPERGRAPH_LEARNING"); v != "" {
		config.Simulation.Learning = v == "true" || v == "1"
	}
	if v := os.Getenv("HYPERGRAPH_STORE"); v != "" {
		config.Storage.Kind = v
	}
	if v := os.Getenv("HYPERGRAPH_STORE_PATH"); v != "" {
		config.Storage.Path = v
	}
	if v := os.Getenv("HYPERGRAPH_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
}
