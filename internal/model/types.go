package model

import "time"

// Graph is the persistent form of a brain: regions with their neurons, and
// every synapse with endpoints given by neuron ID.
type Graph struct {
	Regions  []Region  `json:"regions"`
	Synapses []Synapse `json:"synapses"`
}

type Region struct {
	ID      uint64   `json:"id"`
	Name    string   `json:"name"`
	Type    string   `json:"type"`
	Pattern string   `json:"pattern"`
	Neurons []Neuron `json:"neurons"`
}

type Neuron struct {
	ID               uint64  `json:"id"`
	Activation       float64 `json:"activation"`
	State            int32   `json:"state"`
	Threshold        float64 `json:"threshold"`
	DecayRate        float64 `json:"decay_rate"`
	RefractoryPeriod float64 `json:"refractory_period"`
	RefractoryTimer  float64 `json:"refractory_timer"`
	Energy           float64 `json:"energy"`
	Health           float64 `json:"health"`
	FireCount        uint64  `json:"fire_count"`
}

type Synapse struct {
	ID           uint64  `json:"id"`
	Source       uint64  `json:"source"`
	Target       uint64  `json:"target"`
	Weight       float64 `json:"weight"`
	Type         int32   `json:"type"`
	Rule         int32   `json:"rule"`
	LearningRate float64 `json:"learning_rate"`
	Delay        float64 `json:"delay"`
	MinWeight    float64 `json:"min_weight"`
	MaxWeight    float64 `json:"max_weight"`
	Eligibility  float64 `json:"eligibility"`
}

func (g Graph) NeuronCount() int {
	total := 0
	for _, r := range g.Regions {
		total += len(r.Neurons)
	}
	return total
}

// CheckpointMeta is the container header around a graph.
type CheckpointMeta struct {
	FormatVersion uint32    `json:"format_version"`
	CreatedAt     time.Time `json:"created_at"`
	CreatedBy     string    `json:"created_by"`
	Description   string    `json:"description"`
}

type Checkpoint struct {
	Meta  CheckpointMeta `json:"meta"`
	Graph Graph          `json:"graph"`
}

// CheckpointInfo describes a stored checkpoint without its payload.
type CheckpointInfo struct {
	Name      string         `json:"name"`
	Meta      CheckpointMeta `json:"meta"`
	Regions   int            `json:"regions"`
	Neurons   int            `json:"neurons"`
	Synapses  int            `json:"synapses"`
	SizeBytes int            `json:"size_bytes"`
}

// CheckpointRecord is a named, encoded checkpoint container.
type CheckpointRecord struct {
	CheckpointInfo
	Payload []byte `json:"-"`
}
