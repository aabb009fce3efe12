package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cespare/xxhash/v2"
	"google.golang.org/protobuf/encoding/protowire"

	"hypergraph/internal/model"
)

const CurrentFormatVersion uint32 = 1

var (
	ErrEmptyBuffer     = errors.New("empty checkpoint buffer")
	ErrCorrupt         = errors.New("corrupt checkpoint data")
	ErrVersionMismatch = errors.New("checkpoint format version mismatch")
	ErrPayloadTooLarge = errors.New("checkpoint payload exceeds frame length field")
)

var (
	graphMagic      = [4]byte{'H', 'G', 'G', 'R'}
	checkpointMagic = [4]byte{'H', 'G', 'C', 'K'}
)

// magic | u32 length | payload | u64 checksum
const (
	headerSize   = 8
	checksumSize = 8
)

// Container fields.
const (
	fieldVersion     protowire.Number = 1
	fieldCreatedAt   protowire.Number = 2
	fieldCreatedBy   protowire.Number = 3
	fieldDescription protowire.Number = 4
	fieldGraph       protowire.Number = 5
)

// Graph fields.
const (
	fieldRegions  protowire.Number = 1
	fieldSynapses protowire.Number = 2
)

// Region fields.
const (
	fieldRegionID      protowire.Number = 1
	fieldRegionName    protowire.Number = 2
	fieldRegionType    protowire.Number = 3
	fieldRegionPattern protowire.Number = 4
	fieldRegionNeurons protowire.Number = 5
)

// Neuron fields.
const (
	fieldNeuronID         protowire.Number = 1
	fieldNeuronActivation protowire.Number = 2
	fieldNeuronState      protowire.Number = 3
	fieldNeuronThreshold  protowire.Number = 4
	fieldNeuronDecay      protowire.Number = 5
	fieldNeuronRefPeriod  protowire.Number = 6
	fieldNeuronRefTimer   protowire.Number = 7
	fieldNeuronEnergy     protowire.Number = 8
	fieldNeuronHealth     protowire.Number = 9
	fieldNeuronFireCount  protowire.Number = 10
)

// Synapse fields.
const (
	fieldSynapseID        protowire.Number = 1
	fieldSynapseSource    protowire.Number = 2
	fieldSynapseTarget    protowire.Number = 3
	fieldSynapseWeight    protowire.Number = 4
	fieldSynapseType      protowire.Number = 5
	fieldSynapseRule      protowire.Number = 6
	fieldSynapseRate      protowire.Number = 7
	fieldSynapseDelay     protowire.Number = 8
	fieldSynapseMin       protowire.Number = 9
	fieldSynapseMax       protowire.Number = 10
	fieldSynapseEligTrace protowire.Number = 11
)

// EncodeGraph frames a bare graph without container metadata.
func EncodeGraph(g model.Graph) ([]byte, error) {
	return frame(graphMagic, appendGraph(nil, g))
}

func DecodeGraph(data []byte) (model.Graph, error) {
	payload, err := unframe(graphMagic, data)
	if err != nil {
		return model.Graph{}, err
	}
	return parseGraph(payload)
}

// EncodeCheckpoint frames a graph inside a versioned container. A zero
// FormatVersion is written as CurrentFormatVersion.
func EncodeCheckpoint(c model.Checkpoint) ([]byte, error) {
	version := c.Meta.FormatVersion
	if version == 0 {
		version = CurrentFormatVersion
	}
	var b []byte
	b = appendVarint(b, fieldVersion, uint64(version))
	if !c.Meta.CreatedAt.IsZero() {
		b = appendVarint(b, fieldCreatedAt, uint64(c.Meta.CreatedAt.UnixMilli()))
	}
	b = appendString(b, fieldCreatedBy, c.Meta.CreatedBy)
	b = appendString(b, fieldDescription, c.Meta.Description)
	b = protowire.AppendTag(b, fieldGraph, protowire.BytesType)
	b = protowire.AppendBytes(b, appendGraph(nil, c.Graph))
	return frame(checkpointMagic, b)
}

// DecodeCheckpoint validates framing and the container header, then the
// format version, and only then parses the graph.
func DecodeCheckpoint(data []byte) (model.Checkpoint, error) {
	payload, err := unframe(checkpointMagic, data)
	if err != nil {
		return model.Checkpoint{}, err
	}

	var (
		meta     model.CheckpointMeta
		graphRaw []byte
	)
	err = consumeFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldVersion:
			v, n, err := consumeVarint(typ, b)
			if v > math.MaxUint32 {
				return 0, fmt.Errorf("format version %d out of range", v)
			}
			meta.FormatVersion = uint32(v)
			return n, err
		case fieldCreatedAt:
			v, n, err := consumeVarint(typ, b)
			meta.CreatedAt = time.UnixMilli(int64(v)).UTC()
			return n, err
		case fieldCreatedBy:
			v, n, err := consumeBytes(typ, b)
			meta.CreatedBy = string(v)
			return n, err
		case fieldDescription:
			v, n, err := consumeBytes(typ, b)
			meta.Description = string(v)
			return n, err
		case fieldGraph:
			v, n, err := consumeBytes(typ, b)
			graphRaw = v
			return n, err
		default:
			return skipField(num, typ, b)
		}
	})
	if err != nil {
		return model.Checkpoint{}, err
	}
	if meta.FormatVersion != CurrentFormatVersion {
		return model.Checkpoint{}, fmt.Errorf("%w: got %d want %d", ErrVersionMismatch, meta.FormatVersion, CurrentFormatVersion)
	}

	graph, err := parseGraph(graphRaw)
	if err != nil {
		return model.Checkpoint{}, err
	}
	return model.Checkpoint{Meta: meta, Graph: graph}, nil
}

func frame(magic [4]byte, payload []byte) ([]byte, error) {
	if err := checkPayloadSize(uint64(len(payload))); err != nil {
		return nil, err
	}
	out := make([]byte, 0, headerSize+len(payload)+checksumSize)
	out = append(out, magic[:]...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(payload)))
	out = append(out, payload...)
	return binary.LittleEndian.AppendUint64(out, xxhash.Sum64(out)), nil
}

// checkPayloadSize rejects payloads whose length does not fit the u32 header.
func checkPayloadSize(n uint64) error {
	if n > math.MaxUint32 {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, n)
	}
	return nil
}

func unframe(magic [4]byte, data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrEmptyBuffer
	}
	if len(data) < headerSize+checksumSize {
		return nil, fmt.Errorf("%w: truncated frame (%d bytes)", ErrCorrupt, len(data))
	}
	if [4]byte(data[:4]) != magic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrCorrupt, data[:4])
	}
	length := binary.LittleEndian.Uint32(data[4:8])
	if uint64(length) != uint64(len(data)-headerSize-checksumSize) {
		return nil, fmt.Errorf("%w: payload length %d does not match frame size %d", ErrCorrupt, length, len(data))
	}
	body := data[:len(data)-checksumSize]
	want := binary.LittleEndian.Uint64(data[len(data)-checksumSize:])
	if got := xxhash.Sum64(body); got != want {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	return body[headerSize:], nil
}

func appendGraph(b []byte, g model.Graph) []byte {
	for _, r := range g.Regions {
		b = protowire.AppendTag(b, fieldRegions, protowire.BytesType)
		b = protowire.AppendBytes(b, appendRegion(nil, r))
	}
	for _, s := range g.Synapses {
		b = protowire.AppendTag(b, fieldSynapses, protowire.BytesType)
		b = protowire.AppendBytes(b, appendSynapse(nil, s))
	}
	return b
}

func appendRegion(b []byte, r model.Region) []byte {
	b = appendVarint(b, fieldRegionID, r.ID)
	b = appendString(b, fieldRegionName, r.Name)
	b = appendString(b, fieldRegionType, r.Type)
	b = appendString(b, fieldRegionPattern, r.Pattern)
	for _, n := range r.Neurons {
		b = protowire.AppendTag(b, fieldRegionNeurons, protowire.BytesType)
		b = protowire.AppendBytes(b, appendNeuron(nil, n))
	}
	return b
}

func appendNeuron(b []byte, n model.Neuron) []byte {
	b = appendVarint(b, fieldNeuronID, n.ID)
	b = appendDouble(b, fieldNeuronActivation, n.Activation)
	b = appendVarint(b, fieldNeuronState, uint64(uint32(n.State)))
	b = appendDouble(b, fieldNeuronThreshold, n.Threshold)
	b = appendDouble(b, fieldNeuronDecay, n.DecayRate)
	b = appendDouble(b, fieldNeuronRefPeriod, n.RefractoryPeriod)
	b = appendDouble(b, fieldNeuronRefTimer, n.RefractoryTimer)
	b = appendDouble(b, fieldNeuronEnergy, n.Energy)
	b = appendDouble(b, fieldNeuronHealth, n.Health)
	b = appendVarint(b, fieldNeuronFireCount, n.FireCount)
	return b
}

func appendSynapse(b []byte, s model.Synapse) []byte {
	b = appendVarint(b, fieldSynapseID, s.ID)
	b = appendVarint(b, fieldSynapseSource, s.Source)
	b = appendVarint(b, fieldSynapseTarget, s.Target)
	b = appendDouble(b, fieldSynapseWeight, s.Weight)
	b = appendVarint(b, fieldSynapseType, uint64(uint32(s.Type)))
	b = appendVarint(b, fieldSynapseRule, uint64(uint32(s.Rule)))
	b = appendDouble(b, fieldSynapseRate, s.LearningRate)
	b = appendDouble(b, fieldSynapseDelay, s.Delay)
	b = appendDouble(b, fieldSynapseMin, s.MinWeight)
	b = appendDouble(b, fieldSynapseMax, s.MaxWeight)
	b = appendDouble(b, fieldSynapseEligTrace, s.Eligibility)
	return b
}

func parseGraph(payload []byte) (model.Graph, error) {
	var g model.Graph
	err := consumeFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldRegions:
			raw, n, err := consumeBytes(typ, b)
			if err != nil {
				return n, err
			}
			r, err := parseRegion(raw)
			if err != nil {
				return n, err
			}
			g.Regions = append(g.Regions, r)
			return n, nil
		case fieldSynapses:
			raw, n, err := consumeBytes(typ, b)
			if err != nil {
				return n, err
			}
			s, err := parseSynapse(raw)
			if err != nil {
				return n, err
			}
			g.Synapses = append(g.Synapses, s)
			return n, nil
		default:
			return skipField(num, typ, b)
		}
	})
	return g, err
}

func parseRegion(payload []byte) (model.Region, error) {
	var r model.Region
	err := consumeFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldRegionID:
			v, n, err := consumeVarint(typ, b)
			r.ID = v
			return n, err
		case fieldRegionName:
			v, n, err := consumeBytes(typ, b)
			r.Name = string(v)
			return n, err
		case fieldRegionType:
			v, n, err := consumeBytes(typ, b)
			r.Type = string(v)
			return n, err
		case fieldRegionPattern:
			v, n, err := consumeBytes(typ, b)
			r.Pattern = string(v)
			return n, err
		case fieldRegionNeurons:
			raw, n, err := consumeBytes(typ, b)
			if err != nil {
				return n, err
			}
			neuron, err := parseNeuron(raw)
			if err != nil {
				return n, err
			}
			r.Neurons = append(r.Neurons, neuron)
			return n, nil
		default:
			return skipField(num, typ, b)
		}
	})
	return r, err
}

func parseNeuron(payload []byte) (model.Neuron, error) {
	var out model.Neuron
	doubles := map[protowire.Number]*float64{
		fieldNeuronActivation: &out.Activation,
		fieldNeuronThreshold:  &out.Threshold,
		fieldNeuronDecay:      &out.DecayRate,
		fieldNeuronRefPeriod:  &out.RefractoryPeriod,
		fieldNeuronRefTimer:   &out.RefractoryTimer,
		fieldNeuronEnergy:     &out.Energy,
		fieldNeuronHealth:     &out.Health,
	}
	err := consumeFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if dst, ok := doubles[num]; ok {
			v, n, err := consumeDouble(typ, b)
			*dst = v
			return n, err
		}
		switch num {
		case fieldNeuronID:
			v, n, err := consumeVarint(typ, b)
			out.ID = v
			return n, err
		case fieldNeuronState:
			v, n, err := consumeEnum(typ, b)
			out.State = v
			return n, err
		case fieldNeuronFireCount:
			v, n, err := consumeVarint(typ, b)
			out.FireCount = v
			return n, err
		default:
			return skipField(num, typ, b)
		}
	})
	return out, err
}

func parseSynapse(payload []byte) (model.Synapse, error) {
	var out model.Synapse
	doubles := map[protowire.Number]*float64{
		fieldSynapseWeight:    &out.Weight,
		fieldSynapseRate:      &out.LearningRate,
		fieldSynapseDelay:     &out.Delay,
		fieldSynapseMin:       &out.MinWeight,
		fieldSynapseMax:       &out.MaxWeight,
		fieldSynapseEligTrace: &out.Eligibility,
	}
	varints := map[protowire.Number]*uint64{
		fieldSynapseID:     &out.ID,
		fieldSynapseSource: &out.Source,
		fieldSynapseTarget: &out.Target,
	}
	err := consumeFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if dst, ok := doubles[num]; ok {
			v, n, err := consumeDouble(typ, b)
			*dst = v
			return n, err
		}
		if dst, ok := varints[num]; ok {
			v, n, err := consumeVarint(typ, b)
			*dst = v
			return n, err
		}
		switch num {
		case fieldSynapseType:
			v, n, err := consumeEnum(typ, b)
			out.Type = v
			return n, err
		case fieldSynapseRule:
			v, n, err := consumeEnum(typ, b)
			out.Rule = v
			return n, err
		default:
			return skipField(num, typ, b)
		}
	})
	return out, err
}

type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

// consumeFields walks a message and hands each field value to fn, which
// returns the number of bytes it consumed. Any wire error is reported as
// ErrCorrupt.
func consumeFields(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrCorrupt, protowire.ParseError(n))
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			if errors.Is(err, ErrCorrupt) {
				return err
			}
			return fmt.Errorf("%w: field %d: %v", ErrCorrupt, num, err)
		}
		if m < 0 || m > len(b) {
			return fmt.Errorf("%w: field %d overruns message", ErrCorrupt, num)
		}
		b = b[m:]
	}
	return nil
}

func skipField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return n, nil
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("wire type %d, want varint", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

// consumeEnum reads a varint that must fit an int32 without truncation.
func consumeEnum(typ protowire.Type, b []byte) (int32, int, error) {
	v, n, err := consumeVarint(typ, b)
	if err != nil {
		return 0, 0, err
	}
	if v > math.MaxInt32 {
		return 0, 0, fmt.Errorf("enum value %d out of range", v)
	}
	return int32(v), n, nil
}

func consumeDouble(typ protowire.Type, b []byte) (float64, int, error) {
	if typ != protowire.Fixed64Type {
		return 0, 0, fmt.Errorf("wire type %d, want fixed64", typ)
	}
	v, n := protowire.ConsumeFixed64(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return math.Float64frombits(v), n, nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("wire type %d, want bytes", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

// Zero values are omitted and decode back to zero.

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	bits := math.Float64bits(v)
	if bits == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, bits)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}
