package nn

import (
	"sync/atomic"
	"time"
)

// Spike describes one neuron firing.
type Spike struct {
	Neuron     NeuronID
	At         time.Duration
	Activation float64
	FireCount  uint64
}

// SpikeObserver is notified synchronously each time a neuron fires, after
// the neuron has entered the Active state. Calls arrive from many goroutines
// with no ordering between neurons.
type SpikeObserver interface {
	OnSpike(Spike)
}

// SpikeObserverFunc adapts a function to SpikeObserver.
type SpikeObserverFunc func(Spike)

func (f SpikeObserverFunc) OnSpike(s Spike) {
	f(s)
}

// ChannelObserver publishes spikes to a bounded channel. When the channel is
// full the spike is dropped and counted rather than blocking the neuron.
type ChannelObserver struct {
	ch      chan Spike
	dropped atomic.Uint64
}

func NewChannelObserver(capacity int) *ChannelObserver {
	if capacity < 1 {
		capacity = 1
	}
	return &ChannelObserver{ch: make(chan Spike, capacity)}
}

func (o *ChannelObserver) OnSpike(s Spike) {
	select {
	case o.ch <- s:
	default:
		o.dropped.Add(1)
	}
}

func (o *ChannelObserver) Spikes() <-chan Spike {
	return o.ch
}

func (o *ChannelObserver) Dropped() uint64 {
	return o.dropped.Load()
}

// CountingObserver only counts spikes.
type CountingObserver struct {
	count atomic.Uint64
}

func (o *CountingObserver) OnSpike(Spike) {
	o.count.Add(1)
}

func (o *CountingObserver) Count() uint64 {
	return o.count.Load()
}
