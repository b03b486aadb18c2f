package tracker

import (
	"math"
	"math/rand/v2"
	"sync/atomic"
)

// Sampler decides whether a single event is kept.
type Sampler interface {
	Keep() bool
}

// RandomSampler keeps an event unless a uniform draw in [0,1) exceeds rate.
type RandomSampler struct {
	rate float64
	draw func() float64
}

func NewRandomSampler(rate float64) *RandomSampler {
	return &RandomSampler{rate: clampRate(rate), draw: rand.Float64}
}

func (s *RandomSampler) Keep() bool {
	switch {
	case s.rate <= 0:
		return false
	case s.rate >= 1:
		return true
	}
	return !(s.draw() > s.rate)
}

// EveryNSampler keeps every Nth event, N = round(1/rate). Useful where runs
// must be reproducible.
type EveryNSampler struct {
	rate        float64
	sampleEvery uint64
	counter     atomic.Uint64
}

func NewEveryNSampler(rate float64) *EveryNSampler {
	rate = clampRate(rate)
	var every uint64
	switch {
	case rate == 0:
		every = 0
	case rate == 1:
		every = 1
	default:
		every = uint64(math.Round(1.0 / rate))
		if every == 0 {
			every = 1
		}
	}
	return &EveryNSampler{rate: rate, sampleEvery: every}
}

func (s *EveryNSampler) Keep() bool {
	if s.sampleEvery == 0 {
		return false
	}
	if s.sampleEvery == 1 {
		return true
	}
	return s.counter.Add(1)%s.sampleEvery == 0
}

func clampRate(rate float64) float64 {
	if math.IsNaN(rate) || rate < 0 {
		return 0
	}
	if rate > 1 {
		return 1
	}
	return rate
}

func (s *RandomSampler) Rate() float64 { return s.rate }

func (s *EveryNSampler) Rate() float64 { return s.rate }
