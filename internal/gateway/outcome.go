package gateway

import (
	"math/rand"
	"sync"
	"time"
)

// OutcomeSource yields values in [0, 1) that decide simulated charge outcomes.
type OutcomeSource interface {
	Float64() float64
}

// RandSource is a goroutine-safe pseudo-random OutcomeSource.
type RandSource struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRandSource seeds a RandSource. A zero seed uses the current time.
func NewRandSource(seed int64) *RandSource {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &RandSource{rnd: rand.New(rand.NewSource(seed))}
}

func (s *RandSource) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rnd.Float64()
}

// FixedSource always yields the same value.
type FixedSource float64

func (f FixedSource) Float64() float64 { return float64(f) }

// SequenceSource yields its values in order and repeats the last one once
// exhausted.
type SequenceSource struct {
	mu     sync.Mutex
	values []float64
	next   int
}

func NewSequenceSource(values ...float64) *SequenceSource {
	return &SequenceSource{values: values}
}

func (s *SequenceSource) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.values) == 0 {
		return 0
	}
	v := s.values[s.next]
	if s.next < len(s.values)-1 {
		s.next++
	}
	return v
}
