package service

import (
	"math/rand"
	"sync"
	"time"
)

// JitterFraction is the maximum perturbation of a send offset, relative to the
// slot interval.
const JitterFraction = 0.05

// OffsetPlanner assigns each of n sends an offset from the window start.
type OffsetPlanner interface {
	Plan(n int, window time.Duration) []time.Duration
}

// DelayPlanner spreads N sends evenly across a window with a small uniform
// jitter so a campaign never bursts at the provider.
type DelayPlanner struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func NewDelayPlanner(src rand.Source) *DelayPlanner {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &DelayPlanner{rnd: rand.New(src)}
}

// Plan returns n offsets inside [0, window]. Offset i is centred on
// interval*i where interval = window/n.
func (p *DelayPlanner) Plan(n int, window time.Duration) []time.Duration {
	if n <= 0 {
		return nil
	}
	if window < 0 {
		window = 0
	}
	interval := float64(window) / float64(n)

	p.mu.Lock()
	defer p.mu.Unlock()

	offsets := make([]time.Duration, n)
	for i := range offsets {
		jitter := (p.rnd.Float64()*2 - 1) * JitterFraction * interval
		off := time.Duration(interval*float64(i) + jitter)
		if off < 0 {
			off = 0
		}
		if off > window {
			off = window
		}
		offsets[i] = off
	}
	return offsets
}

var _ OffsetPlanner = (*DelayPlanner)(nil)
