package pipeline

import (
	"sync"
	"sync/atomic"

	"github.com/cyclopcam/logs"

	"github.com/deignacio/sprinting-boxes/pkg/gen"
)

// Pool is a resizable set of identical workers draining one queue.
// Resize can grow or shrink the pool while the run is live; shrinking is
// cooperative, so a retiring worker always finishes the item it holds.
type Pool struct {
	log    logs.Log
	name   string
	max    int
	target atomic.Int32
	live   atomic.Int32
	wg     sync.WaitGroup
	spawn  sync.Mutex

	// runItem processes one item from the stage's input queue.
	// It returns false when the queue is closed and drained.
	runItem func() bool
}

// NewPool creates an empty pool. Call Resize to start workers.
func NewPool(log logs.Log, name string, max int, runItem func() bool) *Pool {
	if max < 1 {
		max = 1
	}
	return &Pool{
		log:     log,
		name:    name,
		max:     max,
		runItem: runItem,
	}
}

// Resize sets the worker count, clamped to [1, max], and returns the
// effective target. Excess workers retire after their current item.
func (p *Pool) Resize(n int) int {
	n = gen.Clamp(n, 1, p.max)
	p.spawn.Lock()
	defer p.spawn.Unlock()
	p.target.Store(int32(n))
	for int(p.live.Load()) < n {
		p.live.Add(1)
		p.wg.Add(1)
		go p.worker()
	}
	p.log.Infof("Pool %v resized to %v workers", p.name, n)
	return n
}

// Adjust changes the worker count by delta, clamped to [1, max], and
// returns the effective target.
func (p *Pool) Adjust(delta int) int {
	return p.Resize(int(p.target.Load()) + delta)
}

// Size returns the number of live workers.
func (p *Pool) Size() int {
	return int(p.live.Load())
}

// Max returns the worker count ceiling.
func (p *Pool) Max() int {
	return p.max
}

// Wait blocks until every worker has exited (queue drained or pool shrunk
// to zero via queue closure).
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		// Retire if the pool shrank below our live count
		for {
			l := p.live.Load()
			if l <= p.target.Load() {
				break
			}
			if p.live.CompareAndSwap(l, l-1) {
				return
			}
		}
		if !p.runItem() {
			p.live.Add(-1)
			return
		}
	}
}
