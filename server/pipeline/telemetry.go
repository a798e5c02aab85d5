package pipeline

import (
	"sync/atomic"
	"time"

	"github.com/deignacio/sprinting-boxes/pkg/gen"
)

// SYNC-PROGRESS-CHANNEL-SIZE
const ProgressChannelSize = 100

// How often the publisher broadcasts a snapshot. Every interval gets a
// broadcast even when nothing changed, so subscribers can use the stream as
// a liveness signal.
const progressInterval = time.Second

// StageStatus is one stage's slice of a progress snapshot.
type StageStatus struct {
	Name         string  `json:"name"`
	Workers      int     `json:"workers"`
	QueueLen     int     `json:"queueLen"`
	QueueCap     int     `json:"queueCap"`
	Processed    int64   `json:"processed"`
	AvgMSPerItem float64 `json:"avgMSPerItem"`
}

// Progress is a point-in-time snapshot of a run, broadcast to subscribers.
type Progress struct {
	RunID       string        `json:"runID"`
	State       State         `json:"state"`
	FrameIndex  int64         `json:"frameIndex"` // last finalized sample
	TotalFrames int64         `json:"totalFrames"`
	FPS         float64       `json:"fps"` // finalized samples per second, wall clock
	CliffCount  int64         `json:"cliffCount"`
	Stages      []StageStatus `json:"stages"`
	Error       string        `json:"error,omitempty"`
}

// stageStats holds the live counters of one stage. All fields are atomics so
// workers update them without coordination.
type stageStats struct {
	name         string
	processed    atomic.Int64
	avgNSPerItem atomic.Int64
	queueLen     func() int
	queueCap     func() int
	workers      func() int
}

// recordItem folds one item's processing time into the moving average.
func (s *stageStats) recordItem(elapsed time.Duration) {
	s.processed.Add(1)
	updateMovingAverage(&s.avgNSPerItem, elapsed.Nanoseconds())
}

func (s *stageStats) status() StageStatus {
	st := StageStatus{
		Name:         s.name,
		Processed:    s.processed.Load(),
		AvgMSPerItem: float64(s.avgNSPerItem.Load()) / 1e6,
	}
	if s.queueLen != nil {
		st.QueueLen = s.queueLen()
		st.QueueCap = s.queueCap()
	}
	if s.workers != nil {
		st.Workers = s.workers()
	}
	return st
}

// Exponential moving average with alpha 1/20. We don't bother with
// CompareAndSwap loops; these are sampled stats and a lost sample is fine.
func updateMovingAverage(stat *atomic.Int64, sample int64) {
	old := stat.Load()
	if old == 0 {
		stat.Store(sample)
	} else {
		stat.Store(old + (sample-old)/20)
	}
}

// AddProgressWatcher registers a subscriber. The returned channel receives a
// snapshot at least once per second until the run finishes, then is no
// longer written to. Slow subscribers get frames dropped, never a stall.
func (r *Run) AddProgressWatcher() chan Progress {
	r.watchersLock.Lock()
	defer r.watchersLock.Unlock()
	ch := make(chan Progress, ProgressChannelSize)
	r.watchers = append(r.watchers, ch)
	return ch
}

// RemoveProgressWatcher unregisters a subscriber.
func (r *Run) RemoveProgressWatcher(ch chan Progress) {
	r.watchersLock.Lock()
	defer r.watchersLock.Unlock()
	for i, w := range r.watchers {
		if w == ch {
			r.watchers = gen.DeleteFromSliceUnordered(r.watchers, i)
			return
		}
	}
	r.log.Warnf("RemoveProgressWatcher failed to find channel")
}

func (r *Run) sendToWatchers(p Progress) {
	r.watchersLock.Lock()
	defer r.watchersLock.Unlock()
	for _, ch := range r.watchers {
		// SYNC-PROGRESS-CHANNEL-SIZE
		if len(ch) >= cap(ch)*9/10 {
			// A stalled subscriber must not stall the publisher, so we drop.
			r.log.Warnf("Progress watcher on run %v is falling behind. I am going to drop snapshots.", r.ID)
		} else {
			ch <- p
		}
	}
}

// Snapshot builds a progress report from the live counters.
func (r *Run) Snapshot() Progress {
	p := Progress{
		RunID:       r.ID,
		State:       r.State(),
		FrameIndex:  r.lastFinalized.Load(),
		TotalFrames: r.totalSamples,
		CliffCount:  r.cliffCount.Load(),
	}
	if err := r.Err(); err != nil {
		p.Error = err.Error()
	}
	// Throughput is set by the slowest stage (per worker)
	maxMS := 0.0
	for _, name := range []string{StageReader, StageCrop, StageDetect, StageFeature, StageFinalize} {
		st := r.stats[name].status()
		ms := st.AvgMSPerItem
		if st.Workers > 1 {
			ms /= float64(st.Workers)
		}
		if ms > maxMS {
			maxMS = ms
		}
		p.Stages = append(p.Stages, st)
	}
	if maxMS > 0 {
		p.FPS = 1000 / maxMS
	}
	return p
}

// publishLoop broadcasts snapshots until the run finishes, then sends one
// final snapshot so subscribers always see the terminal state.
func (r *Run) publishLoop() {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sendToWatchers(r.Snapshot())
		case <-r.finished:
			r.sendToWatchers(r.Snapshot())
			close(r.publisherStopped)
			return
		}
	}
}
