package pipeline

import (
	"github.com/deignacio/sprinting-boxes/server/rundb"
)

type cliffSample struct {
	index    int64
	smoothed float32
	left     int
	right    int
}

// CliffDetector finds point transitions in the pre-point score stream.
//
// Between points, both teams line up in their end zones and the score sits
// high. When the pull goes up everyone sprints onto the field and the score
// collapses. The detector looks for exactly that shape: a sustained
// high-score plateau, a steep drop, and a sustained low tail. The drop
// frame is the cliff.
//
// The detector is streaming: feed it one sample per frame with Push, and it
// returns a confirmed cliff once the post-drop window closes. Confirmation
// therefore lags the cliff frame by MinPostDuration samples.
type CliffDetector struct {
	params CliffParams
	feat   FeatureParams

	window  []float32 // raw scores, last SmoothingWindow
	history []cliffSample

	prepointRun int
	peak        float32
	candidate   int64 // cliff frame, or -1
	postRun     int
	lastCliff   int64
}

// NewCliffDetector creates a detector. lastCliff is the frame index of the
// most recent previously emitted cliff (for gap enforcement across a
// resume), or a large negative number.
func NewCliffDetector(params CliffParams, feat FeatureParams, lastCliff int64) *CliffDetector {
	return &CliffDetector{
		params:    params,
		feat:      feat,
		candidate: -1,
		lastCliff: lastCliff,
	}
}

// Push feeds one frame's score and end zone counts. Samples must arrive in
// strictly increasing index order. Returns a cliff when one is confirmed.
func (d *CliffDetector) Push(index int64, score float32, left, right int) (rundb.Cliff, bool) {
	d.window = append(d.window, score)
	if len(d.window) > d.params.SmoothingWindow {
		d.window = d.window[1:]
	}
	smoothed := float32(0)
	for _, s := range d.window {
		smoothed += s
	}
	smoothed /= float32(len(d.window))

	d.history = append(d.history, cliffSample{index: index, smoothed: smoothed, left: left, right: right})
	if maxH := d.params.MinPrePointDuration + d.params.MinPostDuration + d.params.SmoothingWindow + 16; len(d.history) > maxH {
		d.history = d.history[len(d.history)-maxH:]
	}

	if d.candidate >= 0 {
		if smoothed <= d.params.MaxPostProba {
			d.postRun++
			if d.postRun >= d.params.MinPostDuration {
				cliff := d.buildCliff(d.candidate)
				d.lastCliff = d.candidate
				d.candidate = -1
				d.prepointRun = 0
				d.peak = 0
				return cliff, true
			}
		} else {
			// Score recovered too soon, so this was a stoppage, not a point
			d.candidate = -1
		}
		return rundb.Cliff{}, false
	}

	if smoothed >= d.params.AbsoluteThreshold {
		d.prepointRun++
		if smoothed > d.peak {
			d.peak = smoothed
		}
		return rundb.Cliff{}, false
	}

	if d.prepointRun >= d.params.MinPrePointDuration &&
		d.peak-smoothed >= d.params.MinDrop &&
		index-d.lastCliff >= d.params.MinGap {
		d.candidate = index
		d.postRun = 0
		if smoothed <= d.params.MaxPostProba {
			d.postRun = 1
		}
	}
	d.prepointRun = 0
	d.peak = 0
	return rundb.Cliff{}, false
}

// buildCliff fills in the emptied-first observation for the cliff at frame
// 'at', from the count history of the post-drop window.
func (d *CliffDetector) buildCliff(at int64) rundb.Cliff {
	cliff := rundb.Cliff{
		FrameIndex: at,
		Status:     rundb.CliffUnconfirmed,
	}

	leftStart := d.emptiedStart(at, func(s cliffSample) int { return s.left })
	rightStart := d.emptiedStart(at, func(s cliffSample) int { return s.right })

	switch {
	case leftStart < 0 && rightStart < 0:
		// Neither end zone ever emptied, which real points always do
		cliff.MaybeFalsePositive = true
	case rightStart < 0 || (leftStart >= 0 && leftStart < rightStart):
		cliff.LeftEmptiedFirst = true
	case leftStart < 0 || rightStart < leftStart:
		cliff.RightEmptiedFirst = true
	default:
		// Both emptied on the same frame; the side that was already lighter
		// just before is the one that emptied first
		d.breakTie(at, &cliff)
	}
	return cliff
}

// emptiedStart returns the frame index at which 'count' begins a run of
// EmptyRunFrames consecutive zeros, scanning from the cliff frame onward.
// Returns -1 if no such run exists in the window.
func (d *CliffDetector) emptiedStart(at int64, count func(cliffSample) int) int64 {
	run := 0
	start := int64(-1)
	for _, s := range d.history {
		if s.index < at {
			continue
		}
		if count(s) == 0 {
			if run == 0 {
				start = s.index
			}
			run++
			if run >= d.feat.EmptyRunFrames {
				return start
			}
		} else {
			run = 0
		}
	}
	return -1
}

func (d *CliffDetector) breakTie(at int64, cliff *rundb.Cliff) {
	for i := len(d.history) - 1; i >= 0; i-- {
		s := d.history[i]
		if s.index >= at || s.left == s.right {
			continue
		}
		if s.left < s.right {
			cliff.LeftEmptiedFirst = true
		} else {
			cliff.RightEmptiedFirst = true
		}
		return
	}
	// No frame in the window disambiguates; leave it to the operator
	cliff.MaybeFalsePositive = true
}
