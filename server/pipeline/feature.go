package pipeline

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/deignacio/sprinting-boxes/pkg/gen"
	"github.com/deignacio/sprinting-boxes/pkg/geom"
	"github.com/deignacio/sprinting-boxes/server/calib"
	"github.com/deignacio/sprinting-boxes/server/rundb"
)

// featureStage owns all frame-to-frame state: the reassembly buffer that
// restores frame order after the parallel stages, the previous frame's
// spatial stats for deltas, and the cliff detector.
type featureStage struct {
	r       *Run
	next    int64
	pending map[int64]Detections
	cliff   *CliffDetector

	leftPoly  []geom.Point
	rightPoly []geom.Point
	fieldPoly []geom.Point

	prevValid bool
	prevComX  float32
	prevComY  float32
	prevStd   float32
}

// featureLoop is the single consumer of detection results. The detect pool
// finishes frames out of order; we buffer by index and process strictly in
// order, because the score smoothing, deltas and cliff detection all assume
// consecutive frames.
func (r *Run) featureLoop() {
	defer close(r.featureDone)
	defer r.finalQueue.Close()

	lastCliff := int64(-r.params.Cliff.MinGap)
	if cliffs, err := r.db.Cliffs(); err != nil {
		r.fail(StageFeature, err)
		return
	} else if len(cliffs) > 0 {
		lastCliff = cliffs[len(cliffs)-1].FrameIndex
	}

	f := &featureStage{
		r:         r,
		next:      r.startIndex,
		pending:   map[int64]Detections{},
		cliff:     NewCliffDetector(r.params.Cliff, r.params.Feature, lastCliff),
		leftPoly:  r.cropCfg.Zone(calib.ZoneLeftEndZone).EffectivePolygon,
		rightPoly: r.cropCfg.Zone(calib.ZoneRightEndZone).EffectivePolygon,
		fieldPoly: r.cropCfg.Zone(calib.ZoneField).OriginalPolygon,
	}

	for {
		det, ok := r.featureQueue.Pop()
		if !ok {
			return
		}
		start := time.Now()
		f.pending[det.Index] = det
		if len(f.pending) > r.params.MaxInFlight {
			r.fail(StageFeature, fmt.Errorf("reassembly buffer overflow (%v frames in flight, sample %v missing)", len(f.pending), f.next))
			return
		}
		for {
			d, ok := f.pending[f.next]
			if !ok {
				break
			}
			delete(f.pending, f.next)
			f.next++
			if r.finalQueue.Push(f.process(d), r.abortC) != nil {
				return
			}
		}
		r.stats[StageFeature].recordItem(time.Since(start))
	}
}

// process computes one feature row from one frame's detections, in frame
// order.
func (f *featureStage) process(d Detections) Row {
	var leftN, rightN, fieldN int
	xs := make([]float64, 0, len(d.Objects))
	ys := make([]float64, 0, len(d.Objects))

	fw := float32(d.FrameWidth)
	fh := float32(d.FrameHeight)
	for _, obj := range d.Objects {
		// Zone membership is decided by the player's feet
		x := obj.Bottom.X / fw
		y := obj.Bottom.Y / fh
		switch {
		case geom.PointInPolygon(x, y, f.leftPoly):
			leftN++
		case geom.PointInPolygon(x, y, f.rightPoly):
			rightN++
		case geom.PointInPolygon(x, y, f.fieldPoly):
			fieldN++
		default:
			continue
		}
		xs = append(xs, float64(x))
		ys = append(ys, float64(y))
	}

	score := PrePointScore(leftN, rightN, fieldN, f.r.params.Feature.TeamSize)
	comX, comY, std := spatialStats(xs, ys)

	row := rundb.FeatureRow{
		FrameIndex:    d.Index,
		LeftCount:     float32(leftN),
		RightCount:    float32(rightN),
		FieldCount:    float32(fieldN),
		PrePointScore: score,
		ComX:          comX,
		ComY:          comY,
		DistStdDev:    std,
	}
	if f.prevValid {
		row.ComDeltaX = comX - f.prevComX
		row.ComDeltaY = comY - f.prevComY
		row.StdDevDelta = std - f.prevStd
	}
	f.prevValid = true
	f.prevComX = comX
	f.prevComY = comY
	f.prevStd = std

	out := Row{Feature: row}
	if cliff, ok := f.cliff.Push(d.Index, score, leftN, rightN); ok {
		out.Cliffs = append(out.Cliffs, cliff)
	}
	return out
}

// PrePointScore estimates how pre-point-like a frame looks, in [0,1].
// High when both end zones hold a balanced lineup and the central field is
// empty. Counts are normalized by team size so the tuning holds across
// formats (7v7, 5v5 beach).
func PrePointScore(left, right, field, teamSize int) float32 {
	ts := float32(teamSize)
	l := float32(left) / ts
	r := float32(right) / ts

	balance := min(l, r)
	if balance < 2/ts {
		// Fewer than two players in an end zone is noise, not a lineup
		balance = 0
	}
	symmetry := gen.Clamp(1.2-gen.Abs(l-r), 0, 1)
	fieldTerm := gen.Clamp(1.5-float32(field), 0, 1)
	return gen.Clamp(2*balance*symmetry*fieldTerm, 0, 1)
}

// spatialStats returns the center of mass of the players and the standard
// deviation of their distances to it, in normalized frame units.
func spatialStats(xs, ys []float64) (comX, comY, std float32) {
	if len(xs) == 0 {
		return 0, 0, 0
	}
	mx := stat.Mean(xs, nil)
	my := stat.Mean(ys, nil)
	if len(xs) >= 2 {
		dists := make([]float64, len(xs))
		for i := range xs {
			dx := xs[i] - mx
			dy := ys[i] - my
			dists[i] = dx*dx + dy*dy
		}
		for i := range dists {
			dists[i] = math.Sqrt(dists[i])
		}
		std = float32(stat.StdDev(dists, nil))
	}
	return float32(mx), float32(my), std
}
