package pipeline

import (
	"fmt"
	"time"

	"github.com/deignacio/sprinting-boxes/server/rundb"
)

// finalizeLoop is the single writer. It validates that rows arrive in
// strictly increasing, gapless order (any violation is a pipeline bug and
// fails the run), batches them, and persists batches transactionally so a
// crash or stop never leaves a gap in the feature table.
func (r *Run) finalizeLoop() {
	defer close(r.finalizerDone)

	expected := r.startIndex
	batch := []rundb.FeatureRow{}
	cliffs := []rundb.Cliff{}
	cliffMarks := map[int64]bool{}

	flush := func() error {
		if len(batch) == 0 && len(cliffs) == 0 {
			return nil
		}
		for i := range batch {
			if cliffMarks[batch[i].FrameIndex] {
				batch[i].IsCliff = true
				delete(cliffMarks, batch[i].FrameIndex)
			}
		}
		if err := r.db.WriteFeatureRows(batch); err != nil {
			return err
		}
		// A cliff confirmed in this batch can point at a row flushed in an
		// earlier one
		if len(cliffMarks) > 0 {
			stale := make([]int64, 0, len(cliffMarks))
			for idx := range cliffMarks {
				stale = append(stale, idx)
			}
			if err := r.db.MarkCliffRows(stale); err != nil {
				return err
			}
			clear(cliffMarks)
		}
		if err := r.db.AddCliffs(cliffs); err != nil {
			return err
		}
		if len(batch) > 0 {
			r.lastFinalized.Store(batch[len(batch)-1].FrameIndex)
		}
		batch = batch[:0]
		cliffs = cliffs[:0]
		return nil
	}

	for {
		row, ok := r.finalQueue.Pop()
		if !ok {
			break
		}
		start := time.Now()
		if row.Feature.FrameIndex != expected {
			r.fail(StageFinalize, fmt.Errorf("out of order row: got sample %v, expected %v", row.Feature.FrameIndex, expected))
			return
		}
		expected++

		batch = append(batch, row.Feature)
		for _, c := range row.Cliffs {
			cliffs = append(cliffs, c)
			cliffMarks[c.FrameIndex] = true
			r.cliffCount.Add(1)
		}
		if len(batch) >= r.params.FlushBatchSize {
			if err := flush(); err != nil {
				r.fail(StageFinalize, err)
				return
			}
		}
		r.stats[StageFinalize].recordItem(time.Since(start))
	}

	if err := flush(); err != nil {
		r.fail(StageFinalize, err)
	}
}
