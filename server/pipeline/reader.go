package pipeline

import (
	"io"
	"time"
)

// readerLoop is the single producer. It walks the source at the configured
// stride and emits sampled frames in strictly increasing order. Closing the
// crop queue when it exits is what ultimately drains the whole pipeline.
func (r *Run) readerLoop() {
	defer close(r.readerDone)
	defer r.cropQueue.Close()

	stride := int64(r.params.Stride)
	for idx := r.startIndex; idx < r.totalSamples; idx++ {
		if r.mustStop.Load() {
			return
		}
		start := time.Now()
		if err := r.src.Seek(int(idx * stride)); err != nil {
			r.fail(StageReader, err)
			return
		}
		img, err := r.src.NextFrame()
		if err == io.EOF {
			break
		} else if err != nil {
			r.fail(StageReader, err)
			return
		}
		if r.cropQueue.Push(Frame{Index: idx, Image: img}, r.abortC) != nil {
			return
		}
		r.stats[StageReader].recordItem(time.Since(start))
	}
	r.sawEOF.Store(true)
}
