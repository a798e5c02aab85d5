package pipeline

import (
	"time"

	"github.com/deignacio/sprinting-boxes/pkg/detect"
)

// Minimum IoU at which two person boxes from adjacent zone crops are
// considered the same player. Zone crops overlap on purpose, so a player
// straddling a boundary is detected twice and must be merged.
const crossZoneMergeIoU = 0.45

// detectOne is the detect pool's work function: run tiled inference on each
// zone crop of one frame, translate boxes into frame coordinates, and merge
// duplicates across zones.
func (r *Run) detectOne() bool {
	set, ok := r.detectQueue.Pop()
	if !ok {
		return false
	}
	start := time.Now()

	all := []detect.ObjectDetection{}
	for _, crop := range set.Crops {
		img := detect.WholeImage(crop.Image.NChan(), crop.Image.Pixels, crop.Image.Width, crop.Image.Height)
		objects, err := detect.TiledInference(r.detector, img, r.detectParams, r.params.NNThreads)
		if err != nil {
			r.fail(StageDetect, err)
			return false
		}
		for _, obj := range objects {
			if obj.Class != r.personClass {
				continue
			}
			obj.Box.Offset(crop.X, crop.Y)
			obj.SetBottom()
			all = append(all, obj)
		}
	}

	merged := all
	if len(set.Crops) > 1 {
		keep := detect.MergeOverlapping(all, crossZoneMergeIoU)
		merged = make([]detect.ObjectDetection, 0, len(keep))
		for _, i := range keep {
			merged = append(merged, all[i])
		}
	}

	out := Detections{
		Index:       set.Index,
		FrameWidth:  set.FrameWidth,
		FrameHeight: set.FrameHeight,
		Objects:     merged,
	}
	if r.featureQueue.Push(out, r.abortC) != nil {
		return false
	}
	r.stats[StageDetect].recordItem(time.Since(start))
	return true
}
