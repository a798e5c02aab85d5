package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bmharper/cimg/v2"

	"github.com/deignacio/sprinting-boxes/pkg/gen"
	"github.com/deignacio/sprinting-boxes/server/calib"
)

// cropOne is the crop pool's work function: cut every detection zone out of
// one frame. Returns false when the input queue is drained.
func (r *Run) cropOne() bool {
	frame, ok := r.cropQueue.Pop()
	if !ok {
		return false
	}
	start := time.Now()

	w := frame.Image.Width
	h := frame.Image.Height
	set := CropSet{
		Index:       frame.Index,
		FrameWidth:  w,
		FrameHeight: h,
	}
	for i := range r.cropCfg.Zones {
		zone := &r.cropCfg.Zones[i]
		if zone.Name == calib.ZoneOverview {
			// The overview exists for the operator UI, not for detection
			continue
		}
		crop, x1, y1 := cropZone(frame.Image, zone)
		set.Crops = append(set.Crops, ZoneCrop{
			Zone:  zone,
			Image: crop,
			X:     x1,
			Y:     y1,
		})
	}

	if r.params.SaveCropDir != "" && r.params.SaveCropEvery > 0 && frame.Index%r.params.SaveCropEvery == 0 {
		r.saveCrops(frame.Index, set.Crops)
	}

	if r.detectQueue.Push(set, r.abortC) != nil {
		return false
	}
	r.stats[StageCrop].recordItem(time.Since(start))
	return true
}

// cropZone converts the zone's normalized bbox to pixels and copies it out
// of the frame. Always returns at least a 1x1 image.
func cropZone(img *cimg.Image, zone *calib.ZoneSpec) (*cimg.Image, int, int) {
	w := img.Width
	h := img.Height
	x1 := gen.Clamp(int(zone.BBox.X*float32(w)), 0, w-1)
	y1 := gen.Clamp(int(zone.BBox.Y*float32(h)), 0, h-1)
	x2 := gen.Clamp(int((zone.BBox.X+zone.BBox.W)*float32(w)+0.5), x1+1, w)
	y2 := gen.Clamp(int((zone.BBox.Y+zone.BBox.H)*float32(h)+0.5), y1+1, h)
	crop := cimg.NewImage(x2-x1, y2-y1, cimg.PixelFormatRGB)
	crop.CopyImageRect(img, x1, y1, x2, y2, 0, 0)
	return crop, x1, y1
}

// saveCrops writes zone crops as JPEGs for calibration debugging.
// Failures are logged and ignored; debug output must never kill a run.
func (r *Run) saveCrops(index int64, crops []ZoneCrop) {
	if err := os.MkdirAll(r.params.SaveCropDir, 0770); err != nil {
		r.log.Warnf("Failed to create crop dump directory: %v", err)
		return
	}
	for _, crop := range crops {
		b, err := cimg.Compress(crop.Image, cimg.MakeCompressParams(cimg.Sampling444, 90, 0))
		if err != nil {
			r.log.Warnf("Failed to compress crop %v of sample %v: %v", crop.Zone.Name, index, err)
			continue
		}
		fn := filepath.Join(r.params.SaveCropDir, fmt.Sprintf("sample_%06d_%v.jpg", index, crop.Zone.Name))
		if err := os.WriteFile(fn, b, 0644); err != nil {
			r.log.Warnf("Failed to write crop %v: %v", fn, err)
		}
	}
}
