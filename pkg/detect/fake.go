package detect

import (
	"github.com/deignacio/sprinting-boxes/pkg/geom"
)

// MarkerDetector is a stand-in detector that finds red marker blobs and
// reports a small "person" box at each. It lets tests and dry runs drive
// the whole pipeline with synthetic frames, without loading a real model.
type MarkerDetector struct {
	ModelConfig ModelConfig
}

func NewMarkerDetector() *MarkerDetector {
	return &MarkerDetector{
		ModelConfig: ModelConfig{
			Architecture: "marker",
			Width:        640,
			Height:       640,
			Classes:      []string{"person"},
		},
	}
}

func (d *MarkerDetector) Close() {
}

func (d *MarkerDetector) DetectObjects(img ImageCrop, params *DetectionParams) ([]ObjectDetection, error) {
	// Thresholds are loose so markers survive JPEG compression
	isMarker := func(x, y int) bool {
		if x < 0 || y < 0 || x >= img.CropWidth || y >= img.CropHeight {
			return false
		}
		return img.At(x, y, 0) >= 180 && img.At(x, y, 1) <= 100 && img.At(x, y, 2) <= 100
	}
	objects := []ObjectDetection{}
	for y := 0; y < img.CropHeight; y++ {
		for x := 0; x < img.CropWidth; x++ {
			if !isMarker(x, y) {
				continue
			}
			// One detection per blob: only the pixel with no marker
			// neighbor above or to the left anchors a detection
			if isMarker(x-1, y) || isMarker(x, y-1) {
				continue
			}
			obj := ObjectDetection{
				Class:      0,
				Confidence: 0.9,
				// Small box whose bottom-center lands on the anchor pixel
				Box: geom.Rect{X: x - 2, Y: y - 4, Width: 4, Height: 4},
			}
			obj.SetBottom()
			objects = append(objects, obj)
		}
	}
	return objects, nil
}

func (d *MarkerDetector) Config() *ModelConfig {
	return &d.ModelConfig
}
