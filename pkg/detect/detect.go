// Package detect is the object detection interface layer.
// The detection model itself is an external dependency; everything here is
// the plumbing around it: image windows, tiling, and merging of overlapping
// detections.
package detect

import (
	"encoding/json"
	"os"
	"unsafe"

	"github.com/deignacio/sprinting-boxes/pkg/geom"
)

const DefaultProbabilityThreshold = 0.5
const DefaultNmsIouThreshold = 0.45

// A single detected object
type ObjectDetection struct {
	Class      int        `json:"class"`
	Confidence float32    `json:"confidence"`
	Box        geom.Rect  `json:"box"`
	Bottom     geom.Point `json:"bottom"` // Bottom-center of Box, the point we test against zone polygons
}

// Detection parameters passed to the model on every invocation
type DetectionParams struct {
	ProbabilityThreshold float32 // Value between 0 and 1. Lower values will find more objects. Zero value will use the default.
	NmsIouThreshold      float32 // Value between 0 and 1. Lower values will merge more objects together into one. Zero value will use the default.
	Unclipped            bool    // If true, don't clip boxes to the model input boundaries
}

func NewDetectionParams() *DetectionParams {
	return &DetectionParams{
		ProbabilityThreshold: DefaultProbabilityThreshold,
		NmsIouThreshold:      DefaultNmsIouThreshold,
		Unclipped:            false,
	}
}

// ImageCrop is a window into an RGB image.
// To create an ImageCrop, start with WholeImage(), and then use Crop() to get a sub-crop.
type ImageCrop struct {
	NChan       int    // Number of channels (eg 3 for RGB)
	Pixels      []byte // The whole image
	ImageWidth  int    // The width of the original image, held in Pixels
	ImageHeight int    // The height of the original image, held in Pixels
	CropX       int    // Origin of crop X
	CropY       int    // Origin of crop Y
	CropWidth   int    // The width of this crop
	CropHeight  int    // The height of this crop
}

// Return a pointer to the start of the crop
func (c ImageCrop) Pointer() unsafe.Pointer {
	ptr := unsafe.Pointer(&c.Pixels[0])
	ptr = unsafe.Add(ptr, (c.CropY*c.ImageWidth+c.CropX)*c.NChan)
	return ptr
}

func (c ImageCrop) Stride() int {
	return c.ImageWidth * c.NChan
}

// Return a crop of the crop (new crop is relative to existing).
// If any parameter is out of bounds, we panic
func (c ImageCrop) Crop(x1, y1, x2, y2 int) ImageCrop {
	nc := ImageCrop{
		NChan:       c.NChan,
		Pixels:      c.Pixels,
		ImageWidth:  c.ImageWidth,
		ImageHeight: c.ImageHeight,
		CropX:       c.CropX + x1,
		CropY:       c.CropY + y1,
		CropWidth:   x2 - x1,
		CropHeight:  y2 - y1,
	}
	if nc.CropX < 0 || nc.CropY < 0 || nc.CropWidth < 0 || nc.CropHeight < 0 || nc.CropX+nc.CropWidth > c.ImageWidth || nc.CropY+nc.CropHeight > c.ImageHeight {
		panic("Crop out of bounds")
	}
	return nc
}

// Return a 'crop' of the entire image
func WholeImage(nchan int, pixels []byte, width, height int) ImageCrop {
	return ImageCrop{
		NChan:       nchan,
		Pixels:      pixels,
		ImageWidth:  width,
		ImageHeight: height,
		CropX:       0,
		CropY:       0,
		CropWidth:   width,
		CropHeight:  height,
	}
}

// At returns the pixel value of channel ch at crop-local coordinates (x, y).
func (c ImageCrop) At(x, y, ch int) byte {
	return c.Pixels[((c.CropY+y)*c.ImageWidth+c.CropX+x)*c.NChan+ch]
}

// ObjectDetector is given an image, and returns zero or more detected objects
type ObjectDetector interface {
	// Close the detector and release the model
	Close()

	// DetectObjects returns a list of objects detected in the image.
	// nchan is expected to be 3, and image is a 24-bit RGB image.
	DetectObjects(img ImageCrop, params *DetectionParams) ([]ObjectDetection, error)

	// Model Config.
	// Callers assume that ModelConfig will remain constant, so don't change it
	// once the detector has been created.
	Config() *ModelConfig
}

// ModelConfig is saved in a JSON file along with the weights of the model
type ModelConfig struct {
	Architecture string   `json:"architecture"` // eg "yolov8"
	Width        int      `json:"width"`        // eg 640
	Height       int      `json:"height"`       // eg 640
	Classes      []string `json:"classes"`      // eg ["person", "bicycle", "car", ...]
}

// PersonClass returns the index of the "person" class, or -1.
func (c *ModelConfig) PersonClass() int {
	for i, cls := range c.Classes {
		if cls == "person" {
			return i
		}
	}
	return -1
}

// Load model config from a JSON file
func LoadModelConfig(filename string) (*ModelConfig, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	config := &ModelConfig{}
	err = json.Unmarshal(b, config)
	if err != nil {
		return nil, err
	}
	return config, nil
}

// SetBottom recomputes the bottom-center anchor from Box.
func (o *ObjectDetection) SetBottom() {
	o.Bottom = geom.Point{
		X: float32(o.Box.X) + float32(o.Box.Width)/2,
		Y: float32(o.Box.Y + o.Box.Height),
	}
}
