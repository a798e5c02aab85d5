package pipeline

import (
	"github.com/bmharper/cimg/v2"

	"github.com/deignacio/sprinting-boxes/pkg/detect"
	"github.com/deignacio/sprinting-boxes/server/calib"
	"github.com/deignacio/sprinting-boxes/server/rundb"
)

// Stage names, in pipeline order.
const (
	StageReader   = "reader"
	StageCrop     = "crop"
	StageDetect   = "detect"
	StageFeature  = "feature"
	StageFinalize = "finalize"
)

// Frame is the reader's output: one sampled frame.
// Index is the sample ordinal (0,1,2,...), not the source frame number.
// Source frame number is Index * Params.Stride.
type Frame struct {
	Index int64
	Image *cimg.Image
}

// ZoneCrop is one zone cut out of a frame.
// X,Y is the crop's top-left corner in frame pixels.
type ZoneCrop struct {
	Zone  *calib.ZoneSpec
	Image *cimg.Image
	X     int
	Y     int
}

// CropSet is the cropper's output: every zone of one frame.
type CropSet struct {
	Index       int64
	FrameWidth  int
	FrameHeight int
	Crops       []ZoneCrop
}

// Detections is the detector's output: merged person detections for one
// frame, with boxes in full-frame pixel coordinates.
type Detections struct {
	Index       int64
	FrameWidth  int
	FrameHeight int
	Objects     []detect.ObjectDetection
}

// Row is the feature stage's output: one finished feature row, plus any
// cliffs whose post-drop confirmation window closed at this frame.
type Row struct {
	Feature rundb.FeatureRow
	Cliffs  []rundb.Cliff
}

// FeatureParams controls the per-frame feature computation.
type FeatureParams struct {
	// TeamSize normalizes the zone counts (7 for standard ultimate).
	TeamSize int `json:"teamSize"`

	// EmptyRunFrames is how many consecutive zero-count frames a zone needs
	// before we call it emptied.
	EmptyRunFrames int `json:"emptyRunFrames"`
}

func DefaultFeatureParams() FeatureParams {
	return FeatureParams{
		TeamSize:       7,
		EmptyRunFrames: 2,
	}
}

// CliffParams tunes the point-transition detector, which looks for a steep
// sustained drop (a "cliff") in the smoothed pre-point score.
type CliffParams struct {
	// MinDrop is the minimum fall from the pre-drop peak to the current
	// smoothed score.
	MinDrop float32 `json:"minDrop"`

	// MinPrePointDuration is the minimum number of consecutive frames at or
	// above AbsoluteThreshold before the drop.
	MinPrePointDuration int `json:"minPrePointDuration"`

	// MinPostDuration is the number of frames the score must stay at or
	// below MaxPostProba after the drop before the cliff is confirmed.
	MinPostDuration int `json:"minPostDuration"`

	// MaxPostProba is the ceiling the smoothed score must stay under during
	// the post-drop window.
	MaxPostProba float32 `json:"maxPostProba"`

	// AbsoluteThreshold separates pre-point frames from play frames.
	AbsoluteThreshold float32 `json:"absoluteThreshold"`

	// MinGap is the minimum number of frames between two emitted cliffs.
	MinGap int64 `json:"minGap"`

	// SmoothingWindow is the moving average width applied to the raw score.
	SmoothingWindow int `json:"smoothingWindow"`
}

func DefaultCliffParams() CliffParams {
	return CliffParams{
		MinDrop:             0.15,
		MinPrePointDuration: 10,
		MinPostDuration:     10,
		MaxPostProba:        0.55,
		AbsoluteThreshold:   0.5,
		MinGap:              20,
		SmoothingWindow:     3,
	}
}

// Params configures a run of the pipeline.
type Params struct {
	// Stride samples every Nth source frame. 1 = every frame.
	Stride int `json:"stride"`

	// Initial and maximum worker counts for the resizable stages.
	CropWorkers      int `json:"cropWorkers"`
	MaxCropWorkers   int `json:"maxCropWorkers"`
	DetectWorkers    int `json:"detectWorkers"`
	MaxDetectWorkers int `json:"maxDetectWorkers"`

	// QueueDepth bounds each inter-stage queue.
	QueueDepth int `json:"queueDepth"`

	// MaxInFlight bounds the feature stage's reassembly buffer. With bounded
	// queues upstream the buffer cannot legitimately exceed the sum of queue
	// depths plus workers, so hitting this bound is a stage failure.
	MaxInFlight int `json:"maxInFlight"`

	// FlushBatchSize is how many feature rows the finalizer accumulates
	// before a transactional write.
	FlushBatchSize int `json:"flushBatchSize"`

	// NNThreads is the intra-frame parallelism of tiled inference.
	NNThreads int `json:"nnThreads"`

	// SaveCropDir, when set, writes zone crop JPEGs there for calibration
	// debugging. SaveCropEvery limits it to every Nth sampled frame.
	SaveCropDir   string `json:"saveCropDir,omitempty"`
	SaveCropEvery int64  `json:"saveCropEvery,omitempty"`

	Feature FeatureParams `json:"feature"`
	Cliff   CliffParams   `json:"cliff"`
}

func DefaultParams() Params {
	return Params{
		Stride:           15,
		CropWorkers:      2,
		MaxCropWorkers:   8,
		DetectWorkers:    2,
		MaxDetectWorkers: 8,
		QueueDepth:       32,
		MaxInFlight:      256,
		FlushBatchSize:   25,
		NNThreads:        1,
		SaveCropEvery:    100,
		Feature:          DefaultFeatureParams(),
		Cliff:            DefaultCliffParams(),
	}
}
