// Package pipeline turns a video of an ultimate match into a per-frame
// feature table and a set of candidate point transitions ("cliffs").
//
// Stages, in order: reader, crop, detect, feature, finalize. Reader,
// feature and finalize are single-threaded; crop and detect are resizable
// worker pools. Stages are connected by bounded queues, so a slow stage
// applies backpressure upstream instead of ballooning memory.
package pipeline

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cyclopcam/logs"

	"github.com/deignacio/sprinting-boxes/pkg/detect"
	"github.com/deignacio/sprinting-boxes/pkg/mjpeg"
	"github.com/deignacio/sprinting-boxes/server/calib"
	"github.com/deignacio/sprinting-boxes/server/rundb"
)

// State of a run.
type State string

const (
	StateIdle      State = "Idle"
	StateStarting  State = "Starting"
	StateRunning   State = "Running"
	StateCompleted State = "Completed"
	StateStopped   State = "Stopped"
	StateFailed    State = "Failed"
)

// IsTerminal is true once the run can never process another frame.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateStopped || s == StateFailed
}

// Run is one execution of the pipeline over one video.
// A Run takes ownership of the video source and the detector for its
// lifetime; the database is shared with the audit layer.
type Run struct {
	ID string

	log      logs.Log
	db       *rundb.RunDB
	src      mjpeg.VideoSource
	detector detect.ObjectDetector
	cropCfg  *calib.CropConfig
	params   Params

	stateLock sync.Mutex
	state     State
	failErr   error

	mustStop  atomic.Bool
	abortC    chan struct{}
	abortOnce sync.Once

	startIndex   int64
	totalSamples int64
	sampleRate   float64

	cropQueue    *Queue[Frame]
	detectQueue  *Queue[CropSet]
	featureQueue *Queue[Detections]
	finalQueue   *Queue[Row]

	cropPool   *Pool
	detectPool *Pool

	detectParams *detect.DetectionParams
	personClass  int

	stats         map[string]*stageStats
	lastFinalized atomic.Int64
	cliffCount    atomic.Int64

	watchersLock sync.Mutex
	watchers     []chan Progress

	sawEOF           atomic.Bool
	readerDone       chan struct{}
	featureDone      chan struct{}
	finalizerDone    chan struct{}
	finished         chan struct{}
	publisherStopped chan struct{}
}

// NewRun prepares a run. Preconditions checked here; nothing moves until
// Start. The run resumes from the last persisted frame, so restarting a
// half-processed run picks up where it left off.
func NewRun(logger logs.Log, id string, db *rundb.RunDB, src mjpeg.VideoSource, detector detect.ObjectDetector, cropCfg *calib.CropConfig, params Params) (*Run, error) {
	if params.Stride < 1 {
		params.Stride = 1
	}
	if params.QueueDepth < 1 {
		params.QueueDepth = 1
	}
	if params.FlushBatchSize < 1 {
		params.FlushBatchSize = 1
	}
	if params.MaxInFlight < params.QueueDepth {
		params.MaxInFlight = DefaultParams().MaxInFlight
	}
	if params.Feature.TeamSize < 1 {
		params.Feature = DefaultFeatureParams()
	}
	if params.Cliff.SmoothingWindow < 1 {
		params.Cliff = DefaultCliffParams()
	}
	if cropCfg.Zone(calib.ZoneLeftEndZone) == nil || cropCfg.Zone(calib.ZoneRightEndZone) == nil || cropCfg.Zone(calib.ZoneField) == nil {
		return nil, fmt.Errorf("%w: crop config is missing zones", ErrPreconditionFailed)
	}

	state, err := db.State()
	if err != nil {
		return nil, err
	}
	if state.IsComplete {
		return nil, fmt.Errorf("%w: run is already complete", ErrPreconditionFailed)
	}
	last, err := db.LastFrameIndex()
	if err != nil {
		return nil, err
	}

	totalSamples := (int64(src.FrameCount()) + int64(params.Stride) - 1) / int64(params.Stride)
	sampleRate := src.FPS() / float64(params.Stride)
	if err := db.SetTotals(totalSamples, sampleRate); err != nil {
		return nil, err
	}

	r := &Run{
		ID:            id,
		log:           logs.NewPrefixLogger(logger, "run "+id),
		db:            db,
		src:           src,
		detector:      detector,
		cropCfg:       cropCfg,
		params:        params,
		state:         StateStarting,
		abortC:        make(chan struct{}),
		startIndex:    last + 1,
		totalSamples:  totalSamples,
		sampleRate:    sampleRate,
		detectParams:  detect.NewDetectionParams(),
		personClass:   detector.Config().PersonClass(),
		cropQueue:     NewQueue[Frame](params.QueueDepth),
		detectQueue:   NewQueue[CropSet](params.QueueDepth),
		featureQueue:  NewQueue[Detections](params.QueueDepth),
		finalQueue:    NewQueue[Row](params.QueueDepth),
		readerDone:       make(chan struct{}),
		featureDone:      make(chan struct{}),
		finalizerDone:    make(chan struct{}),
		finished:         make(chan struct{}),
		publisherStopped: make(chan struct{}),
	}
	r.lastFinalized.Store(last)
	if r.personClass < 0 {
		return nil, fmt.Errorf("%w: model has no person class", ErrPreconditionFailed)
	}

	r.stats = map[string]*stageStats{
		StageReader:   {name: StageReader, workers: func() int { return 1 }, queueLen: r.cropQueue.Len, queueCap: r.cropQueue.Cap},
		StageCrop:     {name: StageCrop, queueLen: r.detectQueue.Len, queueCap: r.detectQueue.Cap},
		StageDetect:   {name: StageDetect, queueLen: r.featureQueue.Len, queueCap: r.featureQueue.Cap},
		StageFeature:  {name: StageFeature, workers: func() int { return 1 }, queueLen: r.finalQueue.Len, queueCap: r.finalQueue.Cap},
		StageFinalize: {name: StageFinalize, workers: func() int { return 1 }},
	}
	r.cropPool = NewPool(r.log, StageCrop, params.MaxCropWorkers, r.cropOne)
	r.detectPool = NewPool(r.log, StageDetect, params.MaxDetectWorkers, r.detectOne)
	r.stats[StageCrop].workers = r.cropPool.Size
	r.stats[StageDetect].workers = r.detectPool.Size
	return r, nil
}

// Start launches all stages. Call once.
func (r *Run) Start() {
	r.log.Infof("Starting at sample %v of %v (stride %v, %.3f samples/sec)",
		r.startIndex, r.totalSamples, r.params.Stride, r.sampleRate)
	r.setState(StateRunning)

	go r.readerLoop()

	r.cropPool.Resize(r.params.CropWorkers)
	go func() {
		r.cropPool.Wait()
		r.detectQueue.Close()
	}()

	r.detectPool.Resize(r.params.DetectWorkers)
	go func() {
		r.detectPool.Wait()
		r.featureQueue.Close()
	}()

	go r.featureLoop()
	go r.finalizeLoop()
	go r.publishLoop()

	go func() {
		// Every stage must be out before we release the source and model.
		// On failure the abort channel unblocks whoever is still pushing.
		<-r.readerDone
		r.cropPool.Wait()
		r.detectPool.Wait()
		<-r.featureDone
		<-r.finalizerDone
		r.src.Close()
		r.detector.Close()
		r.finish()
		close(r.finished)
		<-r.publisherStopped
	}()
}

// Stop requests a cooperative shutdown. The reader stops producing, but
// every frame already inside the pipeline drains through and is persisted,
// so a later run resumes without redoing any work.
// Returns ErrPreconditionFailed if the run already reached a terminal state.
func (r *Run) Stop() error {
	if r.State().IsTerminal() {
		return fmt.Errorf("%w: run is not running", ErrPreconditionFailed)
	}
	r.log.Infof("Stop requested")
	r.mustStop.Store(true)
	return nil
}

// Wait blocks until the run reaches a terminal state.
func (r *Run) Wait() {
	<-r.finished
}

// Done is closed when the run reaches a terminal state.
func (r *Run) Done() <-chan struct{} {
	return r.finished
}

func (r *Run) State() State {
	r.stateLock.Lock()
	defer r.stateLock.Unlock()
	return r.state
}

// Err returns the first stage failure, or nil.
func (r *Run) Err() error {
	r.stateLock.Lock()
	defer r.stateLock.Unlock()
	return r.failErr
}

// SampleRate returns processed samples per second of video time.
func (r *Run) SampleRate() float64 {
	return r.sampleRate
}

// ResizeWorkers changes the worker count of a resizable stage by delta and
// returns the effective count. Only "crop" and "detect" are resizable.
func (r *Run) ResizeWorkers(stage string, delta int) (int, error) {
	if r.State().IsTerminal() {
		return 0, fmt.Errorf("%w: run is not running", ErrPreconditionFailed)
	}
	switch stage {
	case StageCrop:
		return r.cropPool.Adjust(delta), nil
	case StageDetect:
		return r.detectPool.Adjust(delta), nil
	case StageReader, StageFeature, StageFinalize:
		return 0, fmt.Errorf("%w: stage %v is not resizable", ErrPreconditionFailed, stage)
	}
	return 0, fmt.Errorf("%w: unknown stage '%v'", ErrPreconditionFailed, stage)
}

func (r *Run) setState(s State) {
	r.stateLock.Lock()
	defer r.stateLock.Unlock()
	r.state = s
}

// fail records the first stage failure and triggers shutdown.
func (r *Run) fail(stage string, err error) {
	wrapped := fmt.Errorf("%w in %v: %v", ErrStageFailure, stage, err)
	r.stateLock.Lock()
	if r.failErr == nil {
		r.failErr = wrapped
	}
	r.stateLock.Unlock()
	r.log.Errorf("Stage %v failed: %v", stage, err)
	r.mustStop.Store(true)
	// Failure abandons in-flight frames: the abort channel unblocks every
	// push, unlike a cooperative stop, which drains them
	r.abortOnce.Do(func() { close(r.abortC) })
}

// finish decides the terminal state once all stages have drained.
func (r *Run) finish() {
	if r.Err() != nil {
		r.setState(StateFailed)
		r.log.Errorf("Run failed: %v", r.Err())
		return
	}
	if r.mustStop.Load() || !r.sawEOF.Load() {
		r.setState(StateStopped)
		r.log.Infof("Run stopped at sample %v", r.lastFinalized.Load())
		return
	}
	if err := r.db.SetComplete(); err != nil {
		r.stateLock.Lock()
		r.failErr = fmt.Errorf("%w in %v: %v", ErrStageFailure, StageFinalize, err)
		r.stateLock.Unlock()
		r.setState(StateFailed)
		return
	}
	r.setState(StateCompleted)
	r.log.Infof("Run complete: %v samples, %v cliffs", r.totalSamples, r.cliffCount.Load())
}
