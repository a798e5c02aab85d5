// Package server owns the arena of runs: it opens per-run databases, starts
// and stops pipeline executions, and serves the operator's audit operations
// (confirming, rejecting and overriding cliffs, team settings, progress
// subscriptions).
package server

import (
	"fmt"
	"sync"

	"github.com/cyclopcam/logs"

	"github.com/deignacio/sprinting-boxes/pkg/detect"
	"github.com/deignacio/sprinting-boxes/pkg/mjpeg"
	"github.com/deignacio/sprinting-boxes/server/audit"
	"github.com/deignacio/sprinting-boxes/server/calib"
	"github.com/deignacio/sprinting-boxes/server/pipeline"
	"github.com/deignacio/sprinting-boxes/server/rundb"
)

// CliffAction is an operator mutation on a single cliff.
type CliffAction string

const (
	// ActionConfirm marks the cliff as a real point transition.
	ActionConfirm CliffAction = "confirm"

	// ActionReject marks the cliff as a false positive. It stays in the
	// list but stops contributing colors and scores.
	ActionReject CliffAction = "reject"

	// ActionToggleSide flips which side pulled at this cliff.
	ActionToggleSide CliffAction = "toggle_side"

	// ActionToggleColors flips which team color defends the left end from
	// this cliff onward.
	ActionToggleColors CliffAction = "toggle_colors"
)

// Runner manages every run under one root directory (one subdirectory per
// run, holding the calibration artifacts and the run database).
type Runner struct {
	log     logs.Log
	rootDir string

	lock sync.Mutex
	runs map[string]*runHandle
}

// runHandle is the live state of one run: its open database, the pipeline
// execution if one is active, and the audit lock that serializes every
// read-modify-write of the cliff table.
type runHandle struct {
	id        string
	db        *rundb.RunDB
	run       *pipeline.Run
	auditLock sync.Mutex
}

func NewRunner(logger logs.Log, rootDir string) *Runner {
	return &Runner{
		log:     logs.NewPrefixLogger(logger, "runner"),
		rootDir: rootDir,
		runs:    map[string]*runHandle{},
	}
}

// Close stops every active run and closes the databases.
func (s *Runner) Close() {
	s.lock.Lock()
	handles := make([]*runHandle, 0, len(s.runs))
	for _, h := range s.runs {
		handles = append(handles, h)
	}
	s.runs = map[string]*runHandle{}
	s.lock.Unlock()

	for _, h := range handles {
		if h.run != nil && !h.run.State().IsTerminal() {
			h.run.Stop()
			h.run.Wait()
		}
		h.db.Close()
	}
}

func (s *Runner) RunDir(runID string) string {
	return s.rootDir + "/" + runID
}

// handle returns the run's handle, opening its database on first touch.
func (s *Runner) handle(runID string) (*runHandle, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if h, ok := s.runs[runID]; ok {
		return h, nil
	}
	db, err := rundb.Open(s.log, s.RunDir(runID))
	if err != nil {
		return nil, err
	}
	h := &runHandle{id: runID, db: db}
	s.runs[runID] = h
	return h, nil
}

// StartOptions configures a pipeline execution.
type StartOptions struct {
	// VideoDir is the directory of extracted JPEG frames.
	VideoDir string

	// FPS is the source frame rate of the extraction.
	FPS float64

	// Detector runs person detection. Defaults to the marker detector,
	// which is only useful for synthetic footage.
	Detector detect.ObjectDetector

	Params pipeline.Params
}

// Start launches processing of a run. Fails if the run is already active,
// already complete, or not calibrated. A previously stopped run resumes
// from its last persisted frame.
func (s *Runner) Start(runID string, opts StartOptions) error {
	h, err := s.handle(runID)
	if err != nil {
		return err
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	if h.run != nil && !h.run.State().IsTerminal() {
		return fmt.Errorf("%w: run %v is already active", pipeline.ErrPreconditionFailed, runID)
	}

	cropCfg, err := calib.LoadCropConfig(s.RunDir(runID), calib.DefaultParams())
	if err != nil {
		return fmt.Errorf("%w: %v", pipeline.ErrPreconditionFailed, err)
	}
	src, err := mjpeg.OpenDir(opts.VideoDir, opts.FPS)
	if err != nil {
		return fmt.Errorf("%w: %v", pipeline.ErrPreconditionFailed, err)
	}
	detector := opts.Detector
	if detector == nil {
		detector = detect.NewMarkerDetector()
	}

	run, err := pipeline.NewRun(s.log, runID, h.db, src, detector, cropCfg, opts.Params)
	if err != nil {
		src.Close()
		detector.Close()
		return err
	}
	h.run = run
	run.Start()

	// The pipeline writes raw cliffs; the scoreboard state is derived once
	// the run settles
	go func() {
		<-run.Done()
		if err := s.recalculate(h); err != nil {
			s.log.Errorf("Post-run recalculation of %v failed: %v", runID, err)
		}
	}()
	return nil
}

// Stop requests a cooperative stop of an active run.
func (s *Runner) Stop(runID string) error {
	run, err := s.activeRun(runID)
	if err != nil {
		return err
	}
	return run.Stop()
}

// State returns the run's pipeline state, or Idle if nothing was ever
// started this session.
func (s *Runner) State(runID string) pipeline.State {
	s.lock.Lock()
	defer s.lock.Unlock()
	if h, ok := s.runs[runID]; ok && h.run != nil {
		return h.run.State()
	}
	return pipeline.StateIdle
}

// ResizeWorkers changes a resizable stage's worker count by delta on an
// active run, and returns the new count.
func (s *Runner) ResizeWorkers(runID, stage string, delta int) (int, error) {
	run, err := s.activeRun(runID)
	if err != nil {
		return 0, err
	}
	return run.ResizeWorkers(stage, delta)
}

// SubscribeProgress registers a progress watcher on an active run. The
// returned function unsubscribes.
func (s *Runner) SubscribeProgress(runID string) (chan pipeline.Progress, func(), error) {
	run, err := s.activeRun(runID)
	if err != nil {
		return nil, nil, err
	}
	ch := run.AddProgressWatcher()
	return ch, func() { run.RemoveProgressWatcher(ch) }, nil
}

// Features returns the run's full feature table, ordered by frame.
func (s *Runner) Features(runID string) ([]rundb.FeatureRow, error) {
	h, err := s.handle(runID)
	if err != nil {
		return nil, err
	}
	return h.db.Features()
}

// FeatureRange returns feature rows with startIdx <= frame_index < endIdx,
// for windowed reads around a point of interest.
func (s *Runner) FeatureRange(runID string, startIdx, endIdx int64) ([]rundb.FeatureRow, error) {
	h, err := s.handle(runID)
	if err != nil {
		return nil, err
	}
	return h.db.FeatureRange(startIdx, endIdx)
}

// Cliffs returns the run's cliffs, ordered by frame.
func (s *Runner) Cliffs(runID string) ([]rundb.Cliff, error) {
	h, err := s.handle(runID)
	if err != nil {
		return nil, err
	}
	return h.db.Cliffs()
}

// Settings returns the run's audit settings.
func (s *Runner) Settings(runID string) (rundb.AuditSettings, error) {
	h, err := s.handle(runID)
	if err != nil {
		return rundb.AuditSettings{}, err
	}
	return h.db.Settings()
}

// SetCliffs replaces the cliff table wholesale (bulk editing), recomputes
// the derived state, and returns the result. Non-nil settings are saved in
// the same mutation, before the recompute; nil keeps the stored settings.
func (s *Runner) SetCliffs(runID string, cliffs []rundb.Cliff, settings *rundb.AuditSettings) ([]rundb.Cliff, error) {
	h, err := s.auditableHandle(runID)
	if err != nil {
		return nil, err
	}
	h.auditLock.Lock()
	defer h.auditLock.Unlock()
	if settings != nil {
		if err := h.db.SaveSettings(*settings); err != nil {
			return nil, err
		}
	}
	return s.storeRecomputed(h, cliffs)
}

// UpdateSettings saves the audit settings and recomputes every cliff, since
// names, initial scores and time offsets all feed the derived state.
func (s *Runner) UpdateSettings(runID string, settings rundb.AuditSettings) ([]rundb.Cliff, error) {
	h, err := s.auditableHandle(runID)
	if err != nil {
		return nil, err
	}
	h.auditLock.Lock()
	defer h.auditLock.Unlock()
	if err := h.db.SaveSettings(settings); err != nil {
		return nil, err
	}
	cliffs, err := h.db.Cliffs()
	if err != nil {
		return nil, err
	}
	return s.storeRecomputed(h, cliffs)
}

// MutateCliff applies one operator action to the cliff at frameIndex,
// recomputes the derived state, and returns all cliffs.
func (s *Runner) MutateCliff(runID string, frameIndex int64, action CliffAction) ([]rundb.Cliff, error) {
	h, err := s.auditableHandle(runID)
	if err != nil {
		return nil, err
	}
	h.auditLock.Lock()
	defer h.auditLock.Unlock()

	cliffs, err := h.db.Cliffs()
	if err != nil {
		return nil, err
	}
	var target *rundb.Cliff
	for i := range cliffs {
		if cliffs[i].FrameIndex == frameIndex {
			target = &cliffs[i]
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("%w: no cliff at frame %v", pipeline.ErrPreconditionFailed, frameIndex)
	}

	switch action {
	case ActionConfirm:
		target.Status = rundb.CliffConfirmed
	case ActionReject:
		target.Status = rundb.CliffFalsePositive
	case ActionToggleSide:
		if target.PullSide() == rundb.SideLeft {
			target.ManualSideOverride = rundb.SideRight
		} else {
			target.ManualSideOverride = rundb.SideLeft
		}
	case ActionToggleColors:
		if target.LeftTeamColor == rundb.ColorDark {
			target.ManualColorOverride = rundb.ColorLight
		} else {
			target.ManualColorOverride = rundb.ColorDark
		}
		// Later overrides would pin the old assignment, so clear them and
		// let the alternation re-derive everything downstream
		for i := range cliffs {
			if cliffs[i].FrameIndex > frameIndex {
				cliffs[i].ManualColorOverride = ""
			}
		}
	default:
		return nil, fmt.Errorf("%w: unknown cliff action '%v'", pipeline.ErrPreconditionFailed, action)
	}
	return s.storeRecomputed(h, cliffs)
}

// storeRecomputed runs the audit engine and persists the result.
// Caller holds the audit lock.
func (s *Runner) storeRecomputed(h *runHandle, cliffs []rundb.Cliff) ([]rundb.Cliff, error) {
	state, err := h.db.State()
	if err != nil {
		return nil, err
	}
	settings, err := h.db.Settings()
	if err != nil {
		return nil, err
	}
	out := audit.Recompute(cliffs, settings, state.SampleRate)
	if err := h.db.ReplaceCliffs(out); err != nil {
		return nil, err
	}
	return out, nil
}

// recalculate refreshes the derived state from whatever is in the table.
func (s *Runner) recalculate(h *runHandle) error {
	h.auditLock.Lock()
	defer h.auditLock.Unlock()
	cliffs, err := h.db.Cliffs()
	if err != nil {
		return err
	}
	_, err = s.storeRecomputed(h, cliffs)
	return err
}

// activeRun returns the run's live pipeline, or ErrPreconditionFailed.
func (s *Runner) activeRun(runID string) (*pipeline.Run, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	h, ok := s.runs[runID]
	if !ok || h.run == nil || h.run.State().IsTerminal() {
		return nil, fmt.Errorf("%w: run %v is not active", pipeline.ErrPreconditionFailed, runID)
	}
	return h.run, nil
}

// auditableHandle refuses audit mutations while the pipeline is writing
// cliffs, so the recompute never races a concurrent insert.
func (s *Runner) auditableHandle(runID string) (*runHandle, error) {
	h, err := s.handle(runID)
	if err != nil {
		return nil, err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if h.run != nil && !h.run.State().IsTerminal() {
		return nil, fmt.Errorf("%w: run %v is still processing", pipeline.ErrPreconditionFailed, runID)
	}
	return h, nil
}
