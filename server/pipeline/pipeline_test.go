package pipeline

import (
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"

	"github.com/deignacio/sprinting-boxes/pkg/detect"
	"github.com/deignacio/sprinting-boxes/pkg/geom"
	"github.com/deignacio/sprinting-boxes/pkg/mjpeg"
	"github.com/deignacio/sprinting-boxes/server/calib"
	"github.com/deignacio/sprinting-boxes/server/rundb"
)

// synthSource serves pre-built frames from memory, recording which frames
// it served so tests can reason about reprocessing.
type synthSource struct {
	frames []*cimg.Image
	fps    float64
	delay  time.Duration // per-frame decode delay, to make runs stoppable
	next   int
	served []int
}

func (s *synthSource) FrameCount() int {
	return len(s.frames)
}

func (s *synthSource) FPS() float64 {
	return s.fps
}

func (s *synthSource) NextFrame() (*cimg.Image, error) {
	if s.next >= len(s.frames) {
		return nil, io.EOF
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	img := s.frames[s.next]
	s.served = append(s.served, s.next)
	s.next++
	return img, nil
}

func (s *synthSource) Seek(index int) error {
	if index < 0 || index > len(s.frames) {
		return fmt.Errorf("seek out of range")
	}
	s.next = index
	return nil
}

func (s *synthSource) Close() {
}

const testFrameW = 320
const testFrameH = 240

// makeFrame paints one red marker pixel per player position (normalized
// frame coordinates). MarkerDetector reports each as a person.
func makeFrame(players []geom.Point) *cimg.Image {
	img := cimg.NewImage(testFrameW, testFrameH, cimg.PixelFormatRGB)
	for _, p := range players {
		x := int(p.X * testFrameW)
		y := int(p.Y * testFrameH)
		i := (y*testFrameW + x) * 3
		img.Pixels[i] = 255
		img.Pixels[i+1] = 0
		img.Pixels[i+2] = 0
	}
	return img
}

func testCropConfig(t *testing.T) *calib.CropConfig {
	fb := &calib.FieldBoundaries{
		Field: []geom.Point{
			{X: 0.05, Y: 0.3}, {X: 0.95, Y: 0.3}, {X: 0.95, Y: 0.8}, {X: 0.05, Y: 0.8},
		},
		LeftEndZone: []geom.Point{
			{X: 0.05, Y: 0.3}, {X: 0.2, Y: 0.3}, {X: 0.2, Y: 0.8}, {X: 0.05, Y: 0.8},
		},
		RightEndZone: []geom.Point{
			{X: 0.8, Y: 0.3}, {X: 0.95, Y: 0.3}, {X: 0.95, Y: 0.8}, {X: 0.8, Y: 0.8},
		},
	}
	cfg, err := calib.BuildCropConfig(fb, calib.DefaultParams())
	require.NoError(t, err)
	return cfg
}

var leftLineup = []geom.Point{{X: 0.10, Y: 0.5}, {X: 0.15, Y: 0.6}}
var rightLineup = []geom.Point{{X: 0.85, Y: 0.5}, {X: 0.90, Y: 0.6}}
var midfield = []geom.Point{{X: 0.40, Y: 0.5}, {X: 0.50, Y: 0.55}, {X: 0.60, Y: 0.5}, {X: 0.45, Y: 0.65}}

// matchFrames builds a 50-frame scenario of one point starting:
// frames 0-14 both teams lined up, frames 15-16 the left lineup has
// sprinted onto the field, frames 17+ everyone is on the field.
func matchFrames() []*cimg.Image {
	frames := []*cimg.Image{}
	for i := 0; i < 50; i++ {
		switch {
		case i < 15:
			frames = append(frames, makeFrame(append(append([]geom.Point{}, leftLineup...), rightLineup...)))
		case i < 17:
			frames = append(frames, makeFrame(append(append([]geom.Point{}, midfield[:2]...), rightLineup...)))
		default:
			frames = append(frames, makeFrame(midfield))
		}
	}
	return frames
}

func testParams() Params {
	params := DefaultParams()
	params.Stride = 1
	params.Feature.TeamSize = 2
	return params
}

func startTestRun(t *testing.T, db *rundb.RunDB, src mjpeg.VideoSource, params Params) *Run {
	run, err := NewRun(logs.NewTestingLog(t), "test", db, src, detect.NewMarkerDetector(), testCropConfig(t), params)
	require.NoError(t, err)
	run.Start()
	return run
}

func TestPipelineEndToEnd(t *testing.T) {
	db, err := rundb.Open(logs.NewTestingLog(t), t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	src := &synthSource{frames: matchFrames(), fps: 2.0}
	run := startTestRun(t, db, src, testParams())

	watcher := run.AddProgressWatcher()
	run.Wait()
	require.Equal(t, StateCompleted, run.State())
	require.NoError(t, run.Err())
	require.Equal(t, 2.0, run.SampleRate())

	// Feature table is gapless and fully populated
	rows, err := db.Features()
	require.NoError(t, err)
	require.Len(t, rows, 50)
	for i, row := range rows {
		require.Equal(t, int64(i), row.FrameIndex)
	}

	// Pre-point frames score high, play frames score zero
	require.Equal(t, float32(1), rows[5].PrePointScore)
	require.Equal(t, float32(2), rows[5].LeftCount)
	require.Equal(t, float32(2), rows[5].RightCount)
	require.Equal(t, float32(0), rows[5].FieldCount)
	require.Equal(t, float32(0), rows[30].PrePointScore)
	require.Equal(t, float32(4), rows[30].FieldCount)

	// Players spread out when play starts
	require.Greater(t, rows[5].DistStdDev, float32(0))

	// The cliff was detected, attributed to the left lineup, and the
	// feature row was flagged even though it had already been flushed
	cliffs, err := db.Cliffs()
	require.NoError(t, err)
	require.Len(t, cliffs, 1)
	require.Equal(t, int64(16), cliffs[0].FrameIndex)
	require.True(t, cliffs[0].LeftEmptiedFirst)
	require.Equal(t, rundb.CliffUnconfirmed, cliffs[0].Status)
	require.True(t, rows[16].IsCliff)

	state, err := db.State()
	require.NoError(t, err)
	require.True(t, state.IsComplete)
	require.Equal(t, int64(49), state.LastFrame)
	require.Equal(t, int64(50), state.TotalFrames)

	// The final snapshot reports the terminal state
	deadline := time.After(5 * time.Second)
	for {
		var p Progress
		select {
		case p = <-watcher:
		case <-deadline:
			t.Fatal("never saw a terminal progress snapshot")
		}
		if p.State.IsTerminal() {
			require.Equal(t, StateCompleted, p.State)
			require.Equal(t, int64(49), p.FrameIndex)
			require.Equal(t, int64(1), p.CliffCount)
			require.Len(t, p.Stages, 5)
			break
		}
	}
	run.RemoveProgressWatcher(watcher)
}

func TestPipelineStride(t *testing.T) {
	db, err := rundb.Open(logs.NewTestingLog(t), t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	params := testParams()
	params.Stride = 5
	src := &synthSource{frames: matchFrames(), fps: 10.0}
	run := startTestRun(t, db, src, params)
	run.Wait()
	require.Equal(t, StateCompleted, run.State())
	require.Equal(t, 2.0, run.SampleRate())

	rows, err := db.Features()
	require.NoError(t, err)
	require.Len(t, rows, 10)
	// Sample 1 is source frame 5: still pre-point
	require.Equal(t, float32(1), rows[1].PrePointScore)
	// Sample 5 is source frame 25: play
	require.Equal(t, float32(0), rows[5].PrePointScore)
}

func TestPipelineStopAndResume(t *testing.T) {
	dir := t.TempDir()
	logger := logs.NewTestingLog(t)
	db, err := rundb.Open(logger, dir)
	require.NoError(t, err)
	defer db.Close()

	frames := matchFrames()
	for len(frames) < 300 {
		frames = append(frames, frames[len(frames)-1])
	}

	slow := &synthSource{frames: frames, fps: 2.0, delay: 2 * time.Millisecond}
	run := startTestRun(t, db, slow, testParams())
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, run.Stop())
	run.Wait()
	require.Equal(t, StateStopped, run.State())
	require.True(t, errors.Is(run.Stop(), ErrPreconditionFailed))

	// Persisted rows are a gapless prefix
	rows, err := db.Features()
	require.NoError(t, err)
	require.Less(t, len(rows), 300)
	for i, row := range rows {
		require.Equal(t, int64(i), row.FrameIndex)
	}

	// Stop drains rather than discards: every frame the reader decoded was
	// carried through the pipeline and persisted
	require.Len(t, rows, len(slow.served))

	// Restart picks up where the stop left off and completes the table
	fast := &synthSource{frames: frames, fps: 2.0}
	run2 := startTestRun(t, db, fast, testParams())
	run2.Wait()
	require.Equal(t, StateCompleted, run2.State())

	// No frame was decoded twice across the two runs
	require.NotEmpty(t, fast.served)
	require.Equal(t, len(rows), fast.served[0])

	rows, err = db.Features()
	require.NoError(t, err)
	require.Len(t, rows, 300)
	for i, row := range rows {
		require.Equal(t, int64(i), row.FrameIndex)
	}

	// A completed run cannot be started again
	_, err = NewRun(logger, "test", db, fast, detect.NewMarkerDetector(), testCropConfig(t), testParams())
	require.True(t, errors.Is(err, ErrPreconditionFailed))
}

func TestResizeWorkers(t *testing.T) {
	db, err := rundb.Open(logs.NewTestingLog(t), t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	frames := matchFrames()
	src := &synthSource{frames: frames, fps: 2.0, delay: time.Millisecond}
	run := startTestRun(t, db, src, testParams())

	n, err := run.ResizeWorkers(StageDetect, 2)
	require.NoError(t, err)
	require.Equal(t, testParams().DetectWorkers+2, n)

	// Clamped to the pool maximum, and never below one worker
	n, err = run.ResizeWorkers(StageCrop, 99)
	require.NoError(t, err)
	require.Equal(t, testParams().MaxCropWorkers, n)
	n, err = run.ResizeWorkers(StageCrop, -99)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Single-threaded stages are not resizable
	_, err = run.ResizeWorkers(StageReader, 2)
	require.True(t, errors.Is(err, ErrPreconditionFailed))
	_, err = run.ResizeWorkers("bogus", 2)
	require.True(t, errors.Is(err, ErrPreconditionFailed))

	run.Wait()
	require.Equal(t, StateCompleted, run.State())

	_, err = run.ResizeWorkers(StageDetect, 2)
	require.True(t, errors.Is(err, ErrPreconditionFailed))
}

func TestStageFailure(t *testing.T) {
	db, err := rundb.Open(logs.NewTestingLog(t), t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	// A source that dies partway through
	src := &failingSource{synthSource{frames: matchFrames(), fps: 2.0}, 20}
	run := startTestRun(t, db, src, testParams())
	run.Wait()
	require.Equal(t, StateFailed, run.State())
	require.True(t, errors.Is(run.Err(), ErrStageFailure))

	// Whatever was persisted is still a gapless prefix
	rows, err := db.Features()
	require.NoError(t, err)
	for i, row := range rows {
		require.Equal(t, int64(i), row.FrameIndex)
	}
}

type failingSource struct {
	synthSource
	failAt int
}

func (s *failingSource) NextFrame() (*cimg.Image, error) {
	if s.next >= s.failAt {
		return nil, fmt.Errorf("synthetic decode failure at frame %v", s.next)
	}
	return s.synthSource.NextFrame()
}
