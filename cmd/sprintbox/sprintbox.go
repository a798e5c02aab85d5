package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"
	"github.com/google/uuid"

	"github.com/deignacio/sprinting-boxes/server"
	"github.com/deignacio/sprinting-boxes/server/pipeline"
)

func check(err error) {
	if err != nil {
		panic(err)
	}
}

func main() {
	parser := argparse.NewParser("sprintbox", "Process ultimate match footage into point transitions")
	root := parser.String("r", "root", &argparse.Options{Help: "Root directory holding run subdirectories", Required: true})
	runID := parser.String("", "run", &argparse.Options{Help: "Run ID (defaults to a new random ID)", Required: false, Default: ""})
	video := parser.String("v", "video", &argparse.Options{Help: "Directory of extracted JPEG frames", Required: true})
	fps := parser.Float("", "fps", &argparse.Options{Help: "Frame rate of the extraction", Required: false, Default: 30.0})
	stride := parser.Int("s", "stride", &argparse.Options{Help: "Process every Nth frame", Required: false, Default: 15})
	cropWorkers := parser.Int("", "crop-workers", &argparse.Options{Help: "Initial crop workers", Required: false, Default: 2})
	detectWorkers := parser.Int("", "detect-workers", &argparse.Options{Help: "Initial detect workers", Required: false, Default: 2})
	teamSize := parser.Int("", "team-size", &argparse.Options{Help: "Players per team", Required: false, Default: 7})
	saveCrops := parser.String("", "save-crops", &argparse.Options{Help: "Directory to dump zone crop JPEGs into", Required: false, Default: ""})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	check(err)

	id := *runID
	if id == "" {
		id = uuid.NewString()
		logger.Infof("New run %v", id)
	}

	params := pipeline.DefaultParams()
	params.Stride = *stride
	params.CropWorkers = *cropWorkers
	params.DetectWorkers = *detectWorkers
	params.Feature.TeamSize = *teamSize
	params.SaveCropDir = *saveCrops

	runner := server.NewRunner(logger, *root)
	defer runner.Close()

	err = runner.Start(id, server.StartOptions{
		VideoDir: *video,
		FPS:      *fps,
		Params:   params,
	})
	check(err)

	progress, unsubscribe, err := runner.SubscribeProgress(id)
	check(err)
	defer unsubscribe()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case <-sig:
			logger.Infof("Interrupted, stopping run")
			check(runner.Stop(id))
		case p := <-progress:
			logger.Infof("[%v] sample %v/%v, %.1f samples/sec, %v cliffs", p.State, p.FrameIndex+1, p.TotalFrames, p.FPS, p.CliffCount)
			if p.State.IsTerminal() {
				printSummary(logger, runner, id, p)
				if p.State == pipeline.StateFailed {
					os.Exit(1)
				}
				return
			}
		}
	}
}

func printSummary(logger logs.Log, runner *server.Runner, id string, p pipeline.Progress) {
	if p.Error != "" {
		logger.Errorf("Run %v failed: %v", id, p.Error)
		return
	}
	cliffs, err := runner.Cliffs(id)
	if err != nil {
		logger.Errorf("Failed to read cliffs: %v", err)
		return
	}
	logger.Infof("Run %v finished (%v): %v candidate point transitions", id, p.State, len(cliffs))
	for _, c := range cliffs {
		pull := c.PullSide()
		if pull == "" {
			pull = "unknown"
		}
		suspect := ""
		if c.MaybeFalsePositive {
			suspect = " (suspect)"
		}
		counts := ""
		if rows, err := runner.FeatureRange(id, c.FrameIndex, c.FrameIndex+1); err == nil && len(rows) == 1 {
			counts = fmt.Sprintf("  left=%.0f right=%.0f field=%.0f", rows[0].LeftCount, rows[0].RightCount, rows[0].FieldCount)
		}
		logger.Infof("  frame %v  %v  pull=%v%v%v", c.FrameIndex, c.Timestamp, pull, suspect, counts)
	}
}
