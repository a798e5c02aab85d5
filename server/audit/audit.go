// Package audit recomputes the derived state of a run's cliff candidates:
// which team defended which end of the field at each point, the running
// score, and which points were breaks.
//
// Recompute is pure and total. It derives everything from the cliff
// observations (emptied-first flags, status, manual overrides) plus the
// audit settings, so running it twice over its own output is a no-op. The
// caller invokes it after every pipeline flush and every operator mutation.
package audit

import (
	"fmt"
	"sort"
	"time"

	"github.com/deignacio/sprinting-boxes/server/rundb"
)

// Recompute stamps timestamps, team colors, scores and break flags onto
// every cliff. The input slice is sorted and modified in place, and also
// returned for convenience.
//
// Rules:
//   - A false positive keeps its place in the sequence but carries no
//     colors, does not advance the color alternation, and does not score.
//     Its score fields are stamped with the running score so the operator
//     sees a consistent scoreboard at every row.
//   - Colors: a manual color override pins the left end's color at that
//     cliff; otherwise colors alternate from the previous valid cliff, and
//     the first valid cliff puts the light team on the left.
//   - Scores: the earliest cliff in the sequence marks the start of play,
//     so nothing scores there, even when that cliff was later rejected.
//     At every later valid cliff, the pulling team is the team that just
//     scored. An unresolvable pull side scores nothing.
//   - Breaks: when two adjacent valid cliffs are pulled by the same team
//     color, that team scored without ever receiving, so the earlier cliff
//     is marked as a break.
func Recompute(cliffs []rundb.Cliff, settings rundb.AuditSettings, sampleRate float64) []rundb.Cliff {
	sort.Slice(cliffs, func(i, j int) bool { return cliffs[i].FrameIndex < cliffs[j].FrameIndex })

	scoreLight := settings.InitialScoreLight
	scoreDark := settings.InitialScoreDark
	lastValidLeft := ""

	for i := range cliffs {
		c := &cliffs[i]
		c.Timestamp = FormatTimestamp(c.FrameIndex, sampleRate, settings)
		c.IsBreak = false

		if c.Status == rundb.CliffFalsePositive {
			c.LeftTeamColor = ""
			c.RightTeamColor = ""
			c.ScoreLight = scoreLight
			c.ScoreDark = scoreDark
			continue
		}

		left := rundb.ColorLight
		if c.ManualColorOverride != "" {
			left = c.ManualColorOverride
		} else if lastValidLeft != "" {
			left = otherColor(lastValidLeft)
		}
		c.LeftTeamColor = left
		c.RightTeamColor = otherColor(left)
		lastValidLeft = left

		// The gate is positional: any cliff but the sequence's first can
		// score, whether or not earlier cliffs were rejected
		if i > 0 {
			switch c.PullColor() {
			case rundb.ColorLight:
				scoreLight++
			case rundb.ColorDark:
				scoreDark++
			}
		}
		c.ScoreLight = scoreLight
		c.ScoreDark = scoreDark
	}

	prev := -1
	for i := range cliffs {
		if cliffs[i].Status == rundb.CliffFalsePositive {
			continue
		}
		if prev >= 0 {
			pc := cliffs[prev].PullColor()
			if pc != "" && pc == cliffs[i].PullColor() {
				cliffs[prev].IsBreak = true
			}
		}
		prev = i
	}

	return cliffs
}

func otherColor(color string) string {
	if color == rundb.ColorLight {
		return rundb.ColorDark
	}
	return rundb.ColorLight
}

// FormatTimestamp maps a frame index to a wall clock "HH:MM:SS" string,
// using the run's sample rate plus the operator's start time and offset.
func FormatTimestamp(frameIndex int64, sampleRate float64, settings rundb.AuditSettings) string {
	if sampleRate <= 0 {
		sampleRate = 1
	}
	secs := float64(frameIndex)/sampleRate + settings.TimeOffsetSecs
	start, err := time.Parse("15:04:05", settings.VideoStartTime)
	if err != nil {
		start = time.Time{}
	}
	t := start.Add(time.Duration(secs * float64(time.Second)))
	return fmt.Sprintf("%02d:%02d:%02d", t.Hour(), t.Minute(), t.Second())
}
