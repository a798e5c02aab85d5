package rundb

// Status of a cliff candidate. Candidates are never deleted, only
// transitioned between these states by the operator.
type CliffStatus string

const (
	CliffUnconfirmed   CliffStatus = "Unconfirmed"
	CliffConfirmed     CliffStatus = "Confirmed"
	CliffFalsePositive CliffStatus = "FalsePositive"
)

// Side of the field, for manual pull-side overrides.
const (
	SideLeft  = "left"
	SideRight = "right"
)

// Team colors. The audit engine assigns these to the left/right ends of the
// field and alternates them between points.
const (
	ColorLight = "light"
	ColorDark  = "dark"
)

// One row of the feature table. A completed run has exactly one row per
// sampled frame, with frame_index 0..total-1 and no gaps.
type FeatureRow struct {
	FrameIndex    int64   `gorm:"primaryKey;autoIncrement:false" json:"frame_index"`
	LeftCount     float32 `json:"left_count"`
	RightCount    float32 `json:"right_count"`
	FieldCount    float32 `json:"field_count"`
	PrePointScore float32 `json:"pre_point_score"`
	IsCliff       bool    `json:"is_cliff"`
	ComX          float32 `json:"com_x"`
	ComY          float32 `json:"com_y"`
	DistStdDev    float32 `json:"distribution_std_dev"`
	ComDeltaX     float32 `json:"com_delta_x"`
	ComDeltaY     float32 `json:"com_delta_y"`
	StdDevDelta   float32 `json:"std_dev_delta"`
}

// A candidate point transition.
// The pipeline creates these (status Unconfirmed); the operator confirms,
// rejects or overrides them; the audit engine recomputes the derived fields
// (scores, team colors, is_break) after every mutation.
type Cliff struct {
	FrameIndex         int64       `gorm:"primaryKey;autoIncrement:false" json:"frame_index"`
	Timestamp          string      `json:"timestamp"`
	LeftEmptiedFirst   bool        `json:"left_emptied_first"`
	RightEmptiedFirst  bool        `json:"right_emptied_first"`
	MaybeFalsePositive bool        `json:"maybe_false_positive"`
	Status             CliffStatus `json:"status"`
	ManualSideOverride string      `json:"manual_side_override,omitempty"` // "left" or "right", empty = none
	ManualColorOverride string     `json:"manual_color_override,omitempty"` // "light" or "dark", empty = none
	LeftTeamColor      string      `json:"left_team_color,omitempty"`
	RightTeamColor     string      `json:"right_team_color,omitempty"`
	ScoreLight         int         `json:"score_light"`
	ScoreDark          int         `json:"score_dark"`
	IsBreak            bool        `json:"is_break"`
}

// PullSide resolves which side pulled: manual override first, then the
// emptied-first heuristic. Returns "" when unknown.
func (c *Cliff) PullSide() string {
	if c.ManualSideOverride != "" {
		return c.ManualSideOverride
	}
	if c.LeftEmptiedFirst {
		return SideLeft
	}
	if c.RightEmptiedFirst {
		return SideRight
	}
	return ""
}

// PullColor resolves the color of the pulling team, or "" when the pull
// side or the colors are unknown.
func (c *Cliff) PullColor() string {
	switch c.PullSide() {
	case SideLeft:
		return c.LeftTeamColor
	case SideRight:
		return c.RightTeamColor
	}
	return ""
}

// Per-run audit settings. A single row (ID 1).
type AuditSettings struct {
	ID                int64   `gorm:"primaryKey" json:"-"`
	LightTeamName     string  `json:"light_team_name"`
	DarkTeamName      string  `json:"dark_team_name"`
	InitialScoreLight int     `json:"initial_score_light"`
	InitialScoreDark  int     `json:"initial_score_dark"`
	TimeOffsetSecs    float64 `json:"time_offset_secs"`
	VideoStartTime    string  `json:"video_start_time"` // "HH:MM:SS"
}

func DefaultAuditSettings() AuditSettings {
	return AuditSettings{
		ID:             1,
		LightTeamName:  "Team A",
		DarkTeamName:   "Team B",
		VideoStartTime: "00:00:00",
	}
}

// Run bookkeeping. A single row (ID 1).
// LastFrame is the highest persisted frame_index (-1 when nothing is
// persisted); a restart resumes from LastFrame+1.
type RunState struct {
	ID          int64   `gorm:"primaryKey" json:"-"`
	LastFrame   int64   `json:"last_frame"`
	TotalFrames int64   `json:"total_frames"`
	IsComplete  bool    `json:"is_complete"`
	SampleRate  float64 `json:"sample_rate"` // processed frames per second of video
}
