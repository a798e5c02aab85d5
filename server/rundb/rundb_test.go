package rundb

import (
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *RunDB {
	db, err := Open(logs.NewTestingLog(t), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestFreshDB(t *testing.T) {
	db := openTestDB(t)

	last, err := db.LastFrameIndex()
	require.NoError(t, err)
	require.Equal(t, int64(-1), last)

	rows, err := db.Features()
	require.NoError(t, err)
	require.Len(t, rows, 0)

	settings, err := db.Settings()
	require.NoError(t, err)
	require.Equal(t, "Team A", settings.LightTeamName)
	require.Equal(t, "00:00:00", settings.VideoStartTime)
}

func TestFeatureRows(t *testing.T) {
	db := openTestDB(t)

	batch1 := []FeatureRow{
		{FrameIndex: 0, LeftCount: 7, RightCount: 7, PrePointScore: 1.0},
		{FrameIndex: 1, LeftCount: 6, RightCount: 7, PrePointScore: 0.9},
	}
	batch2 := []FeatureRow{
		{FrameIndex: 2, LeftCount: 0, RightCount: 1, FieldCount: 12},
	}
	require.NoError(t, db.WriteFeatureRows(batch1))
	require.NoError(t, db.WriteFeatureRows(batch2))
	require.NoError(t, db.WriteFeatureRows(nil))

	last, err := db.LastFrameIndex()
	require.NoError(t, err)
	require.Equal(t, int64(2), last)

	rows, err := db.Features()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for i, row := range rows {
		require.Equal(t, int64(i), row.FrameIndex)
	}
	require.Equal(t, float32(0.9), rows[1].PrePointScore)

	ranged, err := db.FeatureRange(1, 3)
	require.NoError(t, err)
	require.Len(t, ranged, 2)
	require.Equal(t, int64(1), ranged[0].FrameIndex)

	// Duplicate frame index is a hard error
	require.Error(t, db.WriteFeatureRows([]FeatureRow{{FrameIndex: 2}}))
}

func TestReopenResumesState(t *testing.T) {
	dir := t.TempDir()
	logger := logs.NewTestingLog(t)

	db, err := Open(logger, dir)
	require.NoError(t, err)
	require.NoError(t, db.SetTotals(100, 2.0))
	require.NoError(t, db.WriteFeatureRows([]FeatureRow{{FrameIndex: 0}, {FrameIndex: 1}}))
	require.NoError(t, db.Close())

	db, err = Open(logger, dir)
	require.NoError(t, err)
	defer db.Close()

	state, err := db.State()
	require.NoError(t, err)
	require.Equal(t, int64(1), state.LastFrame)
	require.Equal(t, int64(100), state.TotalFrames)
	require.Equal(t, 2.0, state.SampleRate)
	require.False(t, state.IsComplete)

	require.NoError(t, db.SetComplete())
	state, err = db.State()
	require.NoError(t, err)
	require.True(t, state.IsComplete)
}

func TestCliffs(t *testing.T) {
	db := openTestDB(t)

	cliffs, err := db.Cliffs()
	require.NoError(t, err)
	require.Len(t, cliffs, 0)

	require.NoError(t, db.AddCliffs([]Cliff{
		{FrameIndex: 40, Timestamp: "00:03:20", LeftEmptiedFirst: true, Status: CliffUnconfirmed},
		{FrameIndex: 90, Timestamp: "00:07:30", RightEmptiedFirst: true, Status: CliffUnconfirmed},
	}))

	cliffs, err = db.Cliffs()
	require.NoError(t, err)
	require.Len(t, cliffs, 2)
	require.Equal(t, SideLeft, cliffs[0].PullSide())
	require.Equal(t, SideRight, cliffs[1].PullSide())

	cliffs[0].Status = CliffConfirmed
	cliffs[0].LeftTeamColor = ColorLight
	cliffs[0].RightTeamColor = ColorDark
	require.NoError(t, db.ReplaceCliffs(cliffs))

	cliffs, err = db.Cliffs()
	require.NoError(t, err)
	require.Len(t, cliffs, 2)
	require.Equal(t, CliffConfirmed, cliffs[0].Status)
	require.Equal(t, ColorLight, cliffs[0].PullColor())

	require.NoError(t, db.ReplaceCliffs(nil))
	cliffs, err = db.Cliffs()
	require.NoError(t, err)
	require.Len(t, cliffs, 0)
}

func TestSettings(t *testing.T) {
	db := openTestDB(t)

	settings, err := db.Settings()
	require.NoError(t, err)
	settings.LightTeamName = "Sockeye"
	settings.DarkTeamName = "Revolver"
	settings.InitialScoreLight = 3
	settings.TimeOffsetSecs = 12.5
	require.NoError(t, db.SaveSettings(settings))

	got, err := db.Settings()
	require.NoError(t, err)
	require.Equal(t, "Sockeye", got.LightTeamName)
	require.Equal(t, "Revolver", got.DarkTeamName)
	require.Equal(t, 3, got.InitialScoreLight)
	require.Equal(t, 12.5, got.TimeOffsetSecs)
}
