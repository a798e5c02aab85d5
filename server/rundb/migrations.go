package rundb

import (
	"github.com/BurntSushi/migration"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
)

func Migrations(log logs.Log) []migration.Migrator {
	migs := []migration.Migrator{}
	idx := 0

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE TABLE feature_row(
			frame_index INTEGER PRIMARY KEY,
			left_count REAL NOT NULL,
			right_count REAL NOT NULL,
			field_count REAL NOT NULL,
			pre_point_score REAL NOT NULL,
			is_cliff INT NOT NULL,
			com_x REAL NOT NULL,
			com_y REAL NOT NULL,
			dist_std_dev REAL NOT NULL,
			com_delta_x REAL NOT NULL,
			com_delta_y REAL NOT NULL,
			std_dev_delta REAL NOT NULL
		);

		CREATE TABLE cliff(
			frame_index INTEGER PRIMARY KEY,
			timestamp TEXT NOT NULL,
			left_emptied_first INT NOT NULL,
			right_emptied_first INT NOT NULL,
			maybe_false_positive INT NOT NULL,
			status TEXT NOT NULL,
			manual_side_override TEXT NOT NULL DEFAULT '',
			manual_color_override TEXT NOT NULL DEFAULT '',
			left_team_color TEXT NOT NULL DEFAULT '',
			right_team_color TEXT NOT NULL DEFAULT '',
			score_light INT NOT NULL DEFAULT 0,
			score_dark INT NOT NULL DEFAULT 0,
			is_break INT NOT NULL DEFAULT 0
		);

		CREATE TABLE audit_settings(
			id INTEGER PRIMARY KEY,
			light_team_name TEXT NOT NULL,
			dark_team_name TEXT NOT NULL,
			initial_score_light INT NOT NULL,
			initial_score_dark INT NOT NULL,
			time_offset_secs REAL NOT NULL,
			video_start_time TEXT NOT NULL
		);

		CREATE TABLE run_state(
			id INTEGER PRIMARY KEY,
			last_frame INT NOT NULL,
			total_frames INT NOT NULL,
			is_complete INT NOT NULL,
			sample_rate REAL NOT NULL
		);
	`))

	return migs
}
