// Package rundb is the per-run SQLite database: the feature table written by
// the pipeline, the cliff candidates, the operator's audit settings, and the
// run bookkeeping used for resume.
package rundb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"gorm.io/gorm"
)

// Filename of the per-run database, inside the run directory.
const DBFilename = "run.sqlite"

// RunDB wraps the SQLite database of a single run.
type RunDB struct {
	Root string // Run directory

	log logs.Log
	db  *gorm.DB
}

// Open or create the database for the run directory 'root'.
func Open(logger logs.Log, root string) (*RunDB, error) {
	logger = logs.NewPrefixLogger(logger, "rundb")

	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0770); err != nil {
		return nil, fmt.Errorf("Failed to create run directory '%v': %w", root, err)
	}

	dbPath := filepath.Join(root, DBFilename)
	db, err := dbh.OpenDB(logger, dbh.MakeSqliteConfig(dbPath), Migrations(logger), 0)
	if err != nil {
		return nil, fmt.Errorf("Failed to open run database %v: %w", dbPath, err)
	}

	self := &RunDB{
		Root: root,
		log:  logger,
		db:   db,
	}
	if err := self.ensureSingletons(); err != nil {
		return nil, err
	}
	return self, nil
}

func (r *RunDB) Close() error {
	sql, err := r.db.DB()
	if err != nil {
		return err
	}
	return sql.Close()
}

// Create the single-row tables if this is a fresh database.
func (r *RunDB) ensureSingletons() error {
	state := RunState{}
	err := r.db.First(&state, 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		state = RunState{ID: 1, LastFrame: -1}
		if err := r.db.Create(&state).Error; err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	settings := AuditSettings{}
	err = r.db.First(&settings, 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		settings = DefaultAuditSettings()
		return r.db.Create(&settings).Error
	}
	return err
}

// WriteFeatureRows persists a batch of feature rows and advances LastFrame.
// Rows must arrive in strictly increasing frame_index order across the life
// of the run; re-writing an existing index is an error.
func (r *RunDB) WriteFeatureRows(rows []FeatureRow) error {
	if len(rows) == 0 {
		return nil
	}
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&rows).Error; err != nil {
			return err
		}
		last := rows[len(rows)-1].FrameIndex
		return tx.Model(&RunState{}).Where("id = 1").Update("last_frame", last).Error
	})
}

// Features returns all feature rows ordered by frame_index.
func (r *RunDB) Features() ([]FeatureRow, error) {
	rows := []FeatureRow{}
	if err := r.db.Order("frame_index").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// FeatureRange returns feature rows with startIdx <= frame_index < endIdx,
// ordered by frame_index.
func (r *RunDB) FeatureRange(startIdx, endIdx int64) ([]FeatureRow, error) {
	rows := []FeatureRow{}
	err := r.db.Where("frame_index >= ? AND frame_index < ?", startIdx, endIdx).
		Order("frame_index").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Cliffs returns all cliff candidates ordered by frame_index.
func (r *RunDB) Cliffs() ([]Cliff, error) {
	cliffs := []Cliff{}
	if err := r.db.Order("frame_index").Find(&cliffs).Error; err != nil {
		return nil, err
	}
	return cliffs, nil
}

// ReplaceCliffs atomically replaces the entire cliff table.
// The audit engine recomputes every cliff's derived state on each mutation,
// so whole-table replacement is the natural write granularity.
func (r *RunDB) ReplaceCliffs(cliffs []Cliff) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DELETE FROM cliff").Error; err != nil {
			return err
		}
		if len(cliffs) == 0 {
			return nil
		}
		return tx.Create(&cliffs).Error
	})
}

// AddCliffs inserts newly detected cliff candidates.
func (r *RunDB) AddCliffs(cliffs []Cliff) error {
	if len(cliffs) == 0 {
		return nil
	}
	return r.db.Create(&cliffs).Error
}

// MarkCliffRows sets is_cliff on already persisted feature rows.
func (r *RunDB) MarkCliffRows(frameIdxs []int64) error {
	if len(frameIdxs) == 0 {
		return nil
	}
	return r.db.Model(&FeatureRow{}).Where("frame_index IN ?", frameIdxs).Update("is_cliff", true).Error
}

// Settings returns the operator's audit settings.
func (r *RunDB) Settings() (AuditSettings, error) {
	settings := AuditSettings{}
	err := r.db.First(&settings, 1).Error
	return settings, err
}

// SaveSettings overwrites the audit settings.
func (r *RunDB) SaveSettings(settings AuditSettings) error {
	settings.ID = 1
	return r.db.Save(&settings).Error
}

// State returns the run bookkeeping row.
func (r *RunDB) State() (RunState, error) {
	state := RunState{}
	err := r.db.First(&state, 1).Error
	return state, err
}

// LastFrameIndex returns the highest persisted frame_index, or -1 when the
// feature table is empty. A restarted run resumes from LastFrameIndex()+1.
func (r *RunDB) LastFrameIndex() (int64, error) {
	state, err := r.State()
	if err != nil {
		return -1, err
	}
	return state.LastFrame, nil
}

// SetTotals records the frame count and sample rate of the source, before
// processing starts.
func (r *RunDB) SetTotals(totalFrames int64, sampleRate float64) error {
	return r.db.Model(&RunState{}).Where("id = 1").
		Updates(map[string]any{"total_frames": totalFrames, "sample_rate": sampleRate}).Error
}

// SetComplete marks the run as fully processed.
func (r *RunDB) SetComplete() error {
	return r.db.Model(&RunState{}).Where("id = 1").Update("is_complete", true).Error
}
