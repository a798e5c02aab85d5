// Package calib loads the boundary calibration artifact for a run and
// derives the per-zone crop configuration the pipeline consumes.
// Calibration itself (a human drawing polygons on a reference frame) happens
// elsewhere; we only read its output.
package calib

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/deignacio/sprinting-boxes/pkg/geom"
)

// ErrMissingCropConfig means the run has no boundary calibration yet.
// Processing cannot start until the operator calibrates.
var ErrMissingCropConfig = errors.New("missing crop config (run is not calibrated)")

// Zone names. Every CropConfig carries exactly these zones, and every
// CropSet built from it must contain all of them.
const (
	ZoneLeftEndZone  = "left_end_zone"
	ZoneRightEndZone = "right_end_zone"
	ZoneField        = "field"
	ZoneOverview     = "overview"
)

// BoundariesFilename is the calibration artifact written by the boundary UI.
const BoundariesFilename = "field_boundaries.json"

// CropsFilename is the derived crop configuration.
const CropsFilename = "crops.json"

// ROIDef is the padded bounding box enclosing all calibrated zones,
// normalized to the source frame. Zone polygons in FieldBoundaries are
// relative to this ROI when present.
type ROIDef struct {
	X float32 `json:"x_normalized"`
	Y float32 `json:"y_normalized"`
	W float32 `json:"width_normalized"`
	H float32 `json:"height_normalized"`
}

// FieldBoundaries is the calibration artifact: zone polygons as drawn by
// the operator, plus the optional ROI they are relative to.
type FieldBoundaries struct {
	Field        []geom.Point `json:"field"`
	LeftEndZone  []geom.Point `json:"left_end_zone"`
	RightEndZone []geom.Point `json:"right_end_zone"`
	ROI          *ROIDef      `json:"roi,omitempty"`
}

// GlobalPoints transforms points from ROI-relative to global normalized coordinates.
func (fb *FieldBoundaries) GlobalPoints(points []geom.Point) []geom.Point {
	out := make([]geom.Point, len(points))
	for i, p := range points {
		if fb.ROI != nil {
			out[i] = geom.Point{
				X: fb.ROI.X + p.X*fb.ROI.W,
				Y: fb.ROI.Y + p.Y*fb.ROI.H,
			}
		} else {
			out[i] = p
		}
	}
	return out
}

// ZoneSpec is one zone's crop configuration: where to crop the frame, and
// the polygons (global normalized coordinates) used for counting.
type ZoneSpec struct {
	Name             string       `json:"name"`
	BBox             geom.BBox    `json:"bbox"`
	OriginalPolygon  []geom.Point `json:"original_polygon"`
	EffectivePolygon []geom.Point `json:"effective_polygon"`
}

// CropConfig is the full per-run crop configuration.
type CropConfig struct {
	Zones []ZoneSpec `json:"zones"`
}

// Zone returns the named zone spec, or nil.
func (c *CropConfig) Zone(name string) *ZoneSpec {
	for i := range c.Zones {
		if c.Zones[i].Name == name {
			return &c.Zones[i]
		}
	}
	return nil
}

// Params controlling how crop specs are derived from boundaries.
type Params struct {
	// BufferPct expands each end zone polygon by this fraction of its own
	// diagonal, to catch players straddling the line. The effective polygon
	// is the expanded one; the original is kept for display.
	BufferPct float32

	// CropPaddingPct pads each zone's crop bbox by this much (normalized
	// units) on every side, so the crop captures context beyond the
	// buffered polygon.
	CropPaddingPct float32
}

func DefaultParams() Params {
	return Params{
		BufferPct:      0.06,
		CropPaddingPct: 0.02,
	}
}

// BuildCropConfig derives the crop configuration from calibration boundaries.
func BuildCropConfig(fb *FieldBoundaries, params Params) (*CropConfig, error) {
	if len(fb.LeftEndZone) < 3 || len(fb.RightEndZone) < 3 || len(fb.Field) < 3 {
		return nil, fmt.Errorf("%w: boundary polygons are incomplete", ErrMissingCropConfig)
	}

	field := fb.GlobalPoints(fb.Field)

	zones := []ZoneSpec{}
	endZones := []struct {
		name string
		poly []geom.Point
	}{
		{ZoneLeftEndZone, fb.GlobalPoints(fb.LeftEndZone)},
		{ZoneRightEndZone, fb.GlobalPoints(fb.RightEndZone)},
	}
	for _, z := range endZones {
		bufferDist := geom.PolygonDiagonal(z.poly) * params.BufferPct
		effective := geom.BufferPolygon(z.poly, bufferDist)
		bbox, ok := geom.BoundsWithPadding(effective, params.CropPaddingPct)
		if !ok {
			return nil, fmt.Errorf("zone %v has a degenerate bounding box", z.name)
		}
		zones = append(zones, ZoneSpec{
			Name:             z.name,
			BBox:             bbox,
			OriginalPolygon:  z.poly,
			EffectivePolygon: effective,
		})
	}

	fieldBBox, ok := geom.BoundsWithPadding(field, params.CropPaddingPct)
	if !ok {
		return nil, fmt.Errorf("field has a degenerate bounding box")
	}
	zones = append(zones, ZoneSpec{
		Name:             ZoneField,
		BBox:             fieldBBox,
		OriginalPolygon:  field,
		EffectivePolygon: field,
	})

	// Overview: everything the calibration touches, for the operator UI
	all := append(append([]geom.Point{}, field...), zones[0].EffectivePolygon...)
	all = append(all, zones[1].EffectivePolygon...)
	overviewBBox, _ := geom.BoundsWithPadding(all, params.CropPaddingPct)
	zones = append(zones, ZoneSpec{
		Name:             ZoneOverview,
		BBox:             overviewBBox,
		OriginalPolygon:  field,
		EffectivePolygon: field,
	})

	return &CropConfig{Zones: zones}, nil
}

// LoadBoundaries reads field_boundaries.json from the run directory.
func LoadBoundaries(runDir string) (*FieldBoundaries, error) {
	b, err := os.ReadFile(filepath.Join(runDir, BoundariesFilename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrMissingCropConfig
		}
		return nil, err
	}
	fb := &FieldBoundaries{}
	if err := json.Unmarshal(b, fb); err != nil {
		return nil, fmt.Errorf("failed to parse %v: %w", BoundariesFilename, err)
	}
	return fb, nil
}

// LoadCropConfig reads crops.json from the run directory, rebuilding it from
// the boundaries artifact if absent.
func LoadCropConfig(runDir string, params Params) (*CropConfig, error) {
	b, err := os.ReadFile(filepath.Join(runDir, CropsFilename))
	if err == nil {
		cfg := &CropConfig{}
		if err := json.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %v: %w", CropsFilename, err)
		}
		return cfg, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	fb, err := LoadBoundaries(runDir)
	if err != nil {
		return nil, err
	}
	cfg, err := BuildCropConfig(fb, params)
	if err != nil {
		return nil, err
	}
	if err := SaveCropConfig(runDir, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveCropConfig writes crops.json into the run directory.
func SaveCropConfig(runDir string, cfg *CropConfig) error {
	b, err := json.MarshalIndent(cfg, "", "\t")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(runDir, CropsFilename), b, 0644)
}

// SaveBoundaries writes field_boundaries.json into the run directory.
func SaveBoundaries(runDir string, fb *FieldBoundaries) error {
	b, err := json.MarshalIndent(fb, "", "\t")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(runDir, BoundariesFilename), b, 0644)
}
