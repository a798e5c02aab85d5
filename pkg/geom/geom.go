// Package geom provides the 2D primitives shared by calibration, cropping
// and feature extraction: normalized points/boxes, pixel rects, and polygon
// operations.
package geom

import (
	"github.com/chewxy/math32"
)

// A 2D point. Depending on context the coordinates are either normalized
// [0,1] (calibration space) or pixels (crop-local space).
type Point struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
}

func (p Point) Distance(b Point) float32 {
	return math32.Sqrt((p.X-b.X)*(p.X-b.X) + (p.Y-b.Y)*(p.Y-b.Y))
}

// Normalized bounding box (x, y, w, h in [0,1] of the source image).
type BBox struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	W float32 `json:"w"`
	H float32 `json:"h"`
}

// Integer pixel rectangle
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (r Rect) Area() int {
	return r.Width * r.Height
}

func (r Rect) X2() int {
	return r.X + r.Width
}

func (r Rect) Y2() int {
	return r.Y + r.Height
}

func (r Rect) Intersection(b Rect) Rect {
	x1 := max(r.X, b.X)
	y1 := max(r.Y, b.Y)
	x2 := min(r.X+r.Width, b.X+b.Width)
	y2 := min(r.Y+r.Height, b.Y+b.Height)
	return Rect{
		X:      x1,
		Y:      y1,
		Width:  max(0, x2-x1),
		Height: max(0, y2-y1),
	}
}

func (r Rect) Union(b Rect) Rect {
	x1 := min(r.X, b.X)
	y1 := min(r.Y, b.Y)
	x2 := max(r.X+r.Width, b.X+b.Width)
	y2 := max(r.Y+r.Height, b.Y+b.Height)
	return Rect{
		X:      x1,
		Y:      y1,
		Width:  x2 - x1,
		Height: y2 - y1,
	}
}

// Intersection over Union
func (r Rect) IOU(b Rect) float32 {
	intersection := r.Intersection(b)
	return float32(intersection.Area()) / float32(r.Area()+b.Area()-intersection.Area())
}

func (r Rect) Center() Point {
	return Point{
		X: float32(r.X) + float32(r.Width)/2,
		Y: float32(r.Y) + float32(r.Height)/2,
	}
}

func (r *Rect) Offset(dx, dy int) {
	r.X += dx
	r.Y += dy
}

// PointInPolygon returns true if (x,y) is inside the polygon, using the
// even-odd ray casting rule. Points exactly on an edge are implementation
// defined, which is fine for our purposes (a player standing precisely on a
// painted line is ambiguous to a human too).
func PointInPolygon(x, y float32, poly []Point) bool {
	if len(poly) < 3 {
		return false
	}
	inside := false
	j := len(poly) - 1
	for i := 0; i < len(poly); i++ {
		pi := poly[i]
		pj := poly[j]
		if (pi.Y > y) != (pj.Y > y) &&
			x < (pj.X-pi.X)*(y-pi.Y)/(pj.Y-pi.Y)+pi.X {
			inside = !inside
		}
		j = i
	}
	return inside
}

// PolygonBounds returns the axis-aligned bounds of the polygon.
func PolygonBounds(poly []Point) (minX, minY, maxX, maxY float32) {
	minX, minY = math32.MaxFloat32, math32.MaxFloat32
	maxX, maxY = -math32.MaxFloat32, -math32.MaxFloat32
	for _, p := range poly {
		minX = min(minX, p.X)
		maxX = max(maxX, p.X)
		minY = min(minY, p.Y)
		maxY = max(maxY, p.Y)
	}
	return
}

// PolygonDiagonal returns the diagonal length of the polygon's bounds.
func PolygonDiagonal(poly []Point) float32 {
	if len(poly) == 0 {
		return 0
	}
	minX, minY, maxX, maxY := PolygonBounds(poly)
	w := maxX - minX
	h := maxY - minY
	return math32.Sqrt(w*w + h*h)
}

// PolygonCentroid returns the vertex centroid of the polygon.
func PolygonCentroid(poly []Point) Point {
	c := Point{}
	if len(poly) == 0 {
		return c
	}
	for _, p := range poly {
		c.X += p.X
		c.Y += p.Y
	}
	c.X /= float32(len(poly))
	c.Y /= float32(len(poly))
	return c
}

// BufferPolygon offsets every vertex away from the centroid by 'dist'
// (negative dist contracts). Coordinates are clamped to [0,1], so this is
// only meaningful for normalized polygons.
func BufferPolygon(poly []Point, dist float32) []Point {
	c := PolygonCentroid(poly)
	out := make([]Point, len(poly))
	for i, p := range poly {
		d := p.Distance(c)
		if d < 1e-6 {
			out[i] = p
			continue
		}
		scale := (d + dist) / d
		out[i] = Point{
			X: min(max(c.X+(p.X-c.X)*scale, 0), 1),
			Y: min(max(c.Y+(p.Y-c.Y)*scale, 0), 1),
		}
	}
	return out
}

// BoundsWithPadding computes the polygon's bounding box expanded by 'pad' on
// every side, clamped to [0,1]. Returns false if the polygon is empty or
// degenerate.
func BoundsWithPadding(poly []Point, pad float32) (BBox, bool) {
	if len(poly) == 0 {
		return BBox{}, false
	}
	minX, minY, maxX, maxY := PolygonBounds(poly)
	x1 := max(minX-pad, 0)
	y1 := max(minY-pad, 0)
	x2 := min(maxX+pad, 1)
	y2 := min(maxY+pad, 1)
	if x2-x1 <= 0 || y2-y1 <= 0 {
		return BBox{}, false
	}
	return BBox{X: x1, Y: y1, W: x2 - x1, H: y2 - y1}, true
}

// TransformToLocal maps a polygon from global normalized coordinates into
// the pixel space of a crop taken at 'bbox' with dimensions cropW x cropH.
func TransformToLocal(poly []Point, bbox BBox, cropW, cropH float32) []Point {
	out := make([]Point, len(poly))
	for i, p := range poly {
		out[i] = Point{
			X: ((p.X - bbox.X) / bbox.W) * cropW,
			Y: ((p.Y - bbox.Y) / bbox.H) * cropH,
		}
	}
	return out
}
