// Package mjpeg reads video as a sequence of JPEG frames.
// The ingest tooling extracts match footage into a directory of numbered
// JPEG files; this package presents that directory as a seekable video
// source. Anything that can produce frames in order (a real container
// demuxer, a test harness) can implement VideoSource instead.
package mjpeg

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmharper/cimg/v2"
)

// VideoSource produces RGB frames in strictly increasing order.
type VideoSource interface {
	// FrameCount returns the total number of frames in the source.
	FrameCount() int

	// FPS returns the nominal frame rate of the source.
	FPS() float64

	// NextFrame decodes and returns the next frame, or io.EOF when the
	// source is exhausted.
	NextFrame() (*cimg.Image, error)

	// Seek positions the source so that the next call to NextFrame returns
	// frame 'index'.
	Seek(index int) error

	Close()
}

// DirSource reads an ordered directory of JPEG frames.
type DirSource struct {
	fps   float64
	files []string
	next  int
}

// OpenDir scans dir for .jpg/.jpeg files and orders them by name.
// Frame index is position in that ordering.
func OpenDir(dir string, fps float64) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan frame directory '%v': %w", dir, err)
	}
	files := []string{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := strings.ToLower(e.Name())
		if strings.HasSuffix(name, ".jpg") || strings.HasSuffix(name, ".jpeg") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no JPEG frames found in '%v'", dir)
	}
	sort.Strings(files)
	if fps <= 0 {
		fps = 1
	}
	return &DirSource{
		fps:   fps,
		files: files,
	}, nil
}

func (s *DirSource) FrameCount() int {
	return len(s.files)
}

func (s *DirSource) FPS() float64 {
	return s.fps
}

func (s *DirSource) NextFrame() (*cimg.Image, error) {
	if s.next >= len(s.files) {
		return nil, io.EOF
	}
	img, err := cimg.ReadFile(s.files[s.next])
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame %v ('%v'): %w", s.next, s.files[s.next], err)
	}
	s.next++
	return img.ToRGB(), nil
}

func (s *DirSource) Seek(index int) error {
	if index < 0 || index > len(s.files) {
		return fmt.Errorf("seek to frame %v out of range [0, %v]", index, len(s.files))
	}
	s.next = index
	return nil
}

func (s *DirSource) Close() {
}
