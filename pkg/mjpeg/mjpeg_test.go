package mjpeg

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/bmharper/cimg/v2"
	"github.com/stretchr/testify/require"
)

func writeTestFrames(t *testing.T, dir string, n int) {
	for i := 0; i < n; i++ {
		img := cimg.NewImage(32, 24, cimg.PixelFormatRGB)
		// Shade each frame differently so decode errors would be visible
		for j := 0; j < len(img.Pixels); j++ {
			img.Pixels[j] = byte(i * 10)
		}
		b, err := cimg.Compress(img, cimg.MakeCompressParams(cimg.Sampling444, 95, 0))
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("frame_%06d.jpg", i)), b, 0644))
	}
}

func TestDirSource(t *testing.T) {
	dir := t.TempDir()
	writeTestFrames(t, dir, 5)

	src, err := OpenDir(dir, 2.0)
	require.NoError(t, err)
	defer src.Close()

	require.Equal(t, 5, src.FrameCount())
	require.Equal(t, 2.0, src.FPS())

	count := 0
	for {
		img, err := src.NextFrame()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.Equal(t, 32, img.Width)
		require.Equal(t, 24, img.Height)
		count++
	}
	require.Equal(t, 5, count)

	// Seek back and re-read
	require.NoError(t, src.Seek(3))
	img, err := src.NextFrame()
	require.NoError(t, err)
	require.NotNil(t, img)
	img, err = src.NextFrame()
	require.NoError(t, err)
	require.NotNil(t, img)
	_, err = src.NextFrame()
	require.Equal(t, io.EOF, err)

	require.Error(t, src.Seek(-1))
	require.Error(t, src.Seek(99))
}

func TestOpenDirEmpty(t *testing.T) {
	dir := t.TempDir()
	_, err := OpenDir(dir, 1)
	require.Error(t, err)
}
