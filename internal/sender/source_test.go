package sender

import (
	"bytes"
	"image"
	"image/color"
	"image/color/palette"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePNG(t *testing.T, path string, c color.RGBA) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, solid(c)))
}

func jpegBytes(t *testing.T, c color.RGBA) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, solid(c), nil))
	return buf.Bytes()
}

func TestDirSourceOrderAndEOF(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "b.png"), blue)
	writePNG(t, filepath.Join(dir, "a.png"), red)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	src, err := OpenSource(dir)
	require.NoError(t, err)
	require.IsType(t, &DirSource{}, src)

	first, err := src.Next()
	require.NoError(t, err)
	r, _, _, _ := first.At(0, 0).RGBA()
	assert.Equal(t, uint32(0xffff), r, "a.png comes first")
	_, err = src.Next()
	require.NoError(t, err)
	_, err = src.Next()
	assert.ErrorIs(t, err, io.EOF)
	require.NoError(t, src.Reset())
	_, err = src.Next()
	assert.NoError(t, err)
}

func TestEmptyDirFails(t *testing.T) {
	_, err := OpenSource(t.TempDir())
	assert.Error(t, err)
}

func TestImageSourceRepeats(t *testing.T) {
	path := filepath.Join(t.TempDir(), "still.png")
	writePNG(t, path, red)
	src, err := OpenSource(path)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		img, err := src.Next()
		require.NoError(t, err)
		assert.Equal(t, 32, img.Bounds().Dx())
	}
}

func TestGIFSourceFrames(t *testing.T) {
	g := &gif.GIF{Config: image.Config{Width: 8, Height: 8}}
	for i := 0; i < 3; i++ {
		frame := image.NewPaletted(image.Rect(0, 0, 8, 8), palette.Plan9)
		g.Image = append(g.Image, frame)
		g.Delay = append(g.Delay, 10)
	}
	path := filepath.Join(t.TempDir(), "anim.gif")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, gif.EncodeAll(f, g))
	require.NoError(t, f.Close())

	src, err := OpenSource(path)
	require.NoError(t, err)
	require.IsType(t, &GIFSource{}, src)
	n := 0
	for {
		_, err := src.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		n++
	}
	assert.Equal(t, 3, n)
}

func TestMJPEGSource(t *testing.T) {
	stream := append(append([]byte("junk"), jpegBytes(t, red)...), jpegBytes(t, blue)...)
	parts := SplitMJPEG(stream)
	require.Len(t, parts, 2)

	path := filepath.Join(t.TempDir(), "clip.mjpeg")
	require.NoError(t, os.WriteFile(path, stream, 0o644))
	src, err := OpenSource(path)
	require.NoError(t, err)
	_, err = src.Next()
	require.NoError(t, err)
	img, err := src.Next()
	require.NoError(t, err)
	_, _, b, _ := img.At(16, 16).RGBA()
	assert.Greater(t, b, uint32(0x8000))
	_, err = src.Next()
	assert.ErrorIs(t, err, io.EOF)
}
