package sender

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Source produces frames. Next returns io.EOF at the end of a finite
// source; Reset rewinds it.
type Source interface {
	Next() (image.Image, error)
	Reset() error
	Close() error
}

// OpenSource picks a source for path: a directory of images, an animated
// GIF, an MJPEG stream (.mjpeg/.mjpg) or a single still image.
func OpenSource(path string) (Source, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	if fi.IsDir() {
		return NewDirSource(path)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gif":
		return NewGIFSource(path)
	case ".mjpeg", ".mjpg":
		return NewMJPEGSource(path)
	}
	return NewImageSource(path)
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

// ImageSource repeats one still image forever.
type ImageSource struct{ img image.Image }

func NewImageSource(path string) (*ImageSource, error) {
	img, err := decodeFile(path)
	if err != nil {
		return nil, err
	}
	return &ImageSource{img: img}, nil
}

func (s *ImageSource) Next() (image.Image, error) { return s.img, nil }
func (s *ImageSource) Reset() error { return nil }
func (s *ImageSource) Close() error { return nil }

// DirSource walks the images of a directory in name order.
type DirSource struct {
	files []string
	pos   int
}

func NewDirSource(dir string) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png", ".gif":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no images in %s", dir)
	}
	sort.Strings(files)
	return &DirSource{files: files}, nil
}

func (s *DirSource) Next() (image.Image, error) {
	if s.pos >= len(s.files) {
		return nil, io.EOF
	}
	path := s.files[s.pos]
	s.pos++
	return decodeFile(path)
}

func (s *DirSource) Reset() error {
	s.pos = 0
	return nil
}

func (s *DirSource) Close() error { return nil }

// GIFSource plays the frames of an animated GIF, composited onto a canvas
// the size of the logical screen.
type GIFSource struct {
	frames []image.Image
	pos    int
}

func NewGIFSource(path string) (*GIFSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	g, err := gif.DecodeAll(f)
	if err != nil {
		return nil, fmt.Errorf("decode gif: %w", err)
	}
	return &GIFSource{frames: compositeGIF(g)}, nil
}

func compositeGIF(g *gif.GIF) []image.Image {
	bounds := image.Rect(0, 0, g.Config.Width, g.Config.Height)
	if bounds.Empty() && len(g.Image) > 0 {
		bounds = g.Image[0].Bounds()
	}
	canvas := image.NewRGBA(bounds)
	out := make([]image.Image, 0, len(g.Image))
	for _, frame := range g.Image {
		draw.Draw(canvas, frame.Bounds(), frame, frame.Bounds().Min, draw.Over)
		snap := image.NewRGBA(bounds)
		copy(snap.Pix, canvas.Pix)
		out = append(out, snap)
	}
	return out
}

func (s *GIFSource) Next() (image.Image, error) {
	if s.pos >= len(s.frames) {
		return nil, io.EOF
	}
	img := s.frames[s.pos]
	s.pos++
	return img, nil
}

func (s *GIFSource) Reset() error {
	s.pos = 0
	return nil
}

func (s *GIFSource) Close() error { return nil }

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// MJPEGSource splits a file of concatenated JPEG images.
type MJPEGSource struct {
	parts [][]byte
	pos   int
}

func NewMJPEGSource(path string) (*MJPEGSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	parts := SplitMJPEG(data)
	if len(parts) == 0 {
		return nil, fmt.Errorf("no jpeg frames in %s", path)
	}
	return &MJPEGSource{parts: parts}, nil
}

// SplitMJPEG returns each SOI..EOI run in data.
func SplitMJPEG(data []byte) [][]byte {
	var out [][]byte
	for {
		start := bytes.Index(data, jpegSOI)
		if start < 0 {
			return out
		}
		end := bytes.Index(data[start+2:], jpegEOI)
		if end < 0 {
			return out
		}
		stop := start + 2 + end + 2
		out = append(out, data[start:stop])
		data = data[stop:]
	}
}

func (s *MJPEGSource) Next() (image.Image, error) {
	if s.pos >= len(s.parts) {
		return nil, io.EOF
	}
	part := s.parts[s.pos]
	s.pos++
	img, _, err := image.Decode(bytes.NewReader(part))
	if err != nil {
		return nil, fmt.Errorf("decode mjpeg frame %d: %w", s.pos-1, err)
	}
	return img, nil
}

func (s *MJPEGSource) Reset() error {
	s.pos = 0
	return nil
}

func (s *MJPEGSource) Close() error { return nil }
