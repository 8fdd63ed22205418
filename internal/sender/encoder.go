package sender

import (
	"bytes"
	"image"
	"image/jpeg"
)

const DefaultQuality = 80

// Encoder compresses a frame for the wire.
type Encoder interface {
	Encode(img image.Image, quality int) ([]byte, error)
}

type JPEGEncoder struct{}

func (JPEGEncoder) Encode(img image.Image, quality int) ([]byte, error) {
	if quality < 1 || quality > 100 {
		quality = DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
