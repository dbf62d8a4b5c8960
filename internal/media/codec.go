package media

import (
	"bytes"
	"fmt"
	"image/jpeg"
)

// Codec validates and normalizes a reassembled frame payload before it is
// promoted to a sender's latest-frame slot. A failed transcode drops the
// frame; the assembly buffer is discarded either way.
type Codec interface {
	Transcode(payload []byte) ([]byte, error)
}

// JPEGCodec decodes a video frame and re-encodes it at a fixed quality.
// Undecodable payloads never reach receivers.
type JPEGCodec struct {
	Quality int
}

func (c JPEGCodec) Transcode(payload []byte) ([]byte, error) {
	img, err := jpeg.Decode(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("decode video frame: %w", err)
	}
	quality := c.Quality
	if quality < 1 || quality > 100 {
		quality = 70
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode video frame: %w", err)
	}
	return buf.Bytes(), nil
}

// PCMCodec passes raw 16-bit PCM through, rejecting payloads that cannot be
// int16 samples.
type PCMCodec struct{}

func (PCMCodec) Transcode(payload []byte) ([]byte, error) {
	if len(payload) == 0 || len(payload)%2 != 0 {
		return nil, fmt.Errorf("pcm payload of %d bytes is not int16-aligned", len(payload))
	}
	return payload, nil
}
