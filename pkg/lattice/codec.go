package lattice

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Frames carry one header byte: 0 for plain JSON, 1 for zstd-compressed
// JSON. Payloads above compressThreshold are compressed.
const (
	framePlain byte = 0
	frameZstd  byte = 1

	compressThreshold = 4 << 10
)

var errEmptyFrame = errors.New("empty frame")

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(64<<20))
)

func encode(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(raw) <= compressThreshold {
		return append([]byte{framePlain}, raw...), nil
	}
	out := make([]byte, 1, len(raw)/2)
	out[0] = frameZstd
	return zstdEncoder.EncodeAll(raw, out), nil
}

func decode(frame []byte, v any) error {
	if len(frame) == 0 {
		return errEmptyFrame
	}
	body := frame[1:]
	switch frame[0] {
	case framePlain:
	case frameZstd:
		raw, err := zstdDecoder.DecodeAll(body, nil)
		if err != nil {
			return fmt.Errorf("decompress frame: %w", err)
		}
		body = raw
	default:
		return fmt.Errorf("unknown frame type %d", frame[0])
	}
	return json.Unmarshal(body, v)
}
