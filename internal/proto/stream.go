package proto

import (
	"bufio"
	"fmt"
	"io"

	"github.com/meshcommons/meshlink/internal/mesh"
)

// Stream framing used on serial and TCP links:
//
//	0x94 0xC3 <len hi> <len lo> <payload>
//
// Bytes outside a frame (boot messages, debug console output) are skipped.
const (
	frameStart1  = 0x94
	frameStart2  = 0xc3
	headerLen    = 4
	MaxFrameSize = 512
)

// EncodeFrame prefixes payload with the stream header.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("proto: frame of %d bytes exceeds %d: %w", len(payload), MaxFrameSize, mesh.ErrProtocolViolation)
	}
	out := make([]byte, headerLen, headerLen+len(payload))
	out[0] = frameStart1
	out[1] = frameStart2
	out[2] = byte(len(payload) >> 8)
	out[3] = byte(len(payload))
	return append(out, payload...), nil
}

// FrameReader extracts frames from a byte stream.
type FrameReader struct {
	r *bufio.Reader
	// Skipped counts bytes discarded while hunting for a frame header.
	Skipped int
}

// NewFrameReader wraps r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReaderSize(r, 2*MaxFrameSize)}
}

// ReadFrame blocks until a complete frame is available and returns its
// payload. An oversize length is reported as a protocol violation; the
// reader has already resynchronised and the next call continues after it.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	for {
		b, err := fr.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != frameStart1 {
			fr.Skipped++
			continue
		}
		b, err = fr.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != frameStart2 {
			fr.Skipped++
			if b == frameStart1 {
				// Could be the real start; push it back.
				_ = fr.r.UnreadByte()
			} else {
				fr.Skipped++
			}
			continue
		}

		var lenBuf [2]byte
		if _, err := io.ReadFull(fr.r, lenBuf[:]); err != nil {
			return nil, err
		}
		n := int(lenBuf[0])<<8 | int(lenBuf[1])
		if n > MaxFrameSize {
			fr.Skipped += headerLen
			return nil, fmt.Errorf("proto: frame length %d exceeds %d: %w", n, MaxFrameSize, mesh.ErrProtocolViolation)
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(fr.r, payload); err != nil {
			return nil, err
		}
		return payload, nil
	}
}
