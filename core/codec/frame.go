// Package codec implements the byte framing used on stream-oriented links
// such as serial ports, where message boundaries are not preserved.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// FrameMagic is the magic number that starts every frame.
	FrameMagic uint16 = 0x5A45
	// MaxFramePayload is the maximum payload size in a frame.
	MaxFramePayload = 8192
	// FrameHeaderSize is the size of the frame header (magic 2 + length 2).
	FrameHeaderSize = 4
	// FrameChecksumSize is the size of the checksum at the end of a frame.
	FrameChecksumSize = 2
	// MinFrameSize is the minimum valid frame size (header + checksum).
	MinFrameSize = FrameHeaderSize + FrameChecksumSize
)

var (
	ErrFrameTooShort    = errors.New("frame too short")
	ErrInvalidMagic     = errors.New("invalid frame magic")
	ErrPayloadTooLarge  = errors.New("payload exceeds maximum size")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrIncompleteFrame  = errors.New("incomplete frame")
)

// DecodeFrame decodes one frame from the start of data.
// It returns the payload, the bytes following the frame, and an error if
// decoding failed. On error the returned remainder is data unchanged.
//
// Frame format: [magic (2 bytes BE)][length (2 bytes BE)][payload][Fletcher-16 (2 bytes BE)]
func DecodeFrame(data []byte) ([]byte, []byte, error) {
	if len(data) < MinFrameSize {
		return nil, data, ErrFrameTooShort
	}

	if binary.BigEndian.Uint16(data[0:2]) != FrameMagic {
		return nil, data, ErrInvalidMagic
	}

	payloadLen := int(binary.BigEndian.Uint16(data[2:4]))
	if payloadLen > MaxFramePayload {
		return nil, data, ErrPayloadTooLarge
	}

	total := FrameHeaderSize + payloadLen + FrameChecksumSize
	if len(data) < total {
		return nil, data, ErrIncompleteFrame
	}

	payload := data[FrameHeaderSize : FrameHeaderSize+payloadLen]
	received := binary.BigEndian.Uint16(data[FrameHeaderSize+payloadLen : total])
	if !ValidateChecksum(payload, received) {
		return nil, data, fmt.Errorf("%w: expected %04x, got %04x",
			ErrChecksumMismatch, Fletcher16(payload), received)
	}

	out := make([]byte, payloadLen)
	copy(out, payload)
	return out, data[total:], nil
}

// EncodeFrame wraps payload in a frame.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > MaxFramePayload {
		return nil, ErrPayloadTooLarge
	}

	frame := make([]byte, FrameHeaderSize+len(payload)+FrameChecksumSize)
	binary.BigEndian.PutUint16(frame[0:2], FrameMagic)
	binary.BigEndian.PutUint16(frame[2:4], uint16(len(payload)))
	copy(frame[FrameHeaderSize:], payload)
	binary.BigEndian.PutUint16(frame[FrameHeaderSize+len(payload):], Fletcher16(payload))
	return frame, nil
}

// FindMagic returns the index of the first frame magic in data, or -1.
func FindMagic(data []byte) int {
	hi, lo := byte(FrameMagic>>8), byte(FrameMagic&0xFF)
	for i := 0; i+1 < len(data); i++ {
		if data[i] == hi && data[i+1] == lo {
			return i
		}
	}
	return -1
}

// Splitter accumulates stream bytes and yields complete frame payloads.
// Bytes that cannot start a valid frame are skipped by resynchronising on
// the next magic number. A Splitter is not safe for concurrent use.
type Splitter struct {
	buf []byte
	// Dropped counts frames discarded because of a bad checksum or length.
	Dropped int
}

// Write appends stream bytes and returns every payload completed by them.
func (s *Splitter) Write(data []byte) [][]byte {
	s.buf = append(s.buf, data...)

	var out [][]byte
	for len(s.buf) >= MinFrameSize {
		payload, rest, err := DecodeFrame(s.buf)
		if err == nil {
			out = append(out, payload)
			s.buf = rest
			continue
		}
		if errors.Is(err, ErrIncompleteFrame) {
			break
		}
		if !errors.Is(err, ErrInvalidMagic) {
			s.Dropped++
		}
		if idx := FindMagic(s.buf[1:]); idx >= 0 {
			s.buf = s.buf[1+idx:]
			continue
		}
		// Keep a trailing half magic so the next write can complete it.
		if s.buf[len(s.buf)-1] == byte(FrameMagic>>8) {
			s.buf = s.buf[len(s.buf)-1:]
		} else {
			s.buf = s.buf[:0]
		}
		break
	}

	if len(s.buf) == 0 {
		s.buf = nil
	}
	return out
}

// Buffered returns the number of bytes waiting for the rest of a frame.
func (s *Splitter) Buffered() int {
	return len(s.buf)
}
