package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustFrame(t *testing.T, payload []byte) []byte {
	t.Helper()
	frame, err := EncodeFrame(payload)
	require.NoError(t, err)
	return frame
}

func TestDecodeFrame_Errors(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{name: "too short", data: []byte{0x5A, 0x45}, wantErr: ErrFrameTooShort},
		{name: "invalid magic", data: []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00}, wantErr: ErrInvalidMagic},
		{name: "incomplete frame", data: []byte{0x5A, 0x45, 0x00, 0x05, 0x01, 0x02}, wantErr: ErrIncompleteFrame},
		{name: "oversized length", data: []byte{0x5A, 0x45, 0xFF, 0xFF, 0x00, 0x00}, wantErr: ErrPayloadTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, rest, err := DecodeFrame(tt.data)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.data, rest)
		})
	}
}

func TestDecodeFrame_ChecksumMismatch(t *testing.T) {
	frame := mustFrame(t, []byte("hello"))
	frame[len(frame)-1] ^= 0xFF

	_, _, err := DecodeFrame(frame)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestEncodeDecodeFrame(t *testing.T) {
	payloads := [][]byte{
		{},
		{0x42},
		[]byte(`{"Post":{"id":"p1","author":"A","content":"hello","timestamp":1000}}`),
		bytes.Repeat([]byte{0xAB}, MaxFramePayload),
	}

	for _, payload := range payloads {
		frame := mustFrame(t, payload)
		got, rest, err := DecodeFrame(append(frame, 0x01, 0x02))
		require.NoError(t, err)
		assert.Equal(t, payload, got)
		assert.Equal(t, []byte{0x01, 0x02}, rest)
	}
}

func TestEncodeFrame_TooLarge(t *testing.T) {
	_, err := EncodeFrame(make([]byte, MaxFramePayload+1))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestFindMagic(t *testing.T) {
	assert.Equal(t, -1, FindMagic(nil))
	assert.Equal(t, -1, FindMagic([]byte{0x5A}))
	assert.Equal(t, 0, FindMagic([]byte{0x5A, 0x45}))
	assert.Equal(t, 2, FindMagic([]byte{0x00, 0x5A, 0x5A, 0x45}))
}

func TestSplitter_MultipleFrames(t *testing.T) {
	var s Splitter
	data := append(mustFrame(t, []byte("one")), mustFrame(t, []byte("two"))...)

	got := s.Write(data)
	require.Len(t, got, 2)
	assert.Equal(t, []byte("one"), got[0])
	assert.Equal(t, []byte("two"), got[1])
	assert.Equal(t, 0, s.Buffered())
}

func TestSplitter_PartialWrites(t *testing.T) {
	var s Splitter
	frame := mustFrame(t, []byte("split across reads"))

	var got [][]byte
	for i := range frame {
		got = append(got, s.Write(frame[i:i+1])...)
	}
	require.Len(t, got, 1)
	assert.Equal(t, []byte("split across reads"), got[0])
}

func TestSplitter_SkipsGarbage(t *testing.T) {
	var s Splitter
	data := []byte{0x00, 0x13, 0x37}
	data = append(data, mustFrame(t, []byte("after garbage"))...)

	got := s.Write(data)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("after garbage"), got[0])
}

func TestSplitter_DropsCorruptFrame(t *testing.T) {
	var s Splitter
	bad := mustFrame(t, []byte("corrupt"))
	bad[len(bad)-1] ^= 0xFF
	data := append(bad, mustFrame(t, []byte("good"))...)

	got := s.Write(data)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("good"), got[0])
	assert.Equal(t, 1, s.Dropped)
}

func TestSplitter_KeepsTrailingHalfMagic(t *testing.T) {
	var s Splitter
	frame := mustFrame(t, []byte("x"))

	got := s.Write(append([]byte{0x01, 0x02, 0x03, 0x04, 0x05}, frame[0]))
	assert.Empty(t, got)
	assert.Equal(t, 1, s.Buffered())

	got = s.Write(frame[1:])
	require.Len(t, got, 1)
	assert.Equal(t, []byte("x"), got[0])
}
