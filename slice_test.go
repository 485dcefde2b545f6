package capnpwire_test

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"unsafe"

	"github.com/kvlach/capnpwire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadFromSliceSingleSegmentIsZeroCopy(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte{0x5a}, 16)
	encoded, err := capnpwire.EncodeToSlice(nil, capnpwire.SingleSegment(payload))
	require.NoError(t, err)

	msg, rest, err := capnpwire.ReadFromSlice(encoded, capnpwire.ReaderOptions{})
	require.NoError(t, err)
	assert.Empty(t, rest)
	require.Equal(t, int64(1), msg.NumSegments())
	got := msg.Segment(0)
	assert.Equal(t, payload, got)
	assert.Same(t, &encoded[len(encoded)-16], &got[0])
}

func TestReadFromSliceMultiSegmentReparsesEachCall(t *testing.T) {
	t.Parallel()

	segs := capnpwire.Segments([][]byte{
		bytes.Repeat([]byte{1}, 8),
		bytes.Repeat([]byte{2}, 24),
	})
	encoded, err := capnpwire.EncodeToSlice(nil, segs)
	require.NoError(t, err)

	msg, rest, err := capnpwire.ReadFromSlice(encoded, capnpwire.ReaderOptions{})
	require.NoError(t, err)
	assert.Empty(t, rest)
	require.Equal(t, int64(2), msg.NumSegments())
	assert.Equal(t, bytes.Repeat([]byte{1}, 8), msg.Segment(0))
	assert.Equal(t, bytes.Repeat([]byte{2}, 24), msg.Segment(1))
	// repeat calls must agree
	assert.Equal(t, msg.Segment(1), msg.Segment(1))
}

func TestReadFromSliceReturnsRemainderForConcatenatedMessages(t *testing.T) {
	t.Parallel()

	first, err := capnpwire.EncodeToSlice(nil, capnpwire.SingleSegment(bytes.Repeat([]byte{1}, 8)))
	require.NoError(t, err)
	second, err := capnpwire.EncodeToSlice(nil, capnpwire.SingleSegment(bytes.Repeat([]byte{2}, 8)))
	require.NoError(t, err)
	both := append(append([]byte{}, first...), second...)

	msg1, rest, err := capnpwire.ReadFromSlice(both, capnpwire.ReaderOptions{})
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{1}, 8), msg1.Segment(0))

	msg2, rest2, err := capnpwire.ReadFromSlice(rest, capnpwire.ReaderOptions{})
	require.NoError(t, err)
	assert.Empty(t, rest2)
	assert.Equal(t, bytes.Repeat([]byte{2}, 8), msg2.Segment(0))
}

func TestReadFromSliceEmptyIsEOF(t *testing.T) {
	t.Parallel()
	_, _, err := capnpwire.ReadFromSlice(nil, capnpwire.ReaderOptions{})
	assert.Same(t, io.EOF, err)
}

func TestReadFromSliceRejectsMisalignedBuffer(t *testing.T) {
	t.Parallel()

	encoded, err := capnpwire.EncodeToSlice(nil, capnpwire.SingleSegment(bytes.Repeat([]byte{1}, 8)))
	require.NoError(t, err)
	misaligned := make([]byte, len(encoded)+1)
	copy(misaligned[1:], encoded)

	_, _, err = capnpwire.ReadFromSlice(misaligned[1:], capnpwire.ReaderOptions{})
	if uintptrAligned(misaligned[1:]) {
		t.Skip("backing allocation happened to be aligned anyway")
	}
	require.Error(t, err)
	assert.True(t, errors.Is(err, capnpwire.ErrNotAligned))
}

func TestReadFromSliceAllowUnalignedBypassesCheck(t *testing.T) {
	t.Parallel()

	encoded, err := capnpwire.EncodeToSlice(nil, capnpwire.SingleSegment(bytes.Repeat([]byte{1}, 8)))
	require.NoError(t, err)
	misaligned := make([]byte, len(encoded)+1)
	copy(misaligned[1:], encoded)

	_, _, err = capnpwire.ReadFromSlice(misaligned[1:], capnpwire.ReaderOptions{AllowUnaligned: true})
	assert.NoError(t, err)
}

func TestReadFromSliceTruncatedPayload(t *testing.T) {
	t.Parallel()
	hdr := []byte{0, 0, 0, 0, 2, 0, 0, 0} // declares 2 words, none supplied
	_, _, err := capnpwire.ReadFromSlice(hdr, capnpwire.ReaderOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, capnpwire.ErrPrematureEOF))
}

func uintptrAligned(b []byte) bool {
	if len(b) == 0 {
		return true
	}
	return uintptr(unsafe.Pointer(&b[0]))%8 == 0
}
