package capnpwire_test

import (
	"testing"

	"github.com/kvlach/capnpwire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingleSegmentFastPath(t *testing.T) {
	t.Parallel()

	data := make([]byte, 16)
	segs := capnpwire.SingleSegment(data)
	assert.Equal(t, int64(1), segs.NumSegments())
	assert.Same(t, &data[0], &segs.Segment(0)[0])
	assert.Panics(t, func() { segs.Segment(1) })
}

func TestMultiSegmentChoosesFastPath(t *testing.T) {
	t.Parallel()

	one := capnpwire.MultiSegment([][]byte{make([]byte, 8)})
	assert.Equal(t, int64(1), one.NumSegments())

	two := capnpwire.MultiSegment([][]byte{make([]byte, 8), make([]byte, 16)})
	require.Equal(t, int64(2), two.NumSegments())
	assert.Len(t, two.Segment(1), 16)
	assert.Panics(t, func() { two.Segment(2) })
}

func TestMultiSegmentRejectsEmpty(t *testing.T) {
	t.Parallel()
	assert.Panics(t, func() { capnpwire.MultiSegment(nil) })
}

func TestTotalSizeMatchesEncodedLength(t *testing.T) {
	t.Parallel()

	segs := capnpwire.Segments([][]byte{
		make([]byte, 8),
		make([]byte, 24),
	})
	total, err := capnpwire.TotalSize(segs)
	require.NoError(t, err)

	encoded, err := capnpwire.EncodeToSlice(nil, segs)
	require.NoError(t, err)
	assert.Equal(t, total, uint64(len(encoded)))
}

func TestMessageRoundTripsAsSegmentProvider(t *testing.T) {
	t.Parallel()

	src := capnpwire.Segments([][]byte{
		{1, 2, 3, 4, 5, 6, 7, 8},
		{9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9},
	})
	encoded, err := capnpwire.EncodeToSlice(nil, src)
	require.NoError(t, err)

	msg, _, err := capnpwire.ReadFromSlice(encoded, capnpwire.ReaderOptions{})
	require.NoError(t, err)

	reencoded, err := capnpwire.EncodeToSlice(nil, msg)
	require.NoError(t, err)
	assert.Equal(t, encoded, reencoded)
}
