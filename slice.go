package capnpwire

import (
	"encoding/binary"
	"io"
	"unsafe"

	"github.com/kvlach/capnpwire/internal/str"
)

// SliceMessage is a zero-copy view over a fully-buffered message: every
// Segment() call indexes directly into the caller's backing slice, no
// bytes are ever copied. It is deliberately a thin "fat pointer" —
// the raw bytes and the segment count — rather than a type carrying a
// precomputed offset table, so Segment(i) re-parses the segment table
// on every call. That's a space/time trade that favors many short-lived
// readers over repeat Segment() calls on the same reader.
type SliceMessage struct {
	raw []byte // header + all segment payloads, exactly sized
	n   int64
}

// NumSegments implements SegmentProvider.
func (s *SliceMessage) NumSegments() int64 { return s.n }

// Segment implements SegmentProvider, re-parsing the segment table to
// locate id's byte range.
func (s *SliceMessage) Segment(id SegmentID) []byte {
	if int64(id) >= s.n {
		panic("capnpwire: SliceMessage: segment " + str.Utod(id) + " out of bounds")
	}
	off := streamHeaderSize(SegmentID(s.n - 1))
	for i := int64(0); i < int64(id); i++ {
		l := binary.LittleEndian.Uint32(s.raw[4+4*i : 8+4*i])
		off += uint64(l) * wordSize
	}
	length := binary.LittleEndian.Uint32(s.raw[4+4*int64(id) : 8+4*int64(id)])
	return s.raw[off : off+uint64(length)*wordSize]
}

// sliceMessageSingle is the single-segment fast path: since the whole
// payload after the 8-byte header *is* the one segment, there is
// nothing to re-parse. get_segment is O(1) with no header access at
// all.
type sliceMessageSingle struct {
	payload []byte
}

func (s sliceMessageSingle) NumSegments() int64 { return 1 }

func (s sliceMessageSingle) Segment(id SegmentID) []byte {
	if id != 0 {
		panic("capnpwire: SliceMessage: segment " + str.Utod(id) + " out of bounds")
	}
	return s.payload
}

// ReadFromSlice parses one framed message out of the front of data
// without copying any segment bytes, and returns the remainder of data
// starting at the first byte past the message — so callers can loop to
// read further concatenated messages.
//
// If data is empty, ReadFromSlice returns io.EOF, mirroring Decoder's
// "no message" sentinel. By default, data must be 8-byte aligned;
// set options.AllowUnaligned to relax this for platforms where
// unaligned access is acceptable — the returned segments will simply
// not be word-aligned in that case, which is fine since this module
// treats segment contents as opaque bytes.
func ReadFromSlice(data []byte, options ReaderOptions) (SegmentProvider, []byte, error) {
	options = options.withDefaults()

	if len(data) == 0 {
		return nil, nil, io.EOF
	}
	if !options.AllowUnaligned && uintptr(unsafe.Pointer(&data[0]))%wordSize != 0 {
		return nil, nil, errNotAligned()
	}
	if len(data) < wordSize {
		return nil, nil, errPrematureEOF(io.ErrUnexpectedEOF)
	}

	countMinus1 := binary.LittleEndian.Uint32(data[0:4])
	count32 := countMinus1 + 1
	if count32 == 0 {
		return nil, nil, errInvalidSegmentCount(0)
	}
	count := uint64(count32)
	if count >= maxSegments {
		return nil, nil, errInvalidSegmentCount(count)
	}

	hdrLen := streamHeaderSize(SegmentID(count - 1))
	if uint64(len(data)) < hdrLen {
		return nil, nil, errPrematureEOF(io.ErrUnexpectedEOF)
	}

	lengths := make([]uint64, count)
	lengths[0] = uint64(binary.LittleEndian.Uint32(data[4:8]))
	for i := uint64(1); i < count; i++ {
		lengths[i] = uint64(binary.LittleEndian.Uint32(data[4+4*i : 8+4*i]))
	}

	var totalWords uint64
	for _, l := range lengths {
		if totalWords+l < totalWords {
			return nil, nil, errSizeOverflow("segment table word total")
		}
		totalWords += l
	}
	if totalWords > options.TraversalLimitInWords {
		return nil, nil, errMessageTooLarge(totalWords, options.TraversalLimitInWords)
	}

	msgLen := hdrLen + totalWords*wordSize
	if uint64(len(data)) < msgLen {
		return nil, nil, errPrematureEOF(io.ErrUnexpectedEOF)
	}

	raw := data[:msgLen]
	remainder := data[msgLen:]

	if count == 1 {
		return sliceMessageSingle{payload: raw[hdrLen:]}, remainder, nil
	}
	return &SliceMessage{raw: raw, n: int64(count)}, remainder, nil
}
