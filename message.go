// Package capnpwire implements the core of a Cap'n Proto runtime: the
// stream framing codec and the packed (byte-level run-length) codec
// that move Cap'n Proto messages between an application and an octet
// stream, plus a zero-copy slice decoder. It does not interpret
// segment contents — that's the job of a layout engine built on top —
// and it does not speak the RPC protocol; see the sibling packed
// package for the byte-level compression transform.
package capnpwire

import "github.com/kvlach/capnpwire/internal/str"

// wordSize is the fundamental unit of a Cap'n Proto segment: all
// segment lengths and the framing header are expressed in 8-byte
// words.
const wordSize = 8

// maxSegments is the exclusive upper bound on segment count the wire
// format will accept. The count-minus-one field is 32 bits wide, so
// the bound exists purely to cap allocation, not because the format
// can't represent more.
const maxSegments = 512

// Security limits, matching the C++ implementation.
const (
	defaultTraversalLimitWords = 8 << 20 // 8 Mwords = 64 MiB
	defaultNestingLimit        = 64
)

// SegmentID identifies a segment within a message by its index in the
// segment table.
type SegmentID uint32

// ReaderOptions carries the two tunable limits consulted during
// decode. The zero value means "use the defaults" everywhere this
// module accepts a ReaderOptions by value.
type ReaderOptions struct {
	// TraversalLimitInWords bounds the total words a decoded message
	// may contain. Enforced before any payload byte is allocated or
	// read. Zero means defaultTraversalLimitWords.
	TraversalLimitInWords uint64

	// NestingLimit is recorded on the decoded Message and handed to a
	// layout engine by the caller; this module never itself enforces
	// it. Zero means defaultNestingLimit.
	NestingLimit int

	// AllowUnaligned disables the 8-byte-alignment check the slice
	// decoder otherwise performs on its input buffer. Synchronous and
	// suspendable stream decoding are unaffected, since they always
	// copy into a freshly allocated, aligned buffer.
	AllowUnaligned bool
}

func (o ReaderOptions) withDefaults() ReaderOptions {
	if o.TraversalLimitInWords == 0 {
		o.TraversalLimitInWords = defaultTraversalLimitWords
	}
	if o.NestingLimit == 0 {
		o.NestingLimit = defaultNestingLimit
	}
	return o
}

// SegmentProvider yields, by index, borrowed segment byte slices plus
// their count. It is the interface an encoder consumes and the
// interface a decoded Message satisfies, so a decoded message can be
// fed straight back into an encoder without copying.
//
// Every segment's byte length must be a multiple of wordSize; that
// invariant is the caller's responsibility to uphold.
type SegmentProvider interface {
	// NumSegments reports the segment count. Always >= 1 for a valid
	// provider.
	NumSegments() int64
	// Segment returns the raw bytes of segment id. Panics if id is out
	// of range; callers are expected to only call it for 0 <= id <
	// NumSegments().
	Segment(id SegmentID) []byte
}

// singleSegment is the fast-path SegmentProvider for the overwhelmingly
// common case of a one-segment message: no slice-of-slices allocation,
// no bounds table.
type singleSegment []byte

func (s singleSegment) NumSegments() int64 { return 1 }

func (s singleSegment) Segment(id SegmentID) []byte {
	if id != 0 {
		panic("capnpwire: singleSegment: segment " + str.Utod(id) + " out of bounds")
	}
	return s
}

// multiSegment is the general SegmentProvider backing a message with
// two or more segments.
type multiSegment [][]byte

func (m multiSegment) NumSegments() int64 { return int64(len(m)) }

func (m multiSegment) Segment(id SegmentID) []byte {
	if int64(id) >= int64(len(m)) {
		panic("capnpwire: multiSegment: segment " + str.Utod(id) + " out of bounds")
	}
	return m[id]
}

// SingleSegment returns a SegmentProvider over exactly one segment.
func SingleSegment(data []byte) SegmentProvider {
	return singleSegment(data)
}

// MultiSegment returns a SegmentProvider over the given segments, in
// order. It panics if segs is empty: a message must have at least one
// segment.
func MultiSegment(segs [][]byte) SegmentProvider {
	if len(segs) == 0 {
		panic("capnpwire: MultiSegment: at least one segment is required")
	}
	if len(segs) == 1 {
		return singleSegment(segs[0])
	}
	return multiSegment(segs)
}

// Segments chooses the appropriate fast path for the given segment
// list: SingleSegment for one segment, MultiSegment otherwise. This is
// the usual entry point for turning application data into something
// an Encoder accepts.
func Segments(segs [][]byte) SegmentProvider {
	return MultiSegment(segs)
}

// Message is the result of decoding: an ordered, non-empty list of
// segments plus the options the decode was performed under. Message
// itself satisfies SegmentProvider, so it can be re-encoded without
// copying segment bytes.
type Message struct {
	segments [][]byte
	options  ReaderOptions
}

// NumSegments implements SegmentProvider.
func (m *Message) NumSegments() int64 { return int64(len(m.segments)) }

// Segment implements SegmentProvider.
func (m *Message) Segment(id SegmentID) []byte {
	if int64(id) >= int64(len(m.segments)) {
		panic("capnpwire: Message: segment " + str.Utod(id) + " out of bounds")
	}
	return m.segments[id]
}

// Options returns the ReaderOptions this message was decoded with,
// including NestingLimit for a downstream layout engine to consult.
func (m *Message) Options() ReaderOptions { return m.options }

// TotalWords returns the total word count across all segments.
func (m *Message) TotalWords() uint64 {
	var total uint64
	for _, s := range m.segments {
		total += uint64(len(s)) / wordSize
	}
	return total
}

// streamHeaderSize returns the size, in bytes, of the segment table
// for a message with lastSegIdx+1 segments: 4 bytes for the
// count-minus-one field, 4 bytes per segment length, rounded up to a
// multiple of 8.
func streamHeaderSize(lastSegIdx SegmentID) uint64 {
	n := uint64(lastSegIdx) + 1
	// (n+1) 32-bit fields (count field + n lengths), rounded up to a
	// whole number of words.
	return ((n + 1 + 1) / 2) * wordSize
}

// TotalSize computes the number of bytes EncodeToSlice/Encoder.Encode
// would write for segs, without doing the encode.
func TotalSize(segs SegmentProvider) (uint64, error) {
	n := segs.NumSegments()
	if n <= 0 {
		return 0, newErr(KindInvalidSegmentCount, "TotalSize: message has no segments", nil)
	}
	total := streamHeaderSize(SegmentID(n - 1))
	for i := int64(0); i < n; i++ {
		seg := segs.Segment(SegmentID(i))
		if len(seg)%wordSize != 0 {
			return 0, newErr(KindSizeOverflow, "TotalSize: segment "+str.Itod(i)+" is not word-aligned", nil)
		}
		total += uint64(len(seg))
	}
	return total, nil
}
