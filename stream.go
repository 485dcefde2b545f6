package capnpwire

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/kvlach/capnpwire/internal/str"
)

// Encoder writes Cap'n Proto messages to an underlying byte stream
// using the standard stream framing: a segment table followed by the
// segment payloads, with no inter-segment padding. It does not flush
// the underlying writer; the caller decides when to flush.
//
// An Encoder is not safe for concurrent use: byte order on the wire is
// strict FIFO within one encoder.
type Encoder struct {
	w io.Writer
}

// NewEncoder returns an Encoder that writes to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes segs' segment table followed by its segment payloads.
// On error the underlying stream is left in an indeterminate state;
// the caller must close it rather than reuse it.
func (e *Encoder) Encode(segs SegmentProvider) error {
	hdr, err := appendSegmentTable(nil, segs)
	if err != nil {
		return err
	}
	if err := writeAll(e.w, hdr); err != nil {
		return errIO("write segment table", err)
	}
	n := segs.NumSegments()
	for i := int64(0); i < n; i++ {
		if err := writeAll(e.w, segs.Segment(SegmentID(i))); err != nil {
			return errIO("write segment "+str.Itod(i), err)
		}
	}
	return nil
}

// EncodeToSlice appends the framed encoding of segs to dst and returns
// the result, allocating a new backing array only if dst lacks
// capacity. It is equivalent to Encode but avoids the io.Writer
// indirection when the caller already owns a buffer.
func EncodeToSlice(dst []byte, segs SegmentProvider) ([]byte, error) {
	total, err := TotalSize(segs)
	if err != nil {
		return nil, err
	}
	if uint64(cap(dst)-len(dst)) < total {
		grown := make([]byte, len(dst), uint64(len(dst))+total)
		copy(grown, dst)
		dst = grown
	}
	dst, err = appendSegmentTable(dst, segs)
	if err != nil {
		return nil, err
	}
	n := segs.NumSegments()
	for i := int64(0); i < n; i++ {
		dst = append(dst, segs.Segment(SegmentID(i))...)
	}
	return dst, nil
}

// appendSegmentTable appends the encoded segment table (count-minus-one
// field, per-segment lengths, tail pad) for segs to dst.
func appendSegmentTable(dst []byte, segs SegmentProvider) ([]byte, error) {
	n := segs.NumSegments()
	if n <= 0 {
		return nil, errInvalidSegmentCount(0)
	}
	if n >= maxSegments {
		return nil, errInvalidSegmentCount(uint64(n))
	}
	dst = binary.LittleEndian.AppendUint32(dst, uint32(n-1))
	for i := int64(0); i < n; i++ {
		seg := segs.Segment(SegmentID(i))
		if len(seg)%wordSize != 0 {
			return nil, newErr(KindSizeOverflow, "segment "+str.Itod(i)+" is not word-aligned", nil)
		}
		words := uint64(len(seg)) / wordSize
		if words > math.MaxUint32 {
			return nil, errSizeOverflow("segment " + str.Itod(i) + " length exceeds 32 bits")
		}
		dst = binary.LittleEndian.AppendUint32(dst, uint32(words))
	}
	if n%2 == 0 {
		dst = append(dst, 0, 0, 0, 0)
	}
	return dst, nil
}

// writeAll writes all of p to w, translating a short write (without an
// accompanying error) into an error, matching io.Writer's contract
// that Write either returns n == len(p) or a non-nil error.
func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrNoProgress
		}
		p = p[n:]
	}
	return nil
}

// Decoder reads Cap'n Proto messages framed per the standard stream
// framing. A single Decoder handles one message at a time; after the
// first nonzero byte of a message is consumed, EOF from the
// underlying reader is always an error.
type Decoder struct {
	r       io.Reader
	options ReaderOptions
}

// NewDecoder returns a Decoder that reads from r using the given
// options. The zero value of ReaderOptions means "use the defaults".
func NewDecoder(r io.Reader, options ReaderOptions) *Decoder {
	return &Decoder{r: r, options: options.withDefaults()}
}

// Decode reads one framed message from the underlying stream.
//
// If the stream is at EOF before any byte of a new message arrives,
// Decode returns io.EOF — the sentinel streaming callers loop on to
// know there are no more messages. Any other EOF (a stream that hung
// up mid-message) is reported as a *Error with Kind
// KindPrematureEOF, wrapping io.ErrUnexpectedEOF; any other read
// failure is reported with Kind KindIO, wrapping the reader's error.
func (d *Decoder) Decode() (*Message, error) {
	readErr := func(what string, err error) error {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return errPrematureEOF(io.ErrUnexpectedEOF)
		}
		return errIO(what, err)
	}

	var first [wordSize]byte
	nread, err := io.ReadFull(d.r, first[:])
	if err != nil {
		if nread == 0 && err == io.EOF {
			return nil, io.EOF
		}
		return nil, readErr("read message header", err)
	}

	countMinus1 := binary.LittleEndian.Uint32(first[0:4])
	count32 := countMinus1 + 1 // wraps at 2^32, matching the wire's wrapping_add
	if count32 == 0 {
		return nil, errInvalidSegmentCount(0)
	}
	count := uint64(count32)
	if count >= maxSegments {
		return nil, errInvalidSegmentCount(count)
	}

	lengths := make([]uint64, count)
	lengths[0] = uint64(binary.LittleEndian.Uint32(first[4:8]))

	if count > 1 {
		blockLen := (count &^ 1) * 4
		block := make([]byte, blockLen)
		if _, err := io.ReadFull(d.r, block); err != nil {
			return nil, readErr("read segment table", err)
		}
		for i := uint64(1); i < count; i++ {
			lengths[i] = uint64(binary.LittleEndian.Uint32(block[(i-1)*4 : i*4]))
		}
		// the trailing 4 bytes present when count is even are padding;
		// they are read as part of block but never parsed.
	}

	var totalWords uint64
	for _, l := range lengths {
		if totalWords+l < totalWords {
			return nil, errSizeOverflow("segment table word total")
		}
		totalWords += l
	}

	if totalWords > d.options.TraversalLimitInWords {
		return nil, errMessageTooLarge(totalWords, d.options.TraversalLimitInWords)
	}

	if totalWords > uint64(^uint(0))/wordSize || totalWords > math.MaxInt/wordSize {
		return nil, errSizeOverflow("total message size")
	}

	data := make([]byte, totalWords*wordSize)
	if _, err := io.ReadFull(d.r, data); err != nil {
		return nil, readErr("read segment payload", err)
	}

	segments := make([][]byte, count)
	var off uint64
	for i, l := range lengths {
		end := off + l*wordSize
		segments[i] = data[off:end]
		off = end
	}

	return &Message{segments: segments, options: d.options}, nil
}
