package capnpwire

import (
	"context"
	"encoding/binary"
	"errors"
	"io"

	"github.com/kvlach/capnpwire/async"
	"github.com/kvlach/capnpwire/internal/str"
)

// asyncDecodeState enumerates the suspension points of the framing
// decode state machine: the first word (count + segment 0 length), the
// rest of the segment table, and the payload body.
type asyncDecodeState int

const (
	stateHeaderFirstWord asyncDecodeState = iota
	stateHeaderRest
	statePayload
	stateDecodeDone
)

// AsyncDecoder is the cooperative counterpart to Decoder: it reads from
// an async.Reader whose TryRead may report async.ErrWouldBlock at any
// point, and preserves all state across such returns so a subsequent
// Step call resumes exactly where it left off. A single AsyncDecoder
// decodes one message; construct a new one (or call Reset) to decode
// the next.
type AsyncDecoder struct {
	r       async.Reader
	options ReaderOptions
	state   asyncDecodeState

	first     [wordSize]byte
	firstHave int

	count     uint64
	lengths   []uint64
	block     []byte
	blockHave int

	totalWords uint64
	data       []byte
	dataHave   int
}

// NewAsyncDecoder returns an AsyncDecoder that reads from r using the
// given options.
func NewAsyncDecoder(r async.Reader, options ReaderOptions) *AsyncDecoder {
	return &AsyncDecoder{r: r, options: options.withDefaults()}
}

// Reset prepares the decoder to read another message from the same
// underlying reader.
func (d *AsyncDecoder) Reset() {
	*d = AsyncDecoder{r: d.r, options: d.options}
}

// Step drives the state machine forward by issuing at most one burst of
// TryRead calls that don't block. ctx is checked once before that burst,
// the same cooperative-cancellation point a blocking Decode would check
// at its next io.Reader.Read. Step returns:
//   - (msg, nil) when a full message has been decoded,
//   - (nil, async.ErrWouldBlock) when the underlying reader has no more
//     data right now; call Step again later,
//   - (nil, io.EOF) when the stream ended before any byte of a new
//     message arrived (no message present),
//   - (nil, ctx.Err()) if ctx is done,
//   - (nil, err) for any other fatal decode error, after which this
//     AsyncDecoder must not be reused.
func (d *AsyncDecoder) Step(ctx context.Context) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch d.state {
	case stateHeaderFirstWord:
		return d.stepHeaderFirstWord(ctx)
	case stateHeaderRest:
		return d.stepHeaderRest(ctx)
	case statePayload:
		return d.stepPayload(ctx)
	default:
		return nil, errors.New("capnpwire: AsyncDecoder.Step called after completion")
	}
}

func (d *AsyncDecoder) stepHeaderFirstWord(ctx context.Context) (*Message, error) {
	for d.firstHave < wordSize {
		n, err := d.r.TryRead(ctx, d.first[d.firstHave:])
		d.firstHave += n
		if err != nil {
			if errors.Is(err, async.ErrWouldBlock) {
				return nil, async.ErrWouldBlock
			}
			if err == io.EOF {
				if d.firstHave == 0 {
					return nil, io.EOF
				}
				return nil, errPrematureEOF(io.ErrUnexpectedEOF)
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			return nil, errIO("read message header", err)
		}
		if n == 0 {
			// Reader reported neither progress, EOF, nor WouldBlock;
			// treat conservatively as "try later" rather than spin.
			return nil, async.ErrWouldBlock
		}
	}

	countMinus1 := binary.LittleEndian.Uint32(d.first[0:4])
	count32 := countMinus1 + 1
	if count32 == 0 {
		return nil, errInvalidSegmentCount(0)
	}
	d.count = uint64(count32)
	if d.count >= maxSegments {
		return nil, errInvalidSegmentCount(d.count)
	}

	d.lengths = make([]uint64, d.count)
	d.lengths[0] = uint64(binary.LittleEndian.Uint32(d.first[4:8]))

	if d.count > 1 {
		d.block = make([]byte, (d.count&^1)*4)
		d.state = stateHeaderRest
		return d.stepHeaderRest(ctx)
	}
	return d.finishHeader(ctx)
}

func (d *AsyncDecoder) stepHeaderRest(ctx context.Context) (*Message, error) {
	d.state = stateHeaderRest
	for d.blockHave < len(d.block) {
		n, err := d.r.TryRead(ctx, d.block[d.blockHave:])
		d.blockHave += n
		if err != nil {
			if errors.Is(err, async.ErrWouldBlock) {
				return nil, async.ErrWouldBlock
			}
			if err == io.EOF {
				return nil, errPrematureEOF(io.ErrUnexpectedEOF)
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			return nil, errIO("read segment table", err)
		}
		if n == 0 {
			return nil, async.ErrWouldBlock
		}
	}
	for i := uint64(1); i < d.count; i++ {
		d.lengths[i] = uint64(binary.LittleEndian.Uint32(d.block[(i-1)*4 : i*4]))
	}
	return d.finishHeader(ctx)
}

func (d *AsyncDecoder) finishHeader(ctx context.Context) (*Message, error) {
	for _, l := range d.lengths {
		if d.totalWords+l < d.totalWords {
			return nil, errSizeOverflow("segment table word total")
		}
		d.totalWords += l
	}
	if d.totalWords > d.options.TraversalLimitInWords {
		return nil, errMessageTooLarge(d.totalWords, d.options.TraversalLimitInWords)
	}
	if d.totalWords > uint64(^uint(0))/wordSize {
		return nil, errSizeOverflow("total message size")
	}
	d.data = make([]byte, d.totalWords*wordSize)
	d.state = statePayload
	return d.stepPayload(ctx)
}

func (d *AsyncDecoder) stepPayload(ctx context.Context) (*Message, error) {
	for d.dataHave < len(d.data) {
		n, err := d.r.TryRead(ctx, d.data[d.dataHave:])
		d.dataHave += n
		if err != nil {
			if errors.Is(err, async.ErrWouldBlock) {
				return nil, async.ErrWouldBlock
			}
			if err == io.EOF {
				return nil, errPrematureEOF(io.ErrUnexpectedEOF)
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			return nil, errIO("read segment payload", err)
		}
		if n == 0 {
			return nil, async.ErrWouldBlock
		}
	}

	segments := make([][]byte, d.count)
	var off uint64
	for i, l := range d.lengths {
		end := off + l*wordSize
		segments[i] = d.data[off:end]
		off = end
	}
	d.state = stateDecodeDone
	return &Message{segments: segments, options: d.options}, nil
}

// asyncEncodeState enumerates the suspension points of the framing
// encode state machine.
type asyncEncodeState int

const (
	stateWriteHeader asyncEncodeState = iota
	stateWriteSegments
	stateEncodeDone
)

// AsyncEncoder is the cooperative counterpart to Encoder.
type AsyncEncoder struct {
	w       async.Writer
	state   asyncEncodeState
	hdr     []byte
	hdrSent int

	segs    SegmentProvider
	segIdx  int64
	segSent int
}

// NewAsyncEncoder returns an AsyncEncoder that writes to w.
func NewAsyncEncoder(w async.Writer) *AsyncEncoder {
	return &AsyncEncoder{w: w}
}

// Encode prepares segs' framed encoding for writing; it does no I/O
// itself, and calling it again once a message has been prepared has no
// effect. Step must then be called in a loop until it returns a
// non-ErrWouldBlock result.
func (e *AsyncEncoder) Encode(segs SegmentProvider) error {
	if e.state == stateWriteHeader && e.hdr == nil {
		hdr, err := appendSegmentTable(nil, segs)
		if err != nil {
			return err
		}
		e.hdr = hdr
		e.segs = segs
	}
	return nil
}

// Step drives one non-blocking burst of TryWrite calls. ctx is checked
// once before that burst, the same cooperative-cancellation point a
// blocking Encode would check at its next io.Writer.Write. Step returns
// nil once the whole message has been written, async.ErrWouldBlock if
// the writer has no space right now (call Step again later), ctx.Err()
// if ctx is done, or a fatal error otherwise.
func (e *AsyncEncoder) Step(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.hdr == nil {
		return errors.New("capnpwire: AsyncEncoder.Step called before Encode")
	}
	if e.state == stateWriteHeader {
		for e.hdrSent < len(e.hdr) {
			n, err := e.w.TryWrite(ctx, e.hdr[e.hdrSent:])
			e.hdrSent += n
			if err != nil {
				if errors.Is(err, async.ErrWouldBlock) {
					return async.ErrWouldBlock
				}
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				return errIO("write segment table", err)
			}
			if n == 0 {
				return async.ErrWouldBlock
			}
		}
		e.state = stateWriteSegments
	}
	if e.state == stateWriteSegments {
		n := e.segs.NumSegments()
		for e.segIdx < n {
			seg := e.segs.Segment(SegmentID(e.segIdx))
			for e.segSent < len(seg) {
				written, err := e.w.TryWrite(ctx, seg[e.segSent:])
				e.segSent += written
				if err != nil {
					if errors.Is(err, async.ErrWouldBlock) {
						return async.ErrWouldBlock
					}
					if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
						return err
					}
					return errIO("write segment "+str.Itod(e.segIdx), err)
				}
				if written == 0 {
					return async.ErrWouldBlock
				}
			}
			e.segIdx++
			e.segSent = 0
		}
		e.state = stateEncodeDone
	}
	return nil
}
