package packed

import (
	"context"
	"errors"
	"io"
	"math/bits"

	"github.com/kvlach/capnpwire/async"
)

// AsyncReader is the cooperative counterpart to Reader: it reads from
// an async.Reader whose TryRead may report async.ErrWouldBlock at any
// point, preserving the tag/payload/run-count state across such
// returns so the next TryRead call resumes mid-word exactly where it
// left off.
type AsyncReader struct {
	r     async.Reader
	state readerState

	buf     [10]byte
	bufPos  int
	bufSize int
	tag     byte
	bitnum  int

	remaining int
}

// NewAsyncReader returns an AsyncReader that reads packed data from r.
func NewAsyncReader(r async.Reader) *AsyncReader {
	return &AsyncReader{r: r}
}

// TryRead implements async.Reader. It returns async.ErrWouldBlock
// whenever the underlying reader has no more bytes ready right now;
// the caller should retry later. (0, io.EOF) means the stream ended
// exactly at a message boundary; any other end-of-stream is reported
// as io.ErrUnexpectedEOF. ctx is checked once before any TryRead on
// the underlying reader.
func (pr *AsyncReader) TryRead(ctx context.Context, out []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(out) == 0 {
		return 0, nil
	}
	for {
		switch pr.state {
		case rsStart:
			for pr.bufPos < 2 {
				n, err := pr.r.TryRead(ctx, pr.buf[pr.bufPos:2])
				pr.bufPos += n
				if err != nil {
					if errors.Is(err, async.ErrWouldBlock) {
						return 0, async.ErrWouldBlock
					}
					if err == io.EOF {
						if pr.bufPos == 0 {
							return 0, io.EOF
						}
						return 0, io.ErrUnexpectedEOF
					}
					return 0, err
				}
				if n == 0 {
					return 0, async.ErrWouldBlock
				}
			}
			tag := pr.buf[0]
			count := pr.buf[1]
			if tag == 0 {
				pr.state = rsWritingZeros
				pr.remaining = (int(count) + 1) * wordSize
			} else {
				pr.tag = tag
				pr.bufSize = bits.OnesCount8(tag) + 1
				if pr.bufSize == 9 {
					pr.bufSize = 10
				}
				pr.state = rsBufferingWord
			}

		case rsWritingZeros:
			n := pr.remaining
			if n > len(out) {
				n = len(out)
			}
			for i := 0; i < n; i++ {
				out[i] = 0
			}
			if n >= pr.remaining {
				pr.bufPos = 0
				pr.state = rsStart
			} else {
				pr.remaining -= n
			}
			return n, nil

		case rsBufferingWord:
			for pr.bufPos < pr.bufSize {
				n, err := pr.r.TryRead(ctx, pr.buf[pr.bufPos:pr.bufSize])
				pr.bufPos += n
				if err != nil {
					if errors.Is(err, async.ErrWouldBlock) {
						return 0, async.ErrWouldBlock
					}
					if err == io.EOF {
						return 0, io.ErrUnexpectedEOF
					}
					return 0, err
				}
				if n == 0 {
					return 0, async.ErrWouldBlock
				}
			}
			pr.state = rsDrainingBuffer
			pr.bufPos = 1
			pr.bitnum = 0

		case rsDrainingBuffer:
			ii := 0
			bitnum := pr.bitnum
			for ii < len(out) && bitnum < 8 {
				if pr.tag&(1<<uint(bitnum)) != 0 {
					out[ii] = pr.buf[pr.bufPos]
					pr.bufPos++
				} else {
					out[ii] = 0
				}
				ii++
				bitnum++
			}
			pr.bitnum = bitnum
			if bitnum == 8 {
				if pr.bufPos == pr.bufSize {
					pr.state = rsStart
				} else {
					pr.remaining = int(pr.buf[pr.bufPos]) * wordSize
					pr.state = rsWritingPassthrough
				}
				pr.bufPos = 0
			}
			return ii, nil

		case rsWritingPassthrough:
			upper := pr.remaining
			if upper > len(out) {
				upper = len(out)
			}
			if upper == 0 {
				pr.state = rsStart
				continue
			}
			n, err := pr.r.TryRead(ctx, out[:upper])
			if err != nil {
				if errors.Is(err, async.ErrWouldBlock) {
					return 0, async.ErrWouldBlock
				}
				if err == io.EOF {
					return 0, io.ErrUnexpectedEOF
				}
				return 0, err
			}
			if n >= pr.remaining {
				pr.state = rsStart
			}
			pr.remaining -= n
			return n, nil
		}
	}
}

// AsyncWriter is the cooperative counterpart to Writer. Packed bytes
// are computed eagerly and queued internally; TryWrite reports p as
// fully accepted as soon as it has been packed into that internal
// queue, and Flush drains the queue to the underlying async.Writer,
// returning async.ErrWouldBlock until the sink has room for the rest.
// This keeps TryWrite itself non-blocking without ever discarding
// input, at the cost of unbounded internal buffering if the sink
// never drains — the same trade-off bufio.Writer makes.
type AsyncWriter struct {
	w        async.Writer
	leftover []byte
	pending  []byte
	sent     int
}

// NewAsyncWriter returns an AsyncWriter that writes packed data to w.
func NewAsyncWriter(w async.Writer) *AsyncWriter {
	return &AsyncWriter{w: w}
}

// TryWrite implements async.Writer. It never blocks and never returns
// async.ErrWouldBlock for p itself; call Flush afterward (in a loop,
// if it returns async.ErrWouldBlock) to push queued bytes out to the
// underlying writer. ctx is checked once up front and then passed to
// the drain that follows packing.
func (aw *AsyncWriter) TryWrite(ctx context.Context, p []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	total := len(p)
	avail := aw.leftover
	if len(p) > 0 {
		avail = append(append([]byte(nil), aw.leftover...), p...)
	}
	aw.leftover = nil

	whole := len(avail) - len(avail)%wordSize
	aw.pending = Pack(aw.pending, avail[:whole])
	if rem := len(avail) - whole; rem > 0 {
		aw.leftover = append([]byte(nil), avail[whole:]...)
	}

	if err := aw.drain(ctx); err != nil && !errors.Is(err, async.ErrWouldBlock) {
		return 0, err
	}
	return total, nil
}

// Flush pushes queued packed bytes to the underlying writer. It
// returns async.ErrWouldBlock if the sink still has no room for the
// rest; call it again once the sink is expected to have drained.
func (aw *AsyncWriter) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return aw.drain(ctx)
}

func (aw *AsyncWriter) drain(ctx context.Context) error {
	for aw.sent < len(aw.pending) {
		n, err := aw.w.TryWrite(ctx, aw.pending[aw.sent:])
		aw.sent += n
		if err != nil {
			if errors.Is(err, async.ErrWouldBlock) {
				return async.ErrWouldBlock
			}
			return err
		}
		if n == 0 {
			return async.ErrWouldBlock
		}
	}
	aw.pending = aw.pending[:0]
	aw.sent = 0
	return nil
}
