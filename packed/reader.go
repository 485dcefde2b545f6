package packed

import (
	"io"
	"math/bits"
)

type readerState int

const (
	rsStart readerState = iota
	rsWritingZeros
	rsBufferingWord
	rsDrainingBuffer
	rsWritingPassthrough
)

// Reader wraps an io.Reader, unpacking packed data read from it. It
// implements io.Reader, and may be called with an output buffer
// smaller than one word: it produces between 0 and 8 bytes per
// internal step and preserves its position across calls, resuming
// mid-word on the next Read.
type Reader struct {
	r     io.Reader
	state readerState

	// buf holds the tag byte, up to 8 payload bytes, and — for an
	// all-nonzero word — the one run-count byte that follows them.
	buf     [10]byte
	bufPos  int
	bufSize int
	tag     byte
	bitnum  int // next tag bit to emit while draining a buffered word

	remaining int // bytes left in the current zero-run or literal passthrough run
}

// NewReader returns a Reader that reads packed data from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Read implements io.Reader. It returns (0, io.EOF) only when the
// underlying stream ends exactly at a message boundary (no bytes of a
// new tag have been read yet); any other end-of-stream is reported as
// io.ErrUnexpectedEOF, since it falls mid-word, mid-payload, or
// mid-run.
func (pr *Reader) Read(out []byte) (int, error) {
	if len(out) == 0 {
		return 0, nil
	}
	for {
		switch pr.state {
		case rsStart:
			for pr.bufPos < 2 {
				n, err := pr.r.Read(pr.buf[pr.bufPos:2])
				pr.bufPos += n
				if err != nil {
					if err == io.EOF {
						if pr.bufPos == 0 {
							return 0, io.EOF
						}
						return 0, io.ErrUnexpectedEOF
					}
					return 0, err
				}
				if n == 0 {
					return 0, io.ErrNoProgress
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
					pr.bufSize = 10 // also read the literal-run count byte
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
				n, err := pr.r.Read(pr.buf[pr.bufPos:pr.bufSize])
				pr.bufPos += n
				if err != nil {
					if err == io.EOF {
						return 0, io.ErrUnexpectedEOF
					}
					return 0, err
				}
				if n == 0 {
					return 0, io.ErrNoProgress
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
			n, err := pr.r.Read(out[:upper])
			if err != nil {
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
