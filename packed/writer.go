package packed

import "io"

// flusher is implemented by underlying writers that buffer internally
// (e.g. bufio.Writer); Writer.Flush forwards to it when present.
type flusher interface {
	Flush() error
}

// Writer wraps an io.Writer, packing every 8 bytes written to it
// before forwarding to the underlying stream. It implements io.Writer
// and io.Closer.
//
// Writer decides each word's run length (the byte following a 0x00 or
// 0xFF tag) using only the bytes available at the time of that Write
// call — carried-over bytes of a not-yet-complete word from a prior
// call count as available, but a run never looks ahead into data that
// hasn't been handed to Write yet. This matches the reference
// implementation: packed output can differ in where runs break
// depending on how a caller chunks its writes, while decoding always
// reconstructs the original bytes regardless.
type Writer struct {
	w        io.Writer
	leftover []byte // 0..7 bytes of a word not yet complete
}

// NewWriter returns a Writer that writes packed data to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write packs p and writes the result to the underlying writer. It
// always reports n == len(p) when err == nil; on error, the
// underlying stream (and this Writer) must not be reused.
func (pw *Writer) Write(p []byte) (int, error) {
	total := len(p)
	avail := pw.leftover
	if len(p) > 0 {
		avail = append(append([]byte(nil), pw.leftover...), p...)
	}
	pw.leftover = nil

	var tagbuf [9]byte
	for len(avail) >= wordSize {
		word := avail[:wordSize]
		tag := byte(0)
		n := 1
		for i, b := range word {
			if b != 0 {
				tag |= 1 << uint(i)
				tagbuf[n] = b
				n++
			}
		}
		tagbuf[0] = tag
		if err := writeAll(pw.w, tagbuf[:n]); err != nil {
			return total, err
		}
		avail = avail[wordSize:]

		switch tag {
		case 0x00:
			z := 0
			for z < maxRunWords && len(avail) >= wordSize && isZeroWord(avail[:wordSize]) {
				z++
				avail = avail[wordSize:]
			}
			if err := writeAll(pw.w, []byte{byte(z)}); err != nil {
				return total, err
			}
		case 0xff:
			limit := len(avail) - len(avail)%wordSize
			if limit > maxRunWords*wordSize {
				limit = maxRunWords * wordSize
			}
			consumed := 0
			for consumed < limit {
				if countZeros(avail[consumed:consumed+wordSize]) >= 2 {
					break
				}
				consumed += wordSize
			}
			if err := writeAll(pw.w, []byte{byte(consumed / wordSize)}); err != nil {
				return total, err
			}
			if consumed > 0 {
				if err := writeAll(pw.w, avail[:consumed]); err != nil {
					return total, err
				}
			}
			avail = avail[consumed:]
		}
	}
	if len(avail) > 0 {
		pw.leftover = append([]byte(nil), avail...)
	}
	return total, nil
}

// Flush finishes any pending tag/run-count work — there is none held
// back beyond the buffered partial final word, which Flush leaves
// alone per the packed encoding's own rules — and flushes the
// underlying writer if it buffers.
func (pw *Writer) Flush() error {
	if f, ok := pw.w.(flusher); ok {
		return f.Flush()
	}
	return nil
}

// Close finishes pending writes and flushes the underlying writer. It
// does not force out the buffered partial word (if any): the framing
// layer guarantees segment bytes are always a multiple of 8, so a
// well-formed caller never leaves one pending at Close.
func (pw *Writer) Close() error {
	return pw.Flush()
}

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
