// Package packed implements the Cap'n Proto packed encoding: a
// byte-level run-length transform that compresses runs of zero and
// non-zero words without ever needing the whole message resident in
// memory. It sits between the framing codec and the byte stream:
// wrap an io.Writer in a Writer (or an io.Reader in a Reader) and hand
// the result to a framing Encoder/Decoder exactly as you would the
// unpacked stream.
package packed

import (
	"errors"
	"math/bits"
)

// ErrTruncated is returned when the packed input ends in the middle of
// a word, a nonzero payload, or a literal run — anywhere other than
// exactly at a tag byte boundary.
var ErrTruncated = errors.New("packed: truncated input")

const wordSize = 8

// maxRunWords is the largest run length (in words) a single run byte
// can encode.
const maxRunWords = 255

// Pack appends the packed encoding of src to dst and returns the
// result. len(src) must be a multiple of 8; src is treated as a
// sequence of whole words with no partial trailing word, matching the
// framing layer's guarantee that segment bytes are always word
// multiples.
func Pack(dst, src []byte) []byte {
	for len(src) >= wordSize {
		word := src[:wordSize]
		var tag byte
		for i, b := range word {
			if b != 0 {
				tag |= 1 << uint(i)
			}
		}
		dst = append(dst, tag)
		for _, b := range word {
			if b != 0 {
				dst = append(dst, b)
			}
		}
		src = src[wordSize:]

		switch tag {
		case 0x00:
			z := 0
			for z < maxRunWords && len(src) >= wordSize && isZeroWord(src[:wordSize]) {
				z++
				src = src[wordSize:]
			}
			dst = append(dst, byte(z))
		case 0xff:
			limit := len(src) - len(src)%wordSize
			if limit > maxRunWords*wordSize {
				limit = maxRunWords * wordSize
			}
			consumed := 0
			for consumed < limit {
				if countZeros(src[consumed:consumed+wordSize]) >= 2 {
					break
				}
				consumed += wordSize
			}
			dst = append(dst, byte(consumed/wordSize))
			dst = append(dst, src[:consumed]...)
			src = src[consumed:]
		}
	}
	return dst
}

// Unpack appends the unpacked form of src to dst and returns the
// result, or ErrTruncated if src ends mid-word, mid-payload, or
// mid-run.
func Unpack(dst, src []byte) ([]byte, error) {
	for len(src) > 0 {
		tag := src[0]
		src = src[1:]

		if tag == 0x00 {
			if len(src) == 0 {
				return nil, ErrTruncated
			}
			z := src[0]
			src = src[1:]
			n := (int(z) + 1) * wordSize
			for i := 0; i < n; i++ {
				dst = append(dst, 0)
			}
			continue
		}

		nbits := bits.OnesCount8(tag)
		if len(src) < nbits {
			return nil, ErrTruncated
		}
		var word [wordSize]byte
		idx := 0
		for i := 0; i < wordSize; i++ {
			if tag&(1<<uint(i)) != 0 {
				word[i] = src[idx]
				idx++
			}
		}
		dst = append(dst, word[:]...)
		src = src[nbits:]

		if tag == 0xff {
			if len(src) == 0 {
				return nil, ErrTruncated
			}
			r := src[0]
			src = src[1:]
			n := int(r) * wordSize
			if len(src) < n {
				return nil, ErrTruncated
			}
			dst = append(dst, src[:n]...)
			src = src[n:]
		}
	}
	return dst, nil
}

func isZeroWord(w []byte) bool {
	for _, b := range w {
		if b != 0 {
			return false
		}
	}
	return true
}

func countZeros(w []byte) int {
	n := 0
	for _, b := range w {
		if b == 0 {
			n++
		}
	}
	return n
}
