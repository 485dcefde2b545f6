package packed_test

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/kvlach/capnpwire/async"
	"github.com/kvlach/capnpwire/packed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type oneByteReader struct {
	data    []byte
	pos     int
	blocked bool
}

func (r *oneByteReader) TryRead(ctx context.Context, p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	if !r.blocked {
		r.blocked = true
		return 0, async.ErrWouldBlock
	}
	r.blocked = false
	n := copy(p, r.data[r.pos:r.pos+1])
	r.pos += n
	return n, nil
}

type stingyWriter struct {
	out     []byte
	blocked bool
}

func (w *stingyWriter) TryWrite(ctx context.Context, p []byte) (int, error) {
	if !w.blocked {
		w.blocked = true
		return 0, async.ErrWouldBlock
	}
	w.blocked = false
	n := 1
	if n > len(p) {
		n = len(p)
	}
	w.out = append(w.out, p[:n]...)
	return n, nil
}

func TestAsyncReaderMatchesReaderAcrossWouldBlock(t *testing.T) {
	t.Parallel()

	src := []byte{
		1, 2, 3, 4, 5, 6, 7, 8,
		0, 0, 0, 0, 0, 0, 0, 0,
		9, 8, 7, 6, 5, 4, 3, 2,
	}
	packedBytes := packed.Pack(nil, src)

	r := packed.NewAsyncReader(&oneByteReader{data: packedBytes})
	var got []byte
	buf := make([]byte, 3)
	for {
		n, err := r.TryRead(context.Background(), buf)
		got = append(got, buf[:n]...)
		if err == nil {
			continue
		}
		if errors.Is(err, async.ErrWouldBlock) {
			continue
		}
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}
	assert.Equal(t, src, got)
}

func TestAsyncWriterQueuesAndDrains(t *testing.T) {
	t.Parallel()

	src := []byte{1, 2, 3, 4, 5, 6, 7, 8, 0, 0, 0, 0, 0, 0, 0, 0}
	w := &stingyWriter{}
	aw := packed.NewAsyncWriter(w)

	n, err := aw.TryWrite(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, len(src), n)

	for {
		err := aw.Flush(context.Background())
		if err == nil {
			break
		}
		require.True(t, errors.Is(err, async.ErrWouldBlock))
	}

	assert.Equal(t, packed.Pack(nil, src), w.out)
}
