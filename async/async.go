// Package async defines the minimal non-blocking byte source/sink
// contracts shared by the cooperative/suspendable variants of the
// framing and packed codecs.
//
// This is the Go-idiomatic rendering of the "poll_read"/"poll_write"
// collaborator interfaces: a scheduler without async/await drives a
// codec's Step method in a loop, and the codec reports ErrWouldBlock
// instead of blocking whenever the underlying stream has nothing
// ready. State — buffered tag bytes, a partially assembled word, a
// remaining run counter — is preserved on the codec value between
// calls, so the caller can interleave Step calls for many streams on
// one goroutine.
//
// Every entry point also takes a context.Context, checked once per call
// before doing any I/O: cooperative cancellation between steps, the
// same idiom the RPC layer uses at its own blocking calls, rather than
// a cancellation channel or a stop method.
package async

import (
	"context"
	"errors"
)

// ErrWouldBlock is returned by TryRead/TryWrite when the underlying
// stream has no data ready (for reads) or no buffer space ready (for
// writes) right now. It is a sentinel for errors.Is, not a type to
// assert against.
var ErrWouldBlock = errors.New("async: would block")

// Reader is a non-blocking byte source. A single call may return fewer
// bytes than len(p) even when more are in flight; it must never block
// waiting for more.
type Reader interface {
	// TryRead reads into p, returning the number of bytes read. If no
	// bytes are currently available, it returns (0, ErrWouldBlock). At
	// true end of stream it returns (0, io.EOF). If ctx is already done,
	// it returns (0, ctx.Err()) without attempting any read.
	TryRead(ctx context.Context, p []byte) (n int, err error)
}

// Writer is a non-blocking byte sink.
type Writer interface {
	// TryWrite writes from p, returning the number of bytes accepted.
	// If the sink currently has no space, it returns (0, ErrWouldBlock).
	// A partial write (0 < n < len(p)) with a nil error is allowed and
	// must be treated the same as a short io.Writer.Write. If ctx is
	// already done, it returns (0, ctx.Err()) without attempting any
	// write.
	TryWrite(ctx context.Context, p []byte) (n int, err error)
}
