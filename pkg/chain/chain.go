// Package chain defines the composable chain abstraction driven by the
// chain processor: a keyed input producing either one result or a stream
// of incremental results.
package chain

import (
	"context"
	"errors"
	"fmt"
)

// Input addresses chain input slots by name.
type Input map[string]any

// Chain is invoked once or streamed.
type Chain interface {
	Invoke(ctx context.Context, in Input) (any, error)
	Stream(ctx context.Context, in Input) (Stream, error)
}

// Stream yields incremental results. Recv returns io.EOF after the last
// item. Close may be called at any time; later Recv calls return
// ErrStreamClosed.
type Stream interface {
	Recv() (any, error)
	Close() error
}

// ErrStreamClosed is returned by Recv once the consumer closed the stream.
var ErrStreamClosed = errors.New("chain: stream closed")

// IsCancellation reports a cooperative stop: the stream was closed by its
// consumer or the context was cancelled. Deadline expiry is a failure.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrStreamClosed) || errors.Is(err, context.Canceled)
}

// Named is implemented by chains that report a stable name.
type Named interface {
	Name() string
}

// NameOf returns c's name, falling back to its type.
func NameOf(c Chain) string {
	if n, ok := c.(Named); ok && n.Name() != "" {
		return n.Name()
	}
	return fmt.Sprintf("%T", c)
}

type metaKey struct{}

// WithMeta attaches frame routing metadata to ctx so chain components can
// scope state (e.g. memory) to the originating session.
func WithMeta(ctx context.Context, meta map[string]string) context.Context {
	return context.WithValue(ctx, metaKey{}, meta)
}

// MetaFrom returns metadata attached by WithMeta, or nil.
func MetaFrom(ctx context.Context) map[string]string {
	meta, _ := ctx.Value(metaKey{}).(map[string]string)
	return meta
}
