package chain

import (
	"context"
	"errors"
)

// Lambda builds a Chain from functions. Without StreamFunc, Stream yields
// the Invoke result as a single item.
type Lambda struct {
	ID         string
	InvokeFunc func(ctx context.Context, in Input) (any, error)
	StreamFunc func(ctx context.Context, in Input) (Stream, error)
}

func (l Lambda) Name() string { return l.ID }

func (l Lambda) Invoke(ctx context.Context, in Input) (any, error) {
	if l.InvokeFunc == nil {
		return nil, errors.New("chain: lambda has no invoke func")
	}
	return l.InvokeFunc(ctx, in)
}

func (l Lambda) Stream(ctx context.Context, in Input) (Stream, error) {
	if l.StreamFunc != nil {
		return l.StreamFunc(ctx, in)
	}
	out, err := l.Invoke(ctx, in)
	if err != nil {
		return nil, err
	}
	return NewSliceStream(out), nil
}
