package errorsx

import (
	"errors"
	"testing"
)

func TestWrapAndReason(t *testing.T) {
	err := Wrap(assertErr{}, ReasonChainStream)
	if Reason(err) != ReasonChainStream {
		t.Fatalf("expected reason %s, got %s", ReasonChainStream, Reason(err))
	}
	if !HasReason(err, ReasonChainStream) {
		t.Fatalf("expected HasReason true")
	}
}

func TestWrapPreservesExistingReason(t *testing.T) {
	first := Wrap(assertErr{}, ReasonLLMStream)
	second := Wrap(first, ReasonChainStream)
	if Reason(second) != ReasonLLMStream {
		t.Fatalf("expected reason preserved, got %s", Reason(second))
	}
}

func TestWrapKeepsMessageAndIdentity(t *testing.T) {
	sentinel := errors.New("upstream exploded")
	err := Wrap(sentinel, ReasonChainInvoke)
	if err.Error() != sentinel.Error() {
		t.Fatalf("expected message %q, got %q", sentinel.Error(), err.Error())
	}
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected errors.Is to match the wrapped sentinel")
	}
	if Wrap(nil, ReasonChainInvoke) != nil {
		t.Fatalf("expected nil for nil error")
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
