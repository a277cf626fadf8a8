package fault

import (
	"errors"
	"fmt"
	"testing"
)

var (
	errPolicy = New(ErrRejected, "test: not allowed")
	errBroken = New(ErrInvariant, "test: broken")
)

func TestClassMatching(t *testing.T) {
	wrapped := fmt.Errorf("%w: sender 0x01", errPolicy)
	if !errors.Is(wrapped, errPolicy) {
		t.Fatal("wrapped error lost its sentinel")
	}
	if !errors.Is(wrapped, ErrRejected) || !IsRejected(wrapped) {
		t.Fatal("wrapped error lost its class")
	}
	if errors.Is(wrapped, ErrInvariant) {
		t.Fatal("rejection must not match the invariant class")
	}
	if !IsInvariant(errBroken) {
		t.Fatal("invariant sentinel not classified")
	}
}

func TestExternal(t *testing.T) {
	base := errors.New("rpc timeout")
	err := External(base)
	if !errors.Is(err, base) || !errors.Is(err, ErrExternal) {
		t.Fatal("External must keep the cause and add the class")
	}
	if err.Error() != "rpc timeout" {
		t.Fatalf("message changed: %q", err.Error())
	}
	if External(nil) != nil {
		t.Fatal("External(nil) must be nil")
	}
	if got := External(errPolicy); got != error(errPolicy) {
		t.Fatal("already classified errors must pass through")
	}
}

func TestClassOf(t *testing.T) {
	tests := []struct {
		err  error
		want *Class
	}{
		{nil, nil},
		{errors.New("plain"), nil},
		{errPolicy, ErrRejected},
		{fmt.Errorf("ctx: %w", errBroken), ErrInvariant},
		{External(errors.New("x")), ErrExternal},
	}
	for i, tt := range tests {
		if got := ClassOf(tt.err); got != tt.want {
			t.Errorf("case %d: ClassOf = %v, want %v", i, got, tt.want)
		}
	}
}

func TestLabel(t *testing.T) {
	tests := map[string]error{
		"":          nil,
		"unknown":   errors.New("plain"),
		"rejected":  errPolicy,
		"invariant": errBroken,
		"external":  External(errors.New("x")),
	}
	for want, err := range tests {
		if got := Label(err); got != want {
			t.Errorf("Label(%v) = %q, want %q", err, got, want)
		}
	}
}
