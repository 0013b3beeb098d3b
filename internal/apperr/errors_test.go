package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsMatchesKindAndParent(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{"same kind", NotFound("section %s", "s1"), ErrNotFound, true},
		{"other kind", NotFound("section %s", "s1"), ErrConflict, false},
		{"depth is validation", DepthExceeded(7, 6), ErrValidation, true},
		{"depth is depth", DepthExceeded(7, 6), ErrDepthExceeded, true},
		{"format unavailable is validation", FormatUnavailable("html"), ErrValidation, true},
		{"index is not found", InvalidVersionIndex(3, 2), ErrNotFound, true},
		{"validation is not depth", Validation("bad"), ErrDepthExceeded, false},
		{"wrapped", fmt.Errorf("move section: %w", Conflict("cycle")), ErrConflict, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.Is(tt.err, tt.target); got != tt.want {
				t.Fatalf("errors.Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKindOfAndMessage(t *testing.T) {
	err := fmt.Errorf("wrap: %w", ConversionUnsupported("text", "html"))
	if got := KindOf(err); got != KindConversionUnsupported {
		t.Fatalf("KindOf() = %q", got)
	}
	if KindOf(errors.New("plain")) != "" {
		t.Fatal("expected empty kind for plain error")
	}

	cause := errors.New("boom")
	wrapped := Wrap(KindValidation, cause, "decode content")
	if !errors.Is(wrapped, cause) {
		t.Fatal("expected cause to be reachable through Unwrap")
	}
	if wrapped.Error() != "decode content: boom" {
		t.Fatalf("unexpected message %q", wrapped.Error())
	}
}
