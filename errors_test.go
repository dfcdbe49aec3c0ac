package coap

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfUnwrapsThroughFmtErrorf(t *testing.T) {
	base := newErr(KindIO, errors.New("boom"))
	wrapped := fmt.Errorf("context: %w", base)

	kind, ok := KindOf(wrapped)
	if !ok || kind != KindIO {
		t.Fatalf("KindOf(wrapped) = %v, %v, want KindIO, true", kind, ok)
	}
}

func TestKindOfFalseForPlainError(t *testing.T) {
	if _, ok := KindOf(errors.New("plain")); ok {
		t.Fatal("expected KindOf to report false for a non-CoapError")
	}
}

func TestCoapErrorUnwrap(t *testing.T) {
	sentinel := errors.New("sentinel")
	ce := newErr(KindArgument, sentinel)
	if !errors.Is(ce, sentinel) {
		t.Fatal("expected errors.Is to see through CoapError.Unwrap")
	}
}

func TestKindStringNames(t *testing.T) {
	cases := map[Kind]string{
		KindFormat:      "FormatError",
		KindArgument:    "ArgumentError",
		KindUnsupported: "UnsupportedError",
		KindUndelivered: "Undelivered",
		KindIO:          "IoError",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Fatalf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}
