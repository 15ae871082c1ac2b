package pkg

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindString(t *testing.T) {
	tests := []struct {
		kind     Kind
		expected string
	}{
		{KindMemory, "memory"},
		{KindParam, "param"},
		{KindUnsupported, "unsupported"},
		{KindNotFound, "not found"},
		{KindExists, "exists"},
		{KindAccess, "access"},
		{KindBusy, "busy"},
		{KindIO, "io"},
		{KindTimeout, "timeout"},
		{KindMode, "mode"},
		{KindRange, "range"},
		{KindSystem, "system"},
		{KindParse, "parse"},
		{KindFirmware, "firmware"},
		{KindOther, "other"},
		{Kind(99), "other"},
	}

	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.expected {
			t.Errorf("Kind(%d).String() = %q, want %q", tt.kind, got, tt.expected)
		}
	}
}

func TestErrf(t *testing.T) {
	err := Errf(KindNotFound, "device %q not present", "usb-1-2")

	if got := ErrKind(err); got != KindNotFound {
		t.Errorf("ErrKind() = %v, want %v", got, KindNotFound)
	}
	if !IsKind(err, KindNotFound) {
		t.Error("IsKind(KindNotFound) = false, want true")
	}
	if IsKind(err, KindTimeout) {
		t.Error("IsKind(KindTimeout) = true, want false")
	}
	expected := `device "usb-1-2" not present`
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestErrfWrapsCause(t *testing.T) {
	cause := errors.New("permission denied")
	err := Errf(KindAccess, "cannot open node: %w", cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false, want true")
	}
}

func TestWrapErr(t *testing.T) {
	if WrapErr(KindIO, nil) != nil {
		t.Error("WrapErr(nil) != nil")
	}

	cause := fmt.Errorf("short write")
	err := WrapErr(KindIO, cause)
	if !IsKind(err, KindIO) {
		t.Error("wrapped error lost its kind")
	}
	if !errors.Is(err, cause) {
		t.Error("wrapped error lost its cause")
	}
}

func TestErrKindForeignError(t *testing.T) {
	if got := ErrKind(errors.New("plain")); got != KindOther {
		t.Errorf("ErrKind(plain error) = %v, want KindOther", got)
	}
}

func TestQuietRestoresState(t *testing.T) {
	if quieted(KindNotFound) {
		t.Fatal("KindNotFound quieted before Quiet call")
	}

	inner := errors.New("probe failed")
	err := Quiet(KindNotFound, func() error {
		if !quieted(KindNotFound) {
			t.Error("KindNotFound not quieted inside Quiet")
		}
		return inner
	})
	if err != inner {
		t.Errorf("Quiet returned %v, want %v", err, inner)
	}

	if quieted(KindNotFound) {
		t.Error("KindNotFound still quieted after Quiet returned")
	}
}

func TestQuietNests(t *testing.T) {
	_ = Quiet(KindAccess, func() error {
		return Quiet(KindAccess, func() error {
			if !quieted(KindAccess) {
				t.Error("nested Quiet not active")
			}
			return nil
		})
	})
	if quieted(KindAccess) {
		t.Error("KindAccess quieted after nested Quiet unwound")
	}
}
