package models

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorKindExtraction(t *testing.T) {
	base := fmt.Errorf("wrap: %w", ErrTemplateNotFound)
	err := NewError(KindNotFound, "templates.get", base)

	if got := KindOf(err); got != KindNotFound {
		t.Fatalf("expected %s, got %s", KindNotFound, got)
	}
	if !errors.Is(err, ErrTemplateNotFound) {
		t.Fatal("kinded error must unwrap to its cause")
	}
	if KindOf(errors.New("plain")) != "" {
		t.Fatal("plain errors carry no kind")
	}
}

func TestErrorMessageFormat(t *testing.T) {
	err := NewError(KindTimeout, "storage.route", errors.New("deadline exceeded"))
	want := "storage.route: deadline exceeded"
	if err.Error() != want {
		t.Fatalf("got %q want %q", err.Error(), want)
	}
	bare := NewError(KindCancelled, "discovery.capture", nil)
	if bare.Error() != "discovery.capture: cancelled" {
		t.Fatalf("got %q", bare.Error())
	}
}

func TestErrorIsMatchesOnKind(t *testing.T) {
	a := NewError(KindValidation, "a", errors.New("x"))
	b := NewError(KindValidation, "b", errors.New("y"))
	c := NewError(KindTimeout, "c", errors.New("z"))
	if !errors.Is(a, b) {
		t.Fatal("same-kind errors must match")
	}
	if errors.Is(a, c) {
		t.Fatal("different kinds must not match")
	}
}

func TestReadingTags(t *testing.T) {
	var r Reading
	if r.Tag("device_type") != "" {
		t.Fatal("empty reading has no tags")
	}
	r.SetTag("device_type", "scale")
	r.SetTag("channel_no", 3)
	if r.Tag("device_type") != "scale" {
		t.Fatal("string tag round trip failed")
	}
	if r.Tag("channel_no") != "" {
		t.Fatal("non-string tags read as empty strings")
	}
}
