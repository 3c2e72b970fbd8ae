package imaputil

import (
	"context"
	"fmt"
	"testing"

	"github.com/pkg/errors"
)

func TestIsTransientMarked(t *testing.T) {
	err := Transient(fmt.Errorf("whatever"))
	if !IsTransient(err) {
		t.Fatal("marked transient must classify transient")
	}
	if !IsTransient(errors.Wrap(err, "append")) {
		t.Fatal("wrapping must not hide the marker")
	}
}

func TestIsTransientKnownStrings(t *testing.T) {
	for _, msg := range []string{
		"read tcp: connection reset by peer",
		"i/o timeout",
		"server busy, try again later",
	} {
		if !IsTransient(fmt.Errorf("%s", msg)) {
			t.Fatalf("%q should be transient", msg)
		}
	}
}

func TestPermanentBeatsStringSniffing(t *testing.T) {
	// A permanent marker wins even when the text looks retryable.
	err := Permanent(fmt.Errorf("connection reset"))
	if IsTransient(err) {
		t.Fatal("explicit permanent marker must not be retried")
	}
}

func TestCancellationIsNotTransient(t *testing.T) {
	if IsTransient(context.Canceled) || IsTransient(context.DeadlineExceeded) {
		t.Fatal("cancellation must not be retried")
	}
}

func TestIsPermanentAppend(t *testing.T) {
	for _, msg := range []string{
		"APPEND failed: quota exceeded",
		"message too large",
		"malformed message literal",
	} {
		if !IsPermanentAppend(fmt.Errorf("%s", msg)) {
			t.Fatalf("%q should be permanent", msg)
		}
	}
	if IsPermanentAppend(fmt.Errorf("connection reset")) {
		t.Fatal("transient text is not a permanent append failure")
	}
}

func TestAuthMarker(t *testing.T) {
	err := AuthFailed(fmt.Errorf("LOGIN failed"))
	if !IsAuth(err) {
		t.Fatal("auth marker lost")
	}
	if !IsAuth(errors.Wrap(err, "connect source")) {
		t.Fatal("wrapping must not hide the auth marker")
	}
}
