package syncer

import (
	"testing"
	"time"

	"github.com/121-Online/IMAP-Sync-CLI/internal/imaputil"
)

func TestFingerprintIgnoresServerAssignedNumbers(t *testing.T) {
	a := imaputil.MessageInfo{UID: 17, MessageID: "<msg-1@example.com>", Size: 100}
	b := imaputil.MessageInfo{UID: 9000, MessageID: "<msg-1@example.com>", Size: 100}
	fpA, ok := FingerprintOf(a)
	if !ok {
		t.Fatal("expected fingerprint")
	}
	fpB, _ := FingerprintOf(b)
	if fpA != fpB {
		t.Fatalf("same Message-Id must fingerprint equal: %q vs %q", fpA, fpB)
	}
}

func TestFingerprintNormalizesMessageID(t *testing.T) {
	a := imaputil.MessageInfo{MessageID: "<msg-1@example.com>"}
	b := imaputil.MessageInfo{MessageID: "  msg-1@example.com "}
	fpA, _ := FingerprintOf(a)
	fpB, _ := FingerprintOf(b)
	if fpA != fpB {
		t.Fatalf("angle brackets and whitespace must not change the fingerprint")
	}
}

func TestFingerprintFallbackOnMetadata(t *testing.T) {
	date := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	a := imaputil.MessageInfo{Size: 2048, InternalDate: date, Subject: "hello", From: "a@example.com"}
	b := imaputil.MessageInfo{Size: 2048, InternalDate: date, Subject: "hello", From: "a@example.com"}
	fpA, ok := FingerprintOf(a)
	if !ok {
		t.Fatal("metadata fallback should produce a fingerprint")
	}
	fpB, _ := FingerprintOf(b)
	if fpA != fpB {
		t.Fatal("identical metadata must fingerprint equal")
	}

	c := b
	c.Size = 2049
	fpC, _ := FingerprintOf(c)
	if fpC == fpA {
		t.Fatal("different size must fingerprint differently")
	}
}

func TestFingerprintStableAcrossRepeatedListings(t *testing.T) {
	m := imaputil.MessageInfo{MessageID: "<x@y>", Size: 1, InternalDate: time.Now()}
	fp1, _ := FingerprintOf(m)
	fp2, _ := FingerprintOf(m)
	if fp1 != fp2 {
		t.Fatal("fingerprint must be deterministic")
	}
}

func TestUnfingerprintable(t *testing.T) {
	m := imaputil.MessageInfo{UID: 42}
	if _, ok := FingerprintOf(m); ok {
		t.Fatal("no Message-Id, zero size and zero date must be unfingerprintable")
	}
}
