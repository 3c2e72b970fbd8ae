package syncer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/121-Online/IMAP-Sync-CLI/internal/imaputil"
)

// Fingerprint is a stable, server-independent identity for a logical
// message. Two messages with equal fingerprints are treated as the same
// message; UIDs and sequence numbers never participate, they differ between
// servers and can be reused.
type Fingerprint string

// FingerprintOf derives a fingerprint from message metadata. Preference
// order: the message's own Message-Id header, which is globally unique by
// construction; failing that, a digest over size, internal date and envelope
// headers. ok is false when neither is computable, which callers must treat
// as "copy defensively and warn".
func FingerprintOf(m imaputil.MessageInfo) (Fingerprint, bool) {
	if id := normalizeMessageID(m.MessageID); id != "" {
		sum := sha256.Sum256([]byte("msgid\x00" + id))
		return Fingerprint(hex.EncodeToString(sum[:16])), true
	}
	// Fallback: the envelope digest only identifies a message when there is
	// something to digest. A zero date with zero size is indistinguishable
	// from any other broken message.
	if m.InternalDate.IsZero() && m.Size == 0 {
		return "", false
	}
	h := sha256.New()
	fmt.Fprintf(h, "meta\x00%d\x00%d\x00%s\x00%s",
		m.Size, m.InternalDate.UTC().Unix(), m.Subject, m.From)
	return Fingerprint(hex.EncodeToString(h.Sum(nil)[:16])), true
}

// normalizeMessageID strips angle brackets and surrounding whitespace so the
// same ID serialized slightly differently by two servers still matches.
func normalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return strings.TrimSpace(id)
}
