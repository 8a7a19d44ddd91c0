package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelvision/sentinel/internal/types"
)

// Key prefixes inside the bucket.
const (
	FramePrefix     = "frames/"
	ActionPrefix    = "actions/"
	EmbeddingPrefix = "embeddings/"
)

// keyStamp is the compact UTC timestamp embedded in object keys.
func keyStamp(t time.Time) string {
	return t.UTC().Format("20060102T150405")
}

// SafeClientName normalizes a client-supplied name into a single key
// segment: lowercased, spaces to underscores, path separators stripped,
// never a bare dot run. Client names reach keys straight off the wire,
// so a hostile name must not be able to add or climb path segments.
func SafeClientName(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' {
			return -1
		}
		return r
	}, s)
	if strings.Trim(s, ".") == "" {
		return "unknown"
	}
	return s
}

// NewFrameNonce returns the 12-hex nonce that keeps frame keys unique
// within one second.
func NewFrameNonce() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// FrameKey builds frames/<client>/<ts>-<nonce>.jpg.
func FrameKey(clientName string, t time.Time, nonce string) string {
	return fmt.Sprintf("%s%s/%s-%s.jpg", FramePrefix, SafeClientName(clientName), keyStamp(t), nonce)
}

// SavedActionKey builds the deterministic audit path
// actions/<Action>/<client>/<ts>__<Action>__<Reason>.jpg. Redeliveries
// of the same verdict within the same second land on the same key,
// which keeps at-least-once delivery idempotent.
func SavedActionKey(action types.ActionCode, reason types.ReasonCode, clientName string, t time.Time) string {
	a := action.Label()
	return fmt.Sprintf("%s%s/%s/%s__%s__%s.jpg", ActionPrefix, a, SafeClientName(clientName), keyStamp(t), a, reason.Label())
}

// EmbeddingKey builds embeddings/<namespace>/<modelSig>/<client>.bin.
func EmbeddingKey(namespace, modelSig, clientName string) string {
	return fmt.Sprintf("%s%s/%s/%s.bin", EmbeddingPrefix, namespace, modelSig, SafeClientName(clientName))
}
