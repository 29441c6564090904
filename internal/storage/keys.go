package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// EventKeyPrefix marks idempotency keys taken from a provider event or movement id.
const EventKeyPrefix = "evt:"

// IdempotencyKey derives the dedup key of a movement. A provider id wins; otherwise
// the key is a SHA-256 over the reference, type, timestamp and a digest of the payload.
func IdempotencyKey(externalID, ref, kind string, at time.Time, payload []byte) string {
	if id := strings.TrimSpace(externalID); id != "" {
		return EventKeyPrefix + id
	}
	digest := sha256.Sum256(payload)
	h := sha256.New()
	h.Write([]byte(ref))
	h.Write([]byte{0})
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(at.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte{0})
	h.Write(digest[:])
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}
