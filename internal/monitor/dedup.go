package monitor

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/1sec-project/secengine/internal/core"
)

// Dedup drops resubmissions of the same event within a short TTL, e.g. a
// collaborator retrying a call that already succeeded or the bus redelivering
// a message. Only events that carry a caller-assigned ID take part; the hash
// covers the ID, type, user and the serialized details bag.
type Dedup struct {
	seen *expirable.LRU[string, struct{}]
}

// NewDedup creates a dedup cache. A non-positive ttl disables it.
func NewDedup(ttl time.Duration, maxSize int) *Dedup {
	if ttl <= 0 {
		return nil
	}
	if maxSize <= 0 {
		maxSize = 50000
	}
	return &Dedup{seen: expirable.NewLRU[string, struct{}](maxSize, nil, ttl)}
}

// IsDuplicate reports whether the event was seen within the TTL and records it
// if not.
func (d *Dedup) IsDuplicate(event *core.SecurityEvent) bool {
	if d == nil || event.ID == "" {
		return false
	}
	h := hashEvent(event)
	if d.seen.Contains(h) {
		return true
	}
	d.seen.Add(h, struct{}{})
	return false
}

// Len returns the number of live fingerprints.
func (d *Dedup) Len() int {
	if d == nil {
		return 0
	}
	return d.seen.Len()
}

func hashEvent(event *core.SecurityEvent) string {
	h := sha256.New()
	h.Write([]byte(event.ID))
	h.Write([]byte{0})
	h.Write([]byte(event.Type))
	h.Write([]byte{0})
	h.Write([]byte(event.UserID))
	h.Write([]byte{0})
	h.Write([]byte(event.DetailsJSON()))
	return hex.EncodeToString(h.Sum(nil)[:16])
}
