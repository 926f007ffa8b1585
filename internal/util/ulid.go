package util

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New generates a new ULID string. ULIDs sort by creation time, which the
// cursor pagination relies on.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// ValidID reports whether s is a well-formed ULID.
func ValidID(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}

// Derive returns a ULID that depends only on t and seed, so the same input
// always yields the same id. A zero t gives a zero timestamp.
func Derive(t time.Time, seed string) string {
	var ms uint64
	if !t.IsZero() && t.Unix() > 0 {
		ms = ulid.Timestamp(t)
	}
	sum := sha256.Sum256([]byte(seed))
	return ulid.MustNew(ms, bytes.NewReader(sum[:])).String()
}
