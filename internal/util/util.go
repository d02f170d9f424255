package util

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

func NormalizePhone(p string) string {
	// keep it simple for MVP
	return strings.ReplaceAll(strings.TrimSpace(p), " ", "")
}

// ULIDs are sortable, which keeps creation order cheap to query and makes
// the lowest-id tiebreak in condition matching mean "oldest".
func NewMessageID() string {
	return "msg_" + newULID()
}

func NewCommandID() string {
	return "cmd_" + newULID()
}

func NewLeaseID() string {
	return "lease_" + newULID()
}

// NewToken returns a lease bearer token. Unlike the IDs above it must not be
// guessable, so it comes straight from crypto/rand instead of a ULID.
func NewToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}

func newULID() string {
	t := time.Now().UTC()
	return ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

func NowUTC() time.Time {
	return time.Now().UTC()
}
