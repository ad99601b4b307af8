// Package idgen provides identifiers for protocol messages and disputes.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random RFC 4122 uuid string. Used as the uid of every
// network message and chat message; uids are the correlation key for ACKs
// and delayed retries.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by a dash-free uuid (e.g. "tx_", "offer_").
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Valid reports whether s parses as a uuid.
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
