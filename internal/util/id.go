package util

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// NewUUID returns a client-visible entity identifier. Departments, roles and
// processes all use plain v4 UUIDs so the step normalizer can validate
// references with a single pattern.
func NewUUID() string {
	return uuid.NewString()
}

// NewToken returns an opaque random token for invitations and similar
// short-lived secrets.
func NewToken() string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	return hex.EncodeToString(bytes)
}
