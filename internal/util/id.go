package util

import (
	"crypto/rand"
	"encoding/hex"
)

// idBytes yields 32 hex characters, enough that per-table collisions are not
// a practical concern.
const idBytes = 16

// NewID returns a random identifier, optionally tagged with a type prefix
// such as "prj" or "usr".
func NewID(prefix string) string {
	buf := make([]byte, idBytes)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	id := hex.EncodeToString(buf)
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
