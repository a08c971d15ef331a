// Package scriptid derives the short identifiers used for script directories
// and D-Bus object paths.
package scriptid

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// Length is the number of hex characters kept from the digest.
const Length = 16

// Hash returns the first Length lowercase hex characters of the sha256 of content.
func Hash(content []byte) (string, error) {
	h := sha256.New()
	if _, err := h.Write(content); err != nil {
		return "", fmt.Errorf("computing sha256: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil))[:Length], nil
}

// New hashes script salted with now, so identical bodies submitted at
// different times get different ids.
func New(now time.Time, script string) (string, error) {
	salted := strconv.FormatInt(now.UnixNano(), 10) + "_" + script
	return Hash([]byte(salted))
}

// Valid reports whether id looks like something Hash produced. Ids end up in
// filesystem and object paths, so anything else is rejected at the edges.
func Valid(id string) bool {
	if len(id) != Length {
		return false
	}
	for _, c := range id {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
