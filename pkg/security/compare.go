// Package security holds the secret comparison used by the admin endpoints.
package security

import (
	"crypto/sha256"
	"crypto/subtle"
)

// SecureCompare reports whether a presented secret equals the configured
// one in constant time. Both sides are hashed first so the comparison does
// not reveal the configured length. An empty configured secret never matches.
func SecureCompare(presented, configured string) bool {
	if configured == "" {
		return false
	}
	p := sha256.Sum256([]byte(presented))
	c := sha256.Sum256([]byte(configured))
	return subtle.ConstantTimeCompare(p[:], c[:]) == 1
}
