// Package checksum computes the content digest that identifies a change.
//
// A change supplies its action content as data (its payload). The payload is
// serialised to RFC 8785 canonical JSON and hashed with SHA-256 under a
// domain separator, so the digest is stable across processes, restarts and
// map iteration order.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DomainChange separates change digests from any other SHA-256 use.
// The version suffix enables future algorithm migration.
const DomainChange = "changecontrol/change/v1"

// Sum returns the hex-encoded digest of payload.
func Sum(payload any) (string, error) {
	canonical, err := MarshalCanonical(payload)
	if err != nil {
		return "", fmt.Errorf("checksum: %w", err)
	}
	return hashWithDomain(DomainChange, canonical), nil
}

// MustSum is like Sum but panics on error.
// Use only in tests or when the payload is known to be valid.
func MustSum(payload any) string {
	sum, err := Sum(payload)
	if err != nil {
		panic(err)
	}
	return sum
}

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
