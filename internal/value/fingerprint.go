package value

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for fingerprint computation. The version suffix enables
// future algorithm migration without colliding with old fingerprints.
const (
	DomainSchema = "strata/schema/v1"
	DomainObject = "strata/object/v1"
)

// Fingerprint computes a SHA-256 fingerprint of a value with domain
// separation. Format: SHA256(domain + 0x00 + canonicalJSON).
// The null byte separator prevents domain/data boundary ambiguity.
//
// Fingerprints are stable across processes and replicas given the same
// value, which is what lets seeding detect an unchanged schema definition.
func Fingerprint(domain string, v Value) (string, error) {
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}
