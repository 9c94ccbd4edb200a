package pattern

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// NormalizeSignature canonicalizes a raw pattern signature before hashing.
//
// Normalization keeps lineage identity stable across cosmetic differences:
// leading/trailing whitespace is trimmed, internal whitespace runs collapse
// to a single space, and casing folds to lower.
func NormalizeSignature(signature string) string {
	fields := strings.Fields(signature)

	return strings.ToLower(strings.Join(fields, " "))
}

// SignatureHash returns the stable fingerprint of a pattern's canonical form.
// All versions of one lineage share this hash.
//
// Returns a 64-character lowercase hex string (SHA-256 output).
func SignatureHash(signature string) string {
	sum := sha256.Sum256([]byte(NormalizeSignature(signature)))

	return hex.EncodeToString(sum[:])
}

// ContentFingerprint hashes the raw (non-normalized) signature text, so two
// versions with identical lineage but different surface text are
// distinguishable in audits.
func ContentFingerprint(signature string) string {
	sum := sha256.Sum256([]byte(signature))

	return hex.EncodeToString(sum[:])
}

// NewPatternID mints an opaque unique identifier for one stored version.
func NewPatternID() string {
	return "pat_" + uuid.NewString()
}

// NewInjectionID mints an identifier for one recorded injection.
func NewInjectionID() string {
	return "inj_" + uuid.NewString()
}
