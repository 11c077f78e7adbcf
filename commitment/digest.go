package commitment

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"tenderguard/failure"
)

const digestPrefix = "sha256:"

// Digest returns the commitment hash of content. Bidders compute the same
// value locally before submitting, and anyone holding the content can
// reproduce it.
func Digest(content []byte) string {
	sum := sha256.Sum256(content)
	return digestPrefix + hex.EncodeToString(sum[:])
}

// ParseDigest normalizes a caller supplied digest to "sha256:<64 lowercase hex>".
// The prefix is optional on input.
func ParseDigest(s string) (string, error) {
	raw := strings.ToLower(strings.TrimSpace(s))
	raw = strings.TrimPrefix(raw, digestPrefix)
	if len(raw) != sha256.Size*2 {
		return "", fmt.Errorf("commitment: digest must be %d hex chars: %w", sha256.Size*2, failure.ErrInvalidInput)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("commitment: digest is not hex: %w", failure.ErrInvalidInput)
	}
	return digestPrefix + raw, nil
}
