package util

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// EntryKey returns the provider key for one request key inside a generation.
// Request keys are hashed so URLs of any length map to a bounded key.
func EntryKey(prefix, gen, requestKey string) string {
	return prefix + ":" + gen + ":" + ShortHash(requestKey)
}

// ShortHash returns the first 16 hex chars of sha256(s).
func ShortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}

// Fingerprint hashes an ordered list; order matters.
func Fingerprint(items []string) string {
	h := sha256.New()
	for _, it := range items {
		h.Write([]byte(it))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// JoinNonEmpty joins the non-empty parts with sep.
func JoinNonEmpty(sep string, parts ...string) string {
	out := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, sep)
}
