package errcode

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
)

// Fingerprint derives the stable identity of one concrete error
// occurrence: SHA-256 over message, path, and county joined with "#",
// rendered as lowercase hex. The inputs are hashed verbatim; callers
// must not normalize whitespace or case before hashing, or the same
// error seen under two executions would stop matching.
func Fingerprint(message, path, county string) string {
	h := sha256.New()
	h.Write([]byte(message))
	h.Write([]byte{'#'})
	h.Write([]byte(path))
	h.Write([]byte{'#'})
	h.Write([]byte(county))
	return hex.EncodeToString(h.Sum(nil))
}

var fingerprintRe = regexp.MustCompile(`^[0-9a-f]{64}$`)

// IsFingerprint reports whether s is a well-formed fingerprint
// (64 lowercase hex characters).
func IsFingerprint(s string) bool {
	return fingerprintRe.MatchString(s)
}
