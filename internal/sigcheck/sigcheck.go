// Package sigcheck decides whether an on-disk file already carries the content
// a manifest entry expects, by comparing size and SHA-256 digest.
package sigcheck

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
)

// Digest computes the SHA256 hash of a file
func Digest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
	}()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// Matches reports whether the file at path is a regular file of exactly the
// expected size with the expected content digest. Any I/O error counts as a
// mismatch; the predicate has no side effects.
func Matches(path string, size int64, digest string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() || info.Size() != size {
		return false
	}

	sum, err := Digest(path)
	if err != nil {
		return false
	}
	return sum == digest
}
