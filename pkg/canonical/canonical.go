// Package canonical normalizes byte content and produces digests that are
// stable across operating systems.
//
// Two normalization rules apply before any hash is computed:
//  1. Line endings are folded to LF.
//  2. Path separators are folded to forward slashes.
//
// Text is additionally normalized to Unicode NFC so that visually identical
// content produced on different platforms hashes identically.
package canonical

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/sha3"
	"golang.org/x/text/unicode/norm"

	"crypto/sha256"
	"encoding/hex"
)

// ErrUnreadableInput is returned when referenced content cannot be resolved
// to bytes. No gate runs and nothing is written when hashing fails this way.
var ErrUnreadableInput = errors.New("unreadable input")

// Algorithm selects the digest function.
type Algorithm string

const (
	SHA256  Algorithm = "sha256"
	SHA3256 Algorithm = "sha3-256"
)

// Hasher produces canonical digests. The zero value is not usable; construct
// with NewHasher.
type Hasher struct {
	alg Algorithm
}

// NewHasher returns a Hasher for the given algorithm. An empty algorithm
// defaults to SHA-256.
func NewHasher(alg Algorithm) (*Hasher, error) {
	switch alg {
	case "":
		alg = SHA256
	case SHA256, SHA3256:
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %q", alg)
	}
	return &Hasher{alg: alg}, nil
}

// Algorithm returns the configured digest algorithm.
func (h *Hasher) Algorithm() Algorithm { return h.alg }

// HashBytes digests raw bytes without normalization and returns lowercase hex.
func (h *Hasher) HashBytes(data []byte) string {
	switch h.alg {
	case SHA3256:
		sum := sha3.Sum256(data)
		return hex.EncodeToString(sum[:])
	default:
		sum := sha256.Sum256(data)
		return hex.EncodeToString(sum[:])
	}
}

// HashText normalizes text content (LF line endings, NFC) and digests it.
func (h *Hasher) HashText(s string) string {
	return h.HashBytes([]byte(NormalizeText(s)))
}

// HashFile resolves a path to bytes, treats the content as text and digests
// the normalized form. Fails with ErrUnreadableInput if the content cannot
// be read.
func (h *Hasher) HashFile(path string) (string, error) {
	data, err := os.ReadFile(path) //nolint:gosec // caller supplies the path deliberately
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrUnreadableInput, NormalizePath(path), err)
	}
	return h.HashText(string(data)), nil
}

// HashJSON digests the RFC 8785 canonical JSON form of v, so any two values
// with the same logical content hash identically regardless of field order.
func (h *Hasher) HashJSON(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return h.HashBytes(b), nil
}

// ChainHash binds a payload digest to its predecessor's chain digest:
// H(prev || "|" || payload).
func (h *Hasher) ChainHash(prevChainHash, payloadHash string) string {
	return h.HashBytes([]byte(prevChainHash + "|" + payloadHash))
}

// NormalizeText folds CRLF and bare CR to LF and applies Unicode NFC.
func NormalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return norm.NFC.String(s)
}

// NormalizePath folds backslashes to forward slashes so path-derived input
// hashes identically on Windows and Unix.
func NormalizePath(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}
