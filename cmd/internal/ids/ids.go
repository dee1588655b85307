// Package ids provides identifier primitives: ULIDs for attempts and envelopes,
// random hex and remote blob filenames.
package ids

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"
	"time"

	"github.com/oklog/ulid/v2"
)

const filenameAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// NewULID returns a new ULID string (26 chars).
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustULID is NewULID for log/correlation ids where a failure is not actionable.
// It falls back to random hex so callers always get a non-empty value.
func MustULID(now time.Time) string {
	id, err := NewULID(now)
	if err != nil {
		return NewRandomHex(13)
	}
	return id
}

// NewRandomHex returns a cryptographically secure random hex string of length 2*nBytes.
// If nBytes <= 0, it defaults to 16 bytes (32 hex chars).
func NewRandomHex(nBytes int) string {
	if nBytes <= 0 {
		nBytes = 16
	}

	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}

// NewBlobName returns a remote filename made of random alphanumerics (count given by
// letters), a random number below 10^digits, then ext. Names are not unique; the blob host
// only uses them for retrieval.
func NewBlobName(letters, digits int, ext string) (string, error) {
	if letters <= 0 {
		letters = 6
	}
	if digits <= 0 {
		digits = 4
	}

	out := make([]byte, 0, letters+digits+len(ext))
	max := big.NewInt(int64(len(filenameAlphabet)))
	for i := 0; i < letters; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out = append(out, filenameAlphabet[n.Int64()])
	}

	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	out = append(out, n.String()...)
	out = append(out, ext...)
	return string(out), nil
}
