// Package fingerprint derives the privacy-safe {hash, length} pair that
// stands in for a raw query everywhere past the request boundary.
package fingerprint

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"unicode/utf8"

	apperrors "github.com/kalambet/ragd/internal/errors"
)

// ErrSaltMissing is returned when no hash salt is configured.
var ErrSaltMissing = errors.New("query hash salt is not configured")

// Fingerprint is safe to log and persist.
type Fingerprint struct {
	Hash   string `json:"q_hash"`
	Length int    `json:"q_len"`
}

// Hasher computes keyed fingerprints. The zero value is unusable and
// reports a configuration error on every call.
type Hasher struct {
	key []byte
}

// New returns a Hasher keyed with salt. An empty salt is a configuration
// error and callers are expected to treat it as fatal at startup.
func New(salt string) (*Hasher, error) {
	if salt == "" {
		return nil, configError()
	}
	return &Hasher{key: []byte(salt)}, nil
}

// Fingerprint returns HMAC-SHA256(salt, q) as lowercase hex and the
// code-point length of q.
func (h *Hasher) Fingerprint(q string) (Fingerprint, error) {
	if h == nil || len(h.key) == 0 {
		return Fingerprint{}, configError()
	}
	return Fingerprint{Hash: h.Sum(q), Length: utf8.RuneCountInString(q)}, nil
}

// Sum returns only the hex digest. Used for content dedup at ingestion.
func (h *Hasher) Sum(s string) string {
	mac := hmac.New(sha256.New, h.key)
	mac.Write([]byte(s))
	return hex.EncodeToString(mac.Sum(nil))
}

func configError() error {
	return apperrors.Wrap(ErrSaltMissing, apperrors.CategoryInternal,
		apperrors.CodeConfigurationMissing, "internal server error", false)
}
