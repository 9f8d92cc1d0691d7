package source

import (
	"encoding/hex"
	"errors"
	"net/url"
	"strings"

	"github.com/zeebo/blake3"

	"unpackd/services/ingest/errs"
)

// Request is a submitted source URL together with its cache key.
type Request struct {
	URL         string `json:"url"`
	Fingerprint string `json:"fingerprint"`
}

// NewRequest validates raw and derives its fingerprint.
func NewRequest(raw string) (Request, error) {
	normalized, err := Normalize(raw)
	if err != nil {
		return Request{}, err
	}
	return Request{URL: strings.TrimSpace(raw), Fingerprint: Fingerprint(normalized)}, nil
}

// Normalize canonicalises a source URL for fingerprinting: surrounding
// whitespace is trimmed, scheme and host are lowercased and the fragment is
// dropped. The query string is kept.
func Normalize(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", errs.New(errs.KindInvalidRequest, "normalize", errors.New("url is required"))
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", errs.New(errs.KindInvalidRequest, "normalize", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	switch u.Scheme {
	case "http", "https", "s3":
	default:
		return "", errs.Newf(errs.KindInvalidRequest, "normalize", "unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errs.Newf(errs.KindInvalidRequest, "normalize", "url %q has no host", trimmed)
	}
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), nil
}

// Fingerprint hashes a normalized URL into the hex cache key.
func Fingerprint(normalized string) string {
	sum := blake3.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
