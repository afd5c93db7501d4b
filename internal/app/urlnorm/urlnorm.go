// Package urlnorm canonicalizes destination URLs so equal targets compare equal.
package urlnorm

import (
	"errors"
	"net/url"
	"strings"
)

// ErrInvalid signals a target that is not an absolute http(s) URL with a host.
var ErrInvalid = errors.New("invalid URL")

// Normalize trims whitespace, lowercases scheme and host and strips a
// trailing slash from the path. Query and fragment are kept verbatim.
func Normalize(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", ErrInvalid
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", ErrInvalid
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", ErrInvalid
	}
	if u.Hostname() == "" || u.Opaque != "" {
		return "", ErrInvalid
	}
	u.Host = strings.ToLower(u.Host)
	u.Path = strings.TrimRight(u.Path, "/")
	if u.RawPath != "" {
		u.RawPath = strings.TrimRight(u.RawPath, "/")
	}
	return u.String(), nil
}
