package util

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// CanonicalURL normalizes a request URL for cache lookups: scheme and host are
// lowercased, default ports and the fragment are dropped, an empty path
// becomes "/". The query string is kept verbatim.
// Relative URLs are resolved against base when base is non-empty.
func CanonicalURL(raw, base string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if !u.IsAbs() && base != "" {
		b, err := url.Parse(base)
		if err != nil {
			return "", err
		}
		u = b.ResolveReference(u)
	}
	u.Fragment = ""
	u.RawFragment = ""
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	switch {
	case u.Scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}
	u.Host = host
	if u.Path == "" && u.Opaque == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

// RequestKey is the logical cache key: upper-cased method and canonical URL.
func RequestKey(method, canonicalURL string) string {
	return strings.ToUpper(method) + " " + canonicalURL
}

// EntryKey returns the provider key of a request key inside a generation.
// The request key is hashed so provider keys stay short; the full request key
// travels inside the entry for collision checks.
func EntryKey(generation, requestKey string) string {
	return "entry:" + generation + ":" + strconv.FormatUint(xxhash.Sum64String(requestKey), 16)
}

// ManifestKey returns the provider key holding the list of entry keys of a generation.
func ManifestKey(generation string) string {
	return "manifest:" + generation
}
