// Package vault talks to the shared threat registry. Only SHA-256 digests of
// normalized hostnames ever cross the wire; raw URLs stay on the client.
package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
)

// NormalizeHostname reduces a URL or bare domain to the hostname that gets
// hashed: lowercased, without scheme, path, "www." prefix or port.
func NormalizeHostname(domainOrURL string) string {
	host := strings.ToLower(strings.TrimSpace(domainOrURL))

	switch {
	case strings.Contains(host, "://"):
		u, err := url.Parse(host)
		if err != nil {
			return strings.TrimPrefix(host, "www.")
		}
		host = u.Hostname()
	case strings.Contains(host, "/"):
		host, _, _ = strings.Cut(host, "/")
	}

	host = strings.TrimPrefix(host, "www.")
	if h, _, found := strings.Cut(host, ":"); found {
		host = h
	}
	return host
}

// HashHostname returns the hex SHA-256 of the normalized hostname.
func HashHostname(domainOrURL string) string {
	sum := sha256.Sum256([]byte(NormalizeHostname(domainOrURL)))
	return hex.EncodeToString(sum[:])
}

// ValidHash reports whether s looks like a hex SHA-256 digest.
func ValidHash(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
