// Package auth resolves caller identity from session tokens.
//
// Git clients send the session token as the password of HTTP Basic auth; the
// username is ignored. REST clients may also send it as a Bearer token. The
// token is matched exactly against the sessions table, which this server only
// ever reads.
package auth

import (
	"encoding/base64"
	"strings"
)

const (
	schemeBasic  = "basic"
	schemeBearer = "bearer"
)

// splitScheme separates "<scheme> <credentials>" with a case-insensitive scheme.
func splitScheme(header string) (scheme, rest string, ok bool) {
	header = strings.TrimSpace(header)
	i := strings.IndexByte(header, ' ')
	if i <= 0 {
		return "", "", false
	}
	return strings.ToLower(header[:i]), strings.TrimSpace(header[i+1:]), true
}

// ParseBasicToken extracts the password segment of a Basic Authorization header.
// The username segment is discarded. A missing header, another scheme, invalid
// base64, a payload without a colon, or an empty password all yield ok=false.
func ParseBasicToken(header string) (token string, ok bool) {
	scheme, payload, ok := splitScheme(header)
	if !ok || scheme != schemeBasic || payload == "" {
		return "", false
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", false
	}

	_, password, found := strings.Cut(string(raw), ":")
	if !found || password == "" {
		return "", false
	}
	return password, true
}

// ParseBearerToken extracts the token of a Bearer Authorization header.
func ParseBearerToken(header string) (token string, ok bool) {
	scheme, token, ok := splitScheme(header)
	if !ok || scheme != schemeBearer || token == "" {
		return "", false
	}
	return token, true
}

// TokenFromHeader accepts either Basic or Bearer credentials.
func TokenFromHeader(header string) (string, bool) {
	if token, ok := ParseBasicToken(header); ok {
		return token, true
	}
	return ParseBearerToken(header)
}
