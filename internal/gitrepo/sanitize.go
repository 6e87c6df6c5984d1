package gitrepo

import "strings"

// Sanitize removes every character outside [A-Za-z0-9_-]. It is idempotent.
func Sanitize(tenantID string) string {
	var b strings.Builder
	b.Grow(len(tenantID))
	for i := 0; i < len(tenantID); i++ {
		if c := tenantID[i]; isTenantChar(c) {
			b.WriteByte(c)
		}
	}
	return b.String()
}

func isTenantChar(c byte) bool {
	return c >= 'a' && c <= 'z' ||
		c >= 'A' && c <= 'Z' ||
		c >= '0' && c <= '9' ||
		c == '_' || c == '-'
}

// TenantFromSegment maps a repository URL segment such as "acme.git" to a
// sanitized tenant id by dropping suffix and then sanitizing.
func TenantFromSegment(segment, suffix string) (string, error) {
	if suffix != "" {
		segment = strings.TrimSuffix(segment, suffix)
	}
	id := Sanitize(segment)
	if id == "" {
		return "", ErrInvalidTenantID
	}
	return id, nil
}
