package util

import (
	"regexp"
	"strings"
)

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// NormalizeEmail case-folds and trims an email address. All lookups and
// storage key on the normalized form.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// IsValidEmail checks basic address shape before any storage access
func IsValidEmail(email string) bool {
	email = NormalizeEmail(email)
	if email == "" || len(email) > 254 || ContainsSuspicious(email) {
		return false
	}
	return emailPattern.MatchString(email)
}

// EmailDomain returns the domain part of a normalized email, or ""
func EmailDomain(email string) string {
	email = NormalizeEmail(email)
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return email[at+1:]
}
