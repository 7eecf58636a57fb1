package util

import "strings"

// identifier characters accepted for payment/retailer IDs coming in from
// the HTTP surface. Anything else is rejected before hitting storage.
const identifierChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-_"

// ValidIdentifier reports whether s is a non-empty, bounded identifier
// made only of safe characters.
func ValidIdentifier(s string) bool {
	if s == "" || len(s) > 128 {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune(identifierChars, r) {
			return false
		}
	}
	return true
}

// SanitizeIdentifier trims whitespace from an incoming identifier.
func SanitizeIdentifier(s string) string {
	return strings.TrimSpace(s)
}
