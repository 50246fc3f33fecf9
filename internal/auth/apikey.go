package auth

import (
	"encoding/hex"
	"net/http"
	"strings"
)

const (
	// KeyPrefix is the prefix for all API keys
	KeyPrefix = "qp_key_"
	// keyHexLength is the length of the random part of the key
	keyHexLength = 48
)

// ExtractKey reads the API key from X-API-Key or a Bearer token.
func ExtractKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// ValidFormat reports whether key looks like a key this service issued.
func ValidFormat(key string) bool {
	rest, ok := strings.CutPrefix(key, KeyPrefix)
	if !ok || len(rest) != keyHexLength {
		return false
	}
	_, err := hex.DecodeString(rest)
	return err == nil
}
