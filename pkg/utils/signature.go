package utils

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// ComputeHMACSHA256 returns the hex-encoded HMAC-SHA256 of body under secret.
func ComputeHMACSHA256(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMACSHA256 compares a hex-encoded signature against the HMAC of body
// in constant time.
func VerifyHMACSHA256(body []byte, signature, secret string) bool {
	expected := ComputeHMACSHA256(body, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}
