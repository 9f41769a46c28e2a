package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Hmac256 is a function to generate HMAC256 hash.
func Hmac256(body, key []byte) string {
	hash := hmac.New(sha256.New, key)
	hash.Write(body)
	return hex.EncodeToString(hash.Sum(nil))
}

// VerifyHmac256 compares a received hex HMAC against the expected one in
// constant time.
func VerifyHmac256(body, key []byte, received string) bool {
	expected := Hmac256(body, key)
	return hmac.Equal([]byte(received), []byte(expected))
}
