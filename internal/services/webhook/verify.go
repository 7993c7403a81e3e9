package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Sign computes the HMAC-SHA256 signature of the payload with the
// shared secret, in the X-Webhook-Signature header format.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)

	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature against the payload in
// constant time.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := Sign(payload, secret)

	return hmac.Equal([]byte(expected), []byte(signature))
}
