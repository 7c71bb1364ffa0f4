package payment

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
)

// VerifySignature checks the gateway's HMAC-SHA512 signature over the raw
// request body using constant-time comparison. Any single-byte mutation of
// payload or signature fails the check.
func VerifySignature(payload []byte, signature, secret string) bool {
	if secret == "" {
		return false
	}

	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(payload)
	computed := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(computed), []byte(signature))
}

// SignPayload computes the hex HMAC-SHA512 signature for payload. Used by
// tests and by outbound webhook simulation tooling.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
