package webhookqueue

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignatureHeader carries the payload signature on outbound deliveries.
const SignatureHeader = "X-GuildGate-Signature"

// Sign computes the signature header value for a payload: sha256=<hex> of
// the HMAC-SHA256 over the raw body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature header value against the raw
// body, for subscriber-side verification and tests.
func VerifySignature(secret string, body []byte, headerValue string) bool {
	got := strings.TrimPrefix(strings.TrimSpace(headerValue), "sha256=")
	decoded, err := hex.DecodeString(strings.ToLower(got))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), decoded)
}
