package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"strings"
)

func hmacHex(payload, secret []byte, hashFunc func() hash.Hash) string {
	mac := hmac.New(hashFunc, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func verifyHMACHex(payload []byte, hexSig string, secret []byte, hashFunc func() hash.Hash) bool {
	decoded, err := hex.DecodeString(strings.ToLower(strings.TrimSpace(hexSig)))
	if err != nil {
		return false
	}
	mac := hmac.New(hashFunc, secret)
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), decoded)
}

func verifyHMACSHA256Hex(payload []byte, hexSig string, secret []byte) bool {
	return verifyHMACHex(payload, hexSig, secret, sha256.New)
}

func verifyHMACSHA512Hex(payload []byte, hexSig string, secret []byte) bool {
	return verifyHMACHex(payload, hexSig, secret, sha512.New)
}
