package channel

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// VerifyHMAC checks a hex HMAC-SHA256 signature of body, with or without a
// "sha256=" prefix. An empty secret disables the check.
func VerifyHMAC(secret string, body []byte, signature string) bool {
	if secret == "" {
		return true
	}
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	if signature == "" {
		return false
	}
	decoded, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), decoded)
}

// SignHMAC returns the "sha256=" prefixed signature VerifyHMAC accepts.
func SignHMAC(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyToken compares a shared secret carried in the request. An empty
// secret disables the check.
func VerifyToken(secret, got string) bool {
	if secret == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(got)) == 1
}

// VerifyEd25519 checks a base64 ed25519 signature over "timestamp|body"
// made with the base64 publicKey. timestamp is unix seconds and must be
// within skew of now. An empty key disables the check.
func VerifyEd25519(publicKey string, body []byte, signature, timestamp string, now time.Time, skew time.Duration) bool {
	if publicKey == "" {
		return true
	}
	key, err := base64.StdEncoding.DecodeString(publicKey)
	if err != nil || len(key) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return false
	}
	if d := now.Sub(time.Unix(ts, 0)); d > skew || d < -skew {
		return false
	}
	msg := make([]byte, 0, len(timestamp)+1+len(body))
	msg = append(msg, strings.TrimSpace(timestamp)...)
	msg = append(msg, '|')
	msg = append(msg, body...)
	return ed25519.Verify(key, msg, sig)
}
