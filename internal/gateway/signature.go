package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// SaltedChecksum is PhonePe's X-VERIFY scheme: hex(sha256(data + saltKey)) + "###" + saltIndex.
type SaltedChecksum struct {
	SaltKey   string
	SaltIndex string
}

// Sign computes the checksum for data.
func (s SaltedChecksum) Sign(data string) string {
	sum := sha256.Sum256([]byte(data + s.SaltKey))
	return hex.EncodeToString(sum[:]) + "###" + s.SaltIndex
}

// Verify checks signature against raw in constant time.
func (s SaltedChecksum) Verify(raw []byte, signature string) bool {
	if s.SaltKey == "" || signature == "" {
		return false
	}
	expected := s.Sign(string(raw))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(strings.TrimSpace(signature))) == 1
}

// HMACSHA256 is Razorpay's webhook scheme: hex(hmac_sha256(secret, body)).
type HMACSHA256 struct {
	Secret string
}

// Sign computes the hex-encoded MAC of data.
func (h HMACSHA256) Sign(data []byte) string {
	mac := hmac.New(sha256.New, []byte(h.Secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks signature against raw in constant time.
func (h HMACSHA256) Verify(raw []byte, signature string) bool {
	if h.Secret == "" || signature == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.Secret))
	mac.Write(raw)
	return hmac.Equal(mac.Sum(nil), got)
}
