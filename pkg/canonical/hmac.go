package canonical

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
)

var (
	// ErrInvalidSignature indicates signature verification failed
	ErrInvalidSignature = errors.New("invalid HMAC signature")
)

// SignHMAC returns the base64 HMAC-SHA256 of payload under key.
//
// Callers pass canonical bytes so that re-encoding a decoded document
// reproduces the signed payload.
func SignHMAC(payload, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC checks sigB64 against payload using constant-time comparison.
func VerifyHMAC(payload []byte, sigB64 string, key []byte) error {
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	expected := mac.Sum(nil)

	got, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return err
	}
	if !hmac.Equal(expected, got) {
		return ErrInvalidSignature
	}
	return nil
}
