package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"strings"
)

// HMACSignatureService implements ports.SignatureService over raw request bytes.
// Gateways differ only in the digest: the card gateway signs with SHA-512,
// the transfer gateway with SHA-256.
type HMACSignatureService struct {
	digest func() hash.Hash
}

// NewHMACSignatureService creates an HMAC-SHA256 signature service.
func NewHMACSignatureService() *HMACSignatureService {
	return &HMACSignatureService{digest: sha256.New}
}

// NewHMACSHA512SignatureService creates an HMAC-SHA512 signature service.
func NewHMACSHA512SignatureService() *HMACSignatureService {
	return &HMACSignatureService{digest: sha512.New}
}

// Sign computes the HMAC of payload using secretKey.
// Returns lowercase hex-encoded signature.
func (s *HMACSignatureService) Sign(secretKey string, payload []byte) string {
	mac := hmac.New(s.digest, []byte(secretKey))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks signature against the HMAC of the unparsed payload.
// An empty secret or signature never verifies.
func (s *HMACSignatureService) Verify(secretKey string, payload []byte, signature string) bool {
	if secretKey == "" || signature == "" {
		return false
	}
	expected := s.Sign(secretKey, payload)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(signature))))
}
