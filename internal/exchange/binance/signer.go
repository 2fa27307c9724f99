package binance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Signer signs Binance SIGNED endpoint queries with HMAC-SHA256.
// Keys are kept as []byte so they can be wiped on shutdown.
type Signer struct {
	apiKey    []byte
	secretKey []byte
}

// NewSigner creates a signer for one API key pair
func NewSigner(apiKey, secretKey string) *Signer {
	return &Signer{apiKey: []byte(apiKey), secretKey: []byte(secretKey)}
}

// APIKey returns the key sent in the X-MBX-APIKEY header
func (s *Signer) APIKey() string {
	return string(s.apiKey)
}

// Sign returns the hex signature of the encoded query string
func (s *Signer) Sign(query string) string {
	mac := hmac.New(sha256.New, s.secretKey)
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// Wipe clears the keys from memory.
func (s *Signer) Wipe() {
	if s == nil {
		return
	}
	for i := range s.apiKey {
		s.apiKey[i] = 0
	}
	for i := range s.secretKey {
		s.secretKey[i] = 0
	}
}
