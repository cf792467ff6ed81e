package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// Sign signs the space-joined fields and returns a base64 signature.
func Sign(privateKey ed25519.PrivateKey, fields ...string) (string, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("invalid Ed25519 private key length: got %d want %d", len(privateKey), ed25519.PrivateKeySize)
	}
	data := strings.Join(fields, " ")
	if data == "" {
		return "", errors.New("data is required")
	}

	return base64.StdEncoding.EncodeToString(ed25519.Sign(privateKey, []byte(data))), nil
}

// Verify checks a base64 signature over the space-joined fields.
func Verify(publicKey ed25519.PublicKey, signature string, fields ...string) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	data := strings.Join(fields, " ")
	if data == "" {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(signature)
	if err != nil || len(raw) != ed25519.SignatureSize {
		return false
	}

	return ed25519.Verify(publicKey, []byte(data), raw)
}
