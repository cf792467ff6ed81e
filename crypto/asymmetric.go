package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha512"
	"errors"
	"fmt"
)

// MaxAsymmetricPlaintext is the largest input RSA-OAEP/SHA-512 accepts with a 2048-bit key.
const MaxAsymmetricPlaintext = 126

// ErrPayloadTooLarge indicates plaintext exceeds the asymmetric encryption limit.
var ErrPayloadTooLarge = errors.New("crypto: payload too large for asymmetric encryption")

// AsymmetricEncrypt encrypts a short secret for publicKey with RSA-OAEP (SHA-512).
func AsymmetricEncrypt(publicKey *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	if publicKey == nil {
		return nil, errors.New("public key is required")
	}
	if len(plaintext) > maxOAEPPlaintext(publicKey) {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(plaintext))
	}

	ciphertext, err := rsa.EncryptOAEP(sha512.New(), rand.Reader, publicKey, plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("rsa-oaep encrypt: %w", err)
	}
	return ciphertext, nil
}

// AsymmetricDecrypt reverses AsymmetricEncrypt.
func AsymmetricDecrypt(privateKey *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	if privateKey == nil {
		return nil, errors.New("private key is required")
	}

	plaintext, err := rsa.DecryptOAEP(sha512.New(), rand.Reader, privateKey, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("rsa-oaep decrypt: %w", err)
	}
	return plaintext, nil
}

func maxOAEPPlaintext(publicKey *rsa.PublicKey) int {
	return publicKey.Size() - 2*sha512.Size - 2
}
