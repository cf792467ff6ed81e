package crypto

import (
	"crypto/ed25519"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedEnvelope indicates a sealed message could not be decoded or decrypted.
var ErrMalformedEnvelope = errors.New("crypto: malformed envelope")

// Sealed holds the four base64 fields of an encrypted, signed message.
type Sealed struct {
	Signature             string
	EncryptedSymmetricKey string
	IV                    string
	EncryptedContent      string
}

// Opened is the result of decrypting a Sealed message.
//
// Content must not be trusted unless Verified is true.
type Opened struct {
	Content          string
	SigningPublicKey string
	Verified         bool
}

// Seal encrypts content for recipient under a fresh AES key and signs the ciphertext fields.
//
// The signer's encoded public key is carried inside the ciphertext so the receiver can verify.
func Seal(content string, recipient *rsa.PublicKey, signer ed25519.PrivateKey) (Sealed, error) {
	if len(signer) != ed25519.PrivateKeySize {
		return Sealed{}, fmt.Errorf("invalid Ed25519 private key length: got %d want %d", len(signer), ed25519.PrivateKeySize)
	}
	signingPublicKey, err := EncodePublicKey(signer.Public())
	if err != nil {
		return Sealed{}, err
	}

	symmetricKey, err := GenerateSymmetricKey()
	if err != nil {
		return Sealed{}, err
	}
	ciphertext, iv, err := SymmetricEncrypt(symmetricKey, []byte(signingPublicKey+" "+content))
	if err != nil {
		return Sealed{}, fmt.Errorf("encrypt content: %w", err)
	}
	encryptedKey, err := AsymmetricEncrypt(recipient, symmetricKey)
	if err != nil {
		return Sealed{}, fmt.Errorf("encrypt symmetric key: %w", err)
	}

	sealed := Sealed{
		EncryptedSymmetricKey: base64.StdEncoding.EncodeToString(encryptedKey),
		IV:                    base64.StdEncoding.EncodeToString(iv),
		EncryptedContent:      base64.StdEncoding.EncodeToString(ciphertext),
	}
	sealed.Signature, err = Sign(signer, sealed.signedFields()...)
	if err != nil {
		return Sealed{}, fmt.Errorf("sign envelope: %w", err)
	}
	return sealed, nil
}

// Open decrypts sealed with the recipient key and checks the embedded signer's signature.
func Open(sealed Sealed, recipient *rsa.PrivateKey) (Opened, error) {
	encryptedKey, err := decodeField("encrypted symmetric key", sealed.EncryptedSymmetricKey)
	if err != nil {
		return Opened{}, err
	}
	iv, err := decodeField("iv", sealed.IV)
	if err != nil {
		return Opened{}, err
	}
	ciphertext, err := decodeField("encrypted content", sealed.EncryptedContent)
	if err != nil {
		return Opened{}, err
	}

	symmetricKey, err := AsymmetricDecrypt(recipient, encryptedKey)
	if err != nil {
		return Opened{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	plaintext, err := SymmetricDecrypt(symmetricKey, iv, ciphertext)
	if err != nil {
		return Opened{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	signingPublicKey, content, ok := strings.Cut(string(plaintext), " ")
	if !ok || signingPublicKey == "" {
		return Opened{}, fmt.Errorf("%w: missing signing key", ErrMalformedEnvelope)
	}
	verifier, err := ParseSigningPublicKey(signingPublicKey)
	if err != nil {
		return Opened{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	return Opened{
		Content:          content,
		SigningPublicKey: signingPublicKey,
		Verified:         Verify(verifier, sealed.Signature, sealed.signedFields()...),
	}, nil
}

func (s Sealed) signedFields() []string {
	return []string{s.EncryptedSymmetricKey, s.IV, s.EncryptedContent}
}

func decodeField(name, value string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrMalformedEnvelope, name, err)
	}
	return raw, nil
}
