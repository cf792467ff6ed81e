package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

const (
	// RSAKeyBits is the modulus size of identity encryption keys.
	RSAKeyBits = 2048

	rsaPrivatePEMType     = "PRIVATE KEY"
	ed25519PrivatePEMType = "ED25519 PRIVATE KEY"
	ed25519PublicPEMType  = "ED25519 PUBLIC KEY"
)

// ErrInvalidPublicKey indicates an encoded public key could not be parsed.
var ErrInvalidPublicKey = errors.New("crypto: invalid public key")

// EnsureRSAKey loads the identity encryption key from disk, generating it on first run.
func EnsureRSAKey(path string) (*rsa.PrivateKey, error) {
	key, err := LoadRSAPrivateKey(path)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	key, err = rsa.GenerateKey(rand.Reader, RSAKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate RSA key: %w", err)
	}
	if err := SaveRSAPrivateKey(path, key); err != nil {
		return nil, err
	}
	return key, nil
}

// LoadRSAPrivateKey reads a PKCS#8 PEM encoded RSA private key.
func LoadRSAPrivateKey(path string) (*rsa.PrivateKey, error) {
	der, err := readPEM(path, rsaPrivatePEMType)
	if err != nil {
		return nil, fmt.Errorf("load RSA private key: %w", err)
	}

	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse RSA private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("parse RSA private key: unexpected key type %T", parsed)
	}
	return key, nil
}

// SaveRSAPrivateKey writes key as PKCS#8 PEM with 0600 permissions.
func SaveRSAPrivateKey(path string, key *rsa.PrivateKey) error {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal RSA private key: %w", err)
	}
	return writePEM(path, rsaPrivatePEMType, der, 0o600)
}

// EnsureEd25519KeyPair loads the signing keypair from disk, generating it on first run.
func EnsureEd25519KeyPair(privatePath, publicPath string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	privateKey, err := LoadEd25519PrivateKey(privatePath)
	if err == nil {
		publicKey := privateKey.Public().(ed25519.PublicKey)

		stored, pubErr := readPEM(publicPath, ed25519PublicPEMType)
		if pubErr != nil || !bytes.Equal(stored, publicKey) {
			if err := writePEM(publicPath, ed25519PublicPEMType, publicKey, 0o644); err != nil {
				return nil, nil, err
			}
		}
		return privateKey, publicKey, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, nil, err
	}

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate Ed25519 keypair: %w", err)
	}
	if err := SaveEd25519KeyPair(privatePath, publicPath, privateKey); err != nil {
		return nil, nil, err
	}
	return privateKey, publicKey, nil
}

// LoadEd25519PrivateKey reads an Ed25519 private key PEM file.
func LoadEd25519PrivateKey(path string) (ed25519.PrivateKey, error) {
	raw, err := readPEM(path, ed25519PrivatePEMType)
	if err != nil {
		return nil, fmt.Errorf("load Ed25519 private key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("load Ed25519 private key: invalid key size %d", len(raw))
	}
	return ed25519.PrivateKey(raw), nil
}

// SaveEd25519KeyPair writes the private key (0600) and its public half (0644).
func SaveEd25519KeyPair(privatePath, publicPath string, key ed25519.PrivateKey) error {
	if len(key) != ed25519.PrivateKeySize {
		return fmt.Errorf("save Ed25519 private key: invalid key size %d", len(key))
	}
	if err := writePEM(privatePath, ed25519PrivatePEMType, key, 0o600); err != nil {
		return err
	}
	return writePEM(publicPath, ed25519PublicPEMType, key.Public().(ed25519.PublicKey), 0o644)
}

// EncodePublicKey returns the base64 SPKI DER form of an RSA or Ed25519 public key.
//
// For RSA keys this string is the identity's network address.
func EncodePublicKey(key any) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// ParsePublicKey decodes an identity address back into an RSA public key.
func ParsePublicKey(encoded string) (*rsa.PublicKey, error) {
	parsed, err := parseSPKI(encoded)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: expected RSA key, got %T", ErrInvalidPublicKey, parsed)
	}
	return key, nil
}

// ParseSigningPublicKey decodes a base64 SPKI Ed25519 public key.
func ParseSigningPublicKey(encoded string) (ed25519.PublicKey, error) {
	parsed, err := parseSPKI(encoded)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: expected Ed25519 key, got %T", ErrInvalidPublicKey, parsed)
	}
	return key, nil
}

// KeyFingerprint returns the truncated SHA-256 hex fingerprint of an encoded public key.
func KeyFingerprint(encodedPublicKey string) string {
	der, err := base64.StdEncoding.DecodeString(encodedPublicKey)
	if err != nil {
		der = []byte(encodedPublicKey)
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:16])
}

// FormatFingerprint groups a fingerprint in uppercase chunks of four.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(clean[i:min(i+4, len(clean))])
	}
	return b.String()
}

func parseSPKI(encoded string) (any, error) {
	der, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return parsed, nil
}

func readPEM(path, pemType string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("no PEM block")
	}
	if block.Type != pemType {
		return nil, fmt.Errorf("unexpected PEM type %q", block.Type)
	}
	return block.Bytes, nil
}

func writePEM(path, pemType string, der []byte, perm os.FileMode) error {
	block := &pem.Block{Type: pemType, Bytes: der}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), perm); err != nil {
		return fmt.Errorf("write %s: %w", strings.ToLower(pemType), err)
	}
	return nil
}
