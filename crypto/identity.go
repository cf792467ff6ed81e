package crypto

import (
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

const identityBundleVersion = 1

// Identity is the key material of one account, shared by all of its devices.
type Identity struct {
	EncryptionKey *rsa.PrivateKey
	SigningKey    ed25519.PrivateKey

	publicKey        string
	signingPublicKey string
}

// KeyPaths locates the PEM files backing an Identity.
type KeyPaths struct {
	EncryptionPrivateKey string
	SigningPrivateKey    string
	SigningPublicKey     string
}

// NewIdentity validates both keys and precomputes their encoded public halves.
func NewIdentity(encryptionKey *rsa.PrivateKey, signingKey ed25519.PrivateKey) (*Identity, error) {
	if encryptionKey == nil {
		return nil, errors.New("encryption key is required")
	}
	if len(signingKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid Ed25519 private key length: got %d want %d", len(signingKey), ed25519.PrivateKeySize)
	}

	publicKey, err := EncodePublicKey(&encryptionKey.PublicKey)
	if err != nil {
		return nil, err
	}
	signingPublicKey, err := EncodePublicKey(signingKey.Public())
	if err != nil {
		return nil, err
	}

	return &Identity{
		EncryptionKey:    encryptionKey,
		SigningKey:       signingKey,
		publicKey:        publicKey,
		signingPublicKey: signingPublicKey,
	}, nil
}

// EnsureIdentity loads the identity keys from paths, generating missing ones.
func EnsureIdentity(paths KeyPaths) (*Identity, error) {
	encryptionKey, err := EnsureRSAKey(paths.EncryptionPrivateKey)
	if err != nil {
		return nil, err
	}
	signingKey, _, err := EnsureEd25519KeyPair(paths.SigningPrivateKey, paths.SigningPublicKey)
	if err != nil {
		return nil, err
	}
	return NewIdentity(encryptionKey, signingKey)
}

// Save persists both keys to paths, overwriting existing files.
func (id *Identity) Save(paths KeyPaths) error {
	if err := SaveRSAPrivateKey(paths.EncryptionPrivateKey, id.EncryptionKey); err != nil {
		return err
	}
	return SaveEd25519KeyPair(paths.SigningPrivateKey, paths.SigningPublicKey, id.SigningKey)
}

// PublicKey returns the identity's network address.
func (id *Identity) PublicKey() string {
	return id.publicKey
}

// SigningPublicKey returns the encoded Ed25519 public key carried inside sealed messages.
func (id *Identity) SigningPublicKey() string {
	return id.signingPublicKey
}

// Fingerprint returns the short display fingerprint of the identity address.
func (id *Identity) Fingerprint() string {
	return KeyFingerprint(id.publicKey)
}

// SealFor encrypts content for the identity at recipientAddress and signs it with id.
func (id *Identity) SealFor(recipientAddress, content string) (Sealed, error) {
	recipient, err := ParsePublicKey(recipientAddress)
	if err != nil {
		return Sealed{}, err
	}
	return Seal(content, recipient, id.SigningKey)
}

// Open decrypts a message addressed to id.
func (id *Identity) Open(sealed Sealed) (Opened, error) {
	return Open(sealed, id.EncryptionKey)
}

type identityBundle struct {
	Version       int    `json:"version"`
	EncryptionKey string `json:"encryptionKey"`
	SigningSeed   string `json:"signingSeed"`
}

// ExportBundle serializes both private keys so another device can assume this identity.
func (id *Identity) ExportBundle() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(id.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("marshal encryption key: %w", err)
	}

	raw, err := json.MarshalIndent(identityBundle{
		Version:       identityBundleVersion,
		EncryptionKey: base64.StdEncoding.EncodeToString(der),
		SigningSeed:   base64.StdEncoding.EncodeToString(id.SigningKey.Seed()),
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal identity bundle: %w", err)
	}
	return raw, nil
}

// ImportBundle reverses ExportBundle.
func ImportBundle(raw []byte) (*Identity, error) {
	var bundle identityBundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return nil, fmt.Errorf("parse identity bundle: %w", err)
	}
	if bundle.Version != identityBundleVersion {
		return nil, fmt.Errorf("unsupported identity bundle version %d", bundle.Version)
	}

	der, err := base64.StdEncoding.DecodeString(bundle.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse encryption key: %w", err)
	}
	encryptionKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("parse encryption key: unexpected key type %T", parsed)
	}

	seed, err := base64.StdEncoding.DecodeString(bundle.SigningSeed)
	if err != nil {
		return nil, fmt.Errorf("decode signing seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid signing seed length %d", len(seed))
	}

	return NewIdentity(encryptionKey, ed25519.NewKeyFromSeed(seed))
}
