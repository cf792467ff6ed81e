package crypto

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
)

func TestEnsureEd25519KeyPairIsStable(t *testing.T) {
	tempDir := t.TempDir()
	privatePath := filepath.Join(tempDir, "signing_private.pem")
	publicPath := filepath.Join(tempDir, "signing_public.pem")

	firstPrivate, firstPublic, err := EnsureEd25519KeyPair(privatePath, publicPath)
	if err != nil {
		t.Fatalf("first EnsureEd25519KeyPair failed: %v", err)
	}
	secondPrivate, secondPublic, err := EnsureEd25519KeyPair(privatePath, publicPath)
	if err != nil {
		t.Fatalf("second EnsureEd25519KeyPair failed: %v", err)
	}

	if !bytes.Equal(firstPrivate, secondPrivate) {
		t.Fatalf("expected stable private key across runs")
	}
	if !bytes.Equal(firstPublic, secondPublic) {
		t.Fatalf("expected stable public key across runs")
	}
}

func TestEnsureIdentityIsStableAndAddressParses(t *testing.T) {
	tempDir := t.TempDir()
	paths := KeyPaths{
		EncryptionPrivateKey: filepath.Join(tempDir, "encryption_private.pem"),
		SigningPrivateKey:    filepath.Join(tempDir, "signing_private.pem"),
		SigningPublicKey:     filepath.Join(tempDir, "signing_public.pem"),
	}

	first, err := EnsureIdentity(paths)
	if err != nil {
		t.Fatalf("first EnsureIdentity failed: %v", err)
	}
	second, err := EnsureIdentity(paths)
	if err != nil {
		t.Fatalf("second EnsureIdentity failed: %v", err)
	}
	if first.PublicKey() != second.PublicKey() {
		t.Fatalf("expected stable identity address across runs")
	}
	if first.SigningPublicKey() != second.SigningPublicKey() {
		t.Fatalf("expected stable signing key across runs")
	}

	parsed, err := ParsePublicKey(first.PublicKey())
	if err != nil {
		t.Fatalf("ParsePublicKey failed: %v", err)
	}
	if parsed.N.Cmp(first.EncryptionKey.N) != 0 {
		t.Fatalf("parsed address does not match encryption key")
	}
	if parsed.Size()*8 != RSAKeyBits {
		t.Fatalf("expected %d-bit key, got %d", RSAKeyBits, parsed.Size()*8)
	}
}

func TestParsePublicKeyRejectsWrongKinds(t *testing.T) {
	id := testIdentity(t)

	if _, err := ParsePublicKey("%%%"); !errors.Is(err, ErrInvalidPublicKey) {
		t.Fatalf("expected ErrInvalidPublicKey for bad base64, got %v", err)
	}
	if _, err := ParsePublicKey(id.SigningPublicKey()); !errors.Is(err, ErrInvalidPublicKey) {
		t.Fatalf("expected ErrInvalidPublicKey for Ed25519 key used as address, got %v", err)
	}
	if _, err := ParseSigningPublicKey(id.PublicKey()); !errors.Is(err, ErrInvalidPublicKey) {
		t.Fatalf("expected ErrInvalidPublicKey for RSA key used as signing key, got %v", err)
	}
}

func TestFormatFingerprintGroupsChunks(t *testing.T) {
	if got := FormatFingerprint("abcdef0123"); got != "ABCD EF01 23" {
		t.Fatalf("unexpected formatted fingerprint %q", got)
	}
	if len(KeyFingerprint("c29tZS1rZXk=")) != 32 {
		t.Fatalf("expected 32 hex chars of fingerprint")
	}
}
