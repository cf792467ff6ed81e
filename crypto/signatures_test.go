package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
)

func TestSignatureValidity(t *testing.T) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate Ed25519 keypair: %v", err)
	}

	signature, err := Sign(privateKey, "key", "iv", "content")
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if !Verify(publicKey, signature, "key", "iv", "content") {
		t.Fatalf("expected signature verification to succeed")
	}
}

func TestSignatureTamperingRejected(t *testing.T) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate Ed25519 keypair: %v", err)
	}

	signature, err := Sign(privateKey, "key", "iv", "content")
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	if Verify(publicKey, signature, "key", "iv", "content!") {
		t.Fatalf("expected signature verification to fail for tampered data")
	}
	if Verify(publicKey, "not-base64!", "key", "iv", "content") {
		t.Fatalf("expected malformed signature to be rejected")
	}
	if _, err := Sign(privateKey); err == nil {
		t.Fatalf("expected empty data to be rejected")
	}
}
