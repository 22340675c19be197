package crypto

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"testing"
)

func TestDeriveKey_ProducesDeterministicOutput(t *testing.T) {
	salt := []byte("0123456789abcdef0123456789abcdef") // 32 bytes

	key1 := DeriveKey("test-password-123", salt, InsecureFastKDF)
	key2 := DeriveKey("test-password-123", salt, InsecureFastKDF)

	if len(key1) != 32 {
		t.Fatalf("expected key length 32, got %d", len(key1))
	}
	if !bytes.Equal(key1, key2) {
		t.Fatal("same password and salt should produce the same key")
	}
}

func TestDeriveKey_DifferentPasswordsDifferentKeys(t *testing.T) {
	salt := []byte("0123456789abcdef0123456789abcdef")

	key1 := DeriveKey("password-one", salt, InsecureFastKDF)
	key2 := DeriveKey("password-two", salt, InsecureFastKDF)

	if bytes.Equal(key1, key2) {
		t.Fatal("different passwords should produce different keys")
	}
}

func TestGenerateSalt(t *testing.T) {
	salt1 := GenerateSalt()
	salt2 := GenerateSalt()

	if len(salt1) != 32 || len(salt2) != 32 {
		t.Fatalf("expected salt length 32, got %d and %d", len(salt1), len(salt2))
	}
	if bytes.Equal(salt1, salt2) {
		t.Fatal("two generated salts should not be equal")
	}
}

func TestSeal_OpenRoundtrip(t *testing.T) {
	secret := []byte("seed bytes for an agent key")

	box, err := Seal(secret, "correct horse", InsecureFastKDF)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(box.Ciphertext, secret) {
		t.Fatal("ciphertext should not contain the plaintext")
	}

	opened, err := box.Open("correct horse")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(opened, secret) {
		t.Fatalf("opened %q, want %q", opened, secret)
	}
}

func TestSeal_WrongPassphraseFails(t *testing.T) {
	box, err := Seal([]byte("secret"), "right", InsecureFastKDF)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	_, err = box.Open("wrong")
	if !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt, got %v", err)
	}
}

func TestSignVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sig := Sign(priv, []byte("payload"))
	if !Verify(pub, []byte("payload"), sig) {
		t.Fatal("signature should verify")
	}
	if Verify(pub, []byte("payload!"), sig) {
		t.Fatal("signature should not verify over different data")
	}
	if Verify(pub[:10], []byte("payload"), sig) {
		t.Fatal("short public key should never verify")
	}
}
