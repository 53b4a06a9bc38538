package crypto

import (
	"bytes"
	"testing"
)

func TestGenerateKey(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	if len(key) != KeySize {
		t.Errorf("expected %d bytes, got %d", KeySize, len(key))
	}
	// Keys should be random
	key2, _ := GenerateKey()
	if bytes.Equal(key, key2) {
		t.Error("two generated keys should not be equal")
	}
}

func TestHashKey(t *testing.T) {
	key, _ := GenerateKey()
	h := HashKey(key)
	if len(h) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(h))
	}
	if HashKey(key) != h {
		t.Error("hash should be deterministic")
	}
	other, _ := GenerateKey()
	if HashKey(other) == h {
		t.Error("different keys should hash differently")
	}
}

func TestDeriveKEK(t *testing.T) {
	master, _ := GenerateKey()
	kek, err := DeriveKEK(master, "rekeyd-kek-v1")
	if err != nil {
		t.Fatalf("DeriveKEK failed: %v", err)
	}
	if len(kek) != KeySize {
		t.Errorf("expected %d bytes, got %d", KeySize, len(kek))
	}
	// Same inputs → same KEK (deterministic)
	kek2, _ := DeriveKEK(master, "rekeyd-kek-v1")
	if !bytes.Equal(kek, kek2) {
		t.Error("KEK derivation should be deterministic")
	}
	// Different context → different KEK
	kek3, _ := DeriveKEK(master, "rekeyd-kek-v2")
	if bytes.Equal(kek, kek3) {
		t.Error("different contexts should yield different KEKs")
	}
}

func TestAESGCMRoundTrip(t *testing.T) {
	key, _ := GenerateKey()
	plaintext := []byte("social security number 078-05-1120")

	ciphertext, nonce, err := EncryptAESGCM(plaintext, key)
	if err != nil {
		t.Fatalf("EncryptAESGCM failed: %v", err)
	}
	if bytes.Equal(ciphertext, plaintext) {
		t.Error("ciphertext should differ from plaintext")
	}

	decrypted, err := DecryptAESGCM(ciphertext, nonce, key)
	if err != nil {
		t.Fatalf("DecryptAESGCM failed: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("decrypted %q != original %q", decrypted, plaintext)
	}
}

func TestAESGCMWrongKey(t *testing.T) {
	key, _ := GenerateKey()
	wrongKey, _ := GenerateKey()
	plaintext := []byte("sensitive value")

	ciphertext, nonce, _ := EncryptAESGCM(plaintext, key)
	if _, err := DecryptAESGCM(ciphertext, nonce, wrongKey); err == nil {
		t.Error("decryption with wrong key should fail")
	}
}

func TestWrapUnwrapKey(t *testing.T) {
	kek, _ := GenerateKey()
	raw, _ := GenerateKey()

	wrapped, err := WrapKey(raw, kek)
	if err != nil {
		t.Fatalf("WrapKey failed: %v", err)
	}
	if bytes.Contains(wrapped, raw) {
		t.Error("wrapped key should not contain the raw key")
	}

	unwrapped, err := UnwrapKey(wrapped, kek)
	if err != nil {
		t.Fatalf("UnwrapKey failed: %v", err)
	}
	if !bytes.Equal(unwrapped, raw) {
		t.Error("unwrapped key should match original")
	}

	wrongKEK, _ := GenerateKey()
	if _, err := UnwrapKey(wrapped, wrongKEK); err == nil {
		t.Error("unwrapping with wrong KEK should fail")
	}
}

func TestUnwrapKeyTooShort(t *testing.T) {
	kek, _ := GenerateKey()
	if _, err := UnwrapKey([]byte{1, 2, 3}, kek); err == nil {
		t.Error("unwrapping truncated data should fail")
	}
}
