package keyring

import (
	"bytes"
	"context"
	"testing"

	"github.com/org/rekeyd/internal/crypto"
	"github.com/org/rekeyd/internal/storage"
)

func newTestKeyring(t *testing.T) (*Keyring, *storage.MemStore) {
	t.Helper()
	store := storage.NewMemStore()
	master, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generating master key: %v", err)
	}
	k, err := New(store, master)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return k, store
}

func TestCreateVersionMonotonic(t *testing.T) {
	k, store := newTestKeyring(t)
	ctx := context.Background()

	v1, err := k.CreateVersion(ctx, "tester", nil)
	if err != nil {
		t.Fatalf("CreateVersion failed: %v", err)
	}
	v2, err := k.CreateVersion(ctx, "tester", nil)
	if err != nil {
		t.Fatalf("CreateVersion failed: %v", err)
	}
	if v1.Version != 1 || v2.Version != 2 {
		t.Errorf("expected versions 1 and 2, got %d and %d", v1.Version, v2.Version)
	}

	stored, err := store.GetKeyVersion(ctx, 1)
	if err != nil {
		t.Fatalf("GetKeyVersion failed: %v", err)
	}
	if stored.KeyHash != v1.KeyHash {
		t.Error("stored hash should match created hash")
	}
	if len(stored.WrappedKey) == 0 {
		t.Error("wrapped key should be persisted")
	}
}

func TestLatestVersionEmpty(t *testing.T) {
	k, _ := newTestKeyring(t)
	v, err := k.LatestVersion(context.Background())
	if err != nil {
		t.Fatalf("LatestVersion failed: %v", err)
	}
	if v != 0 {
		t.Errorf("expected 0 for empty registry, got %d", v)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	k, _ := newTestKeyring(t)
	ctx := context.Background()

	if _, err := k.Encrypt(ctx, []byte("x")); err != ErrNoKeyVersions {
		t.Errorf("expected ErrNoKeyVersions, got %v", err)
	}

	if _, err := k.CreateVersion(ctx, "tester", nil); err != nil {
		t.Fatal(err)
	}

	plaintext := []byte("4111 1111 1111 1111")
	ct, err := k.Encrypt(ctx, plaintext)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	ver, err := ParseVersion(ct)
	if err != nil {
		t.Fatalf("ParseVersion failed: %v", err)
	}
	if ver != 1 {
		t.Errorf("expected embedded version 1, got %d", ver)
	}

	got, err := k.Decrypt(ctx, ct)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("decrypted %q != original %q", got, plaintext)
	}
}

func TestDecryptAutoSelectsOldVersion(t *testing.T) {
	k, _ := newTestKeyring(t)
	ctx := context.Background()

	k.CreateVersion(ctx, "tester", nil)
	plaintext := []byte("old data")
	ct, _ := k.EncryptWithVersion(ctx, plaintext, 1)

	// Registering a newer version must not break old ciphertexts.
	k.CreateVersion(ctx, "tester", nil)

	got, err := k.Decrypt(ctx, ct)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Error("old ciphertext should still decrypt after new version registered")
	}
}

func TestDecryptWithVersionMismatch(t *testing.T) {
	k, _ := newTestKeyring(t)
	ctx := context.Background()

	k.CreateVersion(ctx, "tester", nil)
	k.CreateVersion(ctx, "tester", nil)
	ct, _ := k.EncryptWithVersion(ctx, []byte("data"), 2)

	if _, err := k.DecryptWithVersion(ctx, ct, 1); err == nil {
		t.Error("expected mismatch error when expected version differs from embedded")
	}
}

func TestDecryptGarbage(t *testing.T) {
	k, _ := newTestKeyring(t)
	ctx := context.Background()
	k.CreateVersion(ctx, "tester", nil)

	if _, err := k.Decrypt(ctx, []byte("short")); err == nil {
		t.Error("expected error for truncated ciphertext")
	}
	if _, err := k.Decrypt(ctx, bytes.Repeat([]byte{0xff}, 64)); err == nil {
		t.Error("expected error for unknown format byte")
	}
}

func TestKeyCacheSurvivesRestart(t *testing.T) {
	store := storage.NewMemStore()
	master, _ := crypto.GenerateKey()

	k1, _ := New(store, master)
	ctx := context.Background()
	k1.CreateVersion(ctx, "tester", nil)
	ct, _ := k1.Encrypt(ctx, []byte("persisted"))

	// A fresh keyring over the same registry and master key must load
	// the wrapped key and decrypt.
	masterCopy := make([]byte, len(master))
	copy(masterCopy, master)
	k2, _ := New(store, masterCopy)
	got, err := k2.Decrypt(ctx, ct)
	if err != nil {
		t.Fatalf("Decrypt after reload failed: %v", err)
	}
	if string(got) != "persisted" {
		t.Error("round trip through a fresh keyring failed")
	}
}

func TestVerifyMissingVersion(t *testing.T) {
	k, _ := newTestKeyring(t)
	if err := k.Verify(context.Background(), 7); err == nil {
		t.Error("Verify should fail for an unregistered version")
	}
}

func TestVerifyWrongMasterKey(t *testing.T) {
	store := storage.NewMemStore()
	master, _ := crypto.GenerateKey()
	k1, _ := New(store, master)
	ctx := context.Background()
	k1.CreateVersion(ctx, "tester", nil)

	other, _ := crypto.GenerateKey()
	k2, _ := New(store, other)
	if err := k2.Verify(ctx, 1); err == nil {
		t.Error("Verify should fail when the master key cannot unwrap the version key")
	}
}
