// Package keyring is the key registry and encryption provider for the
// rotation engine. Every ciphertext it produces carries the key version
// in a fixed header, so decryption can pick the right key even while a
// rotation is mid-flight and old and new ciphertexts coexist.
package keyring

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/org/rekeyd/internal/crypto"
	"github.com/org/rekeyd/internal/storage"
	"github.com/org/rekeyd/pkg/models"
)

const kekContext = "rekeyd-kek-v1"

// Ciphertext layout: format byte, 4-byte big-endian key version,
// 12-byte GCM nonce, ciphertext.
const (
	formatV1  = 0x01
	nonceSize = 12
	headerLen = 1 + 4
)

// ErrNoKeyVersions is returned when encryption is requested before any
// key version has been registered.
var ErrNoKeyVersions = errors.New("no key versions registered")

// Keyring caches unwrapped version keys in memory. Raw keys are never
// persisted; the registry holds only the hash and the KEK-wrapped key.
type Keyring struct {
	store storage.Store
	kek   []byte

	mu   sync.RWMutex
	keys map[int][]byte
}

// New derives the KEK from the operator-supplied master key and returns
// an empty keyring; version keys are loaded lazily from the registry.
func New(store storage.Store, masterKey []byte) (*Keyring, error) {
	if len(masterKey) != crypto.KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", crypto.KeySize, len(masterKey))
	}
	kek, err := crypto.DeriveKEK(masterKey, kekContext)
	if err != nil {
		return nil, err
	}
	return &Keyring{store: store, kek: kek, keys: map[int][]byte{}}, nil
}

// CreateVersion generates fresh key material, registers it as the next
// key version, and caches the raw key. KeyVersion rows are immutable
// once created.
func (k *Keyring) CreateVersion(ctx context.Context, creator string, metadata map[string]string) (*models.KeyVersion, error) {
	raw, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	wrapped, err := crypto.WrapKey(raw, k.kek)
	if err != nil {
		crypto.Zero(raw)
		return nil, err
	}

	kv := &models.KeyVersion{
		KeyHash:    crypto.HashKey(raw),
		WrappedKey: wrapped,
		Algorithm:  models.AlgorithmAESGCM,
		CreatedBy:  creator,
		CreatedAt:  time.Now().UTC(),
		Metadata:   metadata,
	}
	if _, err := k.store.RegisterKeyVersion(ctx, kv); err != nil {
		crypto.Zero(raw)
		return nil, fmt.Errorf("registering key version: %w", err)
	}

	k.mu.Lock()
	k.keys[kv.Version] = raw
	k.mu.Unlock()
	return kv, nil
}

// LatestVersion returns the newest registered version, or 0 when the
// registry is empty.
func (k *Keyring) LatestVersion(ctx context.Context) (int, error) {
	kv, err := k.store.LatestKeyVersion(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return kv.Version, nil
}

// Encrypt encrypts plaintext under the latest key version.
func (k *Keyring) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	latest, err := k.LatestVersion(ctx)
	if err != nil {
		return nil, err
	}
	if latest == 0 {
		return nil, ErrNoKeyVersions
	}
	return k.EncryptWithVersion(ctx, plaintext, latest)
}

// EncryptWithVersion encrypts plaintext under a specific key version.
func (k *Keyring) EncryptWithVersion(ctx context.Context, plaintext []byte, version int) ([]byte, error) {
	key, err := k.keyFor(ctx, version)
	if err != nil {
		return nil, err
	}
	ciphertext, nonce, err := crypto.EncryptAESGCM(plaintext, key)
	if err != nil {
		return nil, err
	}

	out := make([]byte, headerLen+len(nonce)+len(ciphertext))
	out[0] = formatV1
	binary.BigEndian.PutUint32(out[1:headerLen], uint32(version))
	copy(out[headerLen:], nonce)
	copy(out[headerLen+len(nonce):], ciphertext)
	return out, nil
}

// Decrypt decrypts a ciphertext using the key version embedded in its
// header.
func (k *Keyring) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	return k.DecryptWithVersion(ctx, ciphertext, 0)
}

// DecryptWithVersion decrypts a ciphertext, checking it against an
// explicit expected key version. version 0 means auto-detect. A
// mismatch between the expected and embedded version is an error, not a
// silent fallback: during rotation it indicates the row changed under
// the worker's feet.
func (k *Keyring) DecryptWithVersion(ctx context.Context, ciphertext []byte, version int) ([]byte, error) {
	embedded, err := ParseVersion(ciphertext)
	if err != nil {
		return nil, err
	}
	if version != 0 && version != embedded {
		return nil, fmt.Errorf("ciphertext is under key version %d, expected %d", embedded, version)
	}
	key, err := k.keyFor(ctx, embedded)
	if err != nil {
		return nil, err
	}
	nonce := ciphertext[headerLen : headerLen+nonceSize]
	return crypto.DecryptAESGCM(ciphertext[headerLen+nonceSize:], nonce, key)
}

// ParseVersion extracts the key version from a ciphertext header
// without decrypting.
func ParseVersion(ciphertext []byte) (int, error) {
	if len(ciphertext) < headerLen+nonceSize {
		return 0, errors.New("ciphertext too short")
	}
	if ciphertext[0] != formatV1 {
		return 0, fmt.Errorf("unknown ciphertext format 0x%02x", ciphertext[0])
	}
	return int(binary.BigEndian.Uint32(ciphertext[1:headerLen])), nil
}

// Verify checks that a key version exists, unwraps, and matches its
// registered hash. Called at resume time before re-attaching a worker.
func (k *Keyring) Verify(ctx context.Context, version int) error {
	_, err := k.keyFor(ctx, version)
	return err
}

func (k *Keyring) keyFor(ctx context.Context, version int) ([]byte, error) {
	k.mu.RLock()
	key, ok := k.keys[version]
	k.mu.RUnlock()
	if ok {
		return key, nil
	}

	kv, err := k.store.GetKeyVersion(ctx, version)
	if err != nil {
		return nil, fmt.Errorf("loading key version %d: %w", version, err)
	}
	raw, err := crypto.UnwrapKey(kv.WrappedKey, k.kek)
	if err != nil {
		return nil, fmt.Errorf("unwrapping key version %d: %w", version, err)
	}
	if crypto.HashKey(raw) != kv.KeyHash {
		crypto.Zero(raw)
		return nil, fmt.Errorf("key version %d failed hash verification", version)
	}

	k.mu.Lock()
	k.keys[version] = raw
	k.mu.Unlock()
	return raw, nil
}

// Zero wipes all cached key material.
func (k *Keyring) Zero() {
	k.mu.Lock()
	defer k.mu.Unlock()
	for v, key := range k.keys {
		crypto.Zero(key)
		delete(k.keys, v)
	}
	crypto.Zero(k.kek)
}
