package models

import "time"

// KeyVersion is one registered generation of the data-encryption key.
// Rows are append-only: superseded versions stay readable so data that
// has not been re-encrypted yet remains decryptable.
type KeyVersion struct {
	Version    int
	KeyHash    string // SHA-256 hex of the raw key; the raw key is never stored
	WrappedKey []byte // raw key wrapped under the KEK
	Algorithm  string
	CreatedBy  string
	CreatedAt  time.Time
	Metadata   map[string]string
}

// AlgorithmAESGCM is the only algorithm the engine currently registers.
const AlgorithmAESGCM = "aes256-gcm"
