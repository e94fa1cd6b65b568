// Package vault provides symmetric sealing of secret material using
// envelope encryption. All persisted secrets in the system pass through
// this package; plaintext never reaches a repository.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Sealed blob layout: base64(nonce(12) || tag(16) || ciphertext).
// Every consumer of persisted secret columns relies on this exact layout.
const (
	nonceSize = 12
	tagSize   = 16
	keySize   = 32
)

var (
	// ErrIntegrity is returned when the authentication tag check fails,
	// meaning the blob was tampered with or sealed under a different key.
	// Non-retryable; treated as fatal by callers.
	ErrIntegrity = errors.New("vault: ciphertext integrity check failed")

	// ErrFormat is returned when a blob is not valid base64 or is too
	// short to contain a nonce and tag. Non-retryable.
	ErrFormat = errors.New("vault: malformed sealed blob")

	// ErrEmptyMasterSecret is returned when the keyring is constructed
	// without a master secret.
	ErrEmptyMasterSecret = errors.New("vault: master secret cannot be empty")

	// ErrInvalidKeySize is returned when a caller-provided key is not 32 bytes.
	ErrInvalidKeySize = errors.New("vault: key must be 32 bytes")
)

// Keyring holds the process-lifetime symmetric key. The key is derived
// exactly once from the master secret; the secret itself is never stored.
// A Keyring is an owned value created at startup and passed by reference
// so tests can inject a fresh key per run.
type Keyring struct {
	key []byte
}

// NewKeyring derives the 256-bit process key by hashing the master secret.
// The master secret is expected to come from a restricted-access secret
// store (environment of the deployment platform), never from code.
func NewKeyring(masterSecret string) (*Keyring, error) {
	if masterSecret == "" {
		return nil, ErrEmptyMasterSecret
	}
	sum := sha256.Sum256([]byte(masterSecret))
	return &Keyring{key: sum[:]}, nil
}

// Seal encrypts plaintext under the process key and returns a sealed blob.
func (k *Keyring) Seal(plaintext []byte) (string, error) {
	return SealWithKey(k.key, plaintext)
}

// Open decrypts a sealed blob produced by Seal.
// Returns ErrFormat for malformed blobs and ErrIntegrity when the
// authentication tag does not verify.
func (k *Keyring) Open(blob string) ([]byte, error) {
	return OpenWithKey(k.key, blob)
}

// DeriveKey derives a per-record key from the process key, a fresh
// per-record salt, and the owner's opaque identity hash. No two records
// share derived key material even for the same owner, because the salt
// is unique per record.
func (k *Keyring) DeriveKey(ownerHash string, salt []byte) ([]byte, error) {
	if ownerHash == "" {
		return nil, errors.New("vault: owner hash cannot be empty")
	}
	if len(salt) == 0 {
		return nil, errors.New("vault: salt cannot be empty")
	}
	r := hkdf.New(sha256.New, k.key, salt, []byte(ownerHash))
	derived := make([]byte, keySize)
	if _, err := io.ReadFull(r, derived); err != nil {
		return nil, err
	}
	return derived, nil
}

// SealWithKey encrypts plaintext with AES-256-GCM under the given key and
// encodes the result as base64(nonce || tag || ciphertext).
func SealWithKey(key, plaintext []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	// gcm.Seal produces ciphertext || tag; the blob format wants the tag
	// up front so the layout is self-describing at fixed offsets.
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	blob := make([]byte, 0, nonceSize+tagSize+len(ct))
	blob = append(blob, nonce...)
	blob = append(blob, tag...)
	blob = append(blob, ct...)
	return base64.StdEncoding.EncodeToString(blob), nil
}

// OpenWithKey decrypts a base64(nonce || tag || ciphertext) blob under the
// given key.
func OpenWithKey(key []byte, blob string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, ErrFormat
	}
	if len(data) < nonceSize+tagSize {
		return nil, ErrFormat
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := data[:nonceSize]
	tag := data[nonceSize : nonceSize+tagSize]
	ct := data[nonceSize+tagSize:]

	// Reassemble ciphertext || tag for GCM.
	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrIntegrity
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != keySize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, nonceSize)
}
