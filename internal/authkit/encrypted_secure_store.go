package authkit

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-jose/go-jose/v4"
)

const encryptionKeyLength = 32

var (
	// ErrInvalidEncryptionKey indicates the at-rest key is not 32 bytes.
	ErrInvalidEncryptionKey = errors.New("secure_store.invalid_encryption_key")
	// ErrDecryptFailed indicates a stored record could not be decrypted with the configured key.
	ErrDecryptFailed = errors.New("secure_store.decrypt_failed")
)

// EncryptedSecureStore wraps another SecureStore and seals every value as a compact JWE
// (direct key agreement, A256GCM).
type EncryptedSecureStore struct {
	inner SecureStore
	key   []byte
	keyID string
}

// NewEncryptedSecureStore wraps inner with at-rest encryption under key.
func NewEncryptedSecureStore(inner SecureStore, key []byte, keyID string) (*EncryptedSecureStore, error) {
	if inner == nil {
		return nil, errors.New("secure_store.encrypted: inner store is required")
	}
	if len(key) != encryptionKeyLength {
		return nil, fmt.Errorf("secure_store.encrypted: %w", ErrInvalidEncryptionKey)
	}
	return &EncryptedSecureStore{
		inner: inner,
		key:   append([]byte(nil), key...),
		keyID: keyID,
	}, nil
}

// Get decrypts the value stored under key.
func (store *EncryptedSecureStore) Get(ctx context.Context, key string) ([]byte, error) {
	sealed, err := store.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	object, parseErr := jose.ParseEncrypted(string(sealed),
		[]jose.KeyAlgorithm{jose.DIRECT},
		[]jose.ContentEncryption{jose.A256GCM},
	)
	if parseErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, parseErr)
	}
	if store.keyID != "" && object.Header.KeyID != store.keyID {
		return nil, fmt.Errorf("%w: unknown key id %q", ErrDecryptFailed, object.Header.KeyID)
	}
	plaintext, decryptErr := object.Decrypt(store.key)
	if decryptErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, decryptErr)
	}
	return plaintext, nil
}

// Set encrypts value and stores it under key.
func (store *EncryptedSecureStore) Set(ctx context.Context, key string, value []byte) error {
	encrypter, err := jose.NewEncrypter(
		jose.A256GCM,
		jose.Recipient{Algorithm: jose.DIRECT, Key: store.key, KeyID: store.keyID},
		nil,
	)
	if err != nil {
		return fmt.Errorf("secure_store.encrypt: %w", err)
	}
	object, err := encrypter.Encrypt(value)
	if err != nil {
		return fmt.Errorf("secure_store.encrypt: %w", err)
	}
	serialized, err := object.CompactSerialize()
	if err != nil {
		return fmt.Errorf("secure_store.encrypt: %w", err)
	}
	return store.inner.Set(ctx, key, []byte(serialized))
}

// Delete removes key from the inner store.
func (store *EncryptedSecureStore) Delete(ctx context.Context, key string) error {
	return store.inner.Delete(ctx, key)
}
