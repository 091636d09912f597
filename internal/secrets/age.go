package secrets

import (
	"bytes"
	"fmt"
	"io"

	"filippo.io/age"
)

// AgeEncryptor encrypts and decrypts byte blobs with a passphrase using the
// age format (scrypt recipient, authenticated by construction). It is used
// for at-rest protection of persisted cache entries.
type AgeEncryptor struct {
	recipient *age.ScryptRecipient
	identity  *age.ScryptIdentity
}

// NewAgeEncryptor creates an encryptor from a passphrase.
func NewAgeEncryptor(passphrase string) (*AgeEncryptor, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("empty passphrase")
	}
	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return nil, fmt.Errorf("create recipient: %w", err)
	}
	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("create identity: %w", err)
	}
	return &AgeEncryptor{recipient: recipient, identity: identity}, nil
}

// Encrypt seals plaintext into an age ciphertext blob.
func (e *AgeEncryptor) Encrypt(plaintext []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, e.recipient)
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("encrypt write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("encrypt close: %w", err)
	}
	return buf.Bytes(), nil
}

// Decrypt opens an age ciphertext blob. Fails on tampering or a wrong
// passphrase; there is no plaintext fallback.
func (e *AgeEncryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	r, err := age.Decrypt(bytes.NewReader(ciphertext), e.identity)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decrypt read: %w", err)
	}
	return plaintext, nil
}
