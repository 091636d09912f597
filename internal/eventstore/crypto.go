package eventstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// encryptedMethod is the sentinel method for encrypted stored messages.
const encryptedMethod = "__encrypted"

const cipherAlgo = "aes-256-gcm"

// MessageCipher wraps stored JSON-RPC messages with AES-256-GCM. Decryption
// is authenticated; a tampered or wrong-key payload fails rather than
// falling back to plaintext.
type MessageCipher struct {
	aead cipher.AEAD
}

// ParseKey accepts a 64-char hex or base64 encoding of a 32-byte key.
func ParseKey(s string) ([]byte, error) {
	if key, err := hex.DecodeString(s); err == nil && len(key) == 32 {
		return key, nil
	}
	if key, err := base64.StdEncoding.DecodeString(s); err == nil && len(key) == 32 {
		return key, nil
	}
	return nil, fmt.Errorf("encryption key must decode to 32 bytes (hex or base64)")
}

// NewMessageCipher creates a cipher from a 32-byte key.
func NewMessageCipher(key []byte) (*MessageCipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &MessageCipher{aead: aead}, nil
}

// encryptedParams is the params payload of the sentinel message.
type encryptedParams struct {
	IV      string `json:"iv"`
	CT      string `json:"ct"`
	AuthTag string `json:"authTag"`
	Algo    string `json:"algo"`
}

type sentinelMessage struct {
	Method string          `json:"method"`
	Params encryptedParams `json:"params"`
}

// Wrap encrypts a message into the sentinel form
// {method:"__encrypted", params:{iv, ct, authTag, algo}}.
func (c *MessageCipher) Wrap(msg json.RawMessage) (json.RawMessage, error) {
	iv := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}

	sealed := c.aead.Seal(nil, iv, msg, nil)
	tagStart := len(sealed) - c.aead.Overhead()
	ct, tag := sealed[:tagStart], sealed[tagStart:]

	out, err := json.Marshal(sentinelMessage{
		Method: encryptedMethod,
		Params: encryptedParams{
			IV:      base64.StdEncoding.EncodeToString(iv),
			CT:      base64.StdEncoding.EncodeToString(ct),
			AuthTag: base64.StdEncoding.EncodeToString(tag),
			Algo:    cipherAlgo,
		},
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Unwrap decrypts a sentinel message. The second return reports whether the
// input was a sentinel at all; plain messages pass through untouched.
func (c *MessageCipher) Unwrap(raw json.RawMessage) (json.RawMessage, bool, error) {
	if !IsEncrypted(raw) {
		return raw, false, nil
	}

	var s sentinelMessage
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, true, fmt.Errorf("parse sentinel: %w", err)
	}
	if s.Params.Algo != cipherAlgo {
		return nil, true, fmt.Errorf("unsupported algo %q", s.Params.Algo)
	}

	iv, err := base64.StdEncoding.DecodeString(s.Params.IV)
	if err != nil {
		return nil, true, fmt.Errorf("decode iv: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(s.Params.CT)
	if err != nil {
		return nil, true, fmt.Errorf("decode ct: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(s.Params.AuthTag)
	if err != nil {
		return nil, true, fmt.Errorf("decode authTag: %w", err)
	}

	plain, err := c.aead.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return nil, true, fmt.Errorf("decrypt: %w", err)
	}
	return plain, true, nil
}

// IsEncrypted reports whether a stored message is the encryption sentinel.
func IsEncrypted(raw json.RawMessage) bool {
	var peek struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(raw, &peek); err != nil {
		return false
	}
	return peek.Method == encryptedMethod
}
