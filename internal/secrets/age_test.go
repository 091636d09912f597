package secrets

import (
	"bytes"
	"testing"
)

func TestAgeEncryptor_RoundTrip(t *testing.T) {
	enc, err := NewAgeEncryptor("correct horse battery staple")
	if err != nil {
		t.Fatalf("NewAgeEncryptor: %v", err)
	}

	plaintext := []byte(`{"query":"acme","results":[1,2,3]}`)
	ct, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Contains(ct, []byte("acme")) {
		t.Fatal("ciphertext leaks plaintext")
	}

	got, err := enc.Decrypt(ct)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("Decrypt = %q; want %q", got, plaintext)
	}
}

func TestAgeEncryptor_WrongPassphrase(t *testing.T) {
	enc1, err := NewAgeEncryptor("passphrase-one")
	if err != nil {
		t.Fatal(err)
	}
	enc2, err := NewAgeEncryptor("passphrase-two")
	if err != nil {
		t.Fatal(err)
	}

	ct, err := enc1.Encrypt([]byte("sensitive"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := enc2.Decrypt(ct); err == nil {
		t.Fatal("expected decrypt failure with wrong passphrase")
	}
}

func TestNewAgeEncryptor_EmptyPassphrase(t *testing.T) {
	if _, err := NewAgeEncryptor(""); err == nil {
		t.Fatal("expected error for empty passphrase")
	}
}
