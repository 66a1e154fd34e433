package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"
)

func testKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func TestNewAESEncryptor(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{name: "valid key", key: base64.StdEncoding.EncodeToString(make([]byte, 32))},
		{name: "empty key", key: "", wantErr: true},
		{name: "not base64", key: "!!!not-base64!!!", wantErr: true},
		{name: "wrong length", key: base64.StdEncoding.EncodeToString(make([]byte, 16)), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAESEncryptor(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewAESEncryptor() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatal(err)
	}
	for _, plaintext := range []string{"a", "oauth-access-token-value", strings.Repeat("x", 4096)} {
		ct, err := EncryptString(enc, plaintext)
		if err != nil {
			t.Fatalf("EncryptString() error = %v", err)
		}
		if ct == plaintext {
			t.Error("ciphertext equals plaintext")
		}
		got, err := DecryptString(enc, ct)
		if err != nil {
			t.Fatalf("DecryptString() error = %v", err)
		}
		if got != plaintext {
			t.Errorf("round trip = %q, want %q", got, plaintext)
		}
	}
}

func TestEncryptNondeterministic(t *testing.T) {
	enc, err := NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatal(err)
	}
	a, _ := EncryptString(enc, "same input")
	b, _ := EncryptString(enc, "same input")
	if a == b {
		t.Error("two encryptions of the same input should differ (random nonce)")
	}
}

func TestDecryptWrongKey(t *testing.T) {
	enc1, _ := NewAESEncryptor(testKey(t))
	enc2, _ := NewAESEncryptor(testKey(t))
	ct, err := EncryptString(enc1, "secret")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecryptString(enc2, ct); err == nil {
		t.Error("decrypting with a different key should fail")
	}
}

func TestDecryptCorrupted(t *testing.T) {
	enc, _ := NewAESEncryptor(testKey(t))
	if _, err := enc.Decrypt([]byte("short")); err == nil {
		t.Error("decrypting truncated ciphertext should fail")
	}
	ct, _ := enc.Encrypt([]byte("secret"))
	ct[len(ct)-1] ^= 0xff
	if _, err := enc.Decrypt(ct); err == nil {
		t.Error("decrypting tampered ciphertext should fail")
	}
}

func TestEncryptEmpty(t *testing.T) {
	enc, _ := NewAESEncryptor(testKey(t))
	if _, err := enc.Encrypt(nil); err == nil {
		t.Error("encrypting empty plaintext should fail")
	}
}
