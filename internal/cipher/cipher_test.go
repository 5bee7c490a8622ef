package cipher

import (
	"errors"
	"strings"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	for _, msg := range []string{"", "hello", "@bot 幫助", strings.Repeat("長", 4096)} {
		ct, err := Encrypt(msg, "shared-secret")
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", msg, err)
		}
		if msg != "" && strings.Contains(ct, msg) {
			t.Fatal("ciphertext contains plaintext")
		}
		pt, err := Decrypt(ct, "shared-secret")
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if pt != msg {
			t.Fatalf("round trip = %q, want %q", pt, msg)
		}
	}
}

func TestEncryptIsRandomised(t *testing.T) {
	a, _ := Encrypt("same", "k")
	b, _ := Encrypt("same", "k")
	if a == b {
		t.Fatal("two encryptions of the same plaintext are identical")
	}
}

func TestWrongKey(t *testing.T) {
	ct, err := Encrypt("secret plans", "right")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decrypt(ct, "wrong"); !errors.Is(err, ErrDecryption) {
		t.Fatalf("Decrypt with wrong key error = %v, want ErrDecryption", err)
	}
}

func TestMalformedCiphertext(t *testing.T) {
	ct, _ := Encrypt("x", "k")
	tampered := []byte(ct)
	tampered[len(tampered)/2] ^= 0x01

	for name, in := range map[string]string{
		"not base64": "!!!",
		"too short":  "AQID",
		"plaintext":  "hello world",
		"tampered":   string(tampered),
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := Decrypt(in, "k"); !errors.Is(err, ErrDecryption) {
				t.Fatalf("error = %v, want ErrDecryption", err)
			}
		})
	}
}

func TestEmptyKey(t *testing.T) {
	if _, err := Encrypt("x", ""); !errors.Is(err, ErrEmptyKey) {
		t.Fatalf("Encrypt error = %v", err)
	}
	if _, err := Decrypt("x", ""); !errors.Is(err, ErrEmptyKey) {
		t.Fatalf("Decrypt error = %v", err)
	}
}

func TestGenerateKey(t *testing.T) {
	k, err := GenerateKey(16)
	if err != nil {
		t.Fatal(err)
	}
	if len(k) != 32 {
		t.Fatalf("len(key) = %d, want 32 hex chars", len(k))
	}
}
