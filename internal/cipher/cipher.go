// Package cipher はチャットメッセージの共通鍵暗号を提供します
//
// リレーサーバーは鍵を持たず、この package はクライアント側（cmd/relaycli）で使います。
// 形式は base64( version(1) | salt(16) | nonce(24) | ciphertext+tag )。
// 鍵は共有パスフレーズとメッセージごとのソルトから HKDF-SHA256 で導出します。
package cipher

import (
	stdcipher "crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	version  byte = 0x01
	saltSize      = 16
	overhead      = 1 + saltSize + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
)

var hkdfInfo = []byte("relay.chat.message.v1")

var (
	// ErrDecryption は鍵の不一致または改ざんで復号できなかったことを示します
	ErrDecryption = errors.New("cannot decrypt message")
	ErrEmptyKey   = errors.New("encryption key required")
)

// Encrypt は平文をパスフレーズで暗号化し、テキストとして送れる形で返します
func Encrypt(plaintext, key string) (string, error) {
	if key == "" {
		return "", ErrEmptyKey
	}
	out := make([]byte, 1+saltSize+chacha20poly1305.NonceSizeX, overhead+len(plaintext))
	out[0] = version
	salt := out[1 : 1+saltSize]
	nonce := out[1+saltSize:]
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("read salt: %w", err)
	}
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}

	aead, err := newAEAD(key, salt)
	if err != nil {
		return "", err
	}
	out = aead.Seal(out, nonce, []byte(plaintext), out[:1])
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt は Encrypt の出力を復号します
// 鍵が違う、形式が壊れている、改ざんされている場合はすべて ErrDecryption になります
func Decrypt(ciphertext, key string) (string, error) {
	if key == "" {
		return "", ErrEmptyKey
	}
	blob, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil || len(blob) < overhead || blob[0] != version {
		return "", ErrDecryption
	}
	salt := blob[1 : 1+saltSize]
	nonce := blob[1+saltSize : 1+saltSize+chacha20poly1305.NonceSizeX]
	sealed := blob[1+saltSize+chacha20poly1305.NonceSizeX:]

	aead, err := newAEAD(key, salt)
	if err != nil {
		return "", err
	}
	plain, err := aead.Open(nil, nonce, sealed, blob[:1])
	if err != nil {
		return "", ErrDecryption
	}
	return string(plain), nil
}

// GenerateKey はランダムな共有鍵を16進文字列で返します
func GenerateKey(n int) (string, error) {
	if n <= 0 {
		n = 32
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func newAEAD(key string, salt []byte) (stdcipher.AEAD, error) {
	derived := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(key), salt, hkdfInfo), derived); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(derived)
	if err != nil {
		return nil, fmt.Errorf("create aead: %w", err)
	}
	return aead, nil
}
