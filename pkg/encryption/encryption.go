package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Method enumerates supported at-rest encryption algorithms.
type Method string

const (
	// MethodNone stores blobs as plaintext.
	MethodNone Method = "none"
	// MethodAES256CTR encrypts blobs using AES-256 in CTR mode with a random IV prefix.
	MethodAES256CTR Method = "aes-256-ctr"
)

// Options describes how blob payloads are sealed before they reach a store.
type Options struct {
	Method Method
	Key    []byte
}

// Enabled reports whether encryption should run.
func (o Options) Enabled() bool {
	return o.Method != "" && o.Method != MethodNone
}

// Validate ensures the configuration is usable for the selected method.
func (o Options) Validate() error {
	if !o.Enabled() {
		return nil
	}
	switch o.Method {
	case MethodAES256CTR:
		if len(o.Key) != 32 {
			return fmt.Errorf("encryption: aes-256-ctr requires 32-byte key, got %d", len(o.Key))
		}
	default:
		return fmt.Errorf("encryption: unsupported method %q", o.Method)
	}
	return nil
}

// ParseKey builds AES-256-CTR options from a hex-encoded 32-byte key.
func ParseKey(hexKey string) (Options, error) {
	decoded, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil || len(decoded) != 32 {
		return Options{}, errors.New("encryption: key must be 32 bytes of hex")
	}
	return Options{Method: MethodAES256CTR, Key: decoded}, nil
}

// Encrypt returns data sealed according to opts. The returned slice includes the IV header.
func Encrypt(data []byte, opts Options) ([]byte, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if !opts.Enabled() {
		return data, nil
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(opts.Key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(iv)+len(data))
	copy(out, iv)
	cipher.NewCTR(block, iv).XORKeyStream(out[len(iv):], data)
	return out, nil
}

// Decrypt reverses Encrypt using opts.
func Decrypt(ciphertext []byte, opts Options) ([]byte, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if !opts.Enabled() {
		return ciphertext, nil
	}
	if len(ciphertext) < aes.BlockSize {
		return nil, errors.New("encryption: ciphertext missing IV")
	}
	block, err := aes.NewCipher(opts.Key)
	if err != nil {
		return nil, err
	}
	iv := ciphertext[:aes.BlockSize]
	payload := make([]byte, len(ciphertext)-aes.BlockSize)
	cipher.NewCTR(block, iv).XORKeyStream(payload, ciphertext[aes.BlockSize:])
	return payload, nil
}

// Overhead returns the number of bytes added by the given method.
func Overhead(method Method) int {
	switch method {
	case MethodAES256CTR:
		return aes.BlockSize
	default:
		return 0
	}
}
