// Package vcrypto provides the primitives of the Encrypt-then-MAC pipeline:
// AES-128-CBC, PKCS#7 padding, HMAC-SHA256, constant-time verification, and
// random bytes. Everything here operates on caller-owned buffers so that
// plaintext scratch can be zeroed on every exit path.
package vcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"hash"
	"io"
)

const (
	// BlockSize is the AES block size; IVs are exactly this long.
	BlockSize = aes.BlockSize
	// KeySize is the AES-128 key length.
	KeySize = 16
	// MACSize is the HMAC-SHA256 output length.
	MACSize = sha256.Size
	// MACKeySize is the per-table MAC key length.
	MACKeySize = sha256.Size
)

var (
	ErrBadLength  = errors.New("vcrypto: length not a positive multiple of the block size")
	ErrBadPadding = errors.New("vcrypto: invalid PKCS#7 padding")
)

// AES is an expanded AES-128 key, reusable across operations.
type AES struct {
	block cipher.Block
}

// NewAES expands a 16-byte key.
func NewAES(key []byte) (*AES, error) {
	if len(key) != KeySize {
		return nil, errors.New("vcrypto: AES key must be 16 bytes")
	}
	b, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &AES{block: b}, nil
}

// CBCEncrypt encrypts src into dst under iv. len(src) must be a positive
// multiple of BlockSize and len(dst) >= len(src). dst and src may alias.
func (a *AES) CBCEncrypt(iv, src, dst []byte) error {
	if len(src) == 0 || len(src)%BlockSize != 0 || len(iv) != BlockSize {
		return ErrBadLength
	}
	cipher.NewCBCEncrypter(a.block, iv).CryptBlocks(dst[:len(src)], src)
	return nil
}

// CBCDecrypt is the inverse of CBCEncrypt, with the same requirements.
func (a *AES) CBCDecrypt(iv, src, dst []byte) error {
	if len(src) == 0 || len(src)%BlockSize != 0 || len(iv) != BlockSize {
		return ErrBadLength
	}
	cipher.NewCBCDecrypter(a.block, iv).CryptBlocks(dst[:len(src)], src)
	return nil
}

// PaddedSize returns the PKCS#7-padded length for plainLen. Padding always
// adds at least one byte.
func PaddedSize(plainLen int) int {
	return plainLen + BlockSize - plainLen%BlockSize
}

// Pad appends PKCS#7 padding in place. buf must have room for PaddedSize
// bytes; the padded length is returned.
func Pad(buf []byte, plainLen int) int {
	padded := PaddedSize(plainLen)
	k := byte(padded - plainLen)
	for i := plainLen; i < padded; i++ {
		buf[i] = k
	}
	return padded
}

// Unpad validates PKCS#7 padding and returns the plaintext length.
// It fails if the final byte is 0, exceeds BlockSize, or any padding byte
// disagrees with it.
func Unpad(buf []byte) (int, error) {
	n := len(buf)
	if n == 0 || n%BlockSize != 0 {
		return 0, ErrBadPadding
	}
	k := int(buf[n-1])
	if k == 0 || k > BlockSize || k > n {
		return 0, ErrBadPadding
	}
	for i := n - k; i < n; i++ {
		if int(buf[i]) != k {
			return 0, ErrBadPadding
		}
	}
	return n - k, nil
}

// HMACSHA256 computes a one-shot HMAC-SHA256 of msg under key.
func HMACSHA256(key, msg []byte) [MACSize]byte {
	h := hmac.New(sha256.New, key)
	h.Write(msg)
	var out [MACSize]byte
	h.Sum(out[:0])
	return out
}

// MAC is the pre-keyed HMAC-SHA256 form: the key schedule is paid once and
// the context reused across records. Not safe for concurrent use; the
// engine serializes all callers.
type MAC struct {
	h hash.Hash
}

// NewMAC keys an HMAC-SHA256 context.
func NewMAC(key []byte) *MAC {
	return &MAC{h: hmac.New(sha256.New, key)}
}

// Sum writes the MAC of the concatenated parts into out.
func (m *MAC) Sum(out []byte, parts ...[]byte) {
	m.h.Reset()
	for _, p := range parts {
		m.h.Write(p)
	}
	m.h.Sum(out[:0])
}

// Verify compares two MACs in constant time. It never short-circuits.
func Verify(a, b []byte) bool {
	return hmac.Equal(a, b)
}

// RandomBytes fills out from the system CSPRNG.
func RandomBytes(out []byte) error {
	_, err := io.ReadFull(rand.Reader, out)
	return err
}

// Zero overwrites b. Used on every scratch buffer exit path.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
