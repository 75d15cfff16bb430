// Package envelope implements password-based symmetric encryption of opaque
// payloads. An envelope is self-contained: base64(salt || iv || ciphertext),
// so decrypting needs nothing but the password.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"

	"github.com/juju/errors"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeyLength is the derived AES-256 key size.
	KeyLength = 32
	// IVLength is the GCM nonce size; it matches the AES block size.
	IVLength = 16
	// SaltLength is the per-envelope KDF salt size (512 bits).
	SaltLength = 64
	// Iterations is the PBKDF2 work factor.
	Iterations = 100000
)

// ErrDecryptionFailed is returned for every decryption failure. A wrong
// password and a corrupted envelope are indistinguishable.
const ErrDecryptionFailed = errors.ConstError("decryption failed")

// RandomBytes returns n bytes from the system CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, errors.Annotate(err, "reading random bytes")
	}
	return b, nil
}

func deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, Iterations, KeyLength, sha512.New)
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return cipher.NewGCMWithNonceSize(block, IVLength)
}

// Encrypt seals plaintext under a key derived from password. Salt and IV are
// fresh for every call, so equal inputs never produce equal envelopes.
func Encrypt(plaintext []byte, password string) (string, error) {
	salt, err := RandomBytes(SaltLength)
	if err != nil {
		return "", errors.Trace(err)
	}
	iv, err := RandomBytes(IVLength)
	if err != nil {
		return "", errors.Trace(err)
	}
	aead, err := newAEAD(deriveKey(password, salt))
	if err != nil {
		return "", errors.Annotate(err, "creating cipher")
	}

	out := make([]byte, 0, SaltLength+IVLength+len(plaintext)+aead.Overhead())
	out = append(out, salt...)
	out = append(out, iv...)
	out = aead.Seal(out, iv, plaintext, nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens an envelope produced by Encrypt.
func Decrypt(envelope, password string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return nil, errors.WithType(errors.Annotate(err, "decoding envelope"), ErrDecryptionFailed)
	}
	if len(data) < SaltLength+IVLength {
		return nil, errors.WithType(errors.New("envelope too short"), ErrDecryptionFailed)
	}
	salt := data[:SaltLength]
	iv := data[SaltLength : SaltLength+IVLength]
	ct := data[SaltLength+IVLength:]

	aead, err := newAEAD(deriveKey(password, salt))
	if err != nil {
		return nil, errors.WithType(err, ErrDecryptionFailed)
	}
	pt, err := aead.Open(nil, iv, ct, nil)
	if err != nil {
		return nil, errors.WithType(errors.Trace(err), ErrDecryptionFailed)
	}
	if pt == nil {
		pt = []byte{}
	}
	return pt, nil
}

// EncryptObject encodes v as JSON and encrypts it.
func EncryptObject(v any, password string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", errors.Annotate(err, "encoding object")
	}
	return Encrypt(b, password)
}

// DecryptObject decrypts an envelope and decodes the JSON inside into v.
func DecryptObject(envelope, password string, v any) error {
	b, err := Decrypt(envelope, password)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Annotate(json.Unmarshal(b, v), "decoding object")
}
