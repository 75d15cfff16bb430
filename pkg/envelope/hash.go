package envelope

import (
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"

	"github.com/juju/errors"
	"golang.org/x/crypto/pbkdf2"
)

const (
	hashLength      = 64
	hashSaltLength  = 32
	defaultTokenLen = 32
)

// Hashed is a one-way digest and the salt it was computed with, both hex.
type Hashed struct {
	Hash string `json:"hash"`
	Salt string `json:"salt"`
}

// Hash digests data with PBKDF2-SHA512. An empty salt means generate one.
func Hash(data, salt string) (Hashed, error) {
	if salt == "" {
		b, err := RandomBytes(hashSaltLength)
		if err != nil {
			return Hashed{}, errors.Trace(err)
		}
		salt = hex.EncodeToString(b)
	}
	sum := pbkdf2.Key([]byte(data), []byte(salt), Iterations, hashLength, sha512.New)
	return Hashed{Hash: hex.EncodeToString(sum), Salt: salt}, nil
}

// VerifyHash reports whether data hashes to hash under salt.
func VerifyHash(data, hash, salt string) bool {
	want, err := hex.DecodeString(hash)
	if err != nil || len(want) != hashLength || salt == "" {
		return false
	}
	got := pbkdf2.Key([]byte(data), []byte(salt), Iterations, hashLength, sha512.New)
	return subtle.ConstantTimeCompare(want, got) == 1
}

// GenerateSecureToken returns length random bytes as hex. Non-positive
// lengths fall back to 32 bytes.
func GenerateSecureToken(length int) (string, error) {
	if length <= 0 {
		length = defaultTokenLen
	}
	b, err := RandomBytes(length)
	if err != nil {
		return "", errors.Trace(err)
	}
	return hex.EncodeToString(b), nil
}
