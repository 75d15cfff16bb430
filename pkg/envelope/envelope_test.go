package envelope

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	for _, size := range []int{0, 1, 15, 16, 17, 4096} {
		pt := bytes.Repeat([]byte{'x'}, size)
		env, err := Encrypt(pt, "hunter2")
		require.NoError(t, err)

		got, err := Decrypt(env, "hunter2")
		require.NoError(t, err)
		assert.Equal(t, pt, got, "size %d", size)
	}
}

func TestWrongPassword(t *testing.T) {
	env, err := Encrypt([]byte("inventory"), "right")
	require.NoError(t, err)

	_, err = Decrypt(env, "wrong")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDecryptionFailed))
}

func TestEnvelopesAreFresh(t *testing.T) {
	a, err := Encrypt([]byte("same"), "pw")
	require.NoError(t, err)
	b, err := Encrypt([]byte("same"), "pw")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	rawA, _ := base64.StdEncoding.DecodeString(a)
	rawB, _ := base64.StdEncoding.DecodeString(b)
	assert.NotEqual(t, rawA[:SaltLength], rawB[:SaltLength], "salt reused")
	assert.NotEqual(t, rawA[SaltLength:SaltLength+IVLength], rawB[SaltLength:SaltLength+IVLength], "iv reused")

	for _, env := range []string{a, b} {
		pt, err := Decrypt(env, "pw")
		require.NoError(t, err)
		assert.Equal(t, "same", string(pt))
	}
}

func TestDecryptRejectsDamage(t *testing.T) {
	env, err := Encrypt([]byte("payload"), "pw")
	require.NoError(t, err)
	raw, _ := base64.StdEncoding.DecodeString(env)

	flipped := append([]byte(nil), raw...)
	flipped[len(flipped)-1] ^= 0x01

	for name, input := range map[string]string{
		"not base64": "%%%",
		"too short":  base64.StdEncoding.EncodeToString(raw[:SaltLength]),
		"tampered":   base64.StdEncoding.EncodeToString(flipped),
	} {
		_, err := Decrypt(input, "pw")
		assert.True(t, errors.Is(err, ErrDecryptionFailed), name)
	}
}

func TestObjectRoundTrip(t *testing.T) {
	type item struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	env, err := EncryptObject(item{Name: "xlr", Count: 3}, "pw")
	require.NoError(t, err)

	var got item
	require.NoError(t, DecryptObject(env, "pw", &got))
	assert.Equal(t, item{Name: "xlr", Count: 3}, got)
}

func TestHashVerify(t *testing.T) {
	h, err := Hash("token", "")
	require.NoError(t, err)
	assert.Len(t, h.Salt, hashSaltLength*2)
	assert.Len(t, h.Hash, hashLength*2)

	assert.True(t, VerifyHash("token", h.Hash, h.Salt))
	assert.False(t, VerifyHash("other", h.Hash, h.Salt))
	assert.False(t, VerifyHash("token", "zz", h.Salt))
	assert.False(t, VerifyHash("token", h.Hash, ""))

	again, err := Hash("token", h.Salt)
	require.NoError(t, err)
	assert.Equal(t, h, again)
}

func TestGenerateSecureToken(t *testing.T) {
	a, err := GenerateSecureToken(16)
	require.NoError(t, err)
	assert.Len(t, a, 32)

	b, err := GenerateSecureToken(0)
	require.NoError(t, err)
	assert.Len(t, b, 64)
	assert.NotEqual(t, a, b)
}
