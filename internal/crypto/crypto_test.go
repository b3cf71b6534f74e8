package crypto

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"southwinds.dev/lockbox/internal/misc"
)

func testParams(t *testing.T) misc.KDFParams {
	t.Helper()
	params, err := ParamsForVersion(misc.DefaultKDFVersion)
	require.NoError(t, err)
	return params
}

func TestDeriveKeyDeterministic(t *testing.T) {
	params := testParams(t)
	salt, err := GenerateSalt()
	require.NoError(t, err)

	k1, err := DeriveKey([]byte("correct horse battery staple"), salt, params)
	require.NoError(t, err)
	defer k1.Destroy()

	k2, err := DeriveKey([]byte("correct horse battery staple"), salt, params)
	require.NoError(t, err)
	defer k2.Destroy()

	assert.Equal(t, misc.KeyLen, k1.Size())
	assert.True(t, bytes.Equal(k1.Bytes(), k2.Bytes()), "same secret and salt must give the same key")

	otherSalt, err := GenerateSalt()
	require.NoError(t, err)
	k3, err := DeriveKey([]byte("correct horse battery staple"), otherSalt, params)
	require.NoError(t, err)
	defer k3.Destroy()

	assert.False(t, bytes.Equal(k1.Bytes(), k3.Bytes()), "different salts must give different keys")
}

func TestDeriveKeyValidation(t *testing.T) {
	params := testParams(t)

	_, err := DeriveKey(nil, make([]byte, misc.SaltSize), params)
	assert.Error(t, err)

	_, err = DeriveKey([]byte("secret"), make([]byte, misc.MinSaltSize-1), params)
	assert.Error(t, err)

	_, err = ParamsForVersion(99)
	assert.True(t, errors.Is(err, ErrUnknownKDFVersion))
}

func TestDeriveKeyContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := DeriveKeyContext(ctx, []byte("secret"), make([]byte, misc.SaltSize), testParams(t))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDeriveKeyContextMatchesDeriveKey(t *testing.T) {
	params := testParams(t)
	salt, err := GenerateSalt()
	require.NoError(t, err)

	secret := []byte("p@ssW0rd!!")
	k1, err := DeriveKeyContext(context.Background(), secret, salt, params)
	require.NoError(t, err)
	defer k1.Destroy()

	k2, err := DeriveKey(secret, salt, params)
	require.NoError(t, err)
	defer k2.Destroy()

	assert.Equal(t, k1.Bytes(), k2.Bytes())
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, misc.KeyLen)

	cases := [][]byte{
		{},
		[]byte("Trinity"),
		[]byte("Unicode: こんにちは"),
		make([]byte, 10241),
	}

	for _, pt := range cases {
		sealed, err := Seal(key, pt)
		require.NoError(t, err)
		assert.Len(t, sealed, 24+len(pt)+16)

		opened, err := Open(key, sealed)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(pt, opened))
	}
}

func TestSealUsesFreshNonce(t *testing.T) {
	key := bytes.Repeat([]byte{0x01}, misc.KeyLen)
	a, err := Seal(key, []byte("same"))
	require.NoError(t, err)
	b, err := Seal(key, []byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestOpenRejects(t *testing.T) {
	params := testParams(t)
	salt, err := GenerateSalt()
	require.NoError(t, err)

	right, err := DeriveKey([]byte("oldpass123"), salt, params)
	require.NoError(t, err)
	defer right.Destroy()
	wrong, err := DeriveKey([]byte("newpass123"), salt, params)
	require.NoError(t, err)
	defer wrong.Destroy()

	sealed, err := Seal(right.Bytes(), []byte(`{"entries":{"callsign":"Trinity"}}`))
	require.NoError(t, err)

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0xff

	tests := []struct {
		name   string
		key    []byte
		sealed []byte
	}{
		{"WrongKey", wrong.Bytes(), sealed},
		{"Tampered", right.Bytes(), tampered},
		{"Truncated", right.Bytes(), sealed[:20]},
		{"Empty", right.Bytes(), nil},
		{"ShortKey", right.Bytes()[:8], sealed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pt, err := Open(tt.key, tt.sealed)
			assert.Nil(t, pt)
			assert.ErrorIs(t, err, ErrDecryption)
		})
	}
}

func TestCalculateChecksum(t *testing.T) {
	sum := CalculateChecksum([]byte("hello"))
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", sum)
}
