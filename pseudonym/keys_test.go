package pseudonym

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKey(t *testing.T) {
	key, err := ParseKey(base64.StdEncoding.EncodeToString(make([]byte, KeySize)))
	assert.NoError(t, err)
	assert.Len(t, key, KeySize)

	_, err = ParseKey(base64.StdEncoding.EncodeToString(make([]byte, 16)))
	assert.ErrorIs(t, err, ErrKeyLength)

	_, err = ParseKey("!!!")
	assert.Error(t, err)
}

func TestDeriveKey_PerPartyAndDeterministic(t *testing.T) {
	master := []byte("a shared master secret for tests")
	a1, err := DeriveKey(master, "TUDA1")
	require.NoError(t, err)
	a2, err := DeriveKey(master, "TUDA1")
	require.NoError(t, err)
	b, err := DeriveKey(master, "TUDA2")
	require.NoError(t, err)

	assert.Equal(t, a1, a2)
	assert.NotEqual(t, a1, b)
	assert.Len(t, a1, KeySize)

	_, err = DeriveKey(nil, "TUDA1")
	assert.Error(t, err)
}

func TestTokenEncoding(t *testing.T) {
	token := []byte{0, 1, 2, 0xff}
	decoded, err := DecodeToken(EncodeToken(token))
	assert.NoError(t, err)
	assert.Equal(t, token, decoded)

	_, err = DecodeToken("not base64!")
	assert.ErrorIs(t, err, ErrMalformedToken)
}

func TestParseScheme(t *testing.T) {
	s, err := ParseScheme("")
	assert.NoError(t, err)
	assert.Equal(t, SchemeCTR, s)

	s, err = ParseScheme("aead")
	assert.NoError(t, err)
	assert.Equal(t, SchemeAEAD, s)

	_, err = ParseScheme("gcm")
	assert.ErrorIs(t, err, ErrUnknownScheme)
}

func TestMemoryCounter_PerIssuer(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCounter()

	first, err := c.Reserve(ctx, "A", 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), first)

	first, err = c.Reserve(ctx, "A", 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), first)

	first, err = c.Reserve(ctx, "B", 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), first)
}
