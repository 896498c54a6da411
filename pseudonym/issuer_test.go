package pseudonym

import (
	"bytes"
	"context"
	cryptoRand "crypto/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIssuer(t *testing.T, id string, pad int, opts ...Option) *Issuer {
	t.Helper()
	key, err := RandomKey()
	require.NoError(t, err)
	issuer, err := New(id, key, pad, opts...)
	require.NoError(t, err)
	return issuer
}

func TestNew_RejectsWrongKeyLength(t *testing.T) {
	for _, size := range []int{0, 16, 31, 33, 64} {
		_, err := New("TUDA1", make([]byte, size), 15)
		assert.ErrorIs(t, err, ErrKeyLength, "key size %d", size)
	}
}

func TestNew_RejectsZeroPad(t *testing.T) {
	_, err := New("TUDA1", make([]byte, KeySize), 0)
	assert.ErrorIs(t, err, ErrPadLength)
}

func TestNew_RejectsUnknownScheme(t *testing.T) {
	_, err := New("TUDA1", make([]byte, KeySize), 4, WithScheme("ecb"))
	assert.ErrorIs(t, err, ErrUnknownScheme)
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	for _, scheme := range []Scheme{SchemeCTR, SchemeAEAD} {
		for range 20 {
			issuer := newTestIssuer(t, "TUDA1", 15, WithScheme(scheme))
			for _, size := range []int{0, 1, 15, 16, 17, 100} {
				msg := make([]byte, size)
				_, _ = cryptoRand.Read(msg)

				ct, err := issuer.Encrypt(msg)
				require.NoError(t, err)
				plain, err := issuer.Decrypt(ct)
				require.NoError(t, err)
				assert.True(t, bytes.Equal(msg, plain), "scheme %s size %d", scheme, size)
			}
		}
	}
}

func TestEncrypt_FreshIVPerCall(t *testing.T) {
	issuer := newTestIssuer(t, "TUDA1", 15)
	a, err := issuer.Encrypt([]byte("same input"))
	require.NoError(t, err)
	b, err := issuer.Encrypt([]byte("same input"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 16+len("same input"))
}

func TestDecrypt_ShortCiphertext(t *testing.T) {
	issuer := newTestIssuer(t, "TUDA1", 15)
	plain, err := issuer.Decrypt([]byte{0xff})
	require.NoError(t, err)
	assert.Empty(t, plain, "a partial IV carries no ciphertext")
	assert.False(t, issuer.Validate([]byte{0xff}))

	key, err := RandomKey()
	require.NoError(t, err)
	aead, err := New("TUDA1", key, 15, WithScheme(SchemeAEAD))
	require.NoError(t, err)
	_, err = aead.Decrypt([]byte{0xff})
	assert.ErrorIs(t, err, ErrMalformedToken)
}

func TestGenerate_DistinctAndValid(t *testing.T) {
	ctx := context.Background()
	issuer := newTestIssuer(t, "TUDA1", 15)
	other := newTestIssuer(t, "TUDA2", 15)

	tokens, err := issuer.Generate(ctx, 64)
	require.NoError(t, err)
	require.Len(t, tokens, 64)

	seen := map[string]bool{}
	for _, token := range tokens {
		assert.False(t, seen[string(token)], "duplicate token")
		seen[string(token)] = true
		assert.True(t, issuer.Validate(token))
		assert.False(t, other.Validate(token))
	}
}

func TestGenerate_CounterPlaintext(t *testing.T) {
	ctx := context.Background()
	issuer := newTestIssuer(t, "TUDA2", 13)

	tokens, err := issuer.Generate(ctx, 3)
	require.NoError(t, err)
	for i, token := range tokens {
		plain, err := issuer.Decrypt(token)
		require.NoError(t, err)
		want := append([]byte{byte('0' + i)}, make([]byte, 13)...)
		assert.Equal(t, want, plain)
	}

	next, err := issuer.Generate(ctx, 1)
	require.NoError(t, err)
	plain, err := issuer.Decrypt(next[0])
	require.NoError(t, err)
	assert.Equal(t, byte('3'), plain[0])
}

func TestGenerate_ZeroAndNegative(t *testing.T) {
	issuer := newTestIssuer(t, "TUDA1", 15)
	tokens, err := issuer.Generate(context.Background(), 0)
	assert.NoError(t, err)
	assert.Empty(t, tokens)

	_, err = issuer.Generate(context.Background(), -1)
	assert.Error(t, err)
}

func TestGenerate_ConcurrentCallsNeverRepeatCounters(t *testing.T) {
	ctx := context.Background()
	issuer := newTestIssuer(t, "TUDA1", 4)

	var (
		mu       sync.Mutex
		counters = map[string]bool{}
		wg       sync.WaitGroup
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tokens, err := issuer.Generate(ctx, 25)
			assert.NoError(t, err)
			for _, token := range tokens {
				plain, err := issuer.Decrypt(token)
				assert.NoError(t, err)
				value := string(plain[:len(plain)-4])
				mu.Lock()
				assert.False(t, counters[value], "counter %s issued twice", value)
				counters[value] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, counters, 400)
}

func TestValidate_RandomKeysRejectForeignTokens(t *testing.T) {
	ctx := context.Background()
	for range 50 {
		a := newTestIssuer(t, "A", 8)
		b := newTestIssuer(t, "B", 8)
		tokens, err := a.Generate(ctx, 1)
		require.NoError(t, err)
		assert.True(t, a.Validate(tokens[0]))
		assert.False(t, b.Validate(tokens[0]))
	}
}

func TestValidate_GarbageAndShortTokens(t *testing.T) {
	issuer := newTestIssuer(t, "TUDA1", 15)
	assert.False(t, issuer.Validate(nil))
	assert.False(t, issuer.Validate([]byte{1, 2, 3}))
	assert.False(t, issuer.Validate(make([]byte, 20)))
}

// CTR tokens are malleable: flipping a ciphertext bit flips the same
// plaintext bit, and a flip inside the counter digits still validates.
func TestValidate_CTRIsNotAuthenticated(t *testing.T) {
	issuer := newTestIssuer(t, "TUDA1", 15)
	tokens, err := issuer.Generate(context.Background(), 1)
	require.NoError(t, err)

	forged := append([]byte(nil), tokens[0]...)
	forged[16] ^= 0x01
	assert.True(t, issuer.Validate(forged))
}

func TestValidate_AEADRejectsTampering(t *testing.T) {
	issuer := newTestIssuer(t, "TUDA1", 15, WithScheme(SchemeAEAD))
	tokens, err := issuer.Generate(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, issuer.Validate(tokens[0]))

	forged := append([]byte(nil), tokens[0]...)
	forged[24] ^= 0x01
	assert.False(t, issuer.Validate(forged))
}

func TestLegacyFallback_AcceptsCTRTokens(t *testing.T) {
	ctx := context.Background()
	key, err := RandomKey()
	require.NoError(t, err)

	old, err := New("TUDA1", key, 15)
	require.NoError(t, err)
	strict, err := New("TUDA1", key, 15, WithScheme(SchemeAEAD))
	require.NoError(t, err)
	migrating, err := New("TUDA1", key, 15, WithScheme(SchemeAEAD), WithLegacyFallback())
	require.NoError(t, err)

	legacyTokens, err := old.Generate(ctx, 1)
	require.NoError(t, err)
	assert.False(t, strict.Validate(legacyTokens[0]))
	assert.True(t, migrating.Validate(legacyTokens[0]))

	plain, err := migrating.Decrypt(legacyTokens[0])
	require.NoError(t, err)
	assert.Equal(t, byte('0'), plain[0])

	newTokens, err := migrating.Generate(ctx, 1)
	require.NoError(t, err)
	assert.True(t, strict.Validate(newTokens[0]))
}

func TestLegacyFallback_RejectsGarbage(t *testing.T) {
	key, err := RandomKey()
	require.NoError(t, err)
	migrating, err := New("TUDA1", key, 15, WithScheme(SchemeAEAD), WithLegacyFallback())
	require.NoError(t, err)

	for _, garbage := range [][]byte{bytes.Repeat([]byte{0x42}, 64), {0xff}, nil} {
		_, err := migrating.Decrypt(garbage)
		assert.ErrorIs(t, err, ErrMalformedToken)
	}

	tokens, err := migrating.Generate(context.Background(), 1)
	require.NoError(t, err)
	tampered := append([]byte(nil), tokens[0]...)
	tampered[len(tampered)-1] ^= 0x01
	_, err = migrating.Decrypt(tampered)
	assert.ErrorIs(t, err, ErrMalformedToken)
}

func TestWithCounter_SharedStoreKeepsCountersUnique(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCounter()
	key, err := RandomKey()
	require.NoError(t, err)

	first, err := New("TUDA1", key, 15, WithCounter(store))
	require.NoError(t, err)
	_, err = first.Generate(ctx, 5)
	require.NoError(t, err)

	restarted, err := New("TUDA1", key, 15, WithCounter(store))
	require.NoError(t, err)
	tokens, err := restarted.Generate(ctx, 1)
	require.NoError(t, err)
	plain, err := restarted.Decrypt(tokens[0])
	require.NoError(t, err)
	assert.Equal(t, byte('5'), plain[0])
}
