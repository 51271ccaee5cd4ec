package auth

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/carevisit/carevisit/internal/config"
	"github.com/carevisit/carevisit/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/scrypt"
)

func testPinHasher() *PinHasher {
	return NewPinHasher(config.PINConfig{
		ScryptN:             1024,
		ScryptR:             8,
		ScryptP:             1,
		ScryptKeyLen:        32,
		MaxConcurrentHashes: 2,
	})
}

func TestPinHasher_RoundTrip(t *testing.T) {
	h := testPinHasher()
	ctx := context.Background()

	for _, pin := range []string{"482913", "905172", "19283746"} {
		v, err := h.Hash(ctx, pin)
		require.NoError(t, err)
		assert.Equal(t, h.Params(), v.Params)
		assert.True(t, h.Verify(ctx, pin, v), pin)
		assert.False(t, h.Verify(ctx, pin+"0", v), pin)
	}
}

func TestPinHasher_SaltIsFresh(t *testing.T) {
	h := testPinHasher()
	a, err := h.Hash(context.Background(), "482913")
	require.NoError(t, err)
	b, err := h.Hash(context.Background(), "482913")
	require.NoError(t, err)
	assert.NotEqual(t, a.Salt, b.Salt)
	assert.NotEqual(t, a.Hash, b.Hash)
}

func TestPinHasher_TamperedFailsClosed(t *testing.T) {
	h := testPinHasher()
	ctx := context.Background()
	v, err := h.Hash(ctx, "482913")
	require.NoError(t, err)

	raw, _ := base64.StdEncoding.DecodeString(v.Hash)
	raw[0] ^= 0xff
	flipped := v
	flipped.Hash = base64.StdEncoding.EncodeToString(raw)

	otherSalt := v
	otherSalt.Salt = base64.StdEncoding.EncodeToString([]byte("0123456789abcdef"))

	wrongAlg := v
	wrongAlg.Params = model.ScryptParams{Algorithm: "argon2id", N: 1024, R: 8, P: 1, KeyLen: 32}

	wrongKeyLen := v
	wrongKeyLen.Params = model.ScryptParams{Algorithm: "scrypt", N: 1024, R: 8, P: 1, KeyLen: 64}

	huge := v
	huge.Params = model.ScryptParams{Algorithm: "scrypt", N: 1 << 30, R: 8, P: 1, KeyLen: 32}

	tests := []struct {
		name string
		v    model.PinVerifier
	}{
		{"flipped hash", flipped},
		{"other salt", otherSalt},
		{"not base64", model.PinVerifier{Hash: "%%%", Salt: v.Salt, Params: v.Params}},
		{"empty", model.PinVerifier{}},
		{"unknown algorithm", wrongAlg},
		{"key length mismatch", wrongKeyLen},
		{"cost above limit", huge},
		{"nil params", model.PinVerifier{Hash: v.Hash, Salt: v.Salt}},
		{"garbage legacy", model.PinVerifier{Hash: v.Hash, Salt: v.Salt, Params: model.LegacyPinParams("fast")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, h.Verify(ctx, "482913", tt.v))
		})
	}
}

func TestPinHasher_LegacyParams(t *testing.T) {
	h := testPinHasher()
	salt := []byte("legacysalt123456")

	key64, err := scrypt.Key([]byte("482913"), salt, 1024, 8, 1, 64)
	require.NoError(t, err)
	key32, err := scrypt.Key([]byte("482913"), salt, 2048, 4, 1, 32)
	require.NoError(t, err)

	enc := base64.StdEncoding.EncodeToString

	t.Run("three fields defaults to 64 byte key", func(t *testing.T) {
		v := model.PinVerifier{Hash: enc(key64), Salt: enc(salt), Params: model.LegacyPinParams("1024:8:1")}
		assert.True(t, h.Verify(context.Background(), "482913", v))
		assert.False(t, h.Verify(context.Background(), "482914", v))
	})

	t.Run("four fields", func(t *testing.T) {
		v := model.PinVerifier{Hash: enc(key32), Salt: enc(salt), Params: model.LegacyPinParams("2048:4:1:32")}
		assert.True(t, h.Verify(context.Background(), "482913", v))
	})

	t.Run("three fields with short key fails", func(t *testing.T) {
		v := model.PinVerifier{Hash: enc(key32), Salt: enc(salt), Params: model.LegacyPinParams("2048:4:1")}
		assert.False(t, h.Verify(context.Background(), "482913", v))
	})

	t.Run("decoded from column", func(t *testing.T) {
		params, err := model.DecodePinParams([]byte(`"1024:8:1:64"`))
		require.NoError(t, err)
		v := model.PinVerifier{Hash: enc(key64), Salt: enc(salt), Params: params}
		assert.True(t, h.Verify(context.Background(), "482913", v))
	})
}

func TestPinHasher_CancelledContext(t *testing.T) {
	h := NewPinHasher(config.PINConfig{ScryptN: 1024, ScryptR: 8, ScryptP: 1, ScryptKeyLen: 32, MaxConcurrentHashes: 1})
	v, err := h.Hash(context.Background(), "482913")
	require.NoError(t, err)

	// Hold the only slot so Verify has to wait on ctx.
	require.NoError(t, h.sem.Acquire(context.Background(), 1))
	defer h.sem.Release(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, h.Verify(ctx, "482913", v))

	_, err = h.Hash(ctx, "482913")
	assert.ErrorIs(t, err, context.Canceled)
}
