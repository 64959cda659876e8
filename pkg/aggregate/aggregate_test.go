package aggregate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tuneinsight/lattigo/v5/core/rlwe"

	"github.com/opaque/encindex/pkg/codec"
	"github.com/opaque/encindex/pkg/crypto"
)

type fixture struct {
	full  *codec.Codec
	sum   *HomomorphicSum
	cells map[float64][]byte
}

func newFixture(t *testing.T, values ...float64) *fixture {
	t.Helper()
	ctx, err := crypto.Generate(crypto.PresetTest)
	require.NoError(t, err)

	f := &fixture{
		full:  codec.New(ctx),
		sum:   NewHomomorphicSum(ctx),
		cells: make(map[float64][]byte),
	}
	for _, v := range values {
		data, err := f.full.EncryptValue(v)
		require.NoError(t, err)
		f.cells[v] = data
	}
	return f
}

func (f *fixture) decrypt(t *testing.T, data []byte) float64 {
	t.Helper()
	v, err := f.full.DecryptValue(data)
	require.NoError(t, err)
	return v
}

func TestFold_Sum(t *testing.T) {
	f := newFixture(t, 1, 2, 3)

	out, err := Fold(f.sum, f.cells[1], f.cells[2], f.cells[3])
	require.NoError(t, err)
	assert.InDelta(t, 6.0, f.decrypt(t, out), 0.1)
}

func TestFold_OrderIndependent(t *testing.T) {
	f := newFixture(t, 1, 2, 3)

	a, err := Fold(f.sum, f.cells[1], f.cells[2], f.cells[3])
	require.NoError(t, err)
	b, err := Fold(f.sum, f.cells[3], f.cells[1], f.cells[2])
	require.NoError(t, err)

	assert.InDelta(t, f.decrypt(t, a), f.decrypt(t, b), 1e-3)
}

func TestFold_EmptyGroup(t *testing.T) {
	f := newFixture(t)

	out, err := Fold(f.sum)
	require.NoError(t, err)
	assert.Nil(t, out)

	out, err = Fold(f.sum, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, out, "only NULLs must aggregate to NULL, not zero")
}

func TestStep_Identity(t *testing.T) {
	f := newFixture(t, 41)

	acc, err := f.sum.Step(nil, f.cells[41])
	require.NoError(t, err)

	out, err := f.sum.Finalize(acc)
	require.NoError(t, err)
	assert.Equal(t, f.cells[41], out, "single value must pass through unchanged")
}

func TestFold_SkipsNull(t *testing.T) {
	f := newFixture(t, 880, 1262)

	out, err := Fold(f.sum, f.cells[880], nil, f.cells[1262])
	require.NoError(t, err)
	assert.InDelta(t, 2142.0, f.decrypt(t, out), 0.1)
}

func TestStep_MalformedPropagates(t *testing.T) {
	f := newFixture(t, 1)

	acc, err := f.sum.Step(nil, f.cells[1])
	require.NoError(t, err)

	_, err = f.sum.Step(acc, []byte("not a ciphertext"))
	assert.ErrorIs(t, err, crypto.ErrMalformedCiphertext)

	_, err = Fold(f.sum, f.cells[1], []byte{0x01})
	assert.ErrorIs(t, err, crypto.ErrMalformedCiphertext)
}

func TestStep_OtherParameters(t *testing.T) {
	f := newFixture(t, 1)

	other, err := crypto.Generate(crypto.PresetPN12)
	require.NoError(t, err)
	foreign, err := codec.New(other).EncryptValue(1)
	require.NoError(t, err)

	_, err = Fold(f.sum, f.cells[1], foreign)
	assert.ErrorIs(t, err, crypto.ErrMalformedCiphertext)
}

// atLevelZero re-encodes data with every modulus above the first dropped.
func atLevelZero(t *testing.T, c *codec.Codec, data []byte) []byte {
	t.Helper()
	ct, err := c.Decode(data)
	require.NoError(t, err)
	body, err := ct.MarshalBinary()
	require.NoError(t, err)

	params := c.Context().Params()
	raw := rlwe.NewCiphertext(params, 1, params.MaxLevel())
	require.NoError(t, raw.UnmarshalBinary(body))
	raw.Resize(raw.Degree(), 0)
	body, err = raw.MarshalBinary()
	require.NoError(t, err)

	low, err := c.Context().ParseCiphertext(body)
	require.NoError(t, err)
	require.Zero(t, low.Level())
	out, err := c.Encode(low)
	require.NoError(t, err)
	return out
}

func TestStep_LevelMismatch(t *testing.T) {
	f := newFixture(t, 1, 2)
	low := atLevelZero(t, f.full, f.cells[2])

	_, err := Fold(f.sum, f.cells[1], low)
	assert.ErrorIs(t, err, crypto.ErrSchemeMismatch)
	assert.ErrorContains(t, err, "level")

	// A lone lowered value is still a valid group.
	out, err := Fold(f.sum, low)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, f.decrypt(t, out), 0.1)
}

func TestHomomorphicSum_NeverHoldsSecretKey(t *testing.T) {
	f := newFixture(t)
	assert.False(t, f.sum.codec.Context().HasSecretKey())
}
