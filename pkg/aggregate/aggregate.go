// Package aggregate implements SUM over encoded ciphertexts without ever
// decrypting them.
package aggregate

import (
	"fmt"

	"github.com/opaque/encindex/pkg/codec"
	"github.com/opaque/encindex/pkg/crypto"
)

// Aggregator folds encoded ciphertexts into an accumulator.
//
// A nil accumulator means no value has been seen yet. Step(nil, b) seeds the
// accumulator with b; Finalize(nil) reports an empty group as nil, which the
// SQL engine turns into NULL.
type Aggregator interface {
	Step(acc *crypto.Ciphertext, next []byte) (*crypto.Ciphertext, error)
	Finalize(acc *crypto.Ciphertext) ([]byte, error)
}

// HomomorphicSum adds ciphertexts under a public-key-only context.
type HomomorphicSum struct {
	codec *codec.Codec
}

// NewHomomorphicSum returns a SUM aggregator. The secret key, if ctx holds
// one, is stripped.
func NewHomomorphicSum(ctx *crypto.Context) *HomomorphicSum {
	return &HomomorphicSum{codec: codec.New(ctx.PublicOnly())}
}

// Step decodes next and adds it to acc. Decode and mismatch errors are
// returned unchanged.
func (h *HomomorphicSum) Step(acc *crypto.Ciphertext, next []byte) (*crypto.Ciphertext, error) {
	ct, err := h.codec.Decode(next)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return ct, nil
	}
	return h.codec.Context().Add(acc, ct)
}

// Finalize encodes the accumulator.
func (h *HomomorphicSum) Finalize(acc *crypto.Ciphertext) ([]byte, error) {
	if acc == nil {
		return nil, nil
	}
	return h.codec.Encode(acc)
}

// Fold runs agg over values and finalizes. Nil entries are skipped.
func Fold(agg Aggregator, values ...[]byte) ([]byte, error) {
	var acc *crypto.Ciphertext
	for i, v := range values {
		if v == nil {
			continue
		}
		next, err := agg.Step(acc, v)
		if err != nil {
			return nil, fmt.Errorf("value %d: %w", i, err)
		}
		acc = next
	}
	return agg.Finalize(acc)
}
