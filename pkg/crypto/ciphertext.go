package crypto

import (
	"fmt"

	"github.com/tuneinsight/lattigo/v5/core/rlwe"
)

// Ciphertext is one encrypted scalar together with the fingerprint of the
// parameters it was produced under. Values are never modified in place.
type Ciphertext struct {
	fingerprint Fingerprint
	ct          *rlwe.Ciphertext
}

// Fingerprint returns the parameter fingerprint of the ciphertext.
func (c *Ciphertext) Fingerprint() Fingerprint {
	return c.fingerprint
}

// Level returns the ciphertext level.
func (c *Ciphertext) Level() int {
	return c.ct.Level()
}

// Equal reports whether both ciphertexts hold identical polynomials and
// metadata under the same parameters.
func (c *Ciphertext) Equal(other *Ciphertext) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.fingerprint == other.fingerprint && c.ct.Equal(other.ct)
}

// MarshalBinary serializes the lattigo ciphertext body (no header).
func (c *Ciphertext) MarshalBinary() ([]byte, error) {
	data, err := c.ct.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize ciphertext: %w", err)
	}
	return data, nil
}

// ParseCiphertext deserializes a ciphertext body and checks that it is well
// formed for this context: degree at least one, a level within the modulus
// chain and the context's ring degree.
func (c *Context) ParseCiphertext(body []byte) (ct *Ciphertext, err error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("empty ciphertext body: %w", ErrMalformedCiphertext)
	}

	// lattigo trusts length prefixes in the body; corrupt input can index
	// out of range.
	defer func() {
		if r := recover(); r != nil {
			ct, err = nil, fmt.Errorf("corrupt ciphertext body: %v: %w", r, ErrMalformedCiphertext)
		}
	}()

	raw := rlwe.NewCiphertext(c.params, 1, c.params.MaxLevel())
	if err := raw.UnmarshalBinary(body); err != nil {
		return nil, fmt.Errorf("failed to deserialize ciphertext: %v: %w", err, ErrMalformedCiphertext)
	}

	switch {
	case raw.MetaData == nil:
		return nil, fmt.Errorf("ciphertext has no metadata: %w", ErrMalformedCiphertext)
	case raw.Degree() < 1:
		return nil, fmt.Errorf("ciphertext degree %d: %w", raw.Degree(), ErrMalformedCiphertext)
	case raw.Level() < 0 || raw.Level() > c.params.MaxLevel():
		return nil, fmt.Errorf("ciphertext level %d outside [0, %d]: %w", raw.Level(), c.params.MaxLevel(), ErrMalformedCiphertext)
	case raw.N() != c.params.N():
		return nil, fmt.Errorf("ciphertext ring degree %d, parameters use %d: %w", raw.N(), c.params.N(), ErrMalformedCiphertext)
	}

	return &Ciphertext{fingerprint: c.fingerprint, ct: raw}, nil
}
