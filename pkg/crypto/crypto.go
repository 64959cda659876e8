// Package crypto provides the CKKS context used to encrypt, add and decrypt
// scalar values stored in encrypted columns.
//
// A Context is built once (Generate or Load) and shared by pointer with every
// component that needs it. A context loaded without the secret key can encrypt
// and add ciphertexts but can never decrypt them; the aggregation path only
// ever receives such a context.
package crypto

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tuneinsight/lattigo/v5/core/rlwe"
	"github.com/tuneinsight/lattigo/v5/he/hefloat"
	"github.com/zeebo/blake3"
)

var (
	// ErrMalformedCiphertext is returned for ciphertext bytes that cannot be
	// decoded or were produced under a different parameter set.
	ErrMalformedCiphertext = errors.New("malformed ciphertext")

	// ErrSchemeMismatch is returned when two ciphertexts with incompatible
	// parameters are combined.
	ErrSchemeMismatch = errors.New("ciphertext scheme mismatch")

	// ErrMissingKeyMaterial is returned when a context, public key or secret
	// key needed for an operation is absent or unreadable.
	ErrMissingKeyMaterial = errors.New("missing key material")
)

// Fingerprint identifies a parameter set. It is the BLAKE3 digest of the
// binary-marshalled parameters.
type Fingerprint [32]byte

// String returns the first 8 bytes as hex.
func (f Fingerprint) String() string {
	return fmt.Sprintf("%x", f[:8])
}

// Context holds scheme parameters and key material.
type Context struct {
	params      hefloat.Parameters
	fingerprint Fingerprint

	encoder   *hefloat.Encoder
	evaluator *hefloat.Evaluator

	publicKey *rlwe.PublicKey
	encryptor *rlwe.Encryptor

	// Only set when the secret key was loaded.
	secretKey *rlwe.SecretKey
	decryptor *rlwe.Decryptor

	// Lattigo encoders and evaluators keep internal buffers and are not
	// safe for concurrent use.
	mu sync.Mutex
}

// Generate creates a fresh key pair for the given preset.
func Generate(p Preset) (*Context, error) {
	params, err := NewParameters(p)
	if err != nil {
		return nil, err
	}

	kgen := rlwe.NewKeyGenerator(params)
	sk, pk := kgen.GenKeyPairNew()

	return NewContext(params, pk, sk)
}

// NewContext assembles a context from existing key material. sk may be nil,
// in which case Decrypt fails with ErrMissingKeyMaterial. pk may be nil for a
// decrypt-only context, in which case Encrypt fails the same way.
func NewContext(params hefloat.Parameters, pk *rlwe.PublicKey, sk *rlwe.SecretKey) (*Context, error) {
	fp, err := fingerprintOf(params)
	if err != nil {
		return nil, err
	}
	return newContext(params, fp, pk, sk), nil
}

func newContext(params hefloat.Parameters, fp Fingerprint, pk *rlwe.PublicKey, sk *rlwe.SecretKey) *Context {
	c := &Context{
		params:      params,
		fingerprint: fp,
		encoder:     hefloat.NewEncoder(params),
		evaluator:   hefloat.NewEvaluator(params, nil),
		publicKey:   pk,
		secretKey:   sk,
	}
	if pk != nil {
		c.encryptor = rlwe.NewEncryptor(params, pk)
	}
	if sk != nil {
		c.decryptor = rlwe.NewDecryptor(params, sk)
	}
	return c
}

func fingerprintOf(params hefloat.Parameters) (Fingerprint, error) {
	data, err := params.MarshalBinary()
	if err != nil {
		return Fingerprint{}, fmt.Errorf("failed to marshal parameters: %w", err)
	}
	return Fingerprint(blake3.Sum256(data)), nil
}

// Params returns the CKKS parameters.
func (c *Context) Params() hefloat.Parameters {
	return c.params
}

// Fingerprint returns the parameter fingerprint embedded in every encoded
// ciphertext of this context.
func (c *Context) Fingerprint() Fingerprint {
	return c.fingerprint
}

// HasSecretKey reports whether Decrypt is available.
func (c *Context) HasSecretKey() bool {
	return c.secretKey != nil
}

// PublicOnly returns a context sharing parameters and public key but without
// the secret key.
func (c *Context) PublicOnly() *Context {
	if c.secretKey == nil {
		return c
	}
	return newContext(c.params, c.fingerprint, c.publicKey, nil)
}

// Encrypt encrypts a single scalar at the maximum level.
func (c *Context) Encrypt(v float64) (*Ciphertext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.encryptor == nil {
		return nil, fmt.Errorf("encrypt: public key not loaded: %w", ErrMissingKeyMaterial)
	}

	pt := hefloat.NewPlaintext(c.params, c.params.MaxLevel())
	if err := c.encoder.Encode([]float64{v}, pt); err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}

	ct, err := c.encryptor.EncryptNew(pt)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt: %w", err)
	}

	return &Ciphertext{fingerprint: c.fingerprint, ct: ct}, nil
}

// Decrypt returns the scalar held in the first slot of ct.
func (c *Context) Decrypt(ct *Ciphertext) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.decryptor == nil {
		return 0, fmt.Errorf("decrypt: secret key not loaded: %w", ErrMissingKeyMaterial)
	}
	if ct == nil {
		return 0, fmt.Errorf("decrypt: nil ciphertext: %w", ErrMalformedCiphertext)
	}
	if ct.fingerprint != c.fingerprint {
		return 0, fmt.Errorf("decrypt: ciphertext from parameters %s, context is %s: %w",
			ct.fingerprint, c.fingerprint, ErrSchemeMismatch)
	}

	pt := c.decryptor.DecryptNew(ct.ct)

	decoded := make([]float64, 1)
	if err := c.encoder.Decode(pt, decoded); err != nil {
		return 0, fmt.Errorf("failed to decode: %w", err)
	}
	return decoded[0], nil
}

// Add returns a + b as a new ciphertext. Neither operand is modified.
func (c *Context) Add(a, b *Ciphertext) (*Ciphertext, error) {
	if err := c.Compatible(a, b); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	sum, err := c.evaluator.AddNew(a.ct, b.ct)
	if err != nil {
		return nil, fmt.Errorf("failed to add: %w", err)
	}
	return &Ciphertext{fingerprint: c.fingerprint, ct: sum}, nil
}

// Compatible checks that a and b can be added under this context.
func (c *Context) Compatible(a, b *Ciphertext) error {
	if a == nil || b == nil {
		return fmt.Errorf("nil ciphertext operand: %w", ErrMalformedCiphertext)
	}
	if a.fingerprint != c.fingerprint || b.fingerprint != c.fingerprint {
		return fmt.Errorf("parameters %s and %s, context is %s: %w",
			a.fingerprint, b.fingerprint, c.fingerprint, ErrSchemeMismatch)
	}

	x, y := a.ct, b.ct
	switch {
	case x.Degree() != y.Degree():
		return fmt.Errorf("degree %d vs %d: %w", x.Degree(), y.Degree(), ErrSchemeMismatch)
	case x.Level() != y.Level():
		return fmt.Errorf("level %d vs %d: %w", x.Level(), y.Level(), ErrSchemeMismatch)
	case x.Scale.Cmp(y.Scale) != 0:
		return fmt.Errorf("scale %v vs %v: %w", x.Scale.Float64(), y.Scale.Float64(), ErrSchemeMismatch)
	case x.LogDimensions != y.LogDimensions:
		return fmt.Errorf("slot dimensions %v vs %v: %w", x.LogDimensions, y.LogDimensions, ErrSchemeMismatch)
	case x.IsNTT != y.IsNTT:
		return fmt.Errorf("NTT domain mismatch: %w", ErrSchemeMismatch)
	}
	return nil
}
