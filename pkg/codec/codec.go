// Package codec converts ciphertexts to and from the self-describing byte
// format stored in encrypted BLOB columns.
//
// Layout (version 1):
//
//	"HECT" | version (1 byte) | parameter fingerprint (32 bytes) | ciphertext body
package codec

import (
	"fmt"

	"github.com/opaque/encindex/pkg/crypto"
)

const (
	// Version is the only wire version this package reads and writes.
	Version byte = 1

	// HeaderSize is the number of bytes preceding the ciphertext body.
	HeaderSize = len(magic) + 1 + len(crypto.Fingerprint{})
)

const magic = "HECT"

// Codec binds the wire format to one crypto context.
type Codec struct {
	ctx *crypto.Context
}

// New returns a codec for ciphertexts produced under ctx.
func New(ctx *crypto.Context) *Codec {
	return &Codec{ctx: ctx}
}

// Context returns the crypto context the codec validates against.
func (c *Codec) Context() *crypto.Context {
	return c.ctx
}

// Encode serializes ct. The output is deterministic for a given ciphertext.
func (c *Codec) Encode(ct *crypto.Ciphertext) ([]byte, error) {
	if ct == nil {
		return nil, fmt.Errorf("encode nil ciphertext: %w", crypto.ErrMalformedCiphertext)
	}
	if ct.Fingerprint() != c.ctx.Fingerprint() {
		return nil, fmt.Errorf("encode: ciphertext from parameters %s, codec uses %s: %w",
			ct.Fingerprint(), c.ctx.Fingerprint(), crypto.ErrSchemeMismatch)
	}

	body, err := ct.MarshalBinary()
	if err != nil {
		return nil, err
	}

	fp := ct.Fingerprint()
	out := make([]byte, 0, HeaderSize+len(body))
	out = append(out, magic...)
	out = append(out, Version)
	out = append(out, fp[:]...)
	return append(out, body...), nil
}

// Decode parses data produced by Encode. Every failure wraps
// crypto.ErrMalformedCiphertext.
func (c *Codec) Decode(data []byte) (*crypto.Ciphertext, error) {
	if len(data) <= HeaderSize {
		return nil, fmt.Errorf("ciphertext of %d bytes is shorter than header: %w", len(data), crypto.ErrMalformedCiphertext)
	}
	if string(data[:len(magic)]) != magic {
		return nil, fmt.Errorf("bad magic %q: %w", data[:len(magic)], crypto.ErrMalformedCiphertext)
	}
	if v := data[len(magic)]; v != Version {
		return nil, fmt.Errorf("unsupported ciphertext version %d: %w", v, crypto.ErrMalformedCiphertext)
	}

	var fp crypto.Fingerprint
	copy(fp[:], data[len(magic)+1:HeaderSize])
	if fp != c.ctx.Fingerprint() {
		return nil, fmt.Errorf("ciphertext from parameters %s, codec uses %s: %w",
			fp, c.ctx.Fingerprint(), crypto.ErrMalformedCiphertext)
	}

	return c.ctx.ParseCiphertext(data[HeaderSize:])
}

// EncryptValue encrypts v and encodes the result.
func (c *Codec) EncryptValue(v float64) ([]byte, error) {
	ct, err := c.ctx.Encrypt(v)
	if err != nil {
		return nil, err
	}
	return c.Encode(ct)
}

// DecryptValue decodes and decrypts data. The codec's context must hold the
// secret key.
func (c *Codec) DecryptValue(data []byte) (float64, error) {
	ct, err := c.Decode(data)
	if err != nil {
		return 0, err
	}
	return c.ctx.Decrypt(ct)
}
