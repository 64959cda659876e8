package crypto

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
)

const tolerance = 1e-3

func newTestContext(t *testing.T) *Context {
	t.Helper()
	ctx, err := Generate(PresetTest)
	if err != nil {
		t.Fatalf("failed to generate context: %v", err)
	}
	return ctx
}

func TestEncryptDecrypt(t *testing.T) {
	ctx := newTestContext(t)

	for _, v := range []float64{0, 1.5, -122.23, 8.3252, 452600} {
		ct, err := ctx.Encrypt(v)
		if err != nil {
			t.Fatalf("failed to encrypt %v: %v", v, err)
		}
		got, err := ctx.Decrypt(ct)
		if err != nil {
			t.Fatalf("failed to decrypt: %v", err)
		}
		if math.Abs(got-v) > tolerance {
			t.Errorf("decrypt(encrypt(%v)) = %v", v, got)
		}
	}
}

func TestAdd(t *testing.T) {
	ctx := newTestContext(t)

	a, _ := ctx.Encrypt(2.5)
	b, _ := ctx.Encrypt(-1.25)

	sum, err := ctx.Add(a, b)
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	got, err := ctx.Decrypt(sum)
	if err != nil {
		t.Fatalf("failed to decrypt: %v", err)
	}
	if math.Abs(got-1.25) > tolerance {
		t.Errorf("2.5 + -1.25 = %v", got)
	}

	// Operands are untouched.
	if v, _ := ctx.Decrypt(a); math.Abs(v-2.5) > tolerance {
		t.Errorf("left operand changed to %v", v)
	}
}

func TestAdd_SchemeMismatch(t *testing.T) {
	ctx := newTestContext(t)
	other, err := Generate(PresetPN12)
	if err != nil {
		t.Fatalf("failed to generate pn12 context: %v", err)
	}

	a, _ := ctx.Encrypt(1)
	b, _ := other.Encrypt(1)

	if _, err := ctx.Add(a, b); !errors.Is(err, ErrSchemeMismatch) {
		t.Errorf("expected ErrSchemeMismatch, got %v", err)
	}
	if _, err := ctx.Decrypt(b); !errors.Is(err, ErrSchemeMismatch) {
		t.Errorf("expected ErrSchemeMismatch on decrypt, got %v", err)
	}
	if _, err := ctx.Add(a, nil); !errors.Is(err, ErrMalformedCiphertext) {
		t.Errorf("expected ErrMalformedCiphertext for nil operand, got %v", err)
	}
}

func TestPublicOnly(t *testing.T) {
	ctx := newTestContext(t)
	pub := ctx.PublicOnly()

	if pub == nil {
		t.Fatal("PublicOnly returned nil")
	}
	if pub.PublicOnly() != pub {
		t.Error("PublicOnly of a public context should return it unchanged")
	}
	if pub.HasSecretKey() {
		t.Fatal("public context should not hold the secret key")
	}
	if pub.Fingerprint() != ctx.Fingerprint() {
		t.Error("public context fingerprint differs")
	}

	ct, err := pub.Encrypt(3)
	if err != nil {
		t.Fatalf("public context failed to encrypt: %v", err)
	}
	if _, err := pub.Decrypt(ct); !errors.Is(err, ErrMissingKeyMaterial) {
		t.Errorf("expected ErrMissingKeyMaterial, got %v", err)
	}

	// The full context decrypts what the public one produced.
	got, err := ctx.Decrypt(ct)
	if err != nil {
		t.Fatalf("failed to decrypt: %v", err)
	}
	if math.Abs(got-3) > tolerance {
		t.Errorf("got %v, want 3", got)
	}
}

func TestCiphertextMarshalParse(t *testing.T) {
	ctx := newTestContext(t)

	ct, _ := ctx.Encrypt(42)
	body, err := ct.MarshalBinary()
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	parsed, err := ctx.ParseCiphertext(body)
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if !parsed.Equal(ct) {
		t.Error("parsed ciphertext differs from original")
	}

	t.Logf("Ciphertext size: %d bytes", len(body))
}

func TestParseCiphertext_Malformed(t *testing.T) {
	ctx := newTestContext(t)
	ct, _ := ctx.Encrypt(1)
	body, _ := ct.MarshalBinary()

	cases := map[string][]byte{
		"empty":     nil,
		"truncated": body[:len(body)/2],
		"garbage":   []byte("definitely not a ciphertext"),
	}
	for name, data := range cases {
		if _, err := ctx.ParseCiphertext(data); !errors.Is(err, ErrMalformedCiphertext) {
			t.Errorf("%s: expected ErrMalformedCiphertext, got %v", name, err)
		}
	}
}

func TestSaveLoad(t *testing.T) {
	ctx := newTestContext(t)
	files := DefaultFiles(t.TempDir())

	if err := ctx.Save(files, ""); err != nil {
		t.Fatalf("failed to save: %v", err)
	}

	info, err := os.Stat(files.SecretKey)
	if err != nil {
		t.Fatalf("secret key not written: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("secret key mode = %o, want 600", perm)
	}

	pub, err := Load(files)
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	if pub.HasSecretKey() {
		t.Error("Load should not read the secret key")
	}
	if pub.Fingerprint() != ctx.Fingerprint() {
		t.Error("fingerprint changed across save/load")
	}

	ct, err := pub.Encrypt(7.25)
	if err != nil {
		t.Fatalf("loaded context failed to encrypt: %v", err)
	}

	full, err := pub.LoadSecretKey(files.SecretKey, "")
	if err != nil {
		t.Fatalf("failed to load secret key: %v", err)
	}
	got, err := full.Decrypt(ct)
	if err != nil {
		t.Fatalf("failed to decrypt: %v", err)
	}
	if math.Abs(got-7.25) > tolerance {
		t.Errorf("got %v, want 7.25", got)
	}
}

func TestSaveLoad_SealedSecretKey(t *testing.T) {
	ctx := newTestContext(t)
	files := DefaultFiles(t.TempDir())

	if err := ctx.Save(files, "hunter2"); err != nil {
		t.Fatalf("failed to save: %v", err)
	}

	if _, err := LoadWithSecretKey(files, ""); !errors.Is(err, ErrMissingKeyMaterial) {
		t.Errorf("expected ErrMissingKeyMaterial without passphrase, got %v", err)
	}
	if _, err := LoadWithSecretKey(files, "wrong"); !errors.Is(err, ErrMissingKeyMaterial) {
		t.Errorf("expected ErrMissingKeyMaterial with wrong passphrase, got %v", err)
	}

	full, err := LoadWithSecretKey(files, "hunter2")
	if err != nil {
		t.Fatalf("failed to load sealed key: %v", err)
	}
	ct, _ := full.Encrypt(-3)
	if got, _ := full.Decrypt(ct); math.Abs(got+3) > tolerance {
		t.Errorf("got %v, want -3", got)
	}
}

func TestLoad_MissingFiles(t *testing.T) {
	dir := t.TempDir()

	if _, err := Load(DefaultFiles(dir)); !errors.Is(err, ErrMissingKeyMaterial) {
		t.Errorf("expected ErrMissingKeyMaterial, got %v", err)
	}

	// Parameters present but public key corrupt.
	ctx := newTestContext(t)
	files := DefaultFiles(dir)
	if err := ctx.Save(files, ""); err != nil {
		t.Fatalf("failed to save: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, PublicKeyFile), []byte("junk"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(files); !errors.Is(err, ErrMissingKeyMaterial) {
		t.Errorf("expected ErrMissingKeyMaterial for corrupt public key, got %v", err)
	}
}

func TestPresets(t *testing.T) {
	for _, p := range Presets() {
		if _, err := NewParameters(p); err != nil {
			t.Errorf("preset %s: %v", p, err)
		}
	}
	if _, err := NewParameters("nope"); err == nil {
		t.Error("expected error for unknown preset")
	}
}
