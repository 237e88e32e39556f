package vault

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestRecoveryCodeFormat(t *testing.T) {
	code, err := NewRecoveryCode()
	if err != nil {
		t.Fatalf("NewRecoveryCode() error = %v", err)
	}
	groups := strings.Split(code, "-")
	if len(groups) != 8 {
		t.Fatalf("code %q has %d groups, want 8", code, len(groups))
	}
	for _, group := range groups {
		if len(group) != 4 {
			t.Fatalf("group %q in %q has length %d, want 4", group, code, len(group))
		}
	}
	for _, banned := range []string{"I", "L", "O", "U"} {
		if strings.Contains(code, banned) {
			t.Fatalf("code %q contains excluded letter %q", code, banned)
		}
	}
}

func TestNormalizeCodeForgivesTranscription(t *testing.T) {
	// 0/O and 1/I/L confusions plus casing and spacing must not matter.
	if NormalizeCode("a0b1-cd2e") != NormalizeCode("AOBI CD2E") {
		t.Fatal("normalization should equate Crockford aliases")
	}
	if HashCode("ab01-cd2e") != HashCode("AB01CD2E") {
		t.Fatal("hash must be computed over the normalized form")
	}
}

func TestWrapUnwrapPrivateKey(t *testing.T) {
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error = %v", err)
	}
	code, err := NewRecoveryCode()
	if err != nil {
		t.Fatalf("NewRecoveryCode() error = %v", err)
	}
	salt, err := NewSalt()
	if err != nil {
		t.Fatalf("NewSalt() error = %v", err)
	}

	wrapped, err := WrapPrivateKey(&keypair.Private, code, salt)
	if err != nil {
		t.Fatalf("WrapPrivateKey() error = %v", err)
	}
	if bytes.Contains(wrapped, keypair.Private[:]) {
		t.Fatal("wrapped key must not contain the private key in the clear")
	}

	priv, err := UnwrapPrivateKey(wrapped, code, salt)
	if err != nil {
		t.Fatalf("UnwrapPrivateKey() error = %v", err)
	}
	if *priv != keypair.Private {
		t.Fatal("unwrapped key does not match original")
	}
}

func TestUnwrapWithWrongCodeIsDenied(t *testing.T) {
	keypair, _ := GenerateKeypair()
	salt, _ := NewSalt()
	wrapped, err := WrapPrivateKey(&keypair.Private, "AAAA-BBBB-CCCC-DDDD-EEEE-FFFF-GGGG-HHHH", salt)
	if err != nil {
		t.Fatalf("WrapPrivateKey() error = %v", err)
	}
	_, err = UnwrapPrivateKey(wrapped, "AAAA-BBBB-CCCC-DDDD-EEEE-FFFF-GGGG-0000", salt)
	if !errors.Is(err, ErrDenied) {
		t.Fatalf("expected ErrDenied, got %v", err)
	}
	_, err = UnwrapPrivateKey(wrapped[:10], "AAAA-BBBB-CCCC-DDDD-EEEE-FFFF-GGGG-HHHH", salt)
	if !errors.Is(err, ErrDenied) {
		t.Fatalf("expected ErrDenied for truncated wrap, got %v", err)
	}
}

func TestDocumentEnvelopeRoundTrip(t *testing.T) {
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error = %v", err)
	}

	dataKey, err := NewDataKey()
	if err != nil {
		t.Fatalf("NewDataKey() error = %v", err)
	}
	plaintext := []byte("scanned deed, page 1 of 3")

	// Write path: no private material involved.
	ciphertext, err := EncryptBlob(plaintext, dataKey)
	if err != nil {
		t.Fatalf("EncryptBlob() error = %v", err)
	}
	if bytes.Contains(ciphertext, plaintext) {
		t.Fatal("ciphertext leaks plaintext")
	}
	sealedKey, err := SealDataKey(dataKey, &keypair.Public)
	if err != nil {
		t.Fatalf("SealDataKey() error = %v", err)
	}

	// Read path: private key opens the data key, data key opens the blob.
	openedKey, err := OpenDataKey(sealedKey, &keypair.Public, &keypair.Private)
	if err != nil {
		t.Fatalf("OpenDataKey() error = %v", err)
	}
	got, err := DecryptBlob(ciphertext, openedKey)
	if err != nil {
		t.Fatalf("DecryptBlob() error = %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q", got)
	}
}

func TestOpenDataKeyWithWrongKeypairIsDenied(t *testing.T) {
	right, _ := GenerateKeypair()
	wrong, _ := GenerateKeypair()
	dataKey, _ := NewDataKey()

	sealed, err := SealDataKey(dataKey, &right.Public)
	if err != nil {
		t.Fatalf("SealDataKey() error = %v", err)
	}
	if _, err := OpenDataKey(sealed, &wrong.Public, &wrong.Private); !errors.Is(err, ErrDenied) {
		t.Fatalf("expected ErrDenied, got %v", err)
	}
}

func TestDecryptBlobRejectsTampering(t *testing.T) {
	dataKey, _ := NewDataKey()
	ciphertext, err := EncryptBlob([]byte("insurance policy"), dataKey)
	if err != nil {
		t.Fatalf("EncryptBlob() error = %v", err)
	}
	ciphertext[len(ciphertext)-1] ^= 0x01
	if _, err := DecryptBlob(ciphertext, dataKey); !errors.Is(err, ErrDenied) {
		t.Fatalf("expected ErrDenied for tampered blob, got %v", err)
	}
}

func TestFingerprintIsStable(t *testing.T) {
	keypair, _ := GenerateKeypair()
	a := Fingerprint(keypair.Public[:])
	b := Fingerprint(keypair.Public[:])
	if a != b {
		t.Fatal("fingerprint must be deterministic")
	}
	if len(a) != 16 {
		t.Fatalf("fingerprint %q has length %d, want 16 hex chars", a, len(a))
	}
}
