// Package vault implements the encryption scheme for the document
// vault. Every estate gets a curve25519 keypair: uploads seal a random
// data key to the public key (no secret needed on the write path), and
// the private key lives only wrapped under a key derived from the
// estate's recovery code. The server can encrypt on behalf of anyone
// but can decrypt for no one.
package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/box"
)

// ErrDenied covers every unseal failure: unknown code, wrong code,
// corrupted wrap. Callers must not distinguish them.
var ErrDenied = errors.New("vault access denied")

const (
	// KeySize is the size of data keys and of the derived KEK.
	KeySize = chacha20poly1305.KeySize

	codeBytes = 20
	saltSize  = 16

	// argon2id parameters for the code-derived KEK.
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// Crockford base32: no I, L, O, U, so codes survive being read aloud
// or written on paper.
var crockford = base32.NewEncoding("0123456789ABCDEFGHJKMNPQRSTVWXYZ").WithPadding(base32.NoPadding)

type Keypair struct {
	Public  [32]byte
	Private [32]byte
}

func GenerateKeypair() (Keypair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return Keypair{}, fmt.Errorf("generate keypair: %w", err)
	}
	return Keypair{Public: *pub, Private: *priv}, nil
}

// NewRecoveryCode returns a fresh code formatted for humans:
// 20 random bytes as Crockford base32 in eight dash-separated groups.
func NewRecoveryCode() (string, error) {
	raw := make([]byte, codeBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate recovery code: %w", err)
	}
	encoded := crockford.EncodeToString(raw)
	groups := make([]string, 0, len(encoded)/4)
	for i := 0; i < len(encoded); i += 4 {
		groups = append(groups, encoded[i:i+4])
	}
	return strings.Join(groups, "-"), nil
}

// NormalizeCode undoes the damage of transcription: case, separators,
// and the Crockford letter aliases (O for 0, I and L for 1).
func NormalizeCode(code string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(code) {
		switch {
		case r == '-' || r == ' ':
			continue
		case r == 'O':
			b.WriteRune('0')
		case r == 'I' || r == 'L':
			b.WriteRune('1')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// HashCode is the stored digest of a recovery code, used to reject bad
// codes before any KDF work and to record first use.
func HashCode(code string) string {
	sum := sha256.Sum256([]byte(NormalizeCode(code)))
	return hex.EncodeToString(sum[:])
}

// NewSalt returns a fresh KDF salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

func deriveKEK(code string, salt []byte) []byte {
	return argon2.IDKey([]byte(NormalizeCode(code)), salt, argonTime, argonMemory, argonThreads, KeySize)
}

// WrapPrivateKey seals the private key under the recovery code. The
// nonce is prepended to the ciphertext.
func WrapPrivateKey(priv *[32]byte, code string, salt []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(deriveKEK(code, salt))
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, priv[:], nil), nil
}

// UnwrapPrivateKey opens a wrapped private key. Any failure is ErrDenied.
func UnwrapPrivateKey(wrapped []byte, code string, salt []byte) (*[32]byte, error) {
	aead, err := chacha20poly1305.NewX(deriveKEK(code, salt))
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	if len(wrapped) < aead.NonceSize() {
		return nil, ErrDenied
	}
	nonce, ciphertext := wrapped[:aead.NonceSize()], wrapped[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil || len(plain) != 32 {
		return nil, ErrDenied
	}
	var priv [32]byte
	copy(priv[:], plain)
	return &priv, nil
}

// NewDataKey returns a fresh per-document key.
func NewDataKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate data key: %w", err)
	}
	return key, nil
}

// SealDataKey encrypts a data key to the estate public key. Anonymous
// sealing: the upload path holds no sender secret.
func SealDataKey(dataKey []byte, pub *[32]byte) ([]byte, error) {
	sealed, err := box.SealAnonymous(nil, dataKey, pub, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("seal data key: %w", err)
	}
	return sealed, nil
}

// OpenDataKey recovers a data key with the unwrapped private key.
func OpenDataKey(sealed []byte, pub, priv *[32]byte) ([]byte, error) {
	dataKey, ok := box.OpenAnonymous(nil, sealed, pub, priv)
	if !ok {
		return nil, ErrDenied
	}
	return dataKey, nil
}

// EncryptBlob seals document content under its data key, nonce
// prepended. Documents are capped well below memory limits, so whole
// blobs are fine here; only backup archives stream.
func EncryptBlob(plaintext, dataKey []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(dataKey)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func DecryptBlob(ciphertext, dataKey []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(dataKey)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, ErrDenied
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDenied
	}
	return plain, nil
}

// Fingerprint identifies a public key in logs and item rows: the first
// eight bytes of its sha256, hex encoded.
func Fingerprint(pub []byte) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:8])
}
