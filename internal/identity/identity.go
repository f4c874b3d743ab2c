// Package identity manages the long-lived Dilithium signing identity: key
// generation, fingerprinting, and password-based wrapping of the secret key
// at rest. Identity-vault file I/O lives alongside it for the CLI's
// generate/unlock commands, but the core handshake and session code never
// reads a vault file directly — it only ever consumes already-decrypted key
// material (KeyPair), matching the distilled spec's "core consumes only
// loaded identity material" boundary.
package identity

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"

	"github.com/pivaldi/dpqmesh/internal/pqcrypto"
)

// Algorithm identifies the signing scheme recorded in a vault file.
const Algorithm = "dilithium2"

// ErrBadPassword is returned by DecryptSecret when the password does not
// match the one the secret was encrypted with, or the blob is corrupt.
var ErrBadPassword = errors.New("identity: bad password or corrupt secret")

// KeyPair is an in-memory, already-decrypted identity keypair.
type KeyPair struct {
	PublicKey   []byte
	SecretKey   []byte
	Fingerprint string
}

// Generate creates a fresh Dilithium2 identity keypair.
func Generate() (*KeyPair, error) {
	pub, sec, err := pqcrypto.GenerateIdentityKeyPair()
	if err != nil {
		return nil, fmt.Errorf("identity: generate: %w", err)
	}
	return &KeyPair{
		PublicKey:   pub,
		SecretKey:   sec,
		Fingerprint: pqcrypto.Fingerprint(pub),
	}, nil
}

// Fingerprint recomputes the colon-separated fingerprint of a public key.
func Fingerprint(publicKey []byte) string {
	return pqcrypto.Fingerprint(publicKey)
}

const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	argonKeyLen  = 32
	saltSize     = 16
)

// EncryptSecret wraps secret for at-rest storage: an Argon2id hash of
// password with a fresh salt supplies the AES-256 key, and the secret is
// AES-256-GCM sealed under a fresh nonce. The blob layout is
// b64(salt)|b64(nonce)|b64(ciphertext), three parts joined by the ASCII
// separator "|", matching the vault format in Section 4.1.
func EncryptSecret(secret []byte, password string) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("identity: salt: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	sealed, err := pqcrypto.SealAESGCM(key, secret)
	if err != nil {
		return nil, fmt.Errorf("identity: seal secret: %w", err)
	}
	nonce, ciphertext := sealed[:pqcrypto.NonceSize], sealed[pqcrypto.NonceSize:]

	combined := strings.Join([]string{
		b64encode(salt),
		b64encode(nonce),
		b64encode(ciphertext),
	}, "|")
	return []byte(combined), nil
}

// DecryptSecret reverses EncryptSecret. Any failure — wrong password,
// truncated blob, tampered ciphertext — is reported as ErrBadPassword so
// callers cannot distinguish "wrong password" from "corrupted file", which
// would otherwise leak information useful to an attacker.
func DecryptSecret(blob []byte, password string) ([]byte, error) {
	parts := strings.SplitN(string(blob), "|", 3)
	if len(parts) != 3 {
		return nil, ErrBadPassword
	}

	salt, err := b64decode(parts[0])
	if err != nil {
		return nil, ErrBadPassword
	}
	nonce, err := b64decode(parts[1])
	if err != nil {
		return nil, ErrBadPassword
	}
	ciphertext, err := b64decode(parts[2])
	if err != nil {
		return nil, ErrBadPassword
	}

	key := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	sealed := append(append([]byte(nil), nonce...), ciphertext...)
	secret, err := pqcrypto.OpenAESGCM(key, sealed)
	if err != nil {
		return nil, ErrBadPassword
	}
	return secret, nil
}

// validExpiry checks Section 3's invariant that, if set, ExpiresAt must be
// strictly after CreatedAt.
func validExpiry(createdAt time.Time, expiresAt *time.Time) bool {
	return expiresAt == nil || expiresAt.After(createdAt)
}
