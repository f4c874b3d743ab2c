package identity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Vault is the on-disk JSON representation of an identity: a username, the
// signing algorithm, a plaintext public key, and a password-encrypted
// secret key, matching identity-gen's Identity record. Keys are stored as
// base64 strings for JSON readability.
type Vault struct {
	Username    string     `json:"username"`
	Algorithm   string     `json:"algorithm"`
	PublicKey   string     `json:"public_key"`
	SecretKey   string     `json:"secret_key"`
	Fingerprint string     `json:"fingerprint"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// NewVault encrypts pair's secret key under password and assembles the
// on-disk record. expiresAt may be nil for a non-expiring identity.
func NewVault(username string, pair *KeyPair, password string, expiresAt *time.Time) (*Vault, error) {
	createdAt := time.Now().UTC()
	if !validExpiry(createdAt, expiresAt) {
		return nil, fmt.Errorf("identity: expires_at must be after created_at")
	}

	encryptedSecret, err := EncryptSecret(pair.SecretKey, password)
	if err != nil {
		return nil, err
	}

	return &Vault{
		Username:    username,
		Algorithm:   Algorithm,
		PublicKey:   b64encode(pair.PublicKey),
		SecretKey:   b64encode(encryptedSecret),
		Fingerprint: pair.Fingerprint,
		CreatedAt:   createdAt,
		ExpiresAt:   expiresAt,
	}, nil
}

// IsExpired reports whether the vault's ExpiresAt has passed.
func (v *Vault) IsExpired() bool {
	return v.ExpiresAt != nil && time.Now().UTC().After(*v.ExpiresAt)
}

// ShortFingerprint returns the first two colon-separated octets of
// Fingerprint, enough for a human to eyeball-verify over a side channel.
func (v *Vault) ShortFingerprint() string {
	segments := strings.Split(v.Fingerprint, ":")
	if len(segments) > 2 {
		segments = segments[:2]
	}
	return strings.Join(segments, ":")
}

// PublicKeyBytes decodes the stored public key.
func (v *Vault) PublicKeyBytes() ([]byte, error) {
	return b64decode(v.PublicKey)
}

// Unlock decrypts the vault's secret key with password, returning the full
// in-memory KeyPair. Fails with ErrBadPassword on a wrong password or a
// corrupt secret-key blob; a public_key or secret_key field that is not
// valid base64 yields a decode error instead. An expired identity is
// rejected before anything is decrypted.
func (v *Vault) Unlock(password string) (*KeyPair, error) {
	if v.IsExpired() {
		return nil, fmt.Errorf("identity: %q has expired", v.Username)
	}

	pub, err := v.PublicKeyBytes()
	if err != nil {
		return nil, fmt.Errorf("identity: decode public key: %w", err)
	}
	encryptedSecret, err := b64decode(v.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("identity: decode secret key: %w", err)
	}

	secret, err := DecryptSecret(encryptedSecret, password)
	if err != nil {
		return nil, err
	}

	return &KeyPair{
		PublicKey:   pub,
		SecretKey:   secret,
		Fingerprint: v.Fingerprint,
	}, nil
}

// Dir returns the default identity storage directory, $HOME/.dpqmesh/identities.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("identity: home dir: %w", err)
	}
	return filepath.Join(home, ".dpqmesh", "identities"), nil
}

// Save writes the vault to <dir>/<username>.identity.json (0600), plus two
// convenience companions: a PEM-framed public key at <username>.pub, and a
// write-only copy of the raw encrypted secret-key blob at <username>.key.
// The .key file is never read back by this package; it exists purely so an
// operator can inspect or back up the wrapped secret outside the JSON
// record.
func (v *Vault) Save(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("identity: mkdir %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("identity: marshal vault: %w", err)
	}
	vaultPath := filepath.Join(dir, v.Username+".identity.json")
	if err := os.WriteFile(vaultPath, data, 0600); err != nil {
		return fmt.Errorf("identity: write vault: %w", err)
	}

	pubPath := filepath.Join(dir, v.Username+".pub")
	pubPEM := "-----BEGIN DILITHIUM2 PUBLIC KEY-----\n" + v.PublicKey + "\n-----END DILITHIUM2 PUBLIC KEY-----\n"
	if err := os.WriteFile(pubPath, []byte(pubPEM), 0644); err != nil {
		return fmt.Errorf("identity: write public key: %w", err)
	}

	keyPath := filepath.Join(dir, v.Username+".key")
	if err := os.WriteFile(keyPath, []byte(v.SecretKey), 0600); err != nil {
		return fmt.Errorf("identity: write secret key: %w", err)
	}

	return nil
}

// Load reads and parses a vault file from an explicit path.
func Load(path string) (*Vault, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("identity: read vault: %w", err)
	}
	var v Vault
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("identity: parse vault: %w", err)
	}
	return &v, nil
}

// LoadUsername loads <dir>/<username>.identity.json.
func LoadUsername(dir, username string) (*Vault, error) {
	return Load(filepath.Join(dir, username+".identity.json"))
}
