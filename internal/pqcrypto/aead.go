package pqcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// NonceSize is the AES-GCM nonce length used throughout the core: the
// identity vault and the session codec both use 12-byte random nonces.
const NonceSize = 12

// SealAESGCM encrypts plaintext under key with a fresh random nonce and
// returns nonce||ciphertext, the layout every AEAD wire field in this
// module uses.
func SealAESGCM(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("pqcrypto: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("pqcrypto: gcm: %w", err)
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("pqcrypto: nonce: %w", err)
	}
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	out := make([]byte, 0, len(nonce)+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// OpenAESGCM reverses SealAESGCM, splitting the leading nonce off before
// decrypting.
func OpenAESGCM(key, nonceAndCiphertext []byte) ([]byte, error) {
	if len(nonceAndCiphertext) < NonceSize {
		return nil, fmt.Errorf("pqcrypto: ciphertext shorter than nonce")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("pqcrypto: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("pqcrypto: gcm: %w", err)
	}
	nonce := nonceAndCiphertext[:NonceSize]
	ciphertext := nonceAndCiphertext[NonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("pqcrypto: aead open: %w", err)
	}
	return plaintext, nil
}

// DeriveSessionKey derives the 32-byte symmetric key used by the message
// codec from a raw Kyber shared secret: SHA256(sharedSecret || context).
func DeriveSessionKey(sharedSecret []byte, context string) [32]byte {
	h := sha256.New()
	h.Write(sharedSecret)
	h.Write([]byte(context))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Fingerprint renders the first 6 bytes of SHA-256(publicKey) as
// colon-separated lowercase hex, e.g. "d1:34:fe:77:ab:99".
func Fingerprint(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	parts := make([]string, 6)
	for i := 0; i < 6; i++ {
		parts[i] = hex.EncodeToString(sum[i : i+1])
	}
	return strings.Join(parts, ":")
}
