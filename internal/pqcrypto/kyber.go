package pqcrypto

import (
	"crypto/rand"
	"fmt"

	"github.com/cloudflare/circl/kem/kyber/kyber768"
)

// KyberGenerateKeyPair creates a fresh Kyber768 keypair for one handshake.
// Kyber keys are ephemeral: a new pair is generated per handshake attempt,
// never persisted.
func KyberGenerateKeyPair() (publicKey, secretKey []byte, err error) {
	pub, sec, err := kyber768.GenerateKeyPair(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("pqcrypto: generate kyber key: %w", err)
	}
	pubBytes := make([]byte, kyber768.PublicKeySize)
	secBytes := make([]byte, kyber768.PrivateKeySize)
	pub.Pack(pubBytes)
	sec.Pack(secBytes)
	return pubBytes, secBytes, nil
}

// KyberEncapsulate runs the responder side of Kyber768: given the
// initiator's public key, it produces a ciphertext to send back and the
// shared secret both sides will derive the session key from.
func KyberEncapsulate(publicKey []byte) (sharedSecret, ciphertext []byte, err error) {
	if len(publicKey) != kyber768.PublicKeySize {
		return nil, nil, fmt.Errorf("pqcrypto: invalid kyber public key size %d", len(publicKey))
	}
	var pub kyber768.PublicKey
	pub.Unpack(publicKey)

	ct := make([]byte, kyber768.CiphertextSize)
	ss := make([]byte, kyber768.SharedKeySize)
	pub.EncapsulateTo(ct, ss, nil)
	return ss, ct, nil
}

// KyberDecapsulate runs the initiator side of Kyber768: given its own
// secret key and the responder's ciphertext, it recovers the shared secret.
func KyberDecapsulate(secretKey, ciphertext []byte) (sharedSecret []byte, err error) {
	if len(secretKey) != kyber768.PrivateKeySize {
		return nil, fmt.Errorf("pqcrypto: invalid kyber secret key size %d", len(secretKey))
	}
	if len(ciphertext) != kyber768.CiphertextSize {
		return nil, fmt.Errorf("pqcrypto: invalid kyber ciphertext size %d", len(ciphertext))
	}
	var sec kyber768.PrivateKey
	sec.Unpack(secretKey)

	ss := make([]byte, kyber768.SharedKeySize)
	sec.DecapsulateTo(ss, ciphertext)
	return ss, nil
}

// KyberPublicKeySize and KyberCiphertextSize let callers validate wire data
// without importing circl directly.
const (
	KyberPublicKeySize = kyber768.PublicKeySize
	KyberCiphertextSize = kyber768.CiphertextSize
)
