// Package pqcrypto wraps the post-quantum primitives used for long-lived
// identity signing (CRYSTALS-Dilithium2) and ephemeral key encapsulation
// (CRYSTALS-Kyber768), plus the symmetric AEAD and KDF helpers layered on
// top of the derived shared secret.
package pqcrypto

import (
	"crypto/rand"
	"fmt"

	"github.com/cloudflare/circl/sign/dilithium/mode2"
)

// GenerateIdentityKeyPair creates a fresh Dilithium2 keypair for a long-lived
// signing identity.
func GenerateIdentityKeyPair() (publicKey, secretKey []byte, err error) {
	pub, sec, err := mode2.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("pqcrypto: generate dilithium key: %w", err)
	}
	return pub.Bytes(), sec.Bytes(), nil
}

// Sign signs msg with a Dilithium2 secret key encoded the way
// GenerateIdentityKeyPair returns it.
func Sign(secretKey, msg []byte) ([]byte, error) {
	if len(secretKey) != mode2.PrivateKeySize {
		return nil, fmt.Errorf("pqcrypto: invalid dilithium secret key size %d", len(secretKey))
	}
	var priv mode2.PrivateKey
	var buf [mode2.PrivateKeySize]byte
	copy(buf[:], secretKey)
	priv.Unpack(&buf)

	sig := make([]byte, mode2.SignatureSize)
	mode2.SignTo(&priv, msg, sig)
	return sig, nil
}

// Verify reports whether sig is a valid Dilithium2 signature over msg under
// publicKey.
func Verify(publicKey, msg, sig []byte) bool {
	if len(publicKey) != mode2.PublicKeySize || len(sig) != mode2.SignatureSize {
		return false
	}
	var pub mode2.PublicKey
	var buf [mode2.PublicKeySize]byte
	copy(buf[:], publicKey)
	pub.Unpack(&buf)

	return mode2.Verify(&pub, msg, sig)
}
