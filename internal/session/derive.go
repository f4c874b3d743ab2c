package session

import "github.com/pivaldi/dpqmesh/internal/pqcrypto"

// keyContext is the KDF context string mixed into every derived session
// key. spec.md's literal "session-key-context" is used here rather than
// the Rust original's "dpq-chat-session-key" — see DESIGN.md Open
// Question OQ-2.
const keyContext = "session-key-context"

// DeriveKey turns a raw Kyber shared secret into the 32-byte AES key both
// handshake participants install.
func DeriveKey(sharedSecret []byte) [32]byte {
	return pqcrypto.DeriveSessionKey(sharedSecret, keyContext)
}
