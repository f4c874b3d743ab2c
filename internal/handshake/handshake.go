// Package handshake implements the authenticated key-exchange state
// machine layered on top of internal/transport's TLS byte stream: a
// Dilithium-signed Kyber768 exchange that binds a session key to a
// peer's long-lived fingerprint.
package handshake

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/pivaldi/dpqmesh/internal/identity"
	"github.com/pivaldi/dpqmesh/internal/pqcrypto"
	"github.com/pivaldi/dpqmesh/internal/session"
	"github.com/pivaldi/dpqmesh/internal/wire"
)

// ProtocolVersion is stamped into every HandshakeData frame this package
// produces.
const ProtocolVersion = "dpq-chat-v2-kyber"

// FreshnessWindow bounds how old an incoming handshake's timestamp may be.
const FreshnessWindow = 300 * time.Second

// State is a peer fingerprint's position in the handshake state machine.
type State int

const (
	StateInitial State = iota
	StateInitiated
	StateReceived
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StateInitiated:
		return "Initiated"
	case StateReceived:
		return "Received"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// pending tracks the Kyber keypair generated by an initiator while it
// waits for the responder's reply.
type pending struct {
	kyberSecretKey []byte
}

// Manager drives the handshake state machine for every peer this node has
// talked to. It never stores a Dilithium secret key directly — it is
// constructed with an already-unlocked identity.KeyPair, matching the
// core's "consumes only decrypted key material" boundary.
type Manager struct {
	ourIdentity *identity.KeyPair
	ourUsername string

	sessions *session.Manager

	mu      sync.Mutex
	states  map[string]State
	pending map[string]pending
}

// NewManager constructs a handshake manager bound to one already-unlocked
// identity and the session manager it installs completed keys into.
func NewManager(ourIdentity *identity.KeyPair, ourUsername string, sessions *session.Manager) *Manager {
	return &Manager{
		ourIdentity: ourIdentity,
		ourUsername: ourUsername,
		sessions:    sessions,
		states:      make(map[string]State),
		pending:     make(map[string]pending),
	}
}

// State returns the current handshake state for a peer fingerprint,
// StateInitial if no handshake has been attempted.
func (m *Manager) State(peerFingerprint string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[peerFingerprint]; ok {
		return s
	}
	return StateInitial
}

// stateLocked is State without acquiring the lock, for callers that
// already hold it.
func (m *Manager) stateLocked(peerFingerprint string) State {
	if s, ok := m.states[peerFingerprint]; ok {
		return s
	}
	return StateInitial
}

// signedHash computes SHA256(username || fingerprint || publicKey ||
// timestamp || kyberPublicKeyOrCiphertext || kyberTimestamp || role), the
// exact byte layout internal/handshake signs and verifies over, an exact
// port of handshake.rs's create_signature_data.
func signedHash(peerInfo wire.HandshakeIdentity, kx wire.KyberExchange) []byte {
	h := sha256.New()
	h.Write([]byte(peerInfo.Username))
	h.Write([]byte(peerInfo.Fingerprint))
	h.Write(peerInfo.PublicKey)
	var ts [8]byte
	binary.LittleEndian.PutUint64(ts[:], uint64(peerInfo.Timestamp))
	h.Write(ts[:])

	h.Write(kx.PublicKey)
	if len(kx.Ciphertext) > 0 {
		h.Write(kx.Ciphertext)
	}
	var kts [8]byte
	binary.LittleEndian.PutUint64(kts[:], uint64(kx.Timestamp))
	h.Write(kts[:])
	h.Write([]byte(kx.Role))

	return h.Sum(nil)
}

func (m *Manager) ourPeerInfo() wire.HandshakeIdentity {
	return wire.HandshakeIdentity{
		Username:    m.ourUsername,
		Fingerprint: m.ourIdentity.Fingerprint,
		PublicKey:   m.ourIdentity.PublicKey,
		Timestamp:   time.Now().Unix(),
	}
}

// Initiate begins a handshake with peerFingerprint: generates an ephemeral
// Kyber keypair, signs the resulting HandshakeData with our Dilithium
// identity, and transitions the peer to StateInitiated.
func (m *Manager) Initiate(peerFingerprint string) (wire.HandshakeData, error) {
	kyberPub, kyberSec, err := pqcrypto.KyberGenerateKeyPair()
	if err != nil {
		return wire.HandshakeData{}, fmt.Errorf("handshake: generate kyber key: %w", err)
	}

	ourInfo := m.ourPeerInfo()
	kx := wire.KyberExchange{PublicKey: kyberPub, Timestamp: time.Now().Unix(), Role: wire.RoleInitiator}
	sig, err := pqcrypto.Sign(m.ourIdentity.SecretKey, signedHash(ourInfo, kx))
	if err != nil {
		return wire.HandshakeData{}, fmt.Errorf("handshake: sign: %w", err)
	}

	m.mu.Lock()
	m.states[peerFingerprint] = StateInitiated
	m.pending[peerFingerprint] = pending{kyberSecretKey: kyberSec}
	m.mu.Unlock()

	return wire.HandshakeData{
		PeerInfo:        ourInfo,
		KyberExchange:   kx,
		Signature:       sig,
		ProtocolVersion: ProtocolVersion,
	}, nil
}

// verify checks protocol version, freshness, the peer's self-reported
// fingerprint against its embedded public key, and the Dilithium
// signature. Any failure is reported as an error with no fallback path —
// unlike the Rust original, a signature-verification error unconditionally
// fails the handshake rather than falling back to "allowed for backward
// compatibility".
func verify(data wire.HandshakeData) error {
	if data.ProtocolVersion != ProtocolVersion {
		return fmt.Errorf("handshake: unsupported protocol version %q", data.ProtocolVersion)
	}

	age := time.Since(time.Unix(data.PeerInfo.Timestamp, 0))
	if age < 0 {
		age = -age
	}
	if age > FreshnessWindow {
		return fmt.Errorf("handshake: stale timestamp (age %s)", age)
	}

	if identity.Fingerprint(data.PeerInfo.PublicKey) != data.PeerInfo.Fingerprint {
		return fmt.Errorf("handshake: fingerprint does not match embedded public key")
	}

	if len(data.Signature) == 0 {
		return fmt.Errorf("handshake: empty signature")
	}

	h := signedHash(data.PeerInfo, data.KyberExchange)
	if !pqcrypto.Verify(data.PeerInfo.PublicKey, h, data.Signature) {
		return fmt.Errorf("handshake: invalid dilithium signature")
	}

	return nil
}

// Process handles an inbound HandshakeData frame. If we are the
// responder (no prior Initiate call for this fingerprint), it returns a
// non-nil response frame to send back; if we are the initiator completing
// an exchange we started, response is nil. On any verification failure
// the peer's state is set to StateFailed and the error is returned — the
// caller is expected to close the connection.
func (m *Manager) Process(data wire.HandshakeData) (response *wire.HandshakeData, err error) {
	peerFingerprint := data.PeerInfo.Fingerprint

	if err := verify(data); err != nil {
		m.mu.Lock()
		m.states[peerFingerprint] = StateFailed
		delete(m.pending, peerFingerprint)
		m.mu.Unlock()
		return nil, err
	}

	m.mu.Lock()
	wasInitiated := m.stateLocked(peerFingerprint) == StateInitiated
	m.mu.Unlock()

	if wasInitiated {
		return m.complete(peerFingerprint, data)
	}
	return m.respond(peerFingerprint, data)
}

// respond handles a fresh (responder-side) handshake: encapsulate against
// the initiator's Kyber public key, install the session key, and build
// the signed response frame.
func (m *Manager) respond(peerFingerprint string, data wire.HandshakeData) (*wire.HandshakeData, error) {
	sharedSecret, ciphertext, err := pqcrypto.KyberEncapsulate(data.KyberExchange.PublicKey)
	if err != nil {
		m.mu.Lock()
		m.states[peerFingerprint] = StateFailed
		m.mu.Unlock()
		return nil, fmt.Errorf("handshake: encapsulate: %w", err)
	}

	m.sessions.Add(peerFingerprint, session.DeriveKey(sharedSecret))

	ourInfo := m.ourPeerInfo()
	kx := wire.KyberExchange{Ciphertext: ciphertext, Timestamp: time.Now().Unix(), Role: wire.RoleResponder}
	sig, err := pqcrypto.Sign(m.ourIdentity.SecretKey, signedHash(ourInfo, kx))
	if err != nil {
		m.mu.Lock()
		m.states[peerFingerprint] = StateFailed
		m.mu.Unlock()
		return nil, fmt.Errorf("handshake: sign response: %w", err)
	}

	m.mu.Lock()
	m.states[peerFingerprint] = StateCompleted
	delete(m.pending, peerFingerprint)
	m.mu.Unlock()

	return &wire.HandshakeData{
		PeerInfo:        ourInfo,
		KyberExchange:   kx,
		Signature:       sig,
		ProtocolVersion: ProtocolVersion,
	}, nil
}

// complete finishes an initiator-side handshake using the responder's
// ciphertext and our own pending Kyber secret key.
func (m *Manager) complete(peerFingerprint string, data wire.HandshakeData) (*wire.HandshakeData, error) {
	if data.KyberExchange.Role != wire.RoleResponder || len(data.KyberExchange.Ciphertext) == 0 {
		m.mu.Lock()
		m.states[peerFingerprint] = StateFailed
		m.mu.Unlock()
		return nil, fmt.Errorf("handshake: expected responder ciphertext, got role %q", data.KyberExchange.Role)
	}

	m.mu.Lock()
	p, ok := m.pending[peerFingerprint]
	if !ok {
		m.states[peerFingerprint] = StateFailed
		m.mu.Unlock()
		return nil, fmt.Errorf("handshake: no pending kyber key for %s", peerFingerprint)
	}
	m.mu.Unlock()

	sharedSecret, err := pqcrypto.KyberDecapsulate(p.kyberSecretKey, data.KyberExchange.Ciphertext)
	if err != nil {
		m.mu.Lock()
		m.states[peerFingerprint] = StateFailed
		m.mu.Unlock()
		return nil, fmt.Errorf("handshake: decapsulate: %w", err)
	}

	m.sessions.Add(peerFingerprint, session.DeriveKey(sharedSecret))

	m.mu.Lock()
	m.states[peerFingerprint] = StateCompleted
	delete(m.pending, peerFingerprint)
	m.mu.Unlock()

	return nil, nil
}

// Cleanup drops state for peers whose handshake has finished, one way or
// the other, matching handshake.rs's cleanup (which retains only
// in-progress entries).
func (m *Manager) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for fp, s := range m.states {
		if s == StateCompleted || s == StateFailed {
			delete(m.states, fp)
		}
	}
}
