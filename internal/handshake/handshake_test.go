package handshake

import (
	"testing"
	"time"

	"github.com/pivaldi/dpqmesh/internal/identity"
	"github.com/pivaldi/dpqmesh/internal/session"
)

func mustIdentity(t *testing.T) *identity.KeyPair {
	t.Helper()
	kp, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	return kp
}

func TestHappyHandshakeFlow(t *testing.T) {
	alice := mustIdentity(t)
	bob := mustIdentity(t)

	aliceSessions := session.NewManager()
	bobSessions := session.NewManager()

	aliceManager := NewManager(alice, "alice", aliceSessions)
	bobManager := NewManager(bob, "bob", bobSessions)

	initFrame, err := aliceManager.Initiate(bob.Fingerprint)
	if err != nil {
		t.Fatalf("alice initiate: %v", err)
	}
	if aliceManager.State(bob.Fingerprint) != StateInitiated {
		t.Fatalf("expected StateInitiated, got %s", aliceManager.State(bob.Fingerprint))
	}

	bobResponse, err := bobManager.Process(initFrame)
	if err != nil {
		t.Fatalf("bob process: %v", err)
	}
	if bobResponse == nil {
		t.Fatal("expected bob to produce a response frame")
	}
	if bobManager.State(alice.Fingerprint) != StateCompleted {
		t.Fatalf("expected bob StateCompleted, got %s", bobManager.State(alice.Fingerprint))
	}

	aliceFinal, err := aliceManager.Process(*bobResponse)
	if err != nil {
		t.Fatalf("alice process response: %v", err)
	}
	if aliceFinal != nil {
		t.Fatal("expected no further response from alice")
	}
	if aliceManager.State(bob.Fingerprint) != StateCompleted {
		t.Fatalf("expected alice StateCompleted, got %s", aliceManager.State(bob.Fingerprint))
	}

	aliceKey, ok := aliceSessions.Get(bob.Fingerprint)
	if !ok {
		t.Fatal("expected alice to have a session with bob")
	}
	bobKey, ok := bobSessions.Get(alice.Fingerprint)
	if !ok {
		t.Fatal("expected bob to have a session with alice")
	}
	if aliceKey.Key != bobKey.Key {
		t.Fatal("expected both sides to derive the same session key")
	}
}

func TestSignatureTamperFailsHandshake(t *testing.T) {
	alice := mustIdentity(t)
	bob := mustIdentity(t)

	aliceManager := NewManager(alice, "alice", session.NewManager())
	bobManager := NewManager(bob, "bob", session.NewManager())

	frame, err := aliceManager.Initiate(bob.Fingerprint)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	frame.Signature[0] ^= 0xFF

	if _, err := bobManager.Process(frame); err == nil {
		t.Fatal("expected tampered signature to fail verification")
	}
	if bobManager.State(alice.Fingerprint) != StateFailed {
		t.Fatalf("expected StateFailed, got %s", bobManager.State(alice.Fingerprint))
	}
}

func TestStaleHandshakeRejected(t *testing.T) {
	alice := mustIdentity(t)
	bob := mustIdentity(t)

	aliceManager := NewManager(alice, "alice", session.NewManager())
	bobManager := NewManager(bob, "bob", session.NewManager())

	frame, err := aliceManager.Initiate(bob.Fingerprint)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	frame.PeerInfo.Timestamp = time.Now().Add(-FreshnessWindow - time.Minute).Unix()

	if _, err := bobManager.Process(frame); err == nil {
		t.Fatal("expected stale timestamp to fail verification")
	}
}

func TestFingerprintMismatchRejected(t *testing.T) {
	alice := mustIdentity(t)
	bob := mustIdentity(t)
	mallory := mustIdentity(t)

	aliceManager := NewManager(alice, "alice", session.NewManager())
	bobManager := NewManager(bob, "bob", session.NewManager())

	frame, err := aliceManager.Initiate(bob.Fingerprint)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	frame.PeerInfo.Fingerprint = mallory.Fingerprint

	if _, err := bobManager.Process(frame); err == nil {
		t.Fatal("expected fingerprint/public-key mismatch to fail verification")
	}
}
