package node

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/pivaldi/dpqmesh/internal/config"
	"github.com/pivaldi/dpqmesh/internal/identity"
)

func newTestNode(t *testing.T, username string) (*Node, <-chan Event) {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	cfg := config.Default()
	cfg.Username = username
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.DiscoveryMethods = []string{}

	n, events, err := New(cfg, id, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return n, events
}

func startTestNode(t *testing.T, n *Node) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	if err := n.Start(ctx); err != nil {
		cancel()
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		n.Stop()
		cancel()
	})
	return cancel
}

func waitForEvent[T Event](t *testing.T, events <-chan Event, timeout time.Duration) T {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case e := <-events:
			if v, ok := e.(T); ok {
				return v
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for event of type %T", zero)
			return zero
		}
	}
}

func TestNewRejectsEmptyUsername(t *testing.T) {
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	cfg := config.Default()
	if _, _, err := New(cfg, id, zaptest.NewLogger(t)); err == nil {
		t.Fatal("expected error for empty username")
	}
}

func TestConnectEstablishesAuthenticatedSession(t *testing.T) {
	alice, aliceEvents := newTestNode(t, "alice")
	bob, bobEvents := newTestNode(t, "bob")

	startTestNode(t, alice)
	startTestNode(t, bob)

	peerID, err := alice.Connect(context.Background(), bob.ListenAddr(), bob.Fingerprint())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if peerID == "" {
		t.Fatal("expected non-empty peer id from Connect")
	}

	waitForEvent[PeerConnected](t, bobEvents, 5*time.Second)
	waitForEvent[PeerConnected](t, aliceEvents, 5*time.Second)

	if !alice.sessions.HasSession(bob.Fingerprint()) {
		t.Fatal("expected alice to hold a session keyed by bob's fingerprint")
	}
	if !bob.sessions.HasSession(alice.Fingerprint()) {
		t.Fatal("expected bob to hold a session keyed by alice's fingerprint")
	}
}

func TestSendDirectMessageRoundTrips(t *testing.T) {
	alice, aliceEvents := newTestNode(t, "alice")
	bob, bobEvents := newTestNode(t, "bob")

	startTestNode(t, alice)
	startTestNode(t, bob)

	if _, err := alice.Connect(context.Background(), bob.ListenAddr(), bob.Fingerprint()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	waitForEvent[PeerConnected](t, bobEvents, 5*time.Second)
	waitForEvent[PeerConnected](t, aliceEvents, 5*time.Second)

	if err := alice.SendDirectMessage(bob.Fingerprint(), "hello bob"); err != nil {
		t.Fatalf("SendDirectMessage: %v", err)
	}

	msg := waitForEvent[MessageReceived](t, bobEvents, 5*time.Second)
	if msg.Content != "hello bob" {
		t.Fatalf("expected content %q, got %q", "hello bob", msg.Content)
	}
	if msg.Fingerprint != alice.Fingerprint() {
		t.Fatalf("expected sender fingerprint %s, got %s", alice.Fingerprint(), msg.Fingerprint)
	}
}

func TestSendChatMessageFloodsToConnectedPeers(t *testing.T) {
	alice, _ := newTestNode(t, "alice")
	bob, bobEvents := newTestNode(t, "bob")

	startTestNode(t, alice)
	startTestNode(t, bob)

	if _, err := alice.Connect(context.Background(), bob.ListenAddr(), ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// No handshake was requested, so give the greeting/AddPeer roundtrip a
	// moment to land before broadcasting.
	time.Sleep(100 * time.Millisecond)

	if err := alice.SendChatMessage("hi everyone"); err != nil {
		t.Fatalf("SendChatMessage: %v", err)
	}

	msg := waitForEvent[MessageReceived](t, bobEvents, 5*time.Second)
	if msg.Content != "hi everyone" {
		t.Fatalf("expected content %q, got %q", "hi everyone", msg.Content)
	}
}

func TestStatsReportsConnectedPeers(t *testing.T) {
	alice, _ := newTestNode(t, "alice")
	bob, bobEvents := newTestNode(t, "bob")

	startTestNode(t, alice)
	startTestNode(t, bob)

	if _, err := alice.Connect(context.Background(), bob.ListenAddr(), bob.Fingerprint()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitForEvent[PeerConnected](t, bobEvents, 5*time.Second)

	if got := alice.Stats().ConnectedPeers; got != 1 {
		t.Fatalf("expected 1 connected peer, got %d", got)
	}
}

func TestSendDirectMessageWithoutSessionFails(t *testing.T) {
	alice, _ := newTestNode(t, "alice")
	startTestNode(t, alice)

	if err := alice.SendDirectMessage("nonexistent-fingerprint", "hi"); err == nil {
		t.Fatal("expected error sending to a fingerprint with no session")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	alice, _ := newTestNode(t, "alice")
	startTestNode(t, alice)
	alice.Stop()
	alice.Stop()
}
