package peer

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pivaldi/dpqmesh/internal/wire"
)

func testManager(t *testing.T, maxConns int) (*Manager, chan InboundMessage, chan string) {
	t.Helper()
	messageTx := make(chan InboundMessage, 16)
	disconnectTx := make(chan string, 16)
	return NewManager(maxConns, messageTx, disconnectTx, zap.NewNop(), nil, nil), messageTx, disconnectTx
}

func TestAddPeerAndBroadcast(t *testing.T) {
	m, messageTx, _ := testManager(t, 10)
	_ = messageTx

	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.AddPeer(ctx, serverSide, wire.PeerInfo{PeerID: "p1", Username: "alice"}, "1"); err != nil {
		t.Fatalf("add peer: %v", err)
	}
	if m.Count() != 1 {
		t.Fatalf("expected 1 connection, got %d", m.Count())
	}
	if !m.Has("p1") {
		t.Fatal("expected Has(p1) true")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		line, err := bufio.NewReader(clientSide).ReadString('\n')
		if err != nil {
			t.Errorf("read: %v", err)
			return
		}
		msg, err := wire.Decode([]byte(line[:len(line)-1]))
		if err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		chat, ok := msg.(wire.ChatMessage)
		if !ok || chat.Content != "hi" {
			t.Errorf("unexpected message: %+v", msg)
		}
	}()

	if err := m.Broadcast(wire.ChatMessage{MessageID: "m1", Content: "hi"}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for broadcast delivery")
	}
}

func TestAddPeerDuplicateIsNoOp(t *testing.T) {
	m, _, _ := testManager(t, 10)
	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	info := wire.PeerInfo{PeerID: "p1", Username: "alice"}
	if err := m.AddPeer(ctx, serverSide, info, "1"); err != nil {
		t.Fatalf("first add: %v", err)
	}
	serverSide2, clientSide2 := net.Pipe()
	defer clientSide2.Close()
	if err := m.AddPeer(ctx, serverSide2, info, "1"); err != nil {
		t.Fatalf("duplicate add should be a no-op, not an error: %v", err)
	}
	if m.Count() != 1 {
		t.Fatalf("expected duplicate add to leave count at 1, got %d", m.Count())
	}
}

func TestAddPeerConnectionLimit(t *testing.T) {
	m, _, _ := testManager(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s1, c1 := net.Pipe()
	defer c1.Close()
	if err := m.AddPeer(ctx, s1, wire.PeerInfo{PeerID: "p1"}, "1"); err != nil {
		t.Fatalf("first add: %v", err)
	}

	s2, c2 := net.Pipe()
	defer c2.Close()
	defer s2.Close()
	if err := m.AddPeer(ctx, s2, wire.PeerInfo{PeerID: "p2"}, "1"); err != ErrConnectionLimit {
		t.Fatalf("expected ErrConnectionLimit, got %v", err)
	}
}

func TestRemovePeer(t *testing.T) {
	m, _, _ := testManager(t, 10)
	s, c := net.Pipe()
	defer c.Close()
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := c.Read(buf); err != nil {
				return
			}
		}
	}()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.AddPeer(ctx, s, wire.PeerInfo{PeerID: "p1"}, "1"); err != nil {
		t.Fatalf("add: %v", err)
	}
	m.RemovePeer("p1", "test")
	if m.Has("p1") {
		t.Fatal("expected peer removed")
	}
}
