package discovery

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestObserveRecordsPeerAndSignalsChannel(t *testing.T) {
	s := NewService("local", "alice", "127.0.0.1:9000", zap.NewNop())

	s.observe(Peer{PeerID: "p1", Addr: "127.0.0.1:9001", Username: "bob", LastSeen: time.Now()})

	select {
	case p := <-s.Peers():
		if p.PeerID != "p1" {
			t.Fatalf("expected p1, got %s", p.PeerID)
		}
	case <-time.After(time.Second):
		t.Fatal("expected discovered peer on channel")
	}

	all := s.AllPeers()
	if len(all) != 1 || all[0].PeerID != "p1" {
		t.Fatalf("unexpected peer set: %+v", all)
	}
}

func TestAddManualInjectsPeer(t *testing.T) {
	s := NewService("local", "alice", "127.0.0.1:9000", zap.NewNop())
	s.AddManual(Peer{PeerID: "manual1", Addr: "10.0.0.5:9000", Username: "carol"})
	if !containsPeerID(s.AllPeers(), "manual1") {
		t.Fatal("expected manually added peer present")
	}
}

func TestRemovePeer(t *testing.T) {
	s := NewService("local", "alice", "127.0.0.1:9000", zap.NewNop())
	s.AddManual(Peer{PeerID: "p1"})
	s.RemovePeer("p1")
	if containsPeerID(s.AllPeers(), "p1") {
		t.Fatal("expected peer removed")
	}
}

func TestAgeOutDropsStalePeers(t *testing.T) {
	s := NewService("local", "alice", "127.0.0.1:9000", zap.NewNop())
	s.mu.Lock()
	s.peers["stale"] = Peer{PeerID: "stale", LastSeen: time.Now().Add(-MaxAge - time.Second)}
	s.peers["fresh"] = Peer{PeerID: "fresh", LastSeen: time.Now()}
	s.mu.Unlock()

	s.ageOut()

	all := s.AllPeers()
	if containsPeerID(all, "stale") {
		t.Fatal("expected stale peer aged out")
	}
	if !containsPeerID(all, "fresh") {
		t.Fatal("expected fresh peer retained")
	}
}

func TestQueryBootstrapRoundTrip(t *testing.T) {
	responder, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer responder.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, maxDatagram)
		responder.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, from, err := responder.ReadFromUDP(buf)
		if err != nil {
			t.Errorf("responder read: %v", err)
			return
		}
		var req discoveryMessage
		if err := json.Unmarshal(buf[:n], &req); err != nil || req.Kind != kindPeerRequest {
			t.Errorf("unexpected request: %v %s", err, string(buf[:n]))
			return
		}
		payload, _ := json.Marshal(peerResponsePayload{Peers: []Peer{{PeerID: "remote1", Addr: "1.2.3.4:9000"}}})
		resp := discoveryMessage{Kind: kindPeerResponse, PeerID: "responder", Payload: payload}
		data, _ := json.Marshal(resp)
		responder.WriteToUDP(data, from)
	}()

	s := NewService("local", "alice", "127.0.0.1:9000", zap.NewNop())
	if err := s.QueryBootstrap(responder.LocalAddr().String()); err != nil {
		t.Fatalf("query bootstrap: %v", err)
	}
	<-done

	if !containsPeerID(s.AllPeers(), "remote1") {
		t.Fatal("expected remote1 merged from bootstrap response")
	}
}

func containsPeerID(peers []Peer, id string) bool {
	for _, p := range peers {
		if p.PeerID == id {
			return true
		}
	}
	return false
}
