package router

import (
	"testing"

	"github.com/pivaldi/dpqmesh/internal/wire"
)

func TestProcessChatMessageForwardsAndDelivers(t *testing.T) {
	r := NewRouter("local", "localuser")
	r.Table().AddPeer(wire.PeerInfo{PeerID: "a"})
	r.Table().AddPeer(wire.PeerInfo{PeerID: "b"})
	r.Table().AddPeer(wire.PeerInfo{PeerID: "sender"})

	msg := wire.ChatMessage{MessageID: "m1", SenderID: "sender", Content: "hi", TTL: 3, SeenBy: []string{"sender"}}

	action := r.Process(msg, "a")
	fd, ok := action.(ForwardAndDeliver)
	if !ok {
		t.Fatalf("expected ForwardAndDeliver, got %#v", action)
	}
	if fd.Forward.TTL != 2 {
		t.Fatalf("expected TTL decremented to 2, got %d", fd.Forward.TTL)
	}
	want := []string{"b"}
	if len(fd.ForwardTo) != len(want) || fd.ForwardTo[0] != want[0] {
		t.Fatalf("expected forward to %v, got %v", want, fd.ForwardTo)
	}
	if len(fd.Original.SeenBy) != 2 || fd.Original.SeenBy[1] != "local" {
		t.Fatalf("expected local appended to seen_by, got %v", fd.Original.SeenBy)
	}
}

func TestProcessChatMessageDuplicateDropped(t *testing.T) {
	r := NewRouter("local", "localuser")
	msg := wire.ChatMessage{MessageID: "dup", Content: "hi", TTL: 3, SeenBy: []string{}}

	if _, ok := r.Process(msg, "a").(Drop); ok {
		t.Fatal("first delivery should not be dropped")
	}
	if _, ok := r.Process(msg, "a").(Drop); !ok {
		t.Fatal("expected duplicate message to be dropped")
	}
}

func TestProcessChatMessageZeroTTLDropped(t *testing.T) {
	r := NewRouter("local", "localuser")
	msg := wire.ChatMessage{MessageID: "m2", Content: "hi", TTL: 0, SeenBy: []string{}}
	if _, ok := r.Process(msg, "a").(Drop); !ok {
		t.Fatal("expected zero-TTL message to be dropped")
	}
}

func TestProcessChatMessageAlreadySeenBySelfDropped(t *testing.T) {
	r := NewRouter("local", "localuser")
	msg := wire.ChatMessage{MessageID: "m3", Content: "hi", TTL: 3, SeenBy: []string{"local"}}
	if _, ok := r.Process(msg, "a").(Drop); !ok {
		t.Fatal("expected message already seen by self to be dropped")
	}
}

func TestProcessChatMessageExcludesSenderAndFromPeer(t *testing.T) {
	r := NewRouter("local", "localuser")
	r.Table().AddPeer(wire.PeerInfo{PeerID: "sender"})
	r.Table().AddPeer(wire.PeerInfo{PeerID: "from"})
	r.Table().AddPeer(wire.PeerInfo{PeerID: "other"})

	msg := wire.ChatMessage{MessageID: "m4", SenderID: "sender", Content: "hi", TTL: 3, SeenBy: []string{"sender"}}
	action := r.Process(msg, "from")
	fd, ok := action.(ForwardAndDeliver)
	if !ok {
		t.Fatalf("expected ForwardAndDeliver, got %#v", action)
	}
	if len(fd.ForwardTo) != 1 || fd.ForwardTo[0] != "other" {
		t.Fatalf("expected forward only to other, got %v", fd.ForwardTo)
	}
}

func TestProcessPeerAnnounceAddsPeerAndDelivers(t *testing.T) {
	r := NewRouter("local", "localuser")
	announce := wire.PeerAnnounce{PeerID: "p1", ListenAddr: "1.2.3.4:9000", Username: "bob"}
	action := r.Process(announce, "p1")
	if _, ok := action.(Deliver); !ok {
		t.Fatalf("expected Deliver, got %#v", action)
	}
	if r.Table().PeerCount() != 1 {
		t.Fatalf("expected peer added, count=%d", r.Table().PeerCount())
	}
}

func TestProcessPeerListRequestRespondsWithTable(t *testing.T) {
	r := NewRouter("local", "localuser")
	r.Table().AddPeer(wire.PeerInfo{PeerID: "p1"})
	action := r.Process(wire.PeerListRequest{PeerID: "requester"}, "requester")
	resp, ok := action.(Respond)
	if !ok {
		t.Fatalf("expected Respond, got %#v", action)
	}
	if resp.ToPeer != "requester" {
		t.Fatalf("expected response to requester, got %s", resp.ToPeer)
	}
	list, ok := resp.Message.(wire.PeerListResponse)
	if !ok || len(list.Peers) != 1 || list.Peers[0].PeerID != "p1" {
		t.Fatalf("unexpected peer list response: %#v", resp.Message)
	}
}

func TestProcessPeerListResponseMergesPeers(t *testing.T) {
	r := NewRouter("local", "localuser")
	resp := wire.PeerListResponse{Peers: []wire.PeerInfo{{PeerID: "x"}, {PeerID: "y"}}}
	action := r.Process(resp, "from")
	if _, ok := action.(Deliver); !ok {
		t.Fatalf("expected Deliver, got %#v", action)
	}
	if r.Table().PeerCount() != 2 {
		t.Fatalf("expected 2 peers merged, got %d", r.Table().PeerCount())
	}
}

func TestProcessHeartbeatUpdates(t *testing.T) {
	r := NewRouter("local", "localuser")
	action := r.Process(wire.Heartbeat{PeerID: "p1", Timestamp: 123}, "p1")
	hb, ok := action.(UpdateHeartbeat)
	if !ok || hb.PeerID != "p1" {
		t.Fatalf("expected UpdateHeartbeat for p1, got %#v", action)
	}
}

func TestProcessDisconnectRemovesPeer(t *testing.T) {
	r := NewRouter("local", "localuser")
	r.Table().AddPeer(wire.PeerInfo{PeerID: "p1"})
	action := r.Process(wire.Disconnect{PeerID: "p1", Reason: "bye"}, "p1")
	if _, ok := action.(Deliver); !ok {
		t.Fatalf("expected Deliver, got %#v", action)
	}
	if r.Table().PeerCount() != 0 {
		t.Fatal("expected peer removed from table")
	}
}

func TestCreateChatMessageDefaults(t *testing.T) {
	r := NewRouter("local", "localuser")
	msg := r.CreateChatMessage("hello")
	if msg.TTL != DefaultTTL {
		t.Fatalf("expected TTL %d, got %d", DefaultTTL, msg.TTL)
	}
	if len(msg.SeenBy) != 1 || msg.SeenBy[0] != "local" {
		t.Fatalf("expected seen_by seeded with local peer, got %v", msg.SeenBy)
	}
	if msg.MessageID == "" {
		t.Fatal("expected a generated message id")
	}
	second := r.CreateChatMessage("hello again")
	if second.MessageID == msg.MessageID {
		t.Fatal("expected distinct message ids across calls")
	}
}
