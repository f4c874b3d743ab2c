package wire

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Message{
		PeerAnnounce{PeerID: "p1", ListenAddr: "127.0.0.1:40000", Username: "alice"},
		PeerListRequest{PeerID: "p1"},
		PeerListResponse{Peers: []PeerInfo{{PeerID: "p2", Addr: "127.0.0.1:40001", Username: "bob", LastSeen: 100}}},
		ChatMessage{MessageID: "m1", SenderID: "p1", Username: "alice", Content: "hi", TTL: 7, SeenBy: []string{"p1"}},
		Handshake{PeerID: "p1", Username: "alice", ProtocolVersion: "1"},
		Heartbeat{PeerID: "p1", Timestamp: 123},
		Disconnect{PeerID: "p1", Reason: "bye"},
		HandshakeData{
			PeerInfo:        HandshakeIdentity{Username: "alice", Fingerprint: "aa:bb:cc:dd:ee:ff", PublicKey: []byte{9, 9}, Timestamp: 123},
			KyberExchange:   KyberExchange{PublicKey: []byte{1, 2, 3}, Timestamp: 123, Role: RoleInitiator},
			Signature:       []byte{4, 5, 6},
			ProtocolVersion: "1",
		},
		EncryptedMessage{
			SenderFingerprint: "aa:bb:cc:dd:ee:ff",
			EncryptedContent:  []byte{9, 9, 9},
			Timestamp:         456,
			MessageType:       MessageType{Kind: KindText},
			Sequence:          1,
		},
	}

	for _, want := range cases {
		line, err := Encode(want)
		if err != nil {
			t.Fatalf("encode %T: %v", want, err)
		}
		if !bytes.HasSuffix(line, []byte("\n")) {
			t.Fatalf("expected LF-terminated frame for %T", want)
		}

		got, err := Decode(bytes.TrimSuffix(line, []byte("\n")))
		if err != nil {
			t.Fatalf("decode %T: %v", want, err)
		}
		if got.WireType() != want.WireType() {
			t.Fatalf("wire type mismatch: got %s, want %s", got.WireType(), want.WireType())
		}
	}
}

func TestDecodeUnknownType(t *testing.T) {
	if _, err := Decode([]byte(`{"type":"Bogus","payload":{}}`)); err == nil {
		t.Fatal("expected error decoding unknown frame type")
	}
}

func TestChatMessageFieldsPreserved(t *testing.T) {
	want := ChatMessage{
		MessageID: "m1",
		SenderID:  "p1",
		Username:  "alice",
		Content:   "hello mesh",
		TTL:       5,
		SeenBy:    []string{"p1", "p2"},
	}
	line, err := Encode(want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(bytes.TrimSuffix(line, []byte("\n")))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, ok := decoded.(ChatMessage)
	if !ok {
		t.Fatalf("expected ChatMessage, got %T", decoded)
	}
	if got.Content != want.Content || got.TTL != want.TTL || len(got.SeenBy) != len(want.SeenBy) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}
