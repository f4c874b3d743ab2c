// Package router implements the mesh's flood-routing decision logic: a
// pure function from an incoming wire.Message frame to a RoutingAction,
// plus the routing table and message-seen cache that function consults.
package router

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pivaldi/dpqmesh/internal/wire"
)

// DefaultTTL is the time-to-live stamped on a freshly created chat message.
const DefaultTTL = 7

// MaxCacheSize and CacheTTL bound the message-seen cache: once it grows
// past MaxCacheSize, entries older than CacheTTL are evicted on the next
// insert. This is a time-bounded retain, not true LRU (Open Question
// OQ-4).
const (
	MaxCacheSize = 10000
	CacheTTL     = 300 * time.Second
)

// RoutingAction is the tagged union of outcomes Process can return.
type RoutingAction interface {
	isRoutingAction()
}

// Drop means the message is discarded: duplicate, expired TTL, or already
// in its own SeenBy list.
type Drop struct{}

func (Drop) isRoutingAction() {}

// Deliver means the message should be handed to the local application
// layer with no forwarding.
type Deliver struct {
	Message wire.Message
}

func (Deliver) isRoutingAction() {}

// ForwardAndDeliver means the message should be delivered locally and
// also forwarded (as Forward, with TTL decremented and SeenBy extended)
// to every peer ID in ForwardTo.
type ForwardAndDeliver struct {
	Original  wire.ChatMessage
	Forward   wire.ChatMessage
	ForwardTo []string
}

func (ForwardAndDeliver) isRoutingAction() {}

// Respond means a reply (Message) should be sent back to ToPeer only.
type Respond struct {
	ToPeer  string
	Message wire.Message
}

func (Respond) isRoutingAction() {}

// UpdateHeartbeat means the named peer's liveness should be refreshed.
type UpdateHeartbeat struct {
	PeerID string
}

func (UpdateHeartbeat) isRoutingAction() {}

// Table tracks known peers and the set of message IDs already processed,
// guarded by one RWMutex.
type Table struct {
	localPeerID string

	mu    sync.RWMutex
	peers map[string]wire.PeerInfo
	cache map[string]time.Time
}

// NewTable constructs an empty routing table for localPeerID.
func NewTable(localPeerID string) *Table {
	return &Table{
		localPeerID: localPeerID,
		peers:       make(map[string]wire.PeerInfo),
		cache:       make(map[string]time.Time),
	}
}

// AddPeer inserts or updates a peer's routing-table entry.
func (t *Table) AddPeer(info wire.PeerInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[info.PeerID] = info
}

// RemovePeer deletes a peer's routing-table entry.
func (t *Table) RemovePeer(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, peerID)
}

// Peers returns every known peer, sorted by peer ID.
func (t *Table) Peers() []wire.PeerInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]wire.PeerInfo, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// PeerCount returns the number of known peers.
func (t *Table) PeerCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

// hasSeenMessage reports whether messageID has already been processed.
func (t *Table) hasSeenMessage(messageID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.cache[messageID]
	return ok
}

// markMessageSeen records messageID as processed, evicting stale entries
// once the cache exceeds MaxCacheSize.
func (t *Table) markMessageSeen(messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	t.cache[messageID] = now
	if len(t.cache) > MaxCacheSize {
		cutoff := now.Add(-CacheTTL)
		for id, seenAt := range t.cache {
			if seenAt.Before(cutoff) {
				delete(t.cache, id)
			}
		}
	}
}

// CacheSize returns the number of entries in the message-seen cache.
func (t *Table) CacheSize() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.cache)
}

// Router is the pure decision function over Table plus local identity.
type Router struct {
	table         *Table
	localPeerID   string
	localUsername string
}

// NewRouter constructs a router for localPeerID/localUsername, owning a
// fresh routing Table.
func NewRouter(localPeerID, localUsername string) *Router {
	return &Router{
		table:         NewTable(localPeerID),
		localPeerID:   localPeerID,
		localUsername: localUsername,
	}
}

// Table exposes the router's routing table for stats/inspection.
func (r *Router) Table() *Table {
	return r.table
}

// Process is an exact port of routing.rs's MessageRouter::process_message:
// given an inbound P2PMessage and the peer it arrived from, decide what
// to do with it.
func (r *Router) Process(msg wire.Message, fromPeerID string) RoutingAction {
	switch m := msg.(type) {
	case wire.ChatMessage:
		return r.processChatMessage(m, fromPeerID)

	case wire.PeerAnnounce:
		r.table.AddPeer(wire.PeerInfo{
			PeerID:   m.PeerID,
			Addr:     m.ListenAddr,
			Username: m.Username,
			LastSeen: time.Now().Unix(),
		})
		return Deliver{Message: m}

	case wire.PeerListRequest:
		return Respond{ToPeer: m.PeerID, Message: wire.PeerListResponse{Peers: r.table.Peers()}}

	case wire.PeerListResponse:
		for _, p := range m.Peers {
			r.table.AddPeer(p)
		}
		return Deliver{Message: m}

	case wire.Handshake:
		return Deliver{Message: m}

	case wire.Heartbeat:
		return UpdateHeartbeat{PeerID: m.PeerID}

	case wire.Disconnect:
		r.table.RemovePeer(m.PeerID)
		return Deliver{Message: m}

	default:
		return Drop{}
	}
}

func (r *Router) processChatMessage(m wire.ChatMessage, fromPeerID string) RoutingAction {
	if r.table.hasSeenMessage(m.MessageID) {
		return Drop{}
	}
	if m.TTL == 0 {
		return Drop{}
	}
	if contains(m.SeenBy, r.localPeerID) {
		return Drop{}
	}

	r.table.markMessageSeen(m.MessageID)

	original := m
	original.SeenBy = append(append([]string(nil), m.SeenBy...), r.localPeerID)

	forward := original
	forward.TTL = m.TTL - 1

	forwardTo := make([]string, 0)
	for _, p := range r.table.Peers() {
		if p.PeerID == fromPeerID || p.PeerID == m.SenderID || contains(forward.SeenBy, p.PeerID) {
			continue
		}
		forwardTo = append(forwardTo, p.PeerID)
	}
	sort.Strings(forwardTo)

	return ForwardAndDeliver{Original: original, Forward: forward, ForwardTo: forwardTo}
}

// MarkSeen records messageID as already processed without running it
// through Process, for messages originated locally (CreateChatMessage)
// that are broadcast directly rather than routed.
func (r *Router) MarkSeen(messageID string) {
	r.table.markMessageSeen(messageID)
}

// CreateChatMessage builds a fresh outbound chat message with a new
// random UUID, default TTL, and SeenBy seeded with the local peer ID.
func (r *Router) CreateChatMessage(content string) wire.ChatMessage {
	return wire.ChatMessage{
		MessageID: uuid.NewString(),
		SenderID:  r.localPeerID,
		Username:  r.localUsername,
		Content:   content,
		TTL:       DefaultTTL,
		SeenBy:    []string{r.localPeerID},
	}
}

func contains(list []string, target string) bool {
	for _, s := range list {
		if s == target {
			return true
		}
	}
	return false
}
