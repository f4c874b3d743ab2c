package peer

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pivaldi/dpqmesh/internal/nodeerr"
	"github.com/pivaldi/dpqmesh/internal/wire"
)

// CleanupInterval is how often Manager's sweep removes peers whose
// heartbeat has gone stale.
const CleanupInterval = 60 * time.Second

// HeartbeatTimeout is 2x HeartbeatInterval, the spec's stale-peer rule.
const HeartbeatTimeout = 2 * HeartbeatInterval

// ErrConnectionLimit is returned by AddPeer when MaxConnections is reached.
var ErrConnectionLimit = nodeerr.New(nodeerr.KindResource, "peer.AddPeer", fmt.Errorf("connection limit reached"))

// Manager owns every live connection under a single RWMutex. Per-peer
// connection actors run as independent goroutines started by AddPeer.
type Manager struct {
	mu             sync.RWMutex
	connections    map[string]*connection
	maxConnections int

	messageTx    chan<- InboundMessage
	disconnectTx chan<- string
	logger       *zap.Logger

	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	bytesSentMetric     prometheus.Counter
	bytesReceivedMetric prometheus.Counter
}

// NewManager constructs a peer manager. messageTx receives every decoded
// inbound frame; disconnectTx receives a peer ID whenever that peer's
// actor exits, so the orchestrator can call RemovePeer. bytesSentMetric and
// bytesReceivedMetric are incremented alongside the atomic counters below;
// either may be nil (as in tests) to skip Prometheus reporting.
func NewManager(maxConnections int, messageTx chan<- InboundMessage, disconnectTx chan<- string, logger *zap.Logger, bytesSentMetric, bytesReceivedMetric prometheus.Counter) *Manager {
	return &Manager{
		connections:         make(map[string]*connection),
		maxConnections:      maxConnections,
		messageTx:           messageTx,
		disconnectTx:        disconnectTx,
		logger:              logger,
		bytesSentMetric:     bytesSentMetric,
		bytesReceivedMetric: bytesReceivedMetric,
	}
}

// BytesSent and BytesReceived report cumulative wire-frame bytes written
// and read across every connection this manager has ever owned.
func (m *Manager) BytesSent() uint64     { return m.bytesSent.Load() }
func (m *Manager) BytesReceived() uint64 { return m.bytesReceived.Load() }

// AddPeer registers a newly handshaked connection and starts its actor
// goroutine. Re-adding an already-present peer ID is a logged no-op, not
// an error: the existing connection is left untouched.
func (m *Manager) AddPeer(ctx context.Context, conn net.Conn, info wire.PeerInfo, protocolVersion string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.connections[info.PeerID]; exists {
		m.logger.Warn("peer already connected, ignoring duplicate", zap.String("peer_id", info.PeerID))
		return nil
	}
	if len(m.connections) >= m.maxConnections {
		return ErrConnectionLimit
	}

	actorCtx, cancel := context.WithCancel(ctx)
	c := newConnection(conn, info, protocolVersion, cancel, &m.bytesSent, &m.bytesReceived, m.bytesSentMetric, m.bytesReceivedMetric)
	m.connections[info.PeerID] = c

	go c.run(actorCtx, m.messageTx, m.disconnectTx)
	return nil
}

// RemovePeer tears down a connection: best-effort Disconnect notice,
// cancel the actor, drop the map entry, close the socket.
func (m *Manager) RemovePeer(peerID, reason string) {
	m.mu.Lock()
	c, ok := m.connections[peerID]
	if ok {
		delete(m.connections, peerID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	c.send(wire.Disconnect{PeerID: peerID, Reason: reason})
	c.cancel()
	_ = c.conn.Close()
}

// Send enqueues msg for peerID's outbound queue, dropping the connection
// if the queue is full. Returns false if the peer is unknown or its
// queue was full.
func (m *Manager) Send(peerID string, msg wire.Message) bool {
	m.mu.RLock()
	c, ok := m.connections[peerID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	if !c.send(msg) {
		m.RemovePeer(peerID, "outbound queue full")
		return false
	}
	return true
}

// Broadcast fans msg out to every connected peer concurrently. It never
// returns an error for an individual full queue (that peer is simply
// dropped); it only reports unexpected errgroup failures, which in
// practice never occur since Send itself never returns an error value.
func (m *Manager) Broadcast(msg wire.Message) error {
	m.mu.RLock()
	peerIDs := make([]string, 0, len(m.connections))
	for id := range m.connections {
		peerIDs = append(peerIDs, id)
	}
	m.mu.RUnlock()

	var g errgroup.Group
	for _, id := range peerIDs {
		peerID := id
		g.Go(func() error {
			m.Send(peerID, msg)
			return nil
		})
	}
	return g.Wait()
}

// UpdateHeartbeat records that peerID is still alive.
func (m *Manager) UpdateHeartbeat(peerID string) {
	m.mu.RLock()
	c, ok := m.connections[peerID]
	m.mu.RUnlock()
	if ok {
		c.touchHeartbeat()
	}
}

// Count returns the number of currently connected peers.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// Peers returns a sorted snapshot of currently connected peers' info.
func (m *Manager) Peers() []wire.PeerInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]wire.PeerInfo, 0, len(m.connections))
	for _, c := range m.connections {
		out = append(out, c.Info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// Has reports whether peerID currently has a live connection.
func (m *Manager) Has(peerID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.connections[peerID]
	return ok
}

// cleanupStale removes peers whose last heartbeat exceeds HeartbeatTimeout.
func (m *Manager) cleanupStale() {
	cutoff := time.Now().Add(-HeartbeatTimeout)
	m.mu.RLock()
	var stale []string
	for id, c := range m.connections {
		if c.lastHeartbeatTime().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range stale {
		m.RemovePeer(id, "heartbeat timeout")
	}
}

// RunCleanupSweep drives cleanupStale on CleanupInterval until done fires.
func (m *Manager) RunCleanupSweep(done <-chan struct{}) {
	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.cleanupStale()
		case <-done:
			return
		}
	}
}

// CloseAll cancels and removes every connection, used on node shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.connections))
	for id := range m.connections {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.RemovePeer(id, "shutting down")
	}
}
