// Package discovery locates other nodes on the mesh via three independent
// methods: periodic LAN multicast announcements, one-shot bootstrap queries
// against known addresses, and manual peer injection from the operator.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ProtocolVersion is stamped on every discovery message this node emits.
const ProtocolVersion = "1.0"

// DefaultMulticastAddr is the LAN multicast group and port discovery
// announces and listens on.
const DefaultMulticastAddr = "239.255.42.99:8899"

const (
	// AnnounceInterval is how often a running multicast listener
	// re-announces its presence.
	AnnounceInterval = 30 * time.Second
	// BootstrapTimeout bounds how long a bootstrap query waits for a
	// PeerResponse before giving up on that address.
	BootstrapTimeout = 5 * time.Second
	// MaxAge is how stale a discovered peer's LastSeen may get before
	// the aging sweep drops it.
	MaxAge = 300 * time.Second
	// SweepInterval is how often the aging sweep runs.
	SweepInterval = 60 * time.Second
	maxDatagram   = 4096
)

// messageKind tags a discoveryMessage's payload shape.
type messageKind string

const (
	kindAnnounce     messageKind = "Announce"
	kindPeerRequest  messageKind = "PeerRequest"
	kindPeerResponse messageKind = "PeerResponse"
)

// discoveryMessage is the UDP wire envelope for discovery traffic. It is
// deliberately separate from internal/wire's TCP framing: discovery runs
// over bare UDP datagrams, one message per packet, no length framing
// needed.
type discoveryMessage struct {
	Kind      messageKind     `json:"kind"`
	PeerID    string          `json:"peer_id"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type announcePayload struct {
	ListenAddr      string `json:"listen_addr"`
	Username        string `json:"username"`
	ProtocolVersion string `json:"protocol_version"`
}

type peerResponsePayload struct {
	Peers []Peer `json:"peers"`
}

// Peer describes a node discovered via any method.
type Peer struct {
	PeerID          string    `json:"peer_id"`
	Addr            string    `json:"addr"`
	Username        string    `json:"username"`
	ProtocolVersion string    `json:"protocol_version"`
	LastSeen        time.Time `json:"last_seen"`
}

// Service runs multicast and bootstrap discovery and accumulates the
// peers they find, alongside any added manually.
type Service struct {
	peerID     string
	username   string
	listenAddr string

	mu    sync.RWMutex
	peers map[string]Peer

	conn   *net.UDPConn
	logger *zap.Logger

	peerFound chan Peer
}

// NewService constructs a discovery service identified by peerID/username,
// advertising listenAddr as where other nodes should dial back to.
func NewService(peerID, username, listenAddr string, logger *zap.Logger) *Service {
	return &Service{
		peerID:     peerID,
		username:   username,
		listenAddr: listenAddr,
		peers:      make(map[string]Peer),
		logger:     logger,
		peerFound:  make(chan Peer, 32),
	}
}

// Peers returns a channel that receives each peer observation, across all
// methods, for as long as the service runs. A peer seen again is sent
// again; an observation is dropped when the channel's buffer is full.
func (s *Service) Peers() <-chan Peer {
	return s.peerFound
}

// StartMulticast joins DefaultMulticastAddr, announces this node's presence
// every AnnounceInterval, and listens for other nodes' announcements until
// ctx is canceled.
func (s *Service) StartMulticast(ctx context.Context) error {
	groupAddr, err := net.ResolveUDPAddr("udp4", DefaultMulticastAddr)
	if err != nil {
		return fmt.Errorf("discovery: resolve multicast addr: %w", err)
	}

	listenConn, err := net.ListenMulticastUDP("udp4", nil, groupAddr)
	if err != nil {
		return fmt.Errorf("discovery: join multicast group: %w", err)
	}
	s.conn = listenConn

	announceConn, err := net.DialUDP("udp4", nil, groupAddr)
	if err != nil {
		listenConn.Close()
		return fmt.Errorf("discovery: dial multicast group: %w", err)
	}

	go s.multicastListenLoop(ctx, listenConn)
	go s.multicastAnnounceLoop(ctx, announceConn)

	return nil
}

func (s *Service) multicastListenLoop(ctx context.Context, conn *net.UDPConn) {
	defer conn.Close()
	buf := make([]byte, maxDatagram)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		conn.SetReadDeadline(time.Now().Add(time.Second))
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		s.handleDatagram(buf[:n], from, conn)
	}
}

func (s *Service) multicastAnnounceLoop(ctx context.Context, conn *net.UDPConn) {
	defer conn.Close()
	ticker := time.NewTicker(AnnounceInterval)
	defer ticker.Stop()

	s.sendAnnounce(conn)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sendAnnounce(conn)
		}
	}
}

func (s *Service) sendAnnounce(conn *net.UDPConn) {
	payload, err := json.Marshal(announcePayload{
		ListenAddr:      s.listenAddr,
		Username:        s.username,
		ProtocolVersion: ProtocolVersion,
	})
	if err != nil {
		return
	}
	msg := discoveryMessage{Kind: kindAnnounce, PeerID: s.peerID, Timestamp: time.Now().Unix(), Payload: payload}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if _, err := conn.Write(data); err != nil {
		s.logger.Warn("multicast announce failed", zap.Error(err))
	}
}

func (s *Service) handleDatagram(data []byte, from *net.UDPAddr, conn *net.UDPConn) {
	var msg discoveryMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if msg.PeerID == s.peerID {
		return
	}

	switch msg.Kind {
	case kindAnnounce:
		var p announcePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		s.observe(Peer{
			PeerID:          msg.PeerID,
			Addr:            p.ListenAddr,
			Username:        p.Username,
			ProtocolVersion: p.ProtocolVersion,
			LastSeen:        time.Now(),
		})

	case kindPeerRequest:
		s.respondWithPeerList(msg.PeerID, from, conn)
	}
}

func (s *Service) respondWithPeerList(toPeerID string, from *net.UDPAddr, conn *net.UDPConn) {
	payload, err := json.Marshal(peerResponsePayload{Peers: s.AllPeers()})
	if err != nil {
		return
	}
	msg := discoveryMessage{Kind: kindPeerResponse, PeerID: s.peerID, Timestamp: time.Now().Unix(), Payload: payload}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if _, err := conn.WriteToUDP(data, from); err != nil {
		s.logger.Warn("discovery response failed", zap.String("to_peer", toPeerID), zap.Error(err))
	}
}

// QueryBootstrap sends a one-shot PeerRequest to addr and waits up to
// BootstrapTimeout for a PeerResponse, merging any peers it returns.
func (s *Service) QueryBootstrap(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return fmt.Errorf("discovery: resolve bootstrap addr: %w", err)
	}
	conn, err := net.DialUDP("udp4", nil, udpAddr)
	if err != nil {
		return fmt.Errorf("discovery: dial bootstrap peer: %w", err)
	}
	defer conn.Close()

	request := discoveryMessage{Kind: kindPeerRequest, PeerID: s.peerID, Timestamp: time.Now().Unix()}
	data, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("discovery: marshal bootstrap request: %w", err)
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("discovery: send bootstrap request: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(BootstrapTimeout))
	buf := make([]byte, maxDatagram)
	n, err := conn.Read(buf)
	if err != nil {
		return fmt.Errorf("discovery: bootstrap query to %s timed out: %w", addr, err)
	}

	var resp discoveryMessage
	if err := json.Unmarshal(buf[:n], &resp); err != nil || resp.Kind != kindPeerResponse {
		return fmt.Errorf("discovery: malformed bootstrap response from %s", addr)
	}
	var payload peerResponsePayload
	if err := json.Unmarshal(resp.Payload, &payload); err != nil {
		return fmt.Errorf("discovery: malformed bootstrap peer list from %s", addr)
	}
	for _, p := range payload.Peers {
		s.observe(p)
	}
	return nil
}

// AddManual injects a peer the operator supplied directly, bypassing both
// multicast and bootstrap discovery.
func (s *Service) AddManual(p Peer) {
	p.LastSeen = time.Now()
	s.observe(p)
}

func (s *Service) observe(p Peer) {
	s.mu.Lock()
	_, existed := s.peers[p.PeerID]
	s.peers[p.PeerID] = p
	s.mu.Unlock()

	if !existed {
		s.logger.Info("peer discovered", zap.String("peer_id", p.PeerID), zap.String("addr", p.Addr))
	}
	select {
	case s.peerFound <- p:
	default:
	}
}

// AllPeers returns every currently known peer, sorted by peer ID.
func (s *Service) AllPeers() []Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// RemovePeer drops a peer from the discovered set.
func (s *Service) RemovePeer(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, peerID)
}

// RunAgingSweep drops any peer whose LastSeen exceeds MaxAge, on
// SweepInterval, until ctx is canceled.
func (s *Service) RunAgingSweep(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ageOut()
		}
	}
}

func (s *Service) ageOut() {
	cutoff := time.Now().Add(-MaxAge)
	s.mu.Lock()
	var stale []string
	for id, p := range s.peers {
		if p.LastSeen.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		delete(s.peers, id)
	}
	s.mu.Unlock()

	for _, id := range stale {
		s.logger.Info("discovered peer aged out", zap.String("peer_id", id))
	}
}

// Close shuts down the multicast socket, if one is open.
func (s *Service) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
