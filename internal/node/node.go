// Package node wires every other internal package into the running mesh
// node: listener and dialer, per-peer connections, the flood router, the
// Dilithium/Kyber handshake, session keys, and discovery, all driven from
// one event loop and reported through a single Event channel.
package node

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pivaldi/dpqmesh/internal/codec"
	"github.com/pivaldi/dpqmesh/internal/config"
	"github.com/pivaldi/dpqmesh/internal/discovery"
	"github.com/pivaldi/dpqmesh/internal/handshake"
	"github.com/pivaldi/dpqmesh/internal/identity"
	"github.com/pivaldi/dpqmesh/internal/nodeerr"
	"github.com/pivaldi/dpqmesh/internal/peer"
	"github.com/pivaldi/dpqmesh/internal/router"
	"github.com/pivaldi/dpqmesh/internal/session"
	"github.com/pivaldi/dpqmesh/internal/telemetry"
	"github.com/pivaldi/dpqmesh/internal/transport"
	"github.com/pivaldi/dpqmesh/internal/wire"
)

// ErrNoPortAvailable is returned by Start when neither the fixed port nor
// any port in the fallback scan range could be bound.
var ErrNoPortAvailable = nodeerr.New(nodeerr.KindResource, "node.Start", fmt.Errorf("no available port in 40000-40010"))

// MaxUsernameLength is the longest username New accepts.
const MaxUsernameLength = 32

// FixedPort and PortScanRange bound the orchestrator's listen-port
// selection when the configured address leaves the port unset.
const (
	FixedPort        = 40000
	PortScanRangeLow = 40001
	PortScanRangeHi  = 40010
)

// Event is the tagged union of everything a running Node reports on its
// event channel.
type Event interface {
	isEvent()
}

// PeerConnected reports a completed, authenticated handshake with a peer.
type PeerConnected struct {
	PeerID      string
	Fingerprint string
	Username    string
}

func (PeerConnected) isEvent() {}

// PeerDisconnected reports a peer's connection closing, gracefully or not.
type PeerDisconnected struct {
	PeerID string
	Reason string
}

func (PeerDisconnected) isEvent() {}

// MessageReceived reports a chat message delivered to the application
// layer, whether flooded (Fingerprint empty) or end-to-end encrypted.
type MessageReceived struct {
	From        string
	Content     string
	Fingerprint string
}

func (MessageReceived) isEvent() {}

// TopologyChanged reports the current connected-peer count. It is emitted
// after every completed handshake, disconnect, and routed Deliver, whether
// or not the count changed.
type TopologyChanged struct {
	PeerCount int
}

func (TopologyChanged) isEvent() {}

// PeersDiscovered reports peers surfaced by any discovery method.
type PeersDiscovered struct {
	Peers []discovery.Peer
}

func (PeersDiscovered) isEvent() {}

// ErrorEvent surfaces a recoverable error to the application layer.
// PeerID is empty when the error isn't attributable to one peer.
type ErrorEvent struct {
	Text   string
	PeerID string
}

func (ErrorEvent) isEvent() {}

// Stats is a point-in-time snapshot of the node's activity counters.
type Stats struct {
	ConnectedPeers     int
	MessagesSent       uint64
	MessagesReceived   uint64
	BytesSent          uint64
	BytesReceived      uint64
	Uptime             time.Duration
	DiscoveryAttempts  uint64
	DiscoverySuccesses uint64
	DiscoveryFailures  uint64
}

// Node is the orchestrator: it owns every other component and drives the
// goroutines that keep the mesh node alive.
type Node struct {
	cfg      *config.Config
	identity *identity.KeyPair
	peerID   string
	cert     tls.Certificate
	logger   *zap.Logger
	metrics  *telemetry.Metrics

	peers      *peer.Manager
	router     *router.Router
	handshakes *handshake.Manager
	sessions   *session.Manager
	seqMgr     *codec.SequenceManager
	discovery  *discovery.Service

	listener *transport.Listener
	events   chan Event

	messageRx    chan peer.InboundMessage
	disconnectRx chan string

	fpMu     sync.RWMutex
	peerByFP map[string]string
	fpByPeer map[string]string

	running   atomic.Bool
	startedAt time.Time
	cancel    context.CancelFunc

	messagesSent       atomic.Uint64
	messagesReceived   atomic.Uint64
	discoveryAttempts  atomic.Uint64
	discoverySuccesses atomic.Uint64
	discoveryFailures  atomic.Uint64
}

// New constructs a Node bound to an already-unlocked identity. It does not
// start any network activity; call Start for that.
func New(cfg *config.Config, ourIdentity *identity.KeyPair, logger *zap.Logger) (*Node, <-chan Event, error) {
	if cfg.Username == "" {
		return nil, nil, nodeerr.New(nodeerr.KindValidation, "node.New", fmt.Errorf("username must not be empty"))
	}
	if len(cfg.Username) > MaxUsernameLength {
		return nil, nil, nodeerr.New(nodeerr.KindValidation, "node.New", fmt.Errorf("username %q exceeds %d characters", cfg.Username, MaxUsernameLength))
	}

	peerID := uuid.NewString()
	cert, err := transport.GenerateSelfSignedCert(peerID)
	if err != nil {
		return nil, nil, nodeerr.New(nodeerr.KindTransport, "node.New", err)
	}

	events := make(chan Event, 64)
	messageRx := make(chan peer.InboundMessage, 128)
	disconnectRx := make(chan string, 32)

	sessions := session.NewManager()
	metrics := telemetry.NewMetrics()

	n := &Node{
		cfg:          cfg,
		identity:     ourIdentity,
		peerID:       peerID,
		cert:         cert,
		logger:       logger,
		metrics:      metrics,
		peers:        peer.NewManager(cfg.MaxConnections, messageRx, disconnectRx, logger, metrics.BytesSent, metrics.BytesReceived),
		router:       router.NewRouter(peerID, cfg.Username),
		handshakes:   handshake.NewManager(ourIdentity, cfg.Username, sessions),
		sessions:     sessions,
		seqMgr:       codec.NewSequenceManager(),
		events:       events,
		messageRx:    messageRx,
		disconnectRx: disconnectRx,
		peerByFP:     make(map[string]string),
		fpByPeer:     make(map[string]string),
	}
	return n, events, nil
}

// PeerID returns this node's process-local connection identifier.
func (n *Node) PeerID() string { return n.peerID }

// Fingerprint returns this node's long-lived cryptographic identity.
func (n *Node) Fingerprint() string { return n.identity.Fingerprint }

// ListenAddr returns the address Start bound to, empty before Start runs.
func (n *Node) ListenAddr() string {
	if n.listener == nil {
		return ""
	}
	return n.listener.Addr().String()
}

// Start binds the listener, launches discovery, and begins processing
// inbound connections and messages. It returns once everything is up;
// background work continues until ctx is canceled or Stop is called.
func (n *Node) Start(ctx context.Context) error {
	host, _, err := net.SplitHostPort(n.cfg.ListenAddr)
	if err != nil {
		host = "127.0.0.1"
	}

	ln, err := selectListener(host, n.cfg.ListenAddr, n.cert)
	if err != nil {
		return err
	}
	n.listener = ln

	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	go n.acceptLoop(runCtx)
	go n.processMessages(runCtx)
	go n.processDisconnects(runCtx)
	go n.peers.RunCleanupSweep(runCtx.Done())
	go n.sessions.Run(runCtx.Done())
	go n.handshakeCleanupSweep(runCtx)

	if n.hasDiscoveryMethod(config.DiscoveryMulticast) {
		n.discovery = discovery.NewService(n.peerID, n.cfg.Username, n.listener.Addr().String(), n.logger)
		if err := n.discovery.StartMulticast(runCtx); err != nil {
			n.logger.Warn("multicast discovery unavailable", zap.Error(err))
		} else {
			go n.discovery.RunAgingSweep(runCtx)
			go n.consumeDiscoveredPeers(runCtx)
		}
	}

	for _, addr := range n.cfg.BootstrapPeers {
		addr := addr
		go n.queryBootstrap(addr)
	}

	n.startedAt = time.Now()
	n.running.Store(true)
	n.logger.Info("node started", zap.String("peer_id", n.peerID), zap.String("listen_addr", n.listener.Addr().String()))
	return nil
}

func (n *Node) queryBootstrap(addr string) {
	if n.discovery == nil {
		return
	}
	n.discoveryAttempts.Add(1)
	n.metrics.DiscoveryAttempts.Inc()
	if err := n.discovery.QueryBootstrap(addr); err != nil {
		n.discoveryFailures.Add(1)
		n.metrics.DiscoveryFailures.Inc()
		n.logger.Warn("bootstrap query failed", zap.String("addr", addr), zap.Error(err))
		return
	}
	n.discoverySuccesses.Add(1)
	n.metrics.DiscoverySuccesses.Inc()
}

func (n *Node) hasDiscoveryMethod(method string) bool {
	for _, m := range n.cfg.DiscoveryMethods {
		if m == method {
			return true
		}
	}
	return false
}

func selectListener(host, configured string, cert tls.Certificate) (*transport.Listener, error) {
	if _, portStr, err := net.SplitHostPort(configured); err == nil {
		if port, convErr := strconv.Atoi(portStr); convErr == nil && port != 0 {
			return transport.Listen(net.JoinHostPort(host, portStr), cert)
		}
	}

	candidates := []int{FixedPort}
	for p := PortScanRangeLow; p <= PortScanRangeHi; p++ {
		candidates = append(candidates, p)
	}
	for _, port := range candidates {
		ln, err := transport.Listen(net.JoinHostPort(host, strconv.Itoa(port)), cert)
		if err == nil {
			return ln, nil
		}
	}
	return nil, ErrNoPortAvailable
}

func (n *Node) acceptLoop(ctx context.Context) {
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		go n.handleAccept(ctx, conn)
	}
}

func (n *Node) handleAccept(ctx context.Context, conn net.Conn) {
	// The TLS handshake runs on the first read, so this deadline bounds it
	// together with the greeting exchange.
	conn.SetDeadline(time.Now().Add(transport.ConnectTimeout))
	line, err := readLine(conn)
	if err != nil {
		conn.Close()
		return
	}
	msg, err := wire.Decode(line)
	if err != nil {
		conn.Close()
		return
	}
	greeting, ok := msg.(wire.Handshake)
	if !ok {
		conn.Close()
		return
	}

	reply, err := wire.Encode(wire.Handshake{PeerID: n.peerID, Username: n.cfg.Username, ProtocolVersion: handshake.ProtocolVersion})
	if err != nil {
		conn.Close()
		return
	}
	if _, err := conn.Write(reply); err != nil {
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})

	n.logPeerCertFingerprint(conn, greeting.PeerID)

	info := wire.PeerInfo{PeerID: greeting.PeerID, Addr: conn.RemoteAddr().String(), Username: greeting.Username, LastSeen: time.Now().Unix()}
	if err := n.peers.AddPeer(ctx, conn, info, greeting.ProtocolVersion); err != nil {
		n.emit(ErrorEvent{Text: err.Error(), PeerID: greeting.PeerID})
		conn.Close()
	}
}

// logPeerCertFingerprint records the TLS leaf certificate fingerprint of
// conn for diagnostics. Since the TLS layer is TOFU and accepts any
// certificate, this fingerprint has no bearing on whether the connection
// is trusted — only the Dilithium-signed handshake one layer up does
// that — but it's worth having in logs when a peer's TLS identity
// changes across reconnects.
func (n *Node) logPeerCertFingerprint(conn net.Conn, peerID string) {
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return
	}
	certs := tlsConn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return
	}
	n.logger.Debug("tls peer certificate",
		zap.String("peer_id", peerID),
		zap.String("cert_fingerprint", transport.PeerFingerprint(certs[0])))
}

// Connect dials addr, exchanges the lightweight greeting, and registers
// the resulting connection. If expectedFingerprint is non-empty it also
// initiates the authenticated Dilithium/Kyber handshake, pinning the
// connection to that fingerprint (TOFU: the caller is expected to already
// know it, e.g. from an out-of-band identity exchange).
func (n *Node) Connect(ctx context.Context, addr, expectedFingerprint string) (string, error) {
	conn, err := transport.Dial(ctx, addr, n.cert)
	if err != nil {
		return "", nodeerr.New(nodeerr.KindTransport, "node.Connect", err)
	}

	greeting, err := wire.Encode(wire.Handshake{PeerID: n.peerID, Username: n.cfg.Username, ProtocolVersion: handshake.ProtocolVersion})
	if err != nil {
		conn.Close()
		return "", err
	}
	if _, err := conn.Write(greeting); err != nil {
		conn.Close()
		return "", nodeerr.New(nodeerr.KindTransport, "node.Connect", err)
	}

	line, err := readLine(conn)
	if err != nil {
		conn.Close()
		return "", nodeerr.New(nodeerr.KindTransport, "node.Connect", err)
	}
	msg, err := wire.Decode(line)
	if err != nil {
		conn.Close()
		return "", nodeerr.New(nodeerr.KindProtocol, "node.Connect", err)
	}
	remoteGreeting, ok := msg.(wire.Handshake)
	if !ok {
		conn.Close()
		return "", nodeerr.New(nodeerr.KindProtocol, "node.Connect", fmt.Errorf("expected Handshake greeting, got %s", msg.WireType()))
	}

	n.logPeerCertFingerprint(conn, remoteGreeting.PeerID)

	info := wire.PeerInfo{PeerID: remoteGreeting.PeerID, Addr: addr, Username: remoteGreeting.Username, LastSeen: time.Now().Unix()}
	if err := n.peers.AddPeer(ctx, conn, info, remoteGreeting.ProtocolVersion); err != nil {
		conn.Close()
		return "", err
	}

	if expectedFingerprint != "" {
		data, err := n.handshakes.Initiate(expectedFingerprint)
		if err != nil {
			return remoteGreeting.PeerID, nodeerr.New(nodeerr.KindProtocol, "node.Connect", err)
		}
		n.bindFingerprint(remoteGreeting.PeerID, expectedFingerprint)
		n.peers.Send(remoteGreeting.PeerID, data)
	}

	return remoteGreeting.PeerID, nil
}

// readLine reads a single LF-terminated frame off conn byte-by-byte, so it
// never buffers bytes past the line boundary the way bufio.Reader would —
// important here since the connection is handed off to a fresh
// bufio.Scanner inside internal/peer immediately afterward.
func readLine(conn net.Conn) ([]byte, error) {
	var buf []byte
	b := make([]byte, 1)
	for {
		n, err := conn.Read(b)
		if n > 0 {
			if b[0] == '\n' {
				return buf, nil
			}
			buf = append(buf, b[0])
		}
		if err != nil {
			return nil, err
		}
	}
}

func (n *Node) bindFingerprint(peerID, fingerprint string) {
	n.fpMu.Lock()
	defer n.fpMu.Unlock()
	n.peerByFP[fingerprint] = peerID
	n.fpByPeer[peerID] = fingerprint
}

// unbindPeer removes peerID's fingerprint correlation and returns the
// fingerprint it was bound to, if any, so the caller can tear down the
// session and sequence state keyed by that fingerprint.
func (n *Node) unbindPeer(peerID string) (string, bool) {
	n.fpMu.Lock()
	defer n.fpMu.Unlock()
	fp, ok := n.fpByPeer[peerID]
	if ok {
		delete(n.peerByFP, fp)
		delete(n.fpByPeer, peerID)
	}
	return fp, ok
}

func (n *Node) peerIDForFingerprint(fingerprint string) (string, bool) {
	n.fpMu.RLock()
	defer n.fpMu.RUnlock()
	id, ok := n.peerByFP[fingerprint]
	return id, ok
}

func (n *Node) processMessages(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case im := <-n.messageRx:
			n.handleInbound(im)
		}
	}
}

func (n *Node) handleInbound(im peer.InboundMessage) {
	switch m := im.Message.(type) {
	case wire.HandshakeData:
		n.handleHandshakeData(im.PeerID, m)
	case wire.EncryptedMessage:
		n.handleEncryptedMessage(im.PeerID, m)
	default:
		n.handleRoutedMessage(im.PeerID, im.Message)
	}
}

func (n *Node) handleHandshakeData(peerID string, data wire.HandshakeData) {
	resp, err := n.handshakes.Process(data)
	if err != nil {
		n.metrics.HandshakeFailures.Inc()
		n.emit(ErrorEvent{Text: err.Error(), PeerID: peerID})
		n.peers.RemovePeer(peerID, "handshake failed")
		return
	}

	n.bindFingerprint(peerID, data.PeerInfo.Fingerprint)

	if resp != nil {
		n.peers.Send(peerID, *resp)
	}

	if n.handshakes.State(data.PeerInfo.Fingerprint) == handshake.StateCompleted {
		// A completed handshake always installs a fresh session key, so any
		// sequence state left over from a prior connection to this
		// fingerprint no longer applies.
		n.seqMgr.ResetPeer(data.PeerInfo.Fingerprint)
		n.emit(PeerConnected{PeerID: peerID, Fingerprint: data.PeerInfo.Fingerprint, Username: data.PeerInfo.Username})
		n.reportTopology()
	}
}

func (n *Node) handleEncryptedMessage(peerID string, msg wire.EncryptedMessage) {
	plain, err := codec.Decrypt(n.sessions, n.seqMgr, msg)
	if err != nil {
		n.metrics.MessagesDropped.Inc()
		n.emit(ErrorEvent{Text: err.Error(), PeerID: peerID})
		return
	}
	n.messagesReceived.Add(1)
	n.metrics.MessagesReceived.Inc()
	n.emit(MessageReceived{From: plain.Sender, Content: plain.Content, Fingerprint: msg.SenderFingerprint})
}

func (n *Node) handleRoutedMessage(peerID string, msg wire.Message) {
	action := n.router.Process(msg, peerID)
	switch a := action.(type) {
	case router.Drop:
		n.metrics.MessagesDropped.Inc()

	case router.Deliver:
		switch dm := a.Message.(type) {
		case wire.ChatMessage:
			n.messagesReceived.Add(1)
			n.metrics.MessagesReceived.Inc()
			n.emit(MessageReceived{From: dm.Username, Content: dm.Content})
		case wire.Disconnect:
			n.emit(PeerDisconnected{PeerID: dm.PeerID, Reason: dm.Reason})
		}
		n.reportTopology()

	case router.ForwardAndDeliver:
		n.messagesReceived.Add(1)
		n.metrics.MessagesReceived.Inc()
		n.emit(MessageReceived{From: a.Original.Username, Content: a.Original.Content})
		for _, id := range a.ForwardTo {
			if n.peers.Send(id, a.Forward) {
				n.messagesSent.Add(1)
				n.metrics.MessagesSent.Inc()
			}
		}

	case router.Respond:
		n.peers.Send(a.ToPeer, a.Message)

	case router.UpdateHeartbeat:
		// The sending actor stamps its frame with this link's remote ID,
		// which is our own; the peer to refresh is the one it arrived from.
		n.peers.UpdateHeartbeat(peerID)
	}
}

func (n *Node) processDisconnects(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case peerID := <-n.disconnectRx:
			n.peers.RemovePeer(peerID, "connection closed")
			if fp, ok := n.unbindPeer(peerID); ok {
				n.sessions.Remove(fp)
				n.seqMgr.ResetPeer(fp)
			}
			n.emit(PeerDisconnected{PeerID: peerID, Reason: "connection closed"})
			n.reportTopology()
		}
	}
}

// reportTopology refreshes the ConnectedPeers gauge and emits a
// TopologyChanged event with the current peer count.
func (n *Node) reportTopology() {
	count := n.peers.Count()
	n.metrics.ConnectedPeers.Set(float64(count))
	n.emit(TopologyChanged{PeerCount: count})
}

func (n *Node) consumeDiscoveredPeers(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-n.discovery.Peers():
			n.emit(PeersDiscovered{Peers: []discovery.Peer{p}})
		}
	}
}

// SendChatMessage floods a plaintext chat message to every directly
// connected peer.
func (n *Node) SendChatMessage(text string) error {
	msg := n.router.CreateChatMessage(text)
	n.router.MarkSeen(msg.MessageID)
	if err := n.peers.Broadcast(msg); err != nil {
		return nodeerr.New(nodeerr.KindTransport, "node.SendChatMessage", err)
	}
	n.messagesSent.Add(1)
	n.metrics.MessagesSent.Inc()
	return nil
}

// SendDirectMessage encrypts and sends text to the peer whose long-lived
// fingerprint is given, provided an authenticated session already exists.
func (n *Node) SendDirectMessage(fingerprint, text string) error {
	peerID, ok := n.peerIDForFingerprint(fingerprint)
	if !ok {
		return nodeerr.New(nodeerr.KindProtocol, "node.SendDirectMessage", fmt.Errorf("no connection for fingerprint %s", fingerprint))
	}
	key, ok := n.sessions.Get(fingerprint)
	if !ok {
		return nodeerr.New(nodeerr.KindProtocol, "node.SendDirectMessage", fmt.Errorf("no session for fingerprint %s", fingerprint))
	}

	plain := wire.PlainMessage{
		Content:     text,
		Sender:      n.cfg.Username,
		Timestamp:   time.Now().Unix(),
		MessageType: wire.MessageType{Kind: wire.KindText},
	}
	enc, err := codec.Encrypt(key.Key, n.identity.Fingerprint, plain, n.seqMgr)
	if err != nil {
		return nodeerr.New(nodeerr.KindProtocol, "node.SendDirectMessage", err)
	}
	if !n.peers.Send(peerID, enc) {
		return nodeerr.New(nodeerr.KindTransport, "node.SendDirectMessage", fmt.Errorf("send to %s failed", peerID))
	}
	n.messagesSent.Add(1)
	n.metrics.MessagesSent.Inc()
	return nil
}

// Stats returns a point-in-time snapshot of the node's activity counters.
func (n *Node) Stats() Stats {
	uptime := time.Duration(0)
	if n.running.Load() {
		uptime = time.Since(n.startedAt)
	}
	return Stats{
		ConnectedPeers:     n.peers.Count(),
		MessagesSent:       n.messagesSent.Load(),
		MessagesReceived:   n.messagesReceived.Load(),
		BytesSent:          n.peers.BytesSent(),
		BytesReceived:      n.peers.BytesReceived(),
		Uptime:             uptime,
		DiscoveryAttempts:  n.discoveryAttempts.Load(),
		DiscoverySuccesses: n.discoverySuccesses.Load(),
		DiscoveryFailures:  n.discoveryFailures.Load(),
	}
}

func (n *Node) emit(e Event) {
	select {
	case n.events <- e:
	default:
		n.logger.Warn("event channel full, dropping event")
	}
}

// Stop shuts down every background goroutine the node started. It is
// idempotent: calling it more than once is a no-op after the first call.
func (n *Node) Stop() {
	if !n.running.CompareAndSwap(true, false) {
		return
	}

	n.peers.Broadcast(wire.Disconnect{PeerID: n.peerID, Reason: "node shutting down"})

	if n.cancel != nil {
		n.cancel()
	}
	n.peers.CloseAll()
	n.sessions.Close()
	if n.discovery != nil {
		n.discovery.Close()
	}
	if n.listener != nil {
		n.listener.Close()
	}
}

// handshakeCleanupSweep periodically drops handshake state for peers whose
// exchange finished, succeeding or failing, so Manager's maps don't grow
// unbounded across a long-lived node's lifetime.
func (n *Node) handshakeCleanupSweep(ctx context.Context) {
	ticker := time.NewTicker(session.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.handshakes.Cleanup()
		}
	}
}
