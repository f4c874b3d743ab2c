// Package peer owns every live connection to another node: per-peer actor
// goroutines that multiplex inbound frames, outbound sends, and heartbeat
// ticks over a single TLS byte stream.
package peer

import (
	"bufio"
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pivaldi/dpqmesh/internal/wire"
)

// OutboundBufferSize bounds each connection's outbound queue. A full
// queue means the peer isn't draining fast enough; Manager drops the
// connection rather than blocking the sender.
const OutboundBufferSize = 100

// HeartbeatInterval is how often a connection actor emits a Heartbeat
// frame to keep the other side's LastHeartbeat fresh.
const HeartbeatInterval = 30 * time.Second

// InboundMessage pairs a decoded frame with the connection it arrived on.
type InboundMessage struct {
	PeerID  string
	Message wire.Message
}

// connection is one live peer link. It is exclusively owned by Manager;
// every other component only ever holds a cloned chan<- wire.Message or
// calls through Manager's public methods.
type connection struct {
	Info            wire.PeerInfo
	ProtocolVersion string
	ConnectedAt     time.Time

	// lastHeartbeat is UnixNano, stored atomically: UpdateHeartbeat writes
	// it under only Manager's RLock, so it can't rely on that lock to
	// serialize against cleanupStale's concurrent reads.
	lastHeartbeat atomic.Int64

	conn     net.Conn
	outbound chan wire.Message
	cancel   context.CancelFunc

	bytesSent     *atomic.Uint64
	bytesReceived *atomic.Uint64

	bytesSentMetric     prometheus.Counter
	bytesReceivedMetric prometheus.Counter
}

func newConnection(conn net.Conn, info wire.PeerInfo, protocolVersion string, cancel context.CancelFunc, bytesSent, bytesReceived *atomic.Uint64, bytesSentMetric, bytesReceivedMetric prometheus.Counter) *connection {
	now := time.Now()
	c := &connection{
		Info:                info,
		ProtocolVersion:     protocolVersion,
		ConnectedAt:         now,
		conn:                conn,
		outbound:            make(chan wire.Message, OutboundBufferSize),
		cancel:              cancel,
		bytesSent:           bytesSent,
		bytesReceived:       bytesReceived,
		bytesSentMetric:     bytesSentMetric,
		bytesReceivedMetric: bytesReceivedMetric,
	}
	c.lastHeartbeat.Store(now.UnixNano())
	return c
}

// touchHeartbeat records that a heartbeat frame just arrived.
func (c *connection) touchHeartbeat() {
	c.lastHeartbeat.Store(time.Now().UnixNano())
}

// lastHeartbeatTime returns the last time touchHeartbeat was called.
func (c *connection) lastHeartbeatTime() time.Time {
	return time.Unix(0, c.lastHeartbeat.Load())
}

// send enqueues msg without blocking; it reports false if the outbound
// queue is full, signaling the caller to drop the connection.
func (c *connection) send(msg wire.Message) bool {
	select {
	case c.outbound <- msg:
		return true
	default:
		return false
	}
}

// run is the connection actor's event loop: a three-way select over
// inbound frames (decoded on a companion reader goroutine), outbound
// sends, and heartbeat ticks. It returns when ctx is canceled or the
// connection dies, after which the caller (Manager) tears the entry down.
func (c *connection) run(ctx context.Context, messageTx chan<- InboundMessage, disconnectTx chan<- string) {
	inbound := make(chan wire.Message, OutboundBufferSize)
	readErr := make(chan struct{}, 1)
	go c.readLoop(inbound, readErr)

	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-readErr:
			select {
			case disconnectTx <- c.Info.PeerID:
			case <-ctx.Done():
			}
			return

		case msg := <-inbound:
			select {
			case messageTx <- InboundMessage{PeerID: c.Info.PeerID, Message: msg}:
			case <-ctx.Done():
				return
			}

		case msg := <-c.outbound:
			line, err := wire.Encode(msg)
			if err != nil {
				continue
			}
			if _, err := c.conn.Write(line); err != nil {
				select {
				case disconnectTx <- c.Info.PeerID:
				case <-ctx.Done():
				}
				return
			}
			if c.bytesSent != nil {
				c.bytesSent.Add(uint64(len(line)))
			}
			if c.bytesSentMetric != nil {
				c.bytesSentMetric.Add(float64(len(line)))
			}

		case <-ticker.C:
			c.send(wire.Heartbeat{PeerID: c.Info.PeerID, Timestamp: time.Now().Unix()})
		}
	}
}

// readLoop decodes LF-delimited JSON frames off the connection until it
// closes or errors, then signals readErr once.
func (c *connection) readLoop(inbound chan<- wire.Message, readErr chan<- struct{}) {
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if c.bytesReceived != nil {
			c.bytesReceived.Add(uint64(len(scanner.Bytes())))
		}
		if c.bytesReceivedMetric != nil {
			c.bytesReceivedMetric.Add(float64(len(scanner.Bytes())))
		}
		msg, err := wire.Decode(scanner.Bytes())
		if err != nil {
			continue
		}
		inbound <- msg
	}
	readErr <- struct{}{}
}
