package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pivaldi/dpqmesh/internal/node"
)

// repl is the interactive console driving a running Node: a stdin reader
// goroutine, an event-printer goroutine, and a command loop, adapted from
// the teacher's own console/RPEL split into three cooperating pieces
// instead of one request/response channel.
type repl struct {
	node    *node.Node
	events  <-chan node.Event
	lines   chan string
	printMu sync.Mutex
	done    chan struct{}
}

func newRepl(n *node.Node, events <-chan node.Event) *repl {
	r := &repl{
		node:   n,
		events: events,
		lines:  make(chan string),
		done:   make(chan struct{}),
	}

	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			r.lines <- sc.Text()
		}
		close(r.lines)
	}()

	go r.printEvents()

	return r
}

func (r *repl) printEvents() {
	for {
		select {
		case ev, ok := <-r.events:
			if !ok {
				return
			}
			r.printEvent(ev)
		case <-r.done:
			return
		}
	}
}

func (r *repl) printEvent(ev node.Event) {
	switch e := ev.(type) {
	case node.PeerConnected:
		r.Printf("[+] peer connected: %s (%s)\n", e.PeerID, e.Fingerprint)
	case node.PeerDisconnected:
		r.Printf("[-] peer disconnected: %s (%s)\n", e.PeerID, e.Reason)
	case node.MessageReceived:
		if e.Fingerprint != "" {
			r.Printf("[dm from %s] %s\n", e.Fingerprint, e.Content)
		} else {
			r.Printf("[%s] %s\n", e.From, e.Content)
		}
	case node.PeersDiscovered:
		r.Printf("[discovery] %d peer(s) found\n", len(e.Peers))
	case node.ErrorEvent:
		r.Printf("[error] %s\n", e.Text)
	case node.TopologyChanged:
		// quiet: /peers and connect/disconnect events already cover this
	}
}

// Run drives the command loop until /quit is entered or stdin closes.
func (r *repl) Run() {
	defer close(r.done)

	for {
		r.Printf("> ")
		line, ok := <-r.lines
		if !ok {
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		switch {
		case line == "/quit" || line == "/exit":
			return
		case line == "/peers":
			r.printStats()
		case strings.HasPrefix(line, "/connect"):
			r.handleConnect(line)
		case strings.HasPrefix(line, "@"):
			r.handleDirect(line)
		default:
			if err := r.node.SendChatMessage(line); err != nil {
				r.Printf("broadcast failed: %v\n", err)
			}
		}
	}
}

func (r *repl) printStats() {
	stats := r.node.Stats()
	r.Printf("connected peers: %d  sent: %d  received: %d  bytes out/in: %d/%d\n",
		stats.ConnectedPeers, stats.MessagesSent, stats.MessagesReceived,
		stats.BytesSent, stats.BytesReceived)
}

func (r *repl) handleConnect(line string) {
	_, rest, ok := splitFirstWord(line)
	if !ok || rest == "" {
		r.Printf("usage: /connect <addr> [fingerprint]\n")
		return
	}

	addr, fingerprint, _ := splitFirstWord(rest)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	peerID, err := r.node.Connect(ctx, addr, fingerprint)
	if err != nil {
		r.Printf("connect failed: %v\n", err)
		return
	}
	r.Printf("dialed %s, peer id %s\n", addr, peerID)
}

func (r *repl) handleDirect(line string) {
	toTag, msg, ok := splitFirstWord(line)
	if !ok || msg == "" {
		r.Printf("usage: @fingerprint <message>\n")
		return
	}

	fingerprint := strings.TrimPrefix(toTag, "@")
	if fingerprint == r.node.Fingerprint() {
		r.Printf("can't send to self\n")
		return
	}

	if err := r.node.SendDirectMessage(fingerprint, msg); err != nil {
		r.Printf("send failed: %v\n", err)
	}
}

func (r *repl) Printf(format string, args ...any) {
	r.printMu.Lock()
	defer r.printMu.Unlock()
	fmt.Printf(format, args...)
}
