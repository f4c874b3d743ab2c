// Package transport establishes the TLS 1.3 byte-stream connections peers
// communicate over. TLS here authenticates nothing: certificates are
// self-signed and accepted unconditionally (trust-on-first-use). Real
// endpoint authentication happens one layer up, in internal/handshake's
// Dilithium-signed key exchange.
package transport

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrTimeout is returned by Dial when the dial exceeds its deadline.
var ErrTimeout = errors.New("transport: timed out")

// ConnectTimeout bounds both TLS dial and accept handshakes.
const ConnectTimeout = 30 * time.Second

// curvePreferences resolves Open Question OQ-1: Go's stdlib crypto/tls
// only exposes the X25519-hybrid form of ML-KEM-768, not a standalone
// non-hybrid curve, so the spec's three-tier preference collapses to two.
var curvePreferences = []tls.CurveID{tls.X25519MLKEM768, tls.X25519}

var cipherSuites = []uint16{
	tls.TLS_AES_256_GCM_SHA384,
	tls.TLS_CHACHA20_POLY1305_SHA256,
	tls.TLS_AES_128_GCM_SHA256,
}

// PeerFingerprint returns the SHA-256 fingerprint of a certificate leaf,
// logged by internal/node purely for diagnostics; it has no bearing on
// whether the connection is accepted.
func PeerFingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return fmt.Sprintf("%x", sum)
}

// tofuConfig builds a *tls.Config shared by Listen and Dial: TLS 1.3 only,
// the hybrid curve preference, and a VerifyPeerCertificate callback that
// always succeeds (trust-on-first-use), mirroring the Rust original's
// ServerCertVerifier/ClientCertVerifier that unconditionally assert
// success.
func tofuConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates:          []tls.Certificate{cert},
		MinVersion:            tls.VersionTLS13,
		CurvePreferences:      curvePreferences,
		CipherSuites:          cipherSuites,
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error { return nil },
	}
}

// Listener accepts incoming TLS connections.
type Listener struct {
	net.Listener
}

// Listen binds addr and wraps it with a TOFU TLS config presenting cert.
func Listen(addr string, cert tls.Certificate) (*Listener, error) {
	ln, err := tls.Listen("tcp", addr, tofuConfig(cert))
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	return &Listener{Listener: ln}, nil
}

// Dial connects to addr over TLS, applying ConnectTimeout unless ctx
// already carries a tighter deadline.
func Dial(ctx context.Context, addr string, cert tls.Certificate) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: ConnectTimeout}

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	cfg := tofuConfig(cert)
	cfg.ServerName = host

	tlsDialer := &tls.Dialer{NetDialer: dialer, Config: cfg}
	conn, err := tlsDialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return conn, nil
}
