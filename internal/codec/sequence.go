package codec

import (
	"sync"
	"sync/atomic"
)

// SequenceManager tracks the local outbound sequence counter and, per
// remote peer fingerprint, the highest sequence number accepted so far.
// Inbound acceptance is strictly monotone: a sequence number at or below
// the last one accepted for a given fingerprint is rejected as a replay
// or reorder.
type SequenceManager struct {
	outbound atomic.Uint64

	mu       sync.Mutex
	lastSeen map[string]uint64
}

// NewSequenceManager returns a manager with its outbound counter starting
// at 1 (0 is reserved, matching the spec's monotone-from-1 convention).
func NewSequenceManager() *SequenceManager {
	sm := &SequenceManager{lastSeen: make(map[string]uint64)}
	return sm
}

// Next returns the next outbound sequence number. A wrap past
// math.MaxUint64 is an invariant violation the spec calls out explicitly,
// not a recoverable error, so it panics rather than silently wrapping to 0.
func (s *SequenceManager) Next() uint64 {
	n := s.outbound.Add(1)
	if n == 0 {
		panic("codec: outbound sequence counter wrapped")
	}
	return n
}

// Check reports whether seq is acceptable as the next inbound sequence
// number from fingerprint (strictly greater than the last one accepted),
// without recording it. Callers that must not advance the high-water mark
// until some later step succeeds (e.g. codec.Decrypt, which only commits
// after a successful AEAD open) use Check then Commit separately.
func (s *SequenceManager) Check(fingerprint string, seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastSeen[fingerprint]
	return !ok || seq > last
}

// Commit records seq as the new high-water mark for fingerprint.
func (s *SequenceManager) Commit(fingerprint string, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen[fingerprint] = seq
}

// ResetPeer clears the replay-protection state for fingerprint, called
// when a fresh session (reconnect, new handshake) is established.
func (s *SequenceManager) ResetPeer(fingerprint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lastSeen, fingerprint)
}
