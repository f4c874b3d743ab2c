// Package codec turns session.Key material and wire.PlainMessage values
// into the AEAD-sealed wire.EncryptedMessage frames peers exchange, and
// back, enforcing replay/reorder rejection and a freshness window on the
// way in.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pivaldi/dpqmesh/internal/pqcrypto"
	"github.com/pivaldi/dpqmesh/internal/session"
	"github.com/pivaldi/dpqmesh/internal/wire"
)

// MaxAge is how old an EncryptedMessage's Timestamp may be before Decrypt
// rejects it as stale.
const MaxAge = 300 * time.Second

var (
	ErrNoSession       = errors.New("codec: no session for sender fingerprint")
	ErrStale           = errors.New("codec: message timestamp outside freshness window")
	ErrReplayOrReorder = errors.New("codec: sequence number already seen or out of order")
)

// Encrypt serializes plain to JSON, seals it under key with a fresh
// random nonce, and wraps the result in an EncryptedMessage tagged with
// senderFingerprint and the next sequence number from seqMgr.
func Encrypt(key [32]byte, senderFingerprint string, plain wire.PlainMessage, seqMgr *SequenceManager) (wire.EncryptedMessage, error) {
	payload, err := json.Marshal(plain)
	if err != nil {
		return wire.EncryptedMessage{}, fmt.Errorf("codec: marshal plaintext: %w", err)
	}

	sealed, err := pqcrypto.SealAESGCM(key[:], payload)
	if err != nil {
		return wire.EncryptedMessage{}, fmt.Errorf("codec: seal: %w", err)
	}

	return wire.EncryptedMessage{
		SenderFingerprint: senderFingerprint,
		EncryptedContent:  sealed,
		Timestamp:         time.Now().Unix(),
		MessageType:       plain.MessageType,
		Sequence:          seqMgr.Next(),
	}, nil
}

// Decrypt validates msg's freshness and sequence number against sessions
// and seqMgr, then opens and unmarshals its content. The session's
// last-seen sequence is advanced only once decryption actually succeeds.
func Decrypt(sessions *session.Manager, seqMgr *SequenceManager, msg wire.EncryptedMessage) (wire.PlainMessage, error) {
	key, ok := sessions.Get(msg.SenderFingerprint)
	if !ok {
		return wire.PlainMessage{}, ErrNoSession
	}

	age := time.Since(time.Unix(msg.Timestamp, 0))
	if age < 0 {
		age = -age
	}
	if age > MaxAge {
		return wire.PlainMessage{}, ErrStale
	}

	if !seqMgr.Check(msg.SenderFingerprint, msg.Sequence) {
		return wire.PlainMessage{}, ErrReplayOrReorder
	}

	payload, err := pqcrypto.OpenAESGCM(key.Key[:], msg.EncryptedContent)
	if err != nil {
		return wire.PlainMessage{}, fmt.Errorf("codec: open: %w", err)
	}

	var plain wire.PlainMessage
	if err := json.Unmarshal(payload, &plain); err != nil {
		return wire.PlainMessage{}, fmt.Errorf("codec: unmarshal plaintext: %w", err)
	}

	seqMgr.Commit(msg.SenderFingerprint, msg.Sequence)
	return plain, nil
}
