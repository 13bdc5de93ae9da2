package proto

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"golang.org/x/crypto/blake2b"
)

// FreshnessWindow bounds |now - timestamp| for an envelope to be
// accepted. Clocks in a cluster may drift either way, so the window is
// symmetric.
const FreshnessWindow = 5 * time.Second

var (
	ErrBadSignature = errors.New("bad signature")
	ErrStaleMessage = errors.New("stale message")
)

// Envelope is the outer wire record. Message holds the application
// payload, Timestamp is sender-clock milliseconds since epoch, and
// Signature authenticates both against the cluster secret.
type Envelope struct {
	Message   json.RawMessage `json:"message"`
	Timestamp int64           `json:"timestamp"`
	Signature string          `json:"signature"`
}

// Canonical re-encodes a JSON document with object keys sorted at
// every depth and number digits preserved verbatim. Both ends of a
// session must produce identical bytes for the same logical payload
// or signatures will not verify.
func Canonical(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// Seal wraps payload in a signed envelope stamped with now.
func Seal(secret, senderID []byte, now time.Time, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	canonical, err := Canonical(raw)
	if err != nil {
		return Envelope{}, err
	}
	ts := now.UnixMilli()
	sig, err := tag(secret, senderID, ts, canonical)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Message:   canonical,
		Timestamp: ts,
		Signature: hex.EncodeToString(sig),
	}, nil
}

// Verify recomputes the tag with the sender's identity and checks the
// freshness window. The caller supplies senderID from the session, not
// from the message.
func (e Envelope) Verify(secret, senderID []byte, now time.Time) error {
	canonical, err := Canonical(e.Message)
	if err != nil {
		return ErrBadSignature
	}
	want, err := tag(secret, senderID, e.Timestamp, canonical)
	if err != nil {
		return err
	}
	got, err := hex.DecodeString(e.Signature)
	if err != nil {
		return ErrBadSignature
	}
	if subtle.ConstantTimeCompare(want, got) != 1 {
		return ErrBadSignature
	}
	age := now.Sub(time.UnixMilli(e.Timestamp))
	if age < 0 {
		age = -age
	}
	if age > FreshnessWindow {
		return ErrStaleMessage
	}
	return nil
}

// tag is a keyed BLAKE2b-256 over timestamp || senderID || canonical.
// Keys longer than BLAKE2b allows are reduced with SHA-256 first, the
// same way HMAC handles oversized keys.
func tag(secret, senderID []byte, ts int64, canonical []byte) ([]byte, error) {
	key := secret
	if len(key) > blake2b.Size {
		sum := sha256.Sum256(key)
		key = sum[:]
	}
	h, err := blake2b.New256(key)
	if err != nil {
		return nil, err
	}
	h.Write([]byte(strconv.FormatInt(ts, 10)))
	h.Write(senderID)
	h.Write(canonical)
	return h.Sum(nil), nil
}
