package metrics

import (
	"encoding/json"
	"os"
	"sync/atomic"
	"time"
)

type Snapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	Envelope    EnvelopeMetrics  `json:"envelope"`
	Rebalance   RebalanceMetrics `json:"rebalance"`
	Peers       PeerMetrics      `json:"peers"`
}

type EnvelopeMetrics struct {
	Verified      uint64 `json:"verified"`
	DropSignature uint64 `json:"drop_signature"`
	DropStale     uint64 `json:"drop_stale"`
	DropUnknown   uint64 `json:"drop_unknown"`
	SendDropped   uint64 `json:"send_dropped"`
}

type RebalanceMetrics struct {
	Requested      uint64 `json:"requested"`
	Confirmed      uint64 `json:"confirmed"`
	Failed         uint64 `json:"failed"`
	PolicyRejected uint64 `json:"policy_rejected"`
	PaymentsPaid   uint64 `json:"payments_paid"`
}

type PeerMetrics struct {
	SessionsUp   uint64 `json:"sessions_up"`
	SessionsDown uint64 `json:"sessions_down"`
}

type Metrics struct {
	envelopeVerified atomic.Uint64
	dropSignature    atomic.Uint64
	dropStale        atomic.Uint64
	dropUnknown      atomic.Uint64
	sendDropped      atomic.Uint64
	requested        atomic.Uint64
	confirmed        atomic.Uint64
	failed           atomic.Uint64
	policyRejected   atomic.Uint64
	paymentsPaid     atomic.Uint64
	sessionsUp       atomic.Uint64
	sessionsDown     atomic.Uint64
}

func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncEnvelopeVerified() { m.envelopeVerified.Add(1) }
func (m *Metrics) IncDropSignature()    { m.dropSignature.Add(1) }
func (m *Metrics) IncDropStale()        { m.dropStale.Add(1) }
func (m *Metrics) IncDropUnknown()      { m.dropUnknown.Add(1) }
func (m *Metrics) IncSendDropped()      { m.sendDropped.Add(1) }
func (m *Metrics) IncRequested()        { m.requested.Add(1) }
func (m *Metrics) IncConfirmed()        { m.confirmed.Add(1) }
func (m *Metrics) IncFailed()           { m.failed.Add(1) }
func (m *Metrics) IncPolicyRejected()   { m.policyRejected.Add(1) }
func (m *Metrics) IncPaymentsPaid()     { m.paymentsPaid.Add(1) }
func (m *Metrics) IncSessionsUp()       { m.sessionsUp.Add(1) }
func (m *Metrics) IncSessionsDown()     { m.sessionsDown.Add(1) }

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Envelope: EnvelopeMetrics{
			Verified:      m.envelopeVerified.Load(),
			DropSignature: m.dropSignature.Load(),
			DropStale:     m.dropStale.Load(),
			DropUnknown:   m.dropUnknown.Load(),
			SendDropped:   m.sendDropped.Load(),
		},
		Rebalance: RebalanceMetrics{
			Requested:      m.requested.Load(),
			Confirmed:      m.confirmed.Load(),
			Failed:         m.failed.Load(),
			PolicyRejected: m.policyRejected.Load(),
			PaymentsPaid:   m.paymentsPaid.Load(),
		},
		Peers: PeerMetrics{
			SessionsUp:   m.sessionsUp.Load(),
			SessionsDown: m.sessionsDown.Load(),
		},
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
