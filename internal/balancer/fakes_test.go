package balancer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"lnflock/internal/lightning"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeLightning struct {
	mu          sync.Mutex
	info        lightning.WalletInfo
	channels    []lightning.Channel
	channelsErr error
	invoiceErr  error
	decoded     map[string]lightning.DecodedRequest
	decodeErr   error
	payment     lightning.Payment
	payErr      error
	payCalls    []lightning.PayParams
	invoiceSeq  int
}

func (f *fakeLightning) GetWalletInfo(ctx context.Context) (lightning.WalletInfo, error) {
	return f.info, nil
}

func (f *fakeLightning) GetChannels(ctx context.Context) ([]lightning.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.channelsErr != nil {
		return nil, f.channelsErr
	}
	out := make([]lightning.Channel, len(f.channels))
	copy(out, f.channels)
	return out, nil
}

func (f *fakeLightning) setChannels(chs ...lightning.Channel) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels = chs
}

func (f *fakeLightning) CreateInvoice(ctx context.Context, params lightning.InvoiceParams) (lightning.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.invoiceErr != nil {
		return lightning.Invoice{}, f.invoiceErr
	}
	f.invoiceSeq++
	return lightning.Invoice{Request: fmt.Sprintf("lnbc-fake-%d", f.invoiceSeq)}, nil
}

func (f *fakeLightning) DecodePaymentRequest(ctx context.Context, request string) (lightning.DecodedRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.decodeErr != nil {
		return lightning.DecodedRequest{}, f.decodeErr
	}
	d, ok := f.decoded[request]
	if !ok {
		return lightning.DecodedRequest{}, fmt.Errorf("unknown invoice %q", request)
	}
	return d, nil
}

func (f *fakeLightning) Pay(ctx context.Context, params lightning.PayParams) (lightning.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payCalls = append(f.payCalls, params)
	if f.payErr != nil {
		return lightning.Payment{}, f.payErr
	}
	return f.payment, nil
}

func (f *fakeLightning) payCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payCalls)
}

func (f *fakeLightning) Close() error { return nil }

type sentMessage struct {
	peer    string
	payload any
}

type fakeSender struct {
	mu    sync.Mutex
	sends []sentMessage
	err   error
}

func (s *fakeSender) Send(peerID string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sends = append(s.sends, sentMessage{peer: peerID, payload: payload})
	return nil
}

func (s *fakeSender) all() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sentMessage, len(s.sends))
	copy(out, s.sends)
	return out
}
