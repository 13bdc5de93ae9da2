package balancer

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"lnflock/internal/ledger"
	"lnflock/internal/lightning"
	"lnflock/internal/proto"
)

// The responder in these tests is 02bb paying toward 02aa across c1.
func newResponder(t *testing.T) (*Core, *fakeLightning, *ledger.Memory, *fakeClock) {
	t.Helper()
	ln := &fakeLightning{
		info:    lightning.WalletInfo{PublicKey: "02bb", Alias: "bob"},
		decoded: make(map[string]lightning.DecodedRequest),
	}
	ln.setChannels(lightning.Channel{
		ID:               "c1",
		PartnerPublicKey: "02aa",
		LocalBalance:     big.NewInt(900000),
		RemoteBalance:    big.NewInt(100000),
		Capacity:         big.NewInt(1000000),
		IsActive:         true,
	})
	store := ledger.NewMemory()
	clk := newFakeClock()
	c := New(Options{
		Lightning: ln,
		Ledger:    store,
		Sender:    &fakeSender{},
		Settings:  testSettings(),
		Now:       clk.Now,
	})
	c.SetIdentity(lightning.WalletInfo{PublicKey: "02bb", Alias: "bob"})
	return c, ln, store, clk
}

func payRequest() proto.PayInvoice {
	return proto.PayInvoice{
		Type:      proto.TypePayInvoice,
		Invoice:   "lnbc1",
		Tokens:    big.NewInt(400000),
		ChannelID: "c1",
		PaidTo:    "02aa",
		PaidBy:    "02bb",
	}
}

func TestAcceptPaysValidRequest(t *testing.T) {
	c, ln, store, clk := newResponder(t)
	ln.decoded["lnbc1"] = lightning.DecodedRequest{Tokens: big.NewInt(400000), Destination: "02aa"}
	confirmedAt := clk.Now().Add(2 * time.Second)
	ln.payment = lightning.Payment{ID: "hash1", IsConfirmed: true, ConfirmedAt: confirmedAt}

	res := c.acceptPayInvoice(context.Background(), "p1", payRequest())
	if !res.Confirmed {
		t.Fatalf("expected confirmed result: %+v", res)
	}
	if res.PaymentID != "hash1" || res.ConfirmedAt != confirmedAt.UnixMilli() {
		t.Fatalf("result fields: %+v", res)
	}
	if res.ChannelID != "c1" || res.Invoice != "lnbc1" {
		t.Fatalf("result echo: %+v", res)
	}

	if len(ln.payCalls) != 1 {
		t.Fatalf("pay calls = %d", len(ln.payCalls))
	}
	if ln.payCalls[0].OutgoingChannel != "c1" {
		t.Fatalf("outgoing channel not pinned: %+v", ln.payCalls[0])
	}

	entries, _ := store.List(context.Background(), ledger.Filter{})
	if len(entries) != 1 || entries[0].State != ledger.StateComplete {
		t.Fatalf("audit entries: %+v", entries)
	}
	if entries[0].PaidBy != "02bb" || entries[0].PaidTo != "02aa" {
		t.Fatalf("audit direction: %+v", entries[0])
	}
}

func TestAcceptRejectsTokenMismatch(t *testing.T) {
	c, ln, _, _ := newResponder(t)
	ln.decoded["lnbc1"] = lightning.DecodedRequest{Tokens: big.NewInt(999), Destination: "02aa"}

	res := c.acceptPayInvoice(context.Background(), "p1", payRequest())
	if res.Confirmed || res.Reason != "invalid request" {
		t.Fatalf("result: %+v", res)
	}
	if ln.payCount() != 0 {
		t.Fatalf("payment attempted despite mismatch")
	}
}

func TestAcceptRejectsDestinationMismatch(t *testing.T) {
	c, ln, _, _ := newResponder(t)
	ln.decoded["lnbc1"] = lightning.DecodedRequest{Tokens: big.NewInt(400000), Destination: "02yy"}

	res := c.acceptPayInvoice(context.Background(), "p1", payRequest())
	if res.Confirmed || res.Reason != "invalid request" {
		t.Fatalf("result: %+v", res)
	}
	if ln.payCount() != 0 {
		t.Fatalf("payment attempted despite mismatch")
	}
}

func TestAcceptRejectsUnknownChannel(t *testing.T) {
	c, ln, _, _ := newResponder(t)
	ln.decoded["lnbc1"] = lightning.DecodedRequest{Tokens: big.NewInt(400000), Destination: "02aa"}
	req := payRequest()
	req.ChannelID = "c404"

	res := c.acceptPayInvoice(context.Background(), "p1", req)
	if res.Confirmed || res.Reason != "invalid request" {
		t.Fatalf("result: %+v", res)
	}
}

func TestAcceptRejectsDirectionMismatch(t *testing.T) {
	c, ln, _, _ := newResponder(t)
	// Invoice destination matches the declared paidTo, but the channel's
	// far side is someone else entirely.
	ln.decoded["lnbc1"] = lightning.DecodedRequest{Tokens: big.NewInt(400000), Destination: "02zz"}
	req := payRequest()
	req.PaidTo = "02zz"

	res := c.acceptPayInvoice(context.Background(), "p1", req)
	if res.Confirmed || res.Reason != "invalid request" {
		t.Fatalf("result: %+v", res)
	}
	if ln.payCount() != 0 {
		t.Fatalf("payment attempted despite mismatch")
	}
}

func TestAcceptAppliesWindowLimits(t *testing.T) {
	c, ln, store, clk := newResponder(t)
	ln.decoded["lnbc1"] = lightning.DecodedRequest{Tokens: big.NewInt(400000), Destination: "02aa"}
	c.settings.MaxTransactionsPerPeriod = 1
	if err := store.Add(context.Background(), ledger.Entry{
		ID: "seed", PaidBy: "02bb", Tokens: big.NewInt(1),
		State: ledger.StateComplete, CreatedAt: clk.Now().Add(-time.Hour),
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	res := c.acceptPayInvoice(context.Background(), "p1", payRequest())
	if res.Confirmed {
		t.Fatalf("expected rejection: %+v", res)
	}
	if res.Reason != "too many payments in window. Limit is 1" {
		t.Fatalf("reason = %q", res.Reason)
	}
	if res.RetryAt == 0 {
		t.Fatalf("missing retryAt")
	}
	if ln.payCount() != 0 {
		t.Fatalf("payment attempted despite limit")
	}
}

func TestAcceptRecordsFailedPayment(t *testing.T) {
	c, ln, store, _ := newResponder(t)
	ln.decoded["lnbc1"] = lightning.DecodedRequest{Tokens: big.NewInt(400000), Destination: "02aa"}
	ln.payErr = errors.New("no route")

	res := c.acceptPayInvoice(context.Background(), "p1", payRequest())
	if res.Confirmed || res.Reason != "payment failed" {
		t.Fatalf("result: %+v", res)
	}
	entries, _ := store.List(context.Background(), ledger.Filter{})
	if len(entries) != 1 || entries[0].State != ledger.StateFailed {
		t.Fatalf("audit entries: %+v", entries)
	}
}

func TestAcceptUnconfirmedPaymentCarriesReason(t *testing.T) {
	c, ln, store, _ := newResponder(t)
	ln.decoded["lnbc1"] = lightning.DecodedRequest{Tokens: big.NewInt(400000), Destination: "02aa"}
	ln.payment = lightning.Payment{ID: "hash1", IsConfirmed: false, FailureReason: "FAILURE_REASON_TIMEOUT"}

	res := c.acceptPayInvoice(context.Background(), "p1", payRequest())
	if res.Confirmed {
		t.Fatalf("expected unconfirmed: %+v", res)
	}
	if res.Reason != "FAILURE_REASON_TIMEOUT" {
		t.Fatalf("reason = %q", res.Reason)
	}
	entries, _ := store.List(context.Background(), ledger.Filter{})
	if len(entries) != 1 || entries[0].State != ledger.StateFailed {
		t.Fatalf("audit entries: %+v", entries)
	}
}

func TestAcceptDecodeFailureIsGeneric(t *testing.T) {
	c, ln, store, _ := newResponder(t)
	ln.decodeErr = errors.New("checksum mismatch")

	res := c.acceptPayInvoice(context.Background(), "p1", payRequest())
	if res.Confirmed || res.Reason != "payment failed" {
		t.Fatalf("result: %+v", res)
	}
	entries, _ := store.List(context.Background(), ledger.Filter{})
	if len(entries) != 0 {
		t.Fatalf("decode failure should not reach the audit log: %+v", entries)
	}
}

func TestAcceptChannelRefreshFailureIsGeneric(t *testing.T) {
	c, ln, _, _ := newResponder(t)
	ln.decoded["lnbc1"] = lightning.DecodedRequest{Tokens: big.NewInt(400000), Destination: "02aa"}
	ln.channelsErr = errors.New("rpc unavailable")

	res := c.acceptPayInvoice(context.Background(), "p1", payRequest())
	if res.Confirmed || res.Reason != "payment failed" {
		t.Fatalf("result: %+v", res)
	}
}
