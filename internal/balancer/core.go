// Package balancer holds the rebalancing state machine: the channel
// view, channel-to-peer bindings, the watch list, rate limiting and
// the request/response handlers. All shared state sits behind one
// coarse mutex; the mutex is never held across a collaborator call.
package balancer

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"

	"lnflock/internal/ledger"
	"lnflock/internal/lightning"
	"lnflock/internal/metrics"
	"lnflock/internal/proto"
)

const invoiceExpiry = 30 * time.Second

// Sender delivers a payload to a mesh peer. Implementations sign and
// frame; an unknown peer is logged and dropped, never queued.
type Sender interface {
	Send(peerID string, payload any) error
}

// Tuning is the per-channel slice of the settings.
type Tuning struct {
	BalancePoint       float64
	Deadzone           float64
	MaxTransactionSize *big.Int
}

// Settings are the resolved tunables for the local alias.
type Settings struct {
	RefreshRate              time.Duration
	BalancePoint             float64
	Deadzone                 float64
	MaxTransactionSize       *big.Int
	MinTimeBetweenPayments   time.Duration
	LimitsPeriod             time.Duration
	UseRollingLimitsPeriod   bool
	MaxTransactionsPerPeriod int
	MaxAmountPerPeriod       *big.Int
	PerChannel               map[string]Tuning
}

func (s Settings) tuning(channelID string) Tuning {
	if t, ok := s.PerChannel[channelID]; ok {
		return t
	}
	return Tuning{
		BalancePoint:       s.BalancePoint,
		Deadzone:           s.Deadzone,
		MaxTransactionSize: s.MaxTransactionSize,
	}
}

func (s Settings) windowLimits() WindowLimits {
	return WindowLimits{
		Period:          s.LimitsPeriod,
		Rolling:         s.UseRollingLimitsPeriod,
		MaxTransactions: s.MaxTransactionsPerPeriod,
		MaxAmount:       s.MaxAmountPerPeriod,
	}
}

type binding struct {
	peer         string
	remotePubKey string
}

type Core struct {
	log      *zap.Logger
	ln       lightning.Client
	store    ledger.Store
	sender   Sender
	limiter  *Limiter
	metrics  *metrics.Metrics
	settings Settings
	now      func() time.Time

	mu       sync.Mutex
	identity lightning.WalletInfo
	view     map[string]lightning.Channel
	bindings map[string]binding
	watch    map[string]struct{}
}

type Options struct {
	Logger    *zap.Logger
	Lightning lightning.Client
	Ledger    ledger.Store
	Sender    Sender
	Metrics   *metrics.Metrics
	Settings  Settings
	Now       func() time.Time
}

func New(opts Options) *Core {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Core{
		log:      log,
		ln:       opts.Lightning,
		store:    opts.Ledger,
		sender:   opts.Sender,
		limiter:  NewLimiter(),
		metrics:  m,
		settings: opts.Settings,
		now:      now,
		view:     make(map[string]lightning.Channel),
		bindings: make(map[string]binding),
		watch:    make(map[string]struct{}),
	}
}

// SetIdentity records the local LN identity obtained at startup.
func (c *Core) SetIdentity(info lightning.WalletInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = info
}

// PeerUp greets a freshly connected peer with our LN identity.
func (c *Core) PeerUp(ctx context.Context, peerID string) {
	c.mu.Lock()
	hello := proto.Hello{
		Type:      proto.TypeHello,
		PublicKey: c.identity.PublicKey,
		Alias:     c.identity.Alias,
	}
	c.mu.Unlock()
	c.metrics.IncSessionsUp()
	if err := c.sender.Send(peerID, hello); err != nil {
		c.log.Warn("hello send failed", zap.String("peer", peerID), zap.Error(err))
	}
}

// PeerDown drops every binding owned by the peer and unwatches the
// corresponding channels.
func (c *Core) PeerDown(ctx context.Context, peerID string) {
	c.mu.Lock()
	var removed []string
	for id, b := range c.bindings {
		if b.peer == peerID {
			delete(c.bindings, id)
			delete(c.watch, id)
			removed = append(removed, id)
		}
	}
	c.mu.Unlock()
	c.metrics.IncSessionsDown()
	if len(removed) > 0 {
		c.log.Info("peer gone, channels unwatched",
			zap.String("peer", peerID), zap.Strings("channels", removed))
	}
}

// Message dispatches one verified payload from a peer. Unknown types
// are logged and dropped.
func (c *Core) Message(ctx context.Context, peerID string, payload []byte) {
	typ, err := proto.MessageType(payload)
	if err != nil {
		c.metrics.IncDropUnknown()
		c.log.Warn("undecodable message", zap.String("peer", peerID), zap.Error(err))
		return
	}
	switch typ {
	case proto.TypeHello:
		var h proto.Hello
		if err := json.Unmarshal(payload, &h); err != nil {
			c.metrics.IncDropUnknown()
			return
		}
		c.onHello(ctx, peerID, h)
	case proto.TypePayInvoice:
		var req proto.PayInvoice
		if err := json.Unmarshal(payload, &req); err != nil {
			c.metrics.IncDropUnknown()
			return
		}
		res := c.acceptPayInvoice(ctx, peerID, req)
		if err := c.sender.Send(peerID, res); err != nil {
			c.log.Warn("result send failed", zap.String("peer", peerID), zap.Error(err))
		}
	case proto.TypePaymentResult:
		var res proto.PaymentResult
		if err := json.Unmarshal(payload, &res); err != nil {
			c.metrics.IncDropUnknown()
			return
		}
		c.onPaymentResult(ctx, peerID, res)
	default:
		c.metrics.IncDropUnknown()
		c.log.Info("unknown message type", zap.String("peer", peerID), zap.String("type", typ))
	}
}

// onHello binds every shared channel to the greeting peer and starts
// watching it. A later greeting claiming the same channels wins.
func (c *Core) onHello(ctx context.Context, peerID string, h proto.Hello) {
	channels, err := c.ln.GetChannels(ctx)
	if err != nil {
		c.log.Warn("channel refresh failed on hello", zap.Error(err))
		return
	}
	c.mu.Lock()
	c.replaceViewLocked(channels)
	var bound []string
	for _, ch := range channels {
		if ch.PartnerPublicKey != h.PublicKey {
			continue
		}
		c.bindings[ch.ID] = binding{peer: peerID, remotePubKey: h.PublicKey}
		c.watch[ch.ID] = struct{}{}
		bound = append(bound, ch.ID)
	}
	c.mu.Unlock()
	c.log.Info("peer greeted",
		zap.String("peer", peerID),
		zap.String("alias", h.Alias),
		zap.Strings("channels", bound))
}

// onPaymentResult records the outcome and clears or extends the
// channel's block. A result for an unblocked channel is still
// recorded.
func (c *Core) onPaymentResult(ctx context.Context, peerID string, res proto.PaymentResult) {
	state := ledger.StateFailed
	if res.Confirmed {
		state = ledger.StateComplete
	}
	entry := ledger.Entry{
		ID:        ledger.NewID(),
		PaidBy:    res.PaidBy,
		PaidTo:    res.PaidTo,
		ChannelID: res.ChannelID,
		Tokens:    res.Tokens,
		Invoice:   res.Invoice,
		State:     state,
		CreatedAt: c.now(),
	}
	if err := c.store.Add(ctx, entry); err != nil {
		c.log.Error("audit append failed", zap.Error(err))
	}
	switch {
	case res.Confirmed:
		c.limiter.Clear(res.ChannelID)
		c.metrics.IncConfirmed()
		c.log.Info("rebalance confirmed",
			zap.String("channel", res.ChannelID),
			zap.String("paymentId", res.PaymentID))
	case res.RetryAt > 0:
		c.limiter.Block(res.ChannelID, time.UnixMilli(res.RetryAt))
		c.metrics.IncFailed()
		c.log.Info("rebalance deferred",
			zap.String("channel", res.ChannelID),
			zap.String("reason", res.Reason),
			zap.Time("retryAt", time.UnixMilli(res.RetryAt)))
	default:
		c.metrics.IncFailed()
		c.log.Info("rebalance failed",
			zap.String("channel", res.ChannelID),
			zap.String("reason", res.Reason))
	}
}

type candidate struct {
	channel lightning.Channel
	amount  *big.Int
	bind    binding
}

// Tick runs one monitor pass: refresh the view, drop vanished watched
// channels, and dispatch a rebalance request for each watched channel
// that is active, out of balance and not rate limited.
func (c *Core) Tick(ctx context.Context) {
	channels, err := c.ln.GetChannels(ctx)
	if err != nil {
		c.log.Warn("channel refresh failed", zap.Error(err))
		return
	}
	c.mu.Lock()
	c.replaceViewLocked(channels)
	self := c.identity.PublicKey
	var candidates []candidate
	for id := range c.watch {
		ch, ok := c.view[id]
		if !ok {
			delete(c.watch, id)
			delete(c.bindings, id)
			c.log.Info("watched channel missing", zap.String("channel", id))
			continue
		}
		if !ch.IsActive {
			continue
		}
		t := c.settings.tuning(id)
		if !outOfBalance(ch, t.BalancePoint, t.Deadzone) {
			continue
		}
		amount := rebalanceAmount(ch, t.BalancePoint, t.MaxTransactionSize)
		if amount == nil {
			continue
		}
		bind, ok := c.bindings[id]
		if !ok {
			continue
		}
		candidates = append(candidates, candidate{channel: ch, amount: amount, bind: bind})
	}
	c.mu.Unlock()

	for _, cand := range candidates {
		if c.limiter.Blocked(cand.channel.ID, c.now()) {
			continue
		}
		if err := c.requestRebalance(ctx, self, cand); err != nil {
			c.log.Warn("rebalance request failed", zap.String("channel", cand.channel.ID), zap.Error(err))
			return
		}
	}
}

// requestRebalance creates the invoice, records the pending entry,
// blocks the channel, and only then asks the peer to pay. The block
// must exist before the send so two back-to-back ticks cannot both
// fire.
func (c *Core) requestRebalance(ctx context.Context, self string, cand candidate) error {
	now := c.now()
	invoice, err := c.ln.CreateInvoice(ctx, lightning.InvoiceParams{
		Description: fmt.Sprintf("rebalance channel %s", cand.channel.ID),
		ExpiresAt:   now.Add(invoiceExpiry),
		Tokens:      cand.amount,
	})
	if err != nil {
		return err
	}
	entry := ledger.Entry{
		ID:        ledger.NewID(),
		PaidBy:    cand.bind.remotePubKey,
		PaidTo:    self,
		ChannelID: cand.channel.ID,
		Tokens:    cand.amount,
		Invoice:   invoice.Request,
		State:     ledger.StatePending,
		CreatedAt: now,
	}
	if err := c.store.Add(ctx, entry); err != nil {
		return err
	}
	c.limiter.Block(cand.channel.ID, now.Add(c.settings.MinTimeBetweenPayments))
	req := proto.PayInvoice{
		Type:      proto.TypePayInvoice,
		Invoice:   invoice.Request,
		Tokens:    cand.amount,
		ChannelID: cand.channel.ID,
		PaidTo:    self,
		PaidBy:    cand.bind.remotePubKey,
	}
	c.metrics.IncRequested()
	c.log.Info("rebalance requested",
		zap.String("channel", cand.channel.ID),
		zap.String("peer", cand.bind.peer),
		zap.String("tokens", cand.amount.String()))
	if err := c.sender.Send(cand.bind.peer, req); err != nil {
		c.log.Warn("payInvoice send failed", zap.String("peer", cand.bind.peer), zap.Error(err))
	}
	return nil
}

// replaceViewLocked swaps the cached view wholesale. Callers hold mu.
func (c *Core) replaceViewLocked(channels []lightning.Channel) {
	view := make(map[string]lightning.Channel, len(channels))
	for _, ch := range channels {
		if ch.LocalBalance != nil && ch.RemoteBalance != nil && ch.Capacity != nil {
			sum := new(big.Int).Add(ch.LocalBalance, ch.RemoteBalance)
			if sum.Cmp(ch.Capacity) > 0 {
				c.log.Warn("channel balances exceed capacity", zap.String("channel", ch.ID))
			}
		}
		view[ch.ID] = ch
	}
	c.view = view
}

// Watched reports the current watch list; used by tests and status.
func (c *Core) Watched() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.watch))
	for id := range c.watch {
		out = append(out, id)
	}
	return out
}
