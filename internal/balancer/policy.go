package balancer

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"lnflock/internal/ledger"
	"lnflock/internal/lightning"
	"lnflock/internal/proto"
)

const (
	reasonInvalidRequest = "invalid request"
	reasonPaymentFailed  = "payment failed"
)

// acceptPayInvoice vets an inbound payment request and, when it
// passes, pays the invoice across the named channel. Whatever goes
// wrong, the peer always gets a result; panics and collaborator
// failures collapse into a generic payment failure.
func (c *Core) acceptPayInvoice(ctx context.Context, peerID string, req proto.PayInvoice) (res proto.PaymentResult) {
	res = req.Result()
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("pay handler panicked", zap.Any("panic", r))
			res.Confirmed = false
			res.Reason = reasonPaymentFailed
		}
	}()

	decoded, err := c.ln.DecodePaymentRequest(ctx, req.Invoice)
	if err != nil {
		c.log.Warn("invoice decode failed", zap.String("peer", peerID), zap.Error(err))
		c.metrics.IncPolicyRejected()
		res.Reason = reasonPaymentFailed
		return res
	}
	if req.Tokens == nil || decoded.Tokens == nil || decoded.Tokens.Cmp(req.Tokens) != 0 {
		c.log.Warn("token amount mismatch", zap.String("peer", peerID))
		c.metrics.IncPolicyRejected()
		res.Reason = reasonInvalidRequest
		return res
	}
	if decoded.Destination != req.PaidTo {
		c.log.Warn("invoice destination mismatch",
			zap.String("peer", peerID),
			zap.String("declared", req.PaidTo),
			zap.String("decoded", decoded.Destination))
		c.metrics.IncPolicyRejected()
		res.Reason = reasonInvalidRequest
		return res
	}

	channels, err := c.ln.GetChannels(ctx)
	if err != nil {
		c.log.Warn("channel refresh failed on pay request", zap.Error(err))
		res.Reason = reasonPaymentFailed
		return res
	}
	c.mu.Lock()
	c.replaceViewLocked(channels)
	ch, ok := c.view[req.ChannelID]
	self := c.identity.PublicKey
	c.mu.Unlock()
	if !ok {
		c.log.Warn("pay request for unknown channel",
			zap.String("peer", peerID), zap.String("channel", req.ChannelID))
		c.metrics.IncPolicyRejected()
		res.Reason = reasonInvalidRequest
		return res
	}
	if ch.PartnerPublicKey != req.PaidTo {
		c.log.Warn("pay request direction mismatch",
			zap.String("peer", peerID), zap.String("channel", req.ChannelID))
		c.metrics.IncPolicyRejected()
		res.Reason = reasonInvalidRequest
		return res
	}

	if err := checkWindow(ctx, c.store, self, req.Tokens, c.settings.windowLimits(), c.now()); err != nil {
		var limErr *LimitError
		if errors.As(err, &limErr) {
			c.log.Info("pay request rate limited",
				zap.String("peer", peerID), zap.String("reason", limErr.Reason))
			c.metrics.IncPolicyRejected()
			res.Reason = limErr.Reason
			res.RetryAt = limErr.RetryAt.UnixMilli()
			return res
		}
		c.log.Error("window check failed", zap.Error(err))
		res.Reason = reasonPaymentFailed
		return res
	}

	payment, payErr := c.ln.Pay(ctx, lightning.PayParams{
		Request:         req.Invoice,
		OutgoingChannel: req.ChannelID,
	})

	state := ledger.StateComplete
	if payErr != nil || !payment.IsConfirmed {
		state = ledger.StateFailed
	}
	entry := ledger.Entry{
		ID:        ledger.NewID(),
		PaidBy:    self,
		PaidTo:    req.PaidTo,
		ChannelID: req.ChannelID,
		Tokens:    req.Tokens,
		Invoice:   req.Invoice,
		State:     state,
		CreatedAt: c.now(),
	}
	if err := c.store.Add(ctx, entry); err != nil {
		c.log.Error("audit append failed", zap.Error(err))
	}

	if payErr != nil {
		c.log.Warn("payment failed", zap.String("channel", req.ChannelID), zap.Error(payErr))
		res.Reason = reasonPaymentFailed
		return res
	}
	res.Confirmed = payment.IsConfirmed
	res.PaymentID = payment.ID
	if payment.IsConfirmed {
		res.ConfirmedAt = payment.ConfirmedAt.UnixMilli()
		c.metrics.IncPaymentsPaid()
		c.log.Info("invoice paid",
			zap.String("channel", req.ChannelID),
			zap.String("paymentId", payment.ID))
	} else {
		res.Reason = reasonPaymentFailed
		if payment.FailureReason != "" {
			res.Reason = payment.FailureReason
		}
	}
	return res
}
