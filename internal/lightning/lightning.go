// Package lightning defines the Lightning node contract the balancer
// is programmed against, plus the gRPC client for LND.
package lightning

import (
	"context"
	"math/big"
	"time"
)

// WalletInfo identifies the local Lightning node.
type WalletInfo struct {
	PublicKey string
	Alias     string
	Version   string
}

// Channel is one entry of the channel view. Balances and capacity are
// arbitrary-precision token counts; localBalance+remoteBalance never
// exceeds capacity.
type Channel struct {
	ID               string
	PartnerPublicKey string
	LocalBalance     *big.Int
	RemoteBalance    *big.Int
	Capacity         *big.Int
	IsActive         bool
	IsOpening        bool
	IsClosing        bool
	IsPrivate        bool
}

// InvoiceParams describes the invoice to create for a rebalance.
type InvoiceParams struct {
	Description string
	ExpiresAt   time.Time
	Tokens      *big.Int
}

// Invoice is a freshly created BOLT-11 payment request.
type Invoice struct {
	Request string
}

// DecodedRequest is the relevant subset of a decoded BOLT-11 request.
type DecodedRequest struct {
	Tokens      *big.Int
	Destination string
	Description string
	ExpiresAt   time.Time
}

// PayParams pins a payment to an outgoing channel.
type PayParams struct {
	Request         string
	OutgoingChannel string
}

// Payment is the outcome of a pay attempt.
type Payment struct {
	ID            string
	IsConfirmed   bool
	ConfirmedAt   time.Time
	FailureReason string
}

// Client is the collaborator contract. All calls may block on the
// node's RPC surface and honor ctx cancellation.
type Client interface {
	GetWalletInfo(ctx context.Context) (WalletInfo, error)
	GetChannels(ctx context.Context) ([]Channel, error)
	CreateInvoice(ctx context.Context, params InvoiceParams) (Invoice, error)
	DecodePaymentRequest(ctx context.Context, request string) (DecodedRequest, error)
	Pay(ctx context.Context, params PayParams) (Payment, error)
	Close() error
}
