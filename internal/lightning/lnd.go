package lightning

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

const (
	maxGRPCMsgSize    = 32 * 1024 * 1024
	payTimeoutSeconds = 60
	minFeeLimitSat    = 10
)

// LNDConfig locates an lnd instance and its credentials.
type LNDConfig struct {
	Address      string
	TLSCertPath  string
	MacaroonPath string
}

// LND talks to an lnd node over gRPC.
type LND struct {
	conn   *grpc.ClientConn
	ln     lnrpc.LightningClient
	router routerrpc.RouterClient
}

type macaroonCredential struct {
	macaroon string
}

func (m macaroonCredential) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{"macaroon": m.macaroon}, nil
}

func (m macaroonCredential) RequireTransportSecurity() bool { return true }

// DialLND connects to lnd with TLS and macaroon credentials.
func DialLND(cfg LNDConfig) (*LND, error) {
	creds, err := credentials.NewClientTLSFromFile(cfg.TLSCertPath, "")
	if err != nil {
		return nil, fmt.Errorf("load tls cert: %w", err)
	}
	mac, err := os.ReadFile(cfg.MacaroonPath)
	if err != nil {
		return nil, fmt.Errorf("read macaroon: %w", err)
	}
	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(creds),
		grpc.WithPerRPCCredentials(macaroonCredential{macaroon: hex.EncodeToString(mac)}),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxGRPCMsgSize)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial lnd: %w", err)
	}
	return &LND{
		conn:   conn,
		ln:     lnrpc.NewLightningClient(conn),
		router: routerrpc.NewRouterClient(conn),
	}, nil
}

func (c *LND) Close() error {
	return c.conn.Close()
}

func (c *LND) GetWalletInfo(ctx context.Context) (WalletInfo, error) {
	info, err := c.ln.GetInfo(ctx, &lnrpc.GetInfoRequest{})
	if err != nil {
		return WalletInfo{}, err
	}
	return WalletInfo{
		PublicKey: info.IdentityPubkey,
		Alias:     info.Alias,
		Version:   info.Version,
	}, nil
}

func (c *LND) GetChannels(ctx context.Context) ([]Channel, error) {
	resp, err := c.ln.ListChannels(ctx, &lnrpc.ListChannelsRequest{})
	if err != nil {
		return nil, err
	}
	out := make([]Channel, 0, len(resp.Channels))
	for _, ch := range resp.Channels {
		if ch == nil {
			continue
		}
		out = append(out, Channel{
			ID:               strconv.FormatUint(ch.ChanId, 10),
			PartnerPublicKey: ch.RemotePubkey,
			LocalBalance:     big.NewInt(ch.LocalBalance),
			RemoteBalance:    big.NewInt(ch.RemoteBalance),
			Capacity:         big.NewInt(ch.Capacity),
			IsActive:         ch.Active,
			IsPrivate:        ch.Private,
		})
	}
	return out, nil
}

func (c *LND) CreateInvoice(ctx context.Context, params InvoiceParams) (Invoice, error) {
	tokens, err := tokensToSat(params.Tokens)
	if err != nil {
		return Invoice{}, err
	}
	expiry := int64(time.Until(params.ExpiresAt).Seconds())
	if expiry <= 0 {
		return Invoice{}, fmt.Errorf("invoice already expired")
	}
	resp, err := c.ln.AddInvoice(ctx, &lnrpc.Invoice{
		Memo:   params.Description,
		Value:  tokens,
		Expiry: expiry,
	})
	if err != nil {
		return Invoice{}, err
	}
	return Invoice{Request: resp.PaymentRequest}, nil
}

func (c *LND) DecodePaymentRequest(ctx context.Context, request string) (DecodedRequest, error) {
	resp, err := c.ln.DecodePayReq(ctx, &lnrpc.PayReqString{PayReq: request})
	if err != nil {
		return DecodedRequest{}, err
	}
	return DecodedRequest{
		Tokens:      big.NewInt(resp.NumSatoshis),
		Destination: resp.Destination,
		Description: resp.Description,
		ExpiresAt:   time.Unix(resp.Timestamp+resp.Expiry, 0),
	}, nil
}

// Pay sends the payment pinned to the outgoing channel and blocks
// until the payment reaches a terminal state.
func (c *LND) Pay(ctx context.Context, params PayParams) (Payment, error) {
	chanID, err := strconv.ParseUint(params.OutgoingChannel, 10, 64)
	if err != nil {
		return Payment{}, fmt.Errorf("bad channel id %q: %w", params.OutgoingChannel, err)
	}
	decoded, err := c.DecodePaymentRequest(ctx, params.Request)
	if err != nil {
		return Payment{}, err
	}
	stream, err := c.router.SendPaymentV2(ctx, &routerrpc.SendPaymentRequest{
		PaymentRequest:  params.Request,
		OutgoingChanIds: []uint64{chanID},
		TimeoutSeconds:  payTimeoutSeconds,
		FeeLimitSat:     feeLimitSat(decoded.Tokens),
	})
	if err != nil {
		return Payment{}, err
	}
	for {
		update, err := stream.Recv()
		if err != nil {
			return Payment{}, err
		}
		switch update.Status {
		case lnrpc.Payment_SUCCEEDED:
			return Payment{
				ID:          update.PaymentHash,
				IsConfirmed: true,
				ConfirmedAt: settleTime(update),
			}, nil
		case lnrpc.Payment_FAILED:
			return Payment{
				ID:            update.PaymentHash,
				FailureReason: update.FailureReason.String(),
			}, nil
		}
	}
}

func settleTime(p *lnrpc.Payment) time.Time {
	for _, htlc := range p.Htlcs {
		if htlc.Status == lnrpc.HTLCAttempt_SUCCEEDED && htlc.ResolveTimeNs > 0 {
			return time.Unix(0, htlc.ResolveTimeNs)
		}
	}
	return time.Now()
}

// feeLimitSat allows 1% of the payment with a floor for tiny amounts.
func feeLimitSat(tokens *big.Int) int64 {
	if tokens == nil {
		return minFeeLimitSat
	}
	fee := new(big.Int).Quo(tokens, big.NewInt(100))
	if fee.Cmp(big.NewInt(minFeeLimitSat)) < 0 {
		return minFeeLimitSat
	}
	if !fee.IsInt64() {
		return minFeeLimitSat
	}
	return fee.Int64()
}

func tokensToSat(tokens *big.Int) (int64, error) {
	if tokens == nil || tokens.Sign() <= 0 {
		return 0, fmt.Errorf("invalid token amount")
	}
	if !tokens.IsInt64() {
		return 0, fmt.Errorf("token amount %s exceeds node range", tokens)
	}
	return tokens.Int64(), nil
}
