package proto

import (
	"encoding/json"
	"fmt"
	"math/big"
)

const (
	TypeHello         = "hello"
	TypePayInvoice    = "payInvoice"
	TypePaymentResult = "paymentResult"
)

// Hello advertises the sender's Lightning identity right after a
// session comes up.
type Hello struct {
	Type      string `json:"type"`
	PublicKey string `json:"publicKey"`
	Alias     string `json:"alias"`
}

// PayInvoice asks the receiving peer to pay Invoice across ChannelID.
// PaidTo names the payment destination and PaidBy names the receiver,
// so the responder can check the direction it is being asked to fund.
type PayInvoice struct {
	Type      string   `json:"type"`
	Invoice   string   `json:"invoice"`
	Tokens    *big.Int `json:"tokens"`
	ChannelID string   `json:"channelId"`
	PaidTo    string   `json:"paidTo"`
	PaidBy    string   `json:"paidBy"`
}

// PaymentResult echoes the PayInvoice fields plus the pay outcome.
// ConfirmedAt and RetryAt are milliseconds since epoch.
type PaymentResult struct {
	Type        string   `json:"type"`
	Invoice     string   `json:"invoice"`
	Tokens      *big.Int `json:"tokens"`
	ChannelID   string   `json:"channelId"`
	PaidTo      string   `json:"paidTo"`
	PaidBy      string   `json:"paidBy"`
	Confirmed   bool     `json:"confirmed"`
	PaymentID   string   `json:"paymentId,omitempty"`
	ConfirmedAt int64    `json:"confirmedAt,omitempty"`
	Reason      string   `json:"reason,omitempty"`
	RetryAt     int64    `json:"retryAt,omitempty"`
}

// Result builds a PaymentResult echoing the request.
func (p PayInvoice) Result() PaymentResult {
	return PaymentResult{
		Type:      TypePaymentResult,
		Invoice:   p.Invoice,
		Tokens:    p.Tokens,
		ChannelID: p.ChannelID,
		PaidTo:    p.PaidTo,
		PaidBy:    p.PaidBy,
	}
}

// MessageType extracts the payload discriminator without decoding the
// full message.
func MessageType(raw []byte) (string, error) {
	var hdr struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return "", err
	}
	if hdr.Type == "" {
		return "", fmt.Errorf("missing message type")
	}
	return hdr.Type, nil
}
