// Package ledger is the append-only audit log of rebalance
// transactions. Historical entries are never mutated; outcome entries
// are appended alongside their pending counterparts.
package ledger

import (
	"context"
	"math/big"
	"time"

	"github.com/gofrs/uuid/v5"
)

type State string

const (
	StatePending  State = "pending"
	StateComplete State = "complete"
	StateFailed   State = "failed"
)

// Entry is one audit transaction. PaidBy is the paying node's LN
// public key, PaidTo the destination's.
type Entry struct {
	ID        string    `json:"id"`
	PaidBy    string    `json:"paidBy"`
	PaidTo    string    `json:"paidTo"`
	ChannelID string    `json:"channelId"`
	Tokens    *big.Int  `json:"tokens"`
	Invoice   string    `json:"invoice"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
}

// Filter selects entries with CreatedAt >= Since and, when PaidBy is
// set, a matching payer.
type Filter struct {
	Since  time.Time
	PaidBy string
}

func (f Filter) matches(e Entry) bool {
	if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
		return false
	}
	if f.PaidBy != "" && e.PaidBy != f.PaidBy {
		return false
	}
	return true
}

// Store is the audit log contract.
type Store interface {
	Add(ctx context.Context, e Entry) error
	List(ctx context.Context, f Filter) ([]Entry, error)
}

// NewID returns a fresh entry ID.
func NewID() string {
	id, err := uuid.NewV4()
	if err != nil {
		return ""
	}
	return id.String()
}
