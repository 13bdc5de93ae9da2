package balancer

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"lnflock/internal/ledger"
)

// LimitError is a window-limit rejection carrying the point in time
// the requester may try again.
type LimitError struct {
	Reason  string
	RetryAt time.Time
}

func (e *LimitError) Error() string { return e.Reason }

// Limiter holds the per-channel rebalance blocks. A block is inserted
// the moment a rebalance is dispatched and keeps further attempts off
// the channel until it expires, is cleared by a confirmation, or is
// extended by a remote retryAt.
type Limiter struct {
	mu     sync.Mutex
	blocks map[string]time.Time
}

func NewLimiter() *Limiter {
	return &Limiter{blocks: make(map[string]time.Time)}
}

func (l *Limiter) Blocked(channelID string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	until, ok := l.blocks[channelID]
	if !ok {
		return false
	}
	if !until.After(now) {
		delete(l.blocks, channelID)
		return false
	}
	return true
}

func (l *Limiter) Block(channelID string, until time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blocks[channelID] = until
}

func (l *Limiter) Clear(channelID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.blocks, channelID)
}

// WindowLimits caps how many rebalances a node pays and how much
// volume it moves within one limits period.
type WindowLimits struct {
	Period          time.Duration
	Rolling         bool
	MaxTransactions int
	MaxAmount       *big.Int
}

func (w WindowLimits) enabled() bool {
	return w.Period > 0 && (w.MaxTransactions > 0 || w.MaxAmount != nil)
}

// windowStart computes the lower bound of the active window: a sliding
// lookback when rolling, otherwise the start of the fixed period slot
// now falls into.
func windowStart(now time.Time, period time.Duration, rolling bool) time.Time {
	if rolling {
		return now.Add(-period)
	}
	ms := now.UnixMilli()
	p := period.Milliseconds()
	return time.UnixMilli(ms - ms%p)
}

// checkWindow vets a candidate payment against the audit log. The
// caller is the paying node, so entries are filtered by its own LN
// public key.
func checkWindow(ctx context.Context, store ledger.Store, selfPubKey string, candidate *big.Int, lim WindowLimits, now time.Time) error {
	if !lim.enabled() {
		return nil
	}
	since := windowStart(now, lim.Period, lim.Rolling)
	entries, err := store.List(ctx, ledger.Filter{Since: since, PaidBy: selfPubKey})
	if err != nil {
		return err
	}
	retryAt := since.Add(lim.Period).Add(time.Millisecond)
	if lim.MaxTransactions > 0 && len(entries) >= lim.MaxTransactions {
		return &LimitError{
			Reason:  fmt.Sprintf("too many payments in window. Limit is %d", lim.MaxTransactions),
			RetryAt: retryAt,
		}
	}
	if lim.MaxAmount != nil {
		sum := new(big.Int)
		for _, e := range entries {
			if e.Tokens != nil {
				sum.Add(sum, e.Tokens)
			}
		}
		if candidate != nil {
			sum.Add(sum, candidate)
		}
		if sum.Cmp(lim.MaxAmount) > 0 {
			return &LimitError{
				Reason:  fmt.Sprintf("window amount exceeded. Limit is %s", lim.MaxAmount),
				RetryAt: retryAt,
			}
		}
	}
	return nil
}
