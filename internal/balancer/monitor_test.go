package balancer

import (
	"math/big"
	"testing"

	"lnflock/internal/lightning"
)

func channel(local, remote, capacity int64) lightning.Channel {
	return lightning.Channel{
		ID:            "c1",
		LocalBalance:  big.NewInt(local),
		RemoteBalance: big.NewInt(remote),
		Capacity:      big.NewInt(capacity),
		IsActive:      true,
	}
}

func TestOutOfBalance(t *testing.T) {
	cases := []struct {
		name     string
		ch       lightning.Channel
		bp, dz   float64
		expected bool
	}{
		{"well below threshold", channel(100000, 900000, 1000000), 0.5, 0.05, true},
		{"inside deadzone", channel(460000, 540000, 1000000), 0.5, 0.05, false},
		{"below threshold", channel(440000, 560000, 1000000), 0.5, 0.05, true},
		{"balanced", channel(500000, 500000, 1000000), 0.5, 0.05, false},
		{"deadzone exceeds point", channel(0, 1000000, 1000000), 0.3, 0.5, false},
		{"zero capacity", lightning.Channel{LocalBalance: big.NewInt(1), Capacity: big.NewInt(0)}, 0.5, 0.05, false},
	}
	for _, tc := range cases {
		if got := outOfBalance(tc.ch, tc.bp, tc.dz); got != tc.expected {
			t.Fatalf("%s: outOfBalance = %v", tc.name, got)
		}
	}
}

func TestRebalanceAmount(t *testing.T) {
	// Scenario: cap 1,000,000, local 100,000 -> target 500,000, ask 400,000.
	amt := rebalanceAmount(channel(100000, 900000, 1000000), 0.5, big.NewInt(500000))
	if amt == nil || amt.Int64() != 400000 {
		t.Fatalf("amount = %v", amt)
	}
}

func TestRebalanceAmountCapped(t *testing.T) {
	amt := rebalanceAmount(channel(0, 1000000, 1000000), 0.5, big.NewInt(200000))
	if amt == nil || amt.Int64() != 200000 {
		t.Fatalf("capped amount = %v", amt)
	}
}

func TestRebalanceAmountUncapped(t *testing.T) {
	amt := rebalanceAmount(channel(0, 1000000, 1000000), 0.5, nil)
	if amt == nil || amt.Int64() != 500000 {
		t.Fatalf("uncapped amount = %v", amt)
	}
}

func TestRebalanceAmountNonPositive(t *testing.T) {
	if amt := rebalanceAmount(channel(600000, 400000, 1000000), 0.5, nil); amt != nil {
		t.Fatalf("expected nil for surplus channel, got %v", amt)
	}
	if amt := rebalanceAmount(channel(500000, 500000, 1000000), 0.5, nil); amt != nil {
		t.Fatalf("expected nil for balanced channel, got %v", amt)
	}
}

func TestRebalanceAmountRoundsDown(t *testing.T) {
	amt := rebalanceAmount(channel(0, 3, 3), 0.5, nil)
	if amt == nil || amt.Int64() != 1 {
		t.Fatalf("floor(1.5) amount = %v", amt)
	}
}

func TestRebalanceAmountBeyondInt64(t *testing.T) {
	local, _ := new(big.Int).SetString("10000000000000000000", 10)
	remote, _ := new(big.Int).SetString("30000000000000000000", 10)
	capacity, _ := new(big.Int).SetString("40000000000000000000", 10)
	ch := lightning.Channel{ID: "c1", LocalBalance: local, RemoteBalance: remote, Capacity: capacity, IsActive: true}
	amt := rebalanceAmount(ch, 0.5, nil)
	want, _ := new(big.Int).SetString("10000000000000000000", 10)
	if amt == nil || amt.Cmp(want) != 0 {
		t.Fatalf("big amount = %v", amt)
	}
	if !outOfBalance(ch, 0.5, 0.05) {
		t.Fatalf("quarter-full big channel should be out of balance")
	}
}
