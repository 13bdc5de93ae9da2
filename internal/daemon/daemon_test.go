package daemon

import (
	"testing"
	"time"

	"lnflock/internal/config"
)

func TestSettingsFromConfig(t *testing.T) {
	bp := 0.6
	n := config.NodeSettings{
		Alias:                    "alice",
		RefreshRate:              15,
		BalancePoint:             0.5,
		Deadzone:                 0.05,
		MaxTransactionSize:       500000,
		MinTimeBetweenPayments:   config.Duration(10 * time.Minute),
		LimitsPeriod:             config.Duration(24 * time.Hour),
		UseRollingLimitsPeriod:   true,
		MaxTransactionsPerPeriod: 10,
		MaxAmountPerPeriod:       1000000,
		Channels: []config.ChannelSettings{
			{ID: "c1", BalancePoint: &bp},
		},
	}

	s := settingsFromConfig(n)
	if s.RefreshRate != 15*time.Second {
		t.Fatalf("refreshRate = %v", s.RefreshRate)
	}
	if s.MinTimeBetweenPayments != 10*time.Minute {
		t.Fatalf("minTimeBetweenPayments = %v", s.MinTimeBetweenPayments)
	}
	if s.MaxTransactionSize == nil || s.MaxTransactionSize.Int64() != 500000 {
		t.Fatalf("maxTransactionSize = %v", s.MaxTransactionSize)
	}
	if s.MaxAmountPerPeriod == nil || s.MaxAmountPerPeriod.Int64() != 1000000 {
		t.Fatalf("maxAmountPerPeriod = %v", s.MaxAmountPerPeriod)
	}
	tun, ok := s.PerChannel["c1"]
	if !ok {
		t.Fatalf("missing c1 override")
	}
	if tun.BalancePoint != 0.6 || tun.Deadzone != 0.05 {
		t.Fatalf("override tuning = %+v", tun)
	}
	if tun.MaxTransactionSize == nil || tun.MaxTransactionSize.Int64() != 500000 {
		t.Fatalf("override maxTx = %v", tun.MaxTransactionSize)
	}
}

func TestSettingsFromConfigZeroCaps(t *testing.T) {
	s := settingsFromConfig(config.NodeSettings{Alias: "a", RefreshRate: 30})
	if s.MaxTransactionSize != nil {
		t.Fatalf("zero maxTransactionSize should be uncapped")
	}
	if s.MaxAmountPerPeriod != nil {
		t.Fatalf("zero maxAmountPerPeriod should be uncapped")
	}
	if s.PerChannel != nil {
		t.Fatalf("no overrides expected")
	}
}

func TestDefaultNodeSettings(t *testing.T) {
	n := defaultNodeSettings("alice")
	if n.Alias != "alice" {
		t.Fatalf("alias = %s", n.Alias)
	}
	if n.RefreshRate != config.DefaultRefreshRate {
		t.Fatalf("refreshRate = %d", n.RefreshRate)
	}
	if n.LimitsPeriod.Std() != 24*time.Hour {
		t.Fatalf("limitsPeriod = %v", n.LimitsPeriod.Std())
	}
}
