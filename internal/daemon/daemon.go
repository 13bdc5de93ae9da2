// Package daemon wires configuration, the Lightning client, the audit
// ledger, the mesh and the balancer core into a running node.
package daemon

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"lnflock/internal/balancer"
	"lnflock/internal/config"
	"lnflock/internal/ledger"
	"lnflock/internal/lightning"
	"lnflock/internal/metrics"
	"lnflock/internal/network"
)

type Runner struct {
	cfg     *config.Config
	log     *zap.Logger
	ln      lightning.Client
	metrics *metrics.Metrics
}

// Options lets tests substitute collaborators; production wiring
// leaves them nil.
type Options struct {
	Lightning lightning.Client
	Ledger    ledger.Store
}

func New(cfg *config.Config, log *zap.Logger, opts Options) (*Runner, error) {
	ln := opts.Lightning
	if ln == nil {
		client, err := lightning.DialLND(lightning.LNDConfig{
			Address:      cfg.LND.Address,
			TLSCertPath:  cfg.LND.TLSCertPath,
			MacaroonPath: cfg.LND.MacaroonPath,
		})
		if err != nil {
			return nil, fmt.Errorf("lightning client: %w", err)
		}
		ln = client
	}
	r := &Runner{
		cfg:     cfg,
		log:     log,
		ln:      ln,
		metrics: metrics.New(),
	}
	return r, nil
}

// Run blocks until ctx is cancelled, then shuts the node down in
// order: monitor first, mesh second, Lightning client last. In-flight
// payments on the node finish on their own.
func (r *Runner) Run(ctx context.Context) error {
	info, err := r.ln.GetWalletInfo(ctx)
	if err != nil {
		return fmt.Errorf("wallet info: %w", err)
	}
	r.log.Info("wallet identified",
		zap.String("pubkey", info.PublicKey),
		zap.String("alias", info.Alias),
		zap.String("version", info.Version))

	nodeCfg, ok := r.cfg.Node(info.Alias)
	if !ok {
		r.log.Warn("no settings section for alias, using defaults", zap.String("alias", info.Alias))
		nodeCfg = defaultNodeSettings(info.Alias)
	}
	settings := settingsFromConfig(nodeCfg)

	store := r.storeFromConfig(ctx)
	if store == nil {
		return fmt.Errorf("ledger backend %q unavailable", r.cfg.Ledger.Backend)
	}

	mesh, err := network.New(network.Config{
		Secret:      r.cfg.Secret,
		ListenAddrs: r.cfg.ListenAddrs,
		Logger:      r.log.Named("mesh"),
		Metrics:     r.metrics,
	})
	if err != nil {
		return fmt.Errorf("mesh: %w", err)
	}

	core := balancer.New(balancer.Options{
		Logger:    r.log.Named("balancer"),
		Lightning: r.ln,
		Ledger:    store,
		Sender:    mesh,
		Metrics:   r.metrics,
		Settings:  settings,
	})
	core.SetIdentity(info)

	if err := mesh.Start(ctx, core, r.cfg.BootstrapAddrs); err != nil {
		return fmt.Errorf("mesh start: %w", err)
	}

	stopSnap := make(chan struct{})
	go r.snapshotLoop(stopSnap)

	ticker := time.NewTicker(settings.RefreshRate)
	defer ticker.Stop()
	core.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			close(stopSnap)
			if err := mesh.Close(); err != nil {
				r.log.Warn("mesh close failed", zap.Error(err))
			}
			if err := r.ln.Close(); err != nil {
				r.log.Warn("lightning close failed", zap.Error(err))
			}
			r.log.Info("shutdown complete")
			return nil
		case <-ticker.C:
			core.Tick(ctx)
		}
	}
}

func (r *Runner) snapshotLoop(stop <-chan struct{}) {
	if r.cfg.SnapshotPath == "" {
		return
	}
	interval := r.cfg.SnapshotRate.Std()
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := r.metrics.WriteSnapshot(r.cfg.SnapshotPath); err != nil {
				r.log.Debug("snapshot write failed", zap.Error(err))
			}
		case <-stop:
			return
		}
	}
}

func (r *Runner) storeFromConfig(ctx context.Context) ledger.Store {
	switch r.cfg.Ledger.Backend {
	case "file":
		return ledger.NewFile(r.cfg.Ledger.Path)
	case "postgres":
		store, err := ledger.DialPostgres(ctx, r.cfg.Ledger.DSN)
		if err != nil {
			r.log.Error("postgres ledger unavailable", zap.Error(err))
			return nil
		}
		return store
	default:
		return ledger.NewMemory()
	}
}

func defaultNodeSettings(alias string) config.NodeSettings {
	return config.NodeSettings{
		Alias:                  alias,
		RefreshRate:            config.DefaultRefreshRate,
		BalancePoint:           config.DefaultBalancePoint,
		Deadzone:               config.DefaultDeadzone,
		MinTimeBetweenPayments: config.Duration(10 * time.Minute),
		LimitsPeriod:           config.Duration(24 * time.Hour),
	}
}

// settingsFromConfig resolves a config section into the balancer's
// settings, materializing the per-channel overrides.
func settingsFromConfig(n config.NodeSettings) balancer.Settings {
	s := balancer.Settings{
		RefreshRate:              time.Duration(n.RefreshRate) * time.Second,
		BalancePoint:             n.BalancePoint,
		Deadzone:                 n.Deadzone,
		MinTimeBetweenPayments:   n.MinTimeBetweenPayments.Std(),
		LimitsPeriod:             n.LimitsPeriod.Std(),
		UseRollingLimitsPeriod:   n.UseRollingLimitsPeriod,
		MaxTransactionsPerPeriod: n.MaxTransactionsPerPeriod,
	}
	if n.MaxTransactionSize > 0 {
		s.MaxTransactionSize = big.NewInt(n.MaxTransactionSize)
	}
	if n.MaxAmountPerPeriod > 0 {
		s.MaxAmountPerPeriod = big.NewInt(n.MaxAmountPerPeriod)
	}
	if len(n.Channels) > 0 {
		s.PerChannel = make(map[string]balancer.Tuning, len(n.Channels))
		for _, ch := range n.Channels {
			bp, dz, maxTx := n.Tuning(ch.ID)
			s.PerChannel[ch.ID] = balancer.Tuning{
				BalancePoint:       bp,
				Deadzone:           dz,
				MaxTransactionSize: maxTx,
			}
		}
	}
	return s
}
