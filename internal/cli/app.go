package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/evidence/internal/config"
	"github.com/roach88/evidence/internal/engine"
	"github.com/roach88/evidence/internal/fee"
	"github.com/roach88/evidence/internal/metrics"
	"github.com/roach88/evidence/internal/modules"
	"github.com/roach88/evidence/internal/proof"
	"github.com/roach88/evidence/internal/replay"
	"github.com/roach88/evidence/internal/store"
)

// app is the engine wired from configuration, shared by the ledger commands.
type app struct {
	cfg        config.Config
	logger     *slog.Logger
	metrics    *metrics.Metrics
	store      *store.Store
	exec       *engine.Executor
	verifier   *replay.Verifier
	dispatcher *engine.Dispatcher
}

func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.DBPath = opts.Database
	}
	return cfg, nil
}

// newExecutor builds the fee schedules, module registry and executor.
// It touches no storage.
func newExecutor(cfg config.Config) (*engine.Executor, error) {
	fees, err := loadFeeEngine(cfg.FeeSchedulePath)
	if err != nil {
		return nil, err
	}
	archived := make([]*fee.Engine, 0, len(cfg.FeeScheduleArchive))
	for _, path := range cfg.FeeScheduleArchive {
		e, err := loadFeeEngine(path)
		if err != nil {
			return nil, err
		}
		archived = append(archived, e)
	}

	verifier := proof.DigestVerifier{Key: []byte(cfg.ProofKey)}
	for _, k := range cfg.RetiredProofKeys {
		verifier.Retired = append(verifier.Retired, []byte(k))
	}

	registry := modules.NewRegistry(verifier)
	exec, err := engine.NewExecutor(fees, registry, cfg.TreasuryAddress, cfg.FeeAsset, archived...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to build executor", err)
	}
	return exec, nil
}

// loadFeeEngine loads the schedule at path, or the embedded one if path is
// empty.
func loadFeeEngine(path string) (*fee.Engine, error) {
	if path == "" {
		fees, err := fee.Default()
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "invalid fee schedule", err)
		}
		return fees, nil
	}
	sched, err := fee.LoadSchedule(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load fee schedule", err)
	}
	fees, err := fee.NewEngine(sched)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid fee schedule", err)
	}
	return fees, nil
}

// openApp loads config, opens the ledger and wires dispatcher and verifier.
// withMetrics registers Prometheus collectors; one-shot commands skip them.
func openApp(ctx context.Context, opts *RootOptions, cmd *cobra.Command, withMetrics bool) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger := cfg.NewLogger(cmd.ErrOrStderr(), opts.Verbose)

	exec, err := newExecutor(cfg)
	if err != nil {
		return nil, err
	}

	var m *metrics.Metrics
	if withMetrics {
		m = metrics.New()
	}

	logger.Debug("opening ledger", "path", cfg.DBPath)
	st, err := store.Open(cfg.DBPath, store.WithCacheSize(cfg.LedgerCacheSize))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	verifier := replay.NewVerifier(st, exec,
		replay.WithLogger(logger),
		replay.WithMetrics(m),
		replay.WithWorkers(cfg.ReplayWorkers),
	)
	d, err := engine.NewDispatcher(ctx, st, exec,
		engine.WithLogger(logger),
		engine.WithMetrics(m),
		engine.WithReplayChecker(verifier, cfg.VerifyOnSubmit),
	)
	if err != nil {
		_ = st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to start dispatcher", err)
	}

	return &app{
		cfg:        cfg,
		logger:     logger,
		metrics:    m,
		store:      st,
		exec:       exec,
		verifier:   verifier,
		dispatcher: d,
	}, nil
}

func (a *app) Close() error {
	if err := a.store.Close(); err != nil {
		return fmt.Errorf("close ledger: %w", err)
	}
	return nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
