// main.go - Transfer daemon.
//
// Loads or builds the ledger, then either serves it over HTTP (listen_addr set) or runs the
// configured transfers as one batch, writing a CBOR proof bundle per accepted transfer and
// the verifying key of each program used. A batch may also verify bundle files produced by
// another process, using verifying keys imported from verifying_keys or found in key_dir.
// In both modes the committed ledger is saved to ledger_path on exit.
//
// Usage:
//
//	transferd [config.json]
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"ledgerproof/internal/backend"
	"ledgerproof/internal/backend/snark"
	"ledgerproof/internal/ledger"
	"ledgerproof/internal/logging"
	"ledgerproof/internal/metrics"
	"ledgerproof/internal/oracle"
	"ledgerproof/internal/program"
	"ledgerproof/internal/scheduler"
	"ledgerproof/internal/server"
)

const defaultConfigPath = "transferd.json"

func main() {
	configPath := defaultConfigPath
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	if err := run(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "transferd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, closer, err := logging.New(logging.Config{
		Level:     cfg.LogLevel,
		File:      cfg.LogFile,
		AuditFile: cfg.AuditLogPath,
		Console:   cfg.Console,
	})
	if err != nil {
		return err
	}
	defer closer.Close()
	logging.RouteGnark(logger)

	tree, err := openLedger(cfg)
	if err != nil {
		return err
	}
	logger.Info().
		Str("root", tree.Root().String()).
		Int("accounts", tree.Len()).
		Int("depth", tree.Depth()).
		Msg("ledger loaded")

	m := metrics.New()
	prover, err := snark.New(cfg.CacheSize,
		snark.WithLogger(logging.Component(logger, "snark")),
		snark.WithMetrics(m),
		snark.WithKeyDir(cfg.KeyDir),
		snark.WithMaxDepth(cfg.MaxDepth),
	)
	if err != nil {
		return err
	}
	if err := importVerifyingKeys(prover, cfg.VerifyingKeys); err != nil {
		return err
	}
	o := oracle.NewWithProver(prover,
		oracle.WithLogger(logging.Component(logger, "oracle")),
		oracle.WithMetrics(m),
		oracle.WithTimeout(cfg.Timeout()),
	)
	state := ledger.NewState(tree)
	sched := scheduler.New(state, o,
		scheduler.WithLogger(logging.Component(logger, "scheduler")),
		scheduler.WithMetrics(m),
		scheduler.WithConcurrency(cfg.MaxConcurrency),
		scheduler.WithMaxRetries(cfg.MaxRetries),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.ListenAddr != "" {
		err = serve(ctx, cfg, logger, sched, prover, m)
	} else {
		err = runBatch(ctx, cfg, logger, sched, prover)
	}

	if cfg.LedgerPath != "" {
		if serr := state.Snapshot().SaveToFile(cfg.LedgerPath); serr != nil {
			logger.Error().Err(serr).Str("path", cfg.LedgerPath).Msg("failed to save ledger")
			err = errors.Join(err, serr)
		} else {
			logger.Info().Str("path", cfg.LedgerPath).Uint64("version", state.Version()).Msg("ledger saved")
		}
	}
	return err
}

// openLedger loads the ledger snapshot at cfg.LedgerPath if there is one, otherwise builds
// a fresh ledger from cfg.Balances.
func openLedger(cfg *Config) (*ledger.Tree, error) {
	if cfg.LedgerPath != "" {
		if _, err := os.Stat(cfg.LedgerPath); err == nil {
			return ledger.LoadTreeFromFile(cfg.LedgerPath, cfg.MaxDepth)
		}
	}
	return ledger.BuildFromBalances(cfg.Balances, cfg.MaxDepth)
}

func serve(ctx context.Context, cfg *Config, logger zerolog.Logger, sched *scheduler.Scheduler, prover *snark.Backend, m *metrics.Metrics) error {
	limiter, err := server.NewClientRateLimiter(cfg.RateLimit, cfg.RateBurst)
	if err != nil {
		return err
	}
	srv := server.New(sched, prover,
		server.WithLogger(logging.Component(logger, "server")),
		server.WithMetrics(m),
		server.WithRateLimiter(limiter),
	)
	depth := func() int { return sched.State().Snapshot().Depth() }
	srv.Health().RegisterComponent("backend", server.BackendCheck(prover, depth))
	go func() {
		if _, err := prover.Compile(ctx, depth()); err != nil {
			logger.Warn().Err(err).Int("depth", depth()).Msg("program warm-up failed")
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(cfg.ListenAddr) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}

func runBatch(ctx context.Context, cfg *Config, logger zerolog.Logger, sched *scheduler.Scheduler, prover *snark.Backend) error {
	if cfg.BundleDir != "" {
		if err := os.MkdirAll(cfg.BundleDir, 0o755); err != nil {
			return fmt.Errorf("failed to create bundle dir: %w", err)
		}
	}

	start := time.Now()
	results, err := sched.SubmitAll(ctx, cfg.Transfers)
	accepted := 0
	exported := make(map[program.ID]bool)
	for i, r := range results {
		if r.Outcome == nil {
			if r.Err != nil {
				logger.Warn().Err(r.Err).Int("transfer", i).Msg("transfer not run")
			}
			continue
		}
		out := r.Outcome
		if r.Err != nil || !out.Accepted() {
			logger.Warn().
				Err(r.Err).
				Int("transfer", i).
				Str("request", out.Request.String()).
				Stringer("reason", out.Reason).
				Msg("transfer rejected")
			continue
		}
		accepted++
		if cfg.BundleDir == "" {
			continue
		}
		path, werr := writeBundle(cfg.BundleDir, i, out)
		if werr != nil {
			logger.Error().Err(werr).Int("transfer", i).Msg("failed to write bundle")
			continue
		}
		logger.Info().Int("transfer", i).Str("bundle", path).Msg("bundle written")
		if !exported[out.Program.ID] {
			vk, verr := exportVerifyingKey(prover, cfg.BundleDir, out.Program)
			if verr != nil {
				logger.Error().Err(verr).Str("program", out.Program.ID.Short()).Msg("failed to export verifying key")
				continue
			}
			exported[out.Program.ID] = true
			logger.Info().Str("program", vk.Program).Int("depth", vk.Depth).Str("path", vk.Path).Msg("verifying key exported")
		}
	}

	balances, _ := sched.State().Snapshot().Balances()
	logger.Info().
		Int("accepted", accepted).
		Int("submitted", len(cfg.Transfers)).
		Str("root", sched.State().Root().String()).
		Interface("balances", balances).
		Dur("took", time.Since(start)).
		Msg("batch finished")

	if len(cfg.VerifyBundles) > 0 {
		err = errors.Join(err, verifyBundleFiles(ctx, prover, cfg.VerifyBundles, logger))
	}
	return err
}

func writeBundle(dir string, i int, out *oracle.Outcome) (string, error) {
	b, err := out.Bundle()
	if err != nil {
		return "", err
	}
	data, err := backend.EncodeBundle(b)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("transfer_%03d_%s.cbor", i, b.Program.Short()))
	return path, os.WriteFile(path, data, 0o644)
}
