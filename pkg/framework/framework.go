package framework

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexflint/go-arg"
	"github.com/flare-foundation/go-flare-common/pkg/logger"
	"github.com/pkg/errors"
	"github.com/psyche-network/training-indexer/pkg/analysis"
	"github.com/psyche-network/training-indexer/pkg/api"
	"github.com/psyche-network/training-indexer/pkg/config"
	"github.com/psyche-network/training-indexer/pkg/indexer"
	"golang.org/x/sync/errgroup"
)

type CLIArgs struct {
	ConfigFile string `arg:"--config,env:CONFIG_FILE" default:"config.toml"`
}

// Run indexes every configured program and serves the read API until the
// process is interrupted or one of them fails.
func Run() error {
	var args CLIArgs
	arg.MustParse(&args)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return runWithArgs(ctx, args)
}

func runWithArgs(ctx context.Context, args CLIArgs) error {
	cfg, err := config.Load(args.ConfigFile)
	if err != nil {
		return err
	}

	logger.Set(cfg.Logger)

	build := config.ReadBuildVersion()
	logger.Infof("starting indexer %s (%s), %d programs", build.GitTag, build.GitHash, len(cfg.Programs))

	deps, err := newDependencies(cfg)
	if err != nil {
		return err
	}

	indexers := make([]*indexer.Indexer, 0, len(cfg.Programs))
	for _, program := range cfg.Programs {
		ix, err := newIndexer(cfg, program, deps)
		if err != nil {
			return errors.Wrapf(err, "%s program %s", program.Kind, program.Address)
		}
		indexers = append(indexers, ix)
	}

	eg, ctx := errgroup.WithContext(ctx)

	stores := make([]*analysis.Store, 0, len(indexers))
	for _, ix := range indexers {
		stores = append(stores, ix.Store())
		eg.Go(func() error {
			return errors.Wrapf(ix.Run(ctx), "indexer of %s", ix.Program())
		})
	}

	if cfg.API.Enabled {
		server := api.New(build, stores...)
		eg.Go(func() error {
			return server.Run(ctx, cfg.API.Address)
		})
	}

	if deps.db != nil && cfg.DB.QuarantineRetentionDays > 0 {
		eg.Go(func() error {
			deps.db.RunQuarantineDrop(ctx, cfg.DB.QuarantineRetention(), quarantineDropInterval)
			return nil
		})
	}

	err = eg.Wait()
	logger.Info("indexer stopped")

	return err
}
