package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"path"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/config"
	"github.com/JakeFAU/crawl-orchestrator/internal/dataset"
	"github.com/JakeFAU/crawl-orchestrator/internal/events"
	"github.com/JakeFAU/crawl-orchestrator/internal/server"
)

type runOptions struct {
	seeds       []string
	seedsFile   string
	label       string
	maxDepth    int
	maxRequests int
	export      bool
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Seed the queue and crawl until it is finished",
		Long: `Enqueues the configured seeds (plus any --seed URLs), then crawls until the
queue is finished, the request cap is reached, or the process is interrupted.
SIGTERM announces a migration so state is persisted before shutdown.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd, opts)
		},
	}
	cmd.Flags().StringSliceVar(&opts.seeds, "seed", nil, "seed URL (repeatable)")
	cmd.Flags().StringVar(&opts.seedsFile, "seeds-file", "", "JSON5 seed list, overrides seeds_file")
	cmd.Flags().StringVar(&opts.label, "label", "", "label for --seed URLs")
	cmd.Flags().IntVar(&opts.maxDepth, "max-depth", 0, "follow same-host links this many levels from --seed URLs")
	cmd.Flags().IntVar(&opts.maxRequests, "max-requests", -1, "override queue.max_requests_per_crawl")
	cmd.Flags().BoolVar(&opts.export, "export", false, "export the dataset to the blob store when the crawl ends")
	return cmd
}

func runCrawl(cmd *cobra.Command, opts runOptions) error {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	cfg := e.cfg
	if opts.maxRequests >= 0 {
		cfg.Queue.MaxRequestsPerCrawl = opts.maxRequests
	}
	seeds, err := collectSeeds(cfg, opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT)
	defer stop()

	app, err := server.Build(ctx, cfg, e.logger, newRouter())
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		if cerr := app.Close(closeCtx); cerr != nil {
			e.logger.Warn("shutdown incomplete", zap.Error(cerr))
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go migrateOnTerm(ctx, app.Bus(), cancel, e.logger)

	if _, err := app.Seed(ctx, seeds); err != nil {
		return err
	}
	summary, err := app.Crawl(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run crawler: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "run %s: %d finished, %d failed, %d retries\n",
		app.RunID(), summary.RequestsFinished, summary.RequestsFailed, summary.RequestsRetries)

	if opts.export {
		format, err := dataset.ParseFormat(cfg.Export.Format)
		if err != nil {
			return err
		}
		object := path.Join(cfg.Export.Prefix, app.RunID()+"."+string(format))
		uri, err := app.Dataset().ExportTo(context.WithoutCancel(ctx), app.Blob(), object, format)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), uri)
	}
	return nil
}

// migrateOnTerm turns SIGTERM into a Migrating event, which pauses scaling and
// flushes state, then stops the run.
func migrateOnTerm(ctx context.Context, bus *events.Bus, cancel context.CancelFunc, logger *zap.Logger) {
	termCtx, stop := signal.NotifyContext(ctx, syscall.SIGTERM)
	defer stop()
	<-termCtx.Done()
	if ctx.Err() != nil {
		return
	}
	logger.Info("SIGTERM received, migrating")
	if err := bus.Emit(context.WithoutCancel(ctx), events.Event{Kind: events.Migrating, At: time.Now()}); err != nil {
		logger.Warn("migrating listeners failed", zap.Error(err))
	}
	cancel()
}

func collectSeeds(cfg config.Config, opts runOptions) ([]config.Seed, error) {
	seeds, err := config.ApplySeedDefaults(cfg.Seeds, cfg.SeedDefaults)
	if err != nil {
		return nil, err
	}
	file := cfg.SeedsFile
	if opts.seedsFile != "" {
		file = opts.seedsFile
	}
	if file != "" {
		fromFile, err := config.LoadSeeds(file, cfg.SeedDefaults)
		if err != nil {
			return nil, err
		}
		seeds = append(seeds, fromFile...)
	}
	for _, u := range opts.seeds {
		s := config.Seed{URL: u, Label: opts.label}
		if opts.maxDepth > 0 {
			s.UserData = map[string]any{keyMaxDepth: opts.maxDepth}
		}
		seeds = append(seeds, s)
	}
	// A named queue may resume from a previous run without new seeds.
	if len(seeds) == 0 && cfg.Queue.Name == "" {
		return nil, errors.New("no seeds: set seeds, seeds_file, or --seed")
	}
	return seeds, nil
}
