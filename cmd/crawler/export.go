package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/config"
	"github.com/JakeFAU/crawl-orchestrator/internal/dataset"
	"github.com/JakeFAU/crawl-orchestrator/internal/server"
)

type exportOptions struct {
	format string
	out    string
	object string
}

func newExportCmd() *cobra.Command {
	var opts exportOptions
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the stored dataset",
		Long: `Writes the dataset to stdout, a file, or (with --object) the configured
blob store. Storage is opened without purging.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runExport(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.format, "format", "", "json, jsonl or csv (default export.format)")
	cmd.Flags().StringVarP(&opts.out, "out", "o", "-", "output file, - for stdout")
	cmd.Flags().StringVar(&opts.object, "object", "", "upload to this path in the blob store instead")
	return cmd
}

// openExisting builds the application over stored state without touching it.
func openExisting(ctx context.Context, e *env) (*server.App, error) {
	cfg := e.cfg
	cfg.Storage.PurgeOnStart = false
	cfg.Server.Enabled = false
	cfg.PubSub = config.PubSubConfig{}
	return server.Build(ctx, cfg, e.logger, nil)
}

func runExport(cmd *cobra.Command, opts exportOptions) (err error) {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	name := opts.format
	if name == "" {
		name = e.cfg.Export.Format
	}
	format, err := dataset.ParseFormat(name)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	app, err := openExisting(ctx, e)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := app.Close(context.WithoutCancel(ctx)); cerr != nil {
			e.logger.Warn("shutdown incomplete", zap.Error(cerr))
		}
	}()

	if opts.object != "" {
		uri, err := app.Dataset().ExportTo(ctx, app.Blob(), path.Join(e.cfg.Export.Prefix, opts.object), format)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), uri)
		return nil
	}

	var w io.Writer = cmd.OutOrStdout()
	if opts.out != "-" {
		f, err := os.Create(opts.out)
		if err != nil {
			return fmt.Errorf("create %s: %w", opts.out, err)
		}
		defer func() {
			if cerr := f.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("close %s: %w", opts.out, cerr)
			}
		}()
		w = f
	}
	return app.Dataset().Export(ctx, w, format)
}
