package main

import (
	"context"
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/server"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Print queue, dataset and statistics state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			app, err := openExisting(cmd.Context(), e)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := app.Close(context.WithoutCancel(cmd.Context())); cerr != nil {
					e.logger.Warn("shutdown incomplete", zap.Error(cerr))
				}
			}()
			return inspect(cmd.Context(), cmd.OutOrStdout(), app)
		},
	}
}

func inspect(ctx context.Context, w io.Writer, app *server.App) error {
	qm, err := app.Queue().Stats(ctx)
	if err != nil {
		return err
	}
	dm, err := app.Dataset().Metadata(ctx)
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("Storage")
	t.AppendHeader(table.Row{"Store", "Name", "Pending", "In progress", "Handled", "Failed", "Items"})
	t.AppendRow(table.Row{"queue", displayName(qm.Name, qm.Alias), qm.PendingCount, qm.InProgressCount, qm.HandledCount, qm.FailedCount, qm.TotalCount})
	t.AppendRow(table.Row{"dataset", displayName(dm.Name, dm.Alias), "", "", "", "", dm.ItemCount})
	t.SetStyle(table.StyleRounded)
	t.Render()

	summary := app.Stats().Summary()
	s := table.NewWriter()
	s.SetOutputMirror(w)
	s.SetTitle("Statistics")
	s.AppendHeader(table.Row{"Metric", "Value"})
	s.AppendRows([]table.Row{
		{"requests finished", summary.RequestsFinished},
		{"requests failed", summary.RequestsFailed},
		{"retries", summary.RequestsRetries},
		{"avg duration", summary.RequestAvgDuration},
		{"max duration", summary.RequestMaxDuration},
		{"retry histogram", fmt.Sprint(summary.RetryHistogram)},
	})
	s.SetStyle(table.StyleRounded)
	s.Render()

	groups := app.Stats().Errors().Groups()
	if len(groups) == 0 {
		return nil
	}
	g := table.NewWriter()
	g.SetOutputMirror(w)
	g.SetTitle("Errors")
	g.AppendHeader(table.Row{"Error", "Count"})
	for _, eg := range groups {
		g.AppendRow(table.Row{eg.Key, eg.Count})
	}
	g.SetStyle(table.StyleRounded)
	g.Render()
	return nil
}

func displayName(name, alias string) string {
	if name != "" {
		return name
	}
	return alias
}
