package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/lapsync/engine/internal/config"
	"github.com/lapsync/engine/internal/laps"
	"github.com/lapsync/engine/internal/report"
	"github.com/lapsync/engine/internal/storage"
	"github.com/lapsync/engine/pkg/core"
	"github.com/spf13/cobra"
)

var reportFlags struct {
	start  time.Duration
	end    time.Duration
	marks  []time.Duration
	stream uint8
	save   bool
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Build a split report from marker positions",
	Example: `  lapsync report --start 0 --end 30s --mark 10.5s --mark 25s
  lapsync report --start 1m2s --end 3m --mark 1m50s --save`,
	RunE: func(cmd *cobra.Command, args []string) error {
		model := laps.New(laps.Config{MarkTolerance: config.GetLapConfig().MarkTolerance})
		if err := model.MarkStart(reportFlags.start); err != nil {
			return err
		}
		if cmd.Flags().Changed("end") {
			if err := model.MarkEnd(reportFlags.end); err != nil {
				return err
			}
		}
		for _, m := range reportFlags.marks {
			if err := model.AddInteriorMark(m); err != nil {
				return err
			}
		}

		rows := report.BuildFrom(model, report.DefaultLabel)
		if err := printReport(cmd.OutOrStdout(), "", rows); err != nil {
			return err
		}
		Logger.Info("Split report built", "laps", len(rows))

		if !reportFlags.save {
			return nil
		}
		r := &core.SplitReport{
			ID:        uuid.NewString(),
			SessionID: "cli-" + SessionStartTime.Format("20060102_150405"),
			Stream:    core.StreamID(reportFlags.stream),
			Rows:      rows,
			CreatedAt: time.Now(),
		}
		return saveReports(cmd.Context(), cmd.OutOrStdout(), r)
	},
}

func init() {
	f := reportCmd.Flags()
	f.DurationVar(&reportFlags.start, "start", 0, "split start position")
	f.DurationVar(&reportFlags.end, "end", 0, "split end position (open-ended when omitted)")
	f.DurationSliceVar(&reportFlags.marks, "mark", nil, "interior lap boundary (repeatable)")
	f.Uint8Var(&reportFlags.stream, "stream", 0, "stream slot recorded with a saved report")
	f.BoolVar(&reportFlags.save, "save", false, "store the report in the configured storage backend")
	rootCmd.AddCommand(reportCmd)
}

func printReport(w io.Writer, title string, rows []core.ReportRow) error {
	if title != "" {
		if _, err := fmt.Fprintln(w, title); err != nil {
			return err
		}
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if len(rows) == 0 {
		fmt.Fprintln(tw, "(no complete laps)")
	}
	for _, row := range rows {
		fmt.Fprintf(tw, "%s\t%s\n", row.Label, row.DurationText)
	}
	return tw.Flush()
}

func saveReports(ctx context.Context, w io.Writer, reports ...*core.SplitReport) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := config.GetStorageConfig()
	backend, err := storage.NewBackend(cfg, ZLogger)
	if err != nil {
		return err
	}
	if err := backend.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize %s storage: %w", cfg.Type, err)
	}
	defer backend.Close(ctx)

	for _, r := range reports {
		if err := backend.SaveReport(ctx, r); err != nil {
			return err
		}
		where := cfg.Type
		if exp, ok := backend.(storage.Exporter); ok && exp.LastExportPath() != "" {
			where = exp.LastExportPath()
		}
		fmt.Fprintf(w, "saved report %s (%s)\n", r.ID, where)
		Logger.Info("Report saved", "report", r.ID, "storage", cfg.Type)
	}
	return nil
}
