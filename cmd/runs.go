package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/decidekit/internal/model"
	"github.com/sells-group/decidekit/internal/monitoring"
	"github.com/sells-group/decidekit/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect analysis run history",
	Long:  "Commands for listing, viewing, and summarizing analysis runs.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List analysis runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		stage, _ := cmd.Flags().GetString("stage")
		userID, _ := cmd.Flags().GetInt64("user-id")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := store.RunFilter{Limit: limit}
		if stage != "" {
			s, err := model.ParseStage(stage)
			if err != nil {
				return eris.Wrap(err, "runs list")
			}
			filter.Stage = s
		}
		if userID > 0 {
			filter.UserID = &userID
		}

		runs, err := st.ListRuns(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show the full report of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		report, err := st.GetReport(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

// -- runs status --

var runsStatusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show the observable status of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs status")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(model.BuildStatus(run))
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate run statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		since, _ := cmd.Flags().GetDuration("since")
		runs, err := st.ListRuns(ctx, store.RunFilter{Limit: 10000})
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}

		formatRunStats(os.Stdout, computeRunStats(runs, since, time.Now()))
		return nil
	},
}

// -- runs health --

var runsHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Evaluate run health and optionally send alerts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		stall := time.Duration(cfg.Monitoring.StallMinutes) * time.Minute
		snap, err := monitoring.NewCollector(st, stall).Collect(ctx, cfg.Monitoring.LookbackWindowHours)
		if err != nil {
			return err
		}

		alerter := monitoring.NewAlerter(cfg.Monitoring)
		alerts := alerter.Evaluate(snap)
		if send, _ := cmd.Flags().GetBool("send"); send {
			alerter.SendAlerts(ctx, alerts)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Snapshot *monitoring.MetricsSnapshot `json:"snapshot"`
			Alerts   []monitoring.Alert          `json:"alerts"`
		}{snap, alerts})
	},
}

// -- migrate --

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the analysis schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		fmt.Fprintf(os.Stderr, "Schema up to date (%s).\n", cfg.Store.Driver)
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("stage", "", "filter by stage (QUEUED, MINING, COMPLETED_BUILD, FAILED, ...)")
	runsListCmd.Flags().Int64("user-id", 0, "filter by owner")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsHealthCmd.Flags().Bool("send", false, "deliver triggered alerts to the monitoring webhook")

	runsStatsCmd.Flags().Duration("since", 24*time.Hour, "time window for stats (e.g. 24h, 72h, 168h); 0 for all")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsStatusCmd)
	runsCmd.AddCommand(runsStatsCmd)
	runsCmd.AddCommand(runsHealthCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(migrateCmd)
}

// runStats holds aggregate statistics computed from a set of runs.
type runStats struct {
	Total      int
	Build      int
	DoNotBuild int
	Aborted    int
	Failed     int
	InFlight   int
	CostUSD    float64
	AvgDurSecs float64
}

// computeRunStats aggregates runs created within since of now. A zero since
// includes every run.
func computeRunStats(runs []model.AnalysisRun, since time.Duration, now time.Time) runStats {
	var s runStats

	var totalDur time.Duration
	var durCount int

	for _, r := range runs {
		if since > 0 && r.CreatedAt.Before(now.Add(-since)) {
			continue
		}
		s.Total++
		s.CostUSD += r.CostUSD

		switch r.Stage {
		case model.StageCompletedBuild, model.StageCompletedDoNotBuild:
			if r.Stage == model.StageCompletedBuild {
				s.Build++
			} else {
				s.DoNotBuild++
			}
			totalDur += r.UpdatedAt.Sub(r.CreatedAt)
			durCount++
		case model.StageFailed:
			if r.Failure != nil && r.Failure.Kind == model.FailureAborted {
				s.Aborted++
			} else {
				s.Failed++
			}
		default:
			s.InFlight++
		}
	}

	if durCount > 0 {
		s.AvgDurSecs = totalDur.Seconds() / float64(durCount)
	}
	return s
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.AnalysisRun) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tIDEA\tSTATUS\tVERDICT\tCONFIDENCE\tCREATED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t----\t------\t-------\t----------\t-------\t--------")

	for _, r := range runs {
		dur := r.UpdatedAt.Sub(r.CreatedAt).Round(time.Second).String()
		status := model.BuildStatus(&r)

		verdict := ""
		if r.Verdict != nil {
			verdict = string(*r.Verdict)
		}
		conf := ""
		if r.Confidence != nil {
			conf = fmt.Sprintf("%.2f", *r.Confidence)
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(r.ID),
			truncateText(r.RawInput, 30),
			status.CurrentStage,
			verdict,
			conf,
			r.CreatedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// formatRunStats writes aggregate stats to w.
func formatRunStats(out io.Writer, s runStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total runs:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Build:\t%d\n", s.Build)
	_, _ = fmt.Fprintf(w, "Do not build:\t%d\n", s.DoNotBuild)
	_, _ = fmt.Fprintf(w, "Aborted:\t%d\n", s.Aborted)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.Failed)
	_, _ = fmt.Fprintf(w, "In flight:\t%d\n", s.InFlight)
	_, _ = fmt.Fprintf(w, "Total cost:\t$%.4f\n", s.CostUSD)
	if s.AvgDurSecs > 0 {
		_, _ = fmt.Fprintf(w, "Avg duration:\t%.1fs\n", s.AvgDurSecs)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// truncateText shortens s to n runes, collapsing newlines.
func truncateText(s string, n int) string {
	r := []rune(strings.Join(strings.Fields(s), " "))
	if len(r) > n {
		return string(r[:n-3]) + "..."
	}
	return string(r)
}
