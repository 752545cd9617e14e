package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/decidekit/internal/model"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze [idea]",
	Short: "Analyze one product idea in the foreground",
	Long: `Runs the full pipeline for a single idea and prints the report.

The idea is read from the argument, from --file, or from stdin when neither
is given.

Examples:
  decidekit analyze "An automation platform for invoice reminders"
  decidekit analyze --file idea.txt --format json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAnalyze,
}

func init() {
	f := analyzeCmd.Flags()
	f.String("file", "", "read the idea from a file")
	f.Int64("user-id", 1, "owner of the run")
	f.String("original", "", "the user's literal words when the idea was reframed")
	f.String("format", "summary", "output format: summary or json")

	rootCmd.AddCommand(analyzeCmd)
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	format, _ := cmd.Flags().GetString("format")
	if format != "summary" && format != "json" {
		return eris.Errorf("analyze: --format must be summary or json (got %q)", format)
	}

	idea, err := readIdea(cmd, args)
	if err != nil {
		return err
	}

	env, err := initPipeline(ctx, "analyze")
	if err != nil {
		return err
	}
	defer env.Close()

	userID, _ := cmd.Flags().GetInt64("user-id")
	original, _ := cmd.Flags().GetString("original")

	run, err := env.Store.CreateRun(ctx, model.NewRunRequest{
		UserID:        userID,
		RawInput:      idea,
		OriginalInput: original,
	})
	if err != nil {
		return eris.Wrap(err, "analyze: create run")
	}
	zap.L().Info("analysis started", zap.String("run_id", run.ID))

	out, err := env.Driver.Run(ctx, run.ID)
	if err != nil {
		return eris.Wrap(err, "analyze: run")
	}

	report, err := env.Store.GetReport(ctx, run.ID)
	if err != nil {
		return eris.Wrap(err, "analyze: load report")
	}

	switch format {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return eris.Wrap(err, "analyze: encode report")
		}
	default:
		formatReportSummary(os.Stdout, report)
	}

	if out.Run.Stage == model.StageFailed {
		return eris.Errorf("analyze: run %s failed", run.ID)
	}
	return nil
}

// readIdea resolves the idea text from args, --file or stdin.
func readIdea(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	if path, _ := cmd.Flags().GetString("file"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", eris.Wrapf(err, "analyze: read %s", path)
		}
		return string(data), nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", eris.Wrap(err, "analyze: read stdin")
	}
	return string(data), nil
}

// formatReportSummary writes a human-readable digest of a report to w.
func formatReportSummary(out io.Writer, r *model.Report) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	status := model.BuildStatus(&r.Run)

	_, _ = fmt.Fprintf(w, "Run:\t%s\n", r.Run.ID)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", status.CurrentStage)
	if status.FailureReason != "" {
		_, _ = fmt.Fprintf(w, "Failure:\t%s\n", status.FailureReason)
	}
	_, _ = fmt.Fprintf(w, "Candidates:\t%d admitted of %d\n", admittedCount(r.Candidates), len(r.Candidates))
	_, _ = fmt.Fprintf(w, "Evidence:\t%d signals in %d clusters\n", len(r.Evidence), len(r.Clusters))

	if r.Verdict != nil {
		_, _ = fmt.Fprintf(w, "Verdict:\t%s (%s)\n", r.Verdict.Decision, r.Verdict.Recommendation)
		_, _ = fmt.Fprintf(w, "Reason:\t%s\n", r.Verdict.PrimaryReason)
		if len(r.Verdict.FailedCriteria) > 0 {
			_, _ = fmt.Fprintf(w, "Failed criteria:\t%s\n", strings.Join(r.Verdict.FailedCriteria, ", "))
		}
	}
	if r.Confidence != nil {
		_, _ = fmt.Fprintf(w, "Confidence:\t%.1f (%s)\n", r.Confidence.Score, r.Confidence.Band)
		if r.Confidence.SafetyOverride {
			_, _ = fmt.Fprintf(w, "Safety override:\t%s\n", r.Confidence.SafetyOverrideReason)
		}
	}
	if r.Blueprint != nil {
		_, _ = fmt.Fprintf(w, "Blueprint:\t%d MVP features\n", len(r.Blueprint.MVPFeatures))
	}
	_, _ = fmt.Fprintf(w, "Cost:\t$%.4f (%d tokens)\n", r.Run.CostUSD, r.Run.Usage.Total())
	_ = w.Flush()
}

func admittedCount(cands []model.CandidateVerdict) int {
	n := 0
	for _, c := range cands {
		if c.Admitted {
			n++
		}
	}
	return n
}
