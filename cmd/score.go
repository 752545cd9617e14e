package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/decidekit/internal/confidence"
	"github.com/sells-group/decidekit/internal/intent"
	"github.com/sells-group/decidekit/internal/model"
	"github.com/sells-group/decidekit/internal/vocab"
)

var scoreCmd = &cobra.Command{
	Use:   "score <fixture.json>",
	Short: "Compute a confidence score offline",
	Long: `Runs the confidence engine on saved evidence without calling any provider.

The fixture holds the evidence signals, pain clusters, seeds and admitted
candidate count of a run:

  {"signals": [...], "clusters": [...], "all_seeds": ["..."], "admitted": 4}

Use "-" to read the fixture from stdin. A stored run can be rescored with
--run, which reads its evidence and clusters from the store.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runScore,
}

func init() {
	f := scoreCmd.Flags()
	f.String("run", "", "rescore a stored run instead of a fixture")
	f.String("format", "table", "output format: table or json")

	rootCmd.AddCommand(scoreCmd)
}

// scoreFixture is the on-disk form of a confidence input.
type scoreFixture struct {
	Signals  []model.EvidenceSignal `json:"signals"`
	Clusters []model.PainCluster    `json:"clusters"`
	AllSeeds []string               `json:"all_seeds"`
	Admitted int                    `json:"admitted"`
}

func runScore(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	format, _ := cmd.Flags().GetString("format")
	if format != "table" && format != "json" {
		return eris.Errorf("score: --format must be table or json (got %q)", format)
	}

	v, err := vocab.Load(cfg.Pipeline.VocabularyPath)
	if err != nil {
		return err
	}
	engine := confidence.New(
		confidence.WithTriggers(v.SafetyTriggers),
		confidence.WithMinGrounding(cfg.Pipeline.MinGroundingCandidates),
	)

	var in confidence.Input
	if runID, _ := cmd.Flags().GetString("run"); runID != "" {
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		report, err := st.GetReport(ctx, runID)
		if err != nil {
			return eris.Wrapf(err, "score: run %s", runID)
		}
		in = inputFromReport(report)
	} else {
		if len(args) == 0 {
			return eris.New("score: a fixture path or --run is required")
		}
		fx, err := readScoreFixture(cmd.InOrStdin(), args[0])
		if err != nil {
			return err
		}
		in = confidence.Input(fx)
	}

	result := engine.Compute(in)
	if format == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
	formatConfidence(os.Stdout, result)
	return nil
}

func readScoreFixture(stdin io.Reader, path string) (scoreFixture, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return scoreFixture{}, eris.Wrapf(err, "score: open %s", path)
		}
		defer f.Close() //nolint:errcheck
		r = f
	}

	var fx scoreFixture
	if err := json.NewDecoder(r).Decode(&fx); err != nil {
		return scoreFixture{}, eris.Wrap(err, "score: decode fixture")
	}
	return fx, nil
}

// inputFromReport rebuilds the engine input from a stored report. Seeds are
// recovered from the admitted candidates that surfaced them.
func inputFromReport(r *model.Report) confidence.Input {
	var admitted []model.Candidate
	for _, c := range r.Candidates {
		if c.Admitted {
			admitted = append(admitted, c.Candidate)
		}
	}
	return confidence.Input{
		Signals:  r.Evidence,
		Clusters: r.Clusters,
		AllSeeds: intent.AdmittedSeeds(admitted),
		Admitted: len(admitted),
	}
}

// formatConfidence writes a confidence result and its breakdown to w.
func formatConfidence(out io.Writer, c model.ConfidenceResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	b := c.Breakdown
	_, _ = fmt.Fprintf(w, "Score:\t%.1f (%s)\n", c.Score, c.Band)
	_, _ = fmt.Fprintf(w, "Explanation:\t%s\n", c.Explanation)
	_, _ = fmt.Fprintf(w, "Seed agreement:\t%d of %d (%.2f)\n", b.AgreeingSeeds, b.TotalSeeds, b.SeedAgreementRatio)
	_, _ = fmt.Fprintf(w, "Agreement score:\t%.1f\n", b.AgreementScore)
	_, _ = fmt.Fprintf(w, "Recurrence score:\t%.1f\n", b.RecurrenceScore)
	_, _ = fmt.Fprintf(w, "Max severity:\t%.1f\n", b.MaxSeverityScore)
	_, _ = fmt.Fprintf(w, "Admitted candidates:\t%d\n", b.AdmittedCandidates)
	if c.InsufficientGrounding {
		_, _ = fmt.Fprintln(w, "Grounding:\tinsufficient")
	}
	if c.SafetyOverride {
		_, _ = fmt.Fprintf(w, "Safety override:\t%s\n", c.SafetyOverrideReason)
	}
	_ = w.Flush()
}
