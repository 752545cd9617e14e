package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/decidekit/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "decidekit",
	Short: "Evidence-based build or kill verdicts for product ideas",
	Long:  "Seeds searches from a product idea, hunts competitors, mines user complaints, clusters pains and issues a BUILD or DO_NOT_BUILD verdict with a deterministic confidence score.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
