package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/decidekit/internal/api"
	"github.com/sells-group/decidekit/internal/model"
	"github.com/sells-group/decidekit/internal/monitoring"
	"github.com/sells-group/decidekit/internal/store"
	"github.com/sells-group/decidekit/internal/worker"
)

const shutdownTimeout = 30 * time.Second

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the analysis API and background workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		// Workers outlive the signal context so the HTTP server drains first.
		workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
		defer cancelWork()

		pool := worker.New(env.Driver, worker.Config{
			Workers:   cfg.Worker.Workers,
			QueueSize: cfg.Worker.QueueSize,
		})
		pool.Start(workCtx)

		idle := time.Duration(cfg.Monitoring.StallMinutes) * time.Minute
		if err := failInterrupted(ctx, env.Store, idle, time.Now()); err != nil {
			zap.L().Warn("fail interrupted runs", zap.Error(err))
		}
		if err := resubmitQueued(ctx, env.Store, pool); err != nil {
			zap.L().Warn("resubmit queued runs", zap.Error(err))
		}

		if cfg.Monitoring.WebhookURL != "" {
			go newChecker(env.Store).Run(ctx)
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr: fmt.Sprintf(":%d", port),
			Handler: api.NewServer(env.Store, pool, api.Config{
				AllowedOrigins: cfg.Server.AllowedOrigins,
				MaxInputChars:  cfg.Pipeline.MaxInputChars,
			}).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("server shutdown", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		// In-flight runs observe cancellation and end FAILED; runs still
		// queued stay QUEUED and are resubmitted on the next start.
		cancelWork()
		pool.Close()
		zap.L().Info("workers stopped")
		return nil
	},
}

// newChecker builds the run health checker from config.
func newChecker(st store.Store) *monitoring.Checker {
	stall := time.Duration(cfg.Monitoring.StallMinutes) * time.Minute
	return monitoring.NewChecker(
		monitoring.NewCollector(st, stall),
		monitoring.NewAlerter(cfg.Monitoring),
		cfg.Monitoring,
	)
}

// interruptedReason is recorded on runs a previous process left mid-stage.
const interruptedReason = "interrupted"

// listStage pages through every run currently in stage, newest first.
func listStage(ctx context.Context, st store.Store, stage model.Stage) ([]model.AnalysisRun, error) {
	const page = 500
	var out []model.AnalysisRun
	for offset := 0; ; offset += page {
		runs, err := st.ListRuns(ctx, store.RunFilter{Stage: stage, Limit: page, Offset: offset})
		if err != nil {
			return nil, eris.Wrapf(err, "list %s runs", stage)
		}
		out = append(out, runs...)
		if len(runs) < page {
			return out, nil
		}
	}
}

// failInterrupted moves runs stuck in a working stage, untouched for at
// least idle, to FAILED. No run can be executing in this process yet; idle
// keeps runs owned by another process sharing the store out of reach.
func failInterrupted(ctx context.Context, st store.Store, idle time.Duration, now time.Time) error {
	failed := 0
	for _, stage := range model.StageOrder {
		runs, err := listStage(ctx, st, stage)
		if err != nil {
			return err
		}
		for _, run := range runs {
			if now.Sub(run.UpdatedAt) < idle {
				continue
			}
			err := st.FailRun(ctx, run.ID, model.Failure{
				Kind:   model.FailureError,
				Reason: interruptedReason,
				Stage:  run.Stage,
			})
			if err != nil {
				zap.L().Warn("fail interrupted run", zap.String("run_id", run.ID), zap.Error(err))
				continue
			}
			failed++
		}
	}
	if failed > 0 {
		zap.L().Info("failed interrupted runs", zap.Int("count", failed))
	}
	return nil
}

// resubmitQueued hands runs left QUEUED by a previous process to the pool.
func resubmitQueued(ctx context.Context, st store.Store, jobs api.Submitter) error {
	runs, err := listStage(ctx, st, model.StageQueued)
	if err != nil {
		return err
	}
	// ListRuns is newest first; resubmit oldest first.
	for i := len(runs) - 1; i >= 0; i-- {
		if _, err := jobs.Submit(runs[i].ID); err != nil {
			zap.L().Warn("resubmit run", zap.String("run_id", runs[i].ID), zap.Error(err))
		}
	}
	if len(runs) > 0 {
		zap.L().Info("resubmitted queued runs", zap.Int("count", len(runs)))
	}
	return nil
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
