// Package worker executes analysis runs off the request path on a bounded
// pool of goroutines.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/decidekit/internal/metrics"
	"github.com/sells-group/decidekit/internal/pipeline"
)

var (
	// ErrQueueFull is returned when the pending queue has no free slot.
	ErrQueueFull = eris.New("worker: queue full")
	// ErrAlreadySubmitted is returned when a run id is already queued or executing.
	ErrAlreadySubmitted = eris.New("worker: run already submitted")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = eris.New("worker: pool closed")
)

// Runner drives one run to a terminal stage.
type Runner interface {
	Run(ctx context.Context, runID string) (*pipeline.Outcome, error)
}

// Config sizes the pool.
type Config struct {
	Workers   int `yaml:"workers" mapstructure:"workers"`
	QueueSize int `yaml:"queue_size" mapstructure:"queue_size"`
}

// Handle tracks one submitted run.
type Handle struct {
	RunID string

	done    chan struct{}
	outcome *pipeline.Outcome
	err     error
}

// Done is closed when the run has been executed.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the run has been executed or ctx is done.
func (h *Handle) Wait(ctx context.Context) (*pipeline.Outcome, error) {
	select {
	case <-h.done:
		return h.outcome, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Handle) finish(out *pipeline.Outcome, err error) {
	h.outcome = out
	h.err = err
	close(h.done)
}

// Pool runs submitted analyses on a fixed number of workers. Runs are
// independent; no ordering is kept between them.
type Pool struct {
	runner Runner
	cfg    Config
	queue  chan *Handle

	mu       sync.Mutex
	inflight map[string]*Handle
	closed   bool
	started  bool

	wg sync.WaitGroup
}

// New creates a pool. Call Start to begin executing submitted runs.
func New(runner Runner, cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return &Pool{
		runner:   runner,
		cfg:      cfg,
		queue:    make(chan *Handle, cfg.QueueSize),
		inflight: make(map[string]*Handle),
	}
}

// Start launches the workers. Runs execute under ctx; cancelling it fails
// in-flight runs and leaves queued runs to be reported as cancelled. Start
// is a no-op after the first call.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	for i := range p.cfg.Workers {
		p.wg.Add(1)
		go p.work(ctx, i)
	}
	zap.L().Info("worker: pool started",
		zap.Int("workers", p.cfg.Workers),
		zap.Int("queue_size", p.cfg.QueueSize),
	)
}

// Submit enqueues runID without blocking.
func (p *Pool) Submit(runID string) (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}
	if _, ok := p.inflight[runID]; ok {
		return nil, eris.Wrapf(ErrAlreadySubmitted, "run %s", runID)
	}

	h := &Handle{RunID: runID, done: make(chan struct{})}
	select {
	case p.queue <- h:
	default:
		return nil, eris.Wrapf(ErrQueueFull, "run %s", runID)
	}
	p.inflight[runID] = h
	metrics.QueueDepth.Inc()
	return h, nil
}

// Close stops accepting runs and waits for queued and in-flight runs to
// finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	started := p.started
	p.mu.Unlock()

	if !started {
		// Nothing will drain the queue; release any waiters.
		for h := range p.queue {
			metrics.QueueDepth.Dec()
			p.complete(h, nil, ErrClosed)
		}
		return
	}
	p.wg.Wait()
	zap.L().Info("worker: pool stopped")
}

func (p *Pool) work(ctx context.Context, id int) {
	defer p.wg.Done()
	log := zap.L().With(zap.Int("worker", id))

	for h := range p.queue {
		metrics.QueueDepth.Dec()
		if err := ctx.Err(); err != nil {
			p.complete(h, nil, eris.Wrapf(err, "worker: run %s not started", h.RunID))
			continue
		}

		start := time.Now()
		out, err := p.execute(ctx, h.RunID)
		p.complete(h, out, err)

		fields := []zap.Field{
			zap.String("run_id", h.RunID),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		}
		switch {
		case err != nil:
			log.Error("worker: run could not be executed", append(fields, zap.Error(err))...)
		case out.Err != nil:
			log.Warn("worker: run failed", append(fields, zap.String("stage", string(out.Run.Stage)))...)
		default:
			log.Info("worker: run finished", append(fields, zap.String("stage", string(out.Run.Stage)))...)
		}
	}
}

// execute isolates the worker from a panicking run.
func (p *Pool) execute(ctx context.Context, runID string) (out *pipeline.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = eris.Errorf("worker: run %s panicked: %v", runID, r)
		}
	}()
	return p.runner.Run(ctx, runID)
}

func (p *Pool) complete(h *Handle, out *pipeline.Outcome, err error) {
	p.mu.Lock()
	delete(p.inflight, h.RunID)
	p.mu.Unlock()
	h.finish(out, err)
}
