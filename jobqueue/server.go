package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/smallnest/workflowgo/limiter"
	"github.com/smallnest/workflowgo/log"
	"github.com/smallnest/workflowgo/store"
)

// ServerOptions configures a queue server.
type ServerOptions struct {
	// Store is the durable job store. Required.
	Store store.JobStore

	// Rate gates admissions per queue. Optional.
	Rate limiter.AdmissionLimiter

	// Concurrency caps in-flight jobs across all queues. Default 4.
	Concurrency int

	// PollInterval is the sleep between empty claims. Default 100ms.
	PollInterval time.Duration

	// Retry is the default backoff schedule for failed jobs.
	Retry RetryPolicy

	// Metrics records server counters. Optional.
	Metrics *Metrics

	// Logger defaults to the package-level logger.
	Logger log.Logger
}

// Server runs one claim/dispatch loop per registered queue.
type Server struct {
	store        store.JobStore
	rate         limiter.AdmissionLimiter
	conc         *limiter.ConcurrencyLimiter
	pollInterval time.Duration
	retry        RetryPolicy
	metrics      *Metrics
	logger       log.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	aborts   map[string]context.CancelFunc
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	subs     []func()
}

// NewServer creates a server from the options.
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Store == nil {
		return nil, errors.New("jobqueue: store is required")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Server{
		store:        opts.Store,
		rate:         opts.Rate,
		conc:         limiter.NewConcurrencyLimiter(opts.Concurrency),
		pollInterval: opts.PollInterval,
		retry:        opts.Retry.withDefaults(),
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		handlers:     make(map[string]Handler),
		aborts:       make(map[string]context.CancelFunc),
	}, nil
}

// Register binds a handler to a queue name. Must be called before Start.
func (s *Server) Register(queue string, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[queue] = handler
}

// Start launches the polling loops. It returns immediately; Stop shuts the
// loops down and waits for in-flight jobs.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("jobqueue: server already started")
	}
	s.running = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	queues := make([]string, 0, len(s.handlers))
	for q := range s.handlers {
		queues = append(queues, q)
	}
	s.mu.Unlock()

	for _, queue := range queues {
		// Abort requests propagate through the store when it can push
		// changes; the per-job watchdog covers backends that cannot.
		if unsub := s.store.Subscribe(queue, store.JobEventAborting, func(rec *store.JobRecord) {
			s.signalAbort(rec.ID)
		}); unsub != nil {
			s.subs = append(s.subs, unsub)
		}

		s.wg.Add(1)
		go s.pollLoop(runCtx, queue)
	}
	return nil
}

// Stop cancels the loops, signals every in-flight job and waits for them.
func (s *Server) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	subs := s.subs
	s.subs = nil
	s.running = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, unsub := range subs {
		unsub()
	}
	s.wg.Wait()
}

func (s *Server) pollLoop(ctx context.Context, queue string) {
	defer s.wg.Done()
	logger := s.logger.With(log.Queue(queue))

	for {
		if ctx.Err() != nil {
			return
		}

		if err := s.conc.Acquire(ctx); err != nil {
			return
		}

		if s.rate != nil {
			decision, err := s.rate.Check(ctx, queue)
			if err != nil {
				s.conc.Release()
				logger.Warn("rate check failed", log.Err(err))
				if !s.sleep(ctx, s.pollInterval) {
					return
				}
				continue
			}
			if !decision.Allowed {
				s.conc.Release()
				wait := decision.RetryAfter
				if wait <= 0 {
					wait = s.pollInterval
				}
				if !s.sleep(ctx, wait) {
					return
				}
				continue
			}
		}

		rec, err := s.store.ClaimNext(ctx, queue, time.Now())
		if err != nil {
			s.conc.Release()
			logger.Error("claim failed", log.Err(err))
			if !s.sleep(ctx, s.pollInterval) {
				return
			}
			continue
		}
		if rec == nil {
			s.conc.Release()
			if !s.sleep(ctx, s.pollInterval) {
				return
			}
			continue
		}

		s.wg.Add(1)
		go s.run(ctx, rec)
	}
}

// run executes one claimed job. The concurrency slot is released and the
// rate execution recorded on every exit path.
func (s *Server) run(ctx context.Context, rec *store.JobRecord) {
	defer s.wg.Done()
	logger := s.logger.With(log.Queue(rec.Queue), log.Job(rec.ID))

	jobCtx, cancel := context.WithCancel(ctx)
	s.registerAbort(rec.ID, cancel)
	s.metrics.jobStarted(rec.Queue)

	defer func() {
		s.unregisterAbort(rec.ID)
		cancel()
		if s.rate != nil {
			if err := s.rate.RecordExecution(context.WithoutCancel(ctx), rec.Queue); err != nil {
				logger.Warn("record execution failed", log.Err(err))
			}
		}
		s.conc.Release()
	}()

	// Watchdog for stores that cannot push abort events.
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go s.watchAbort(jobCtx, rec.ID, stopWatch, cancel)

	exec := &Execution{
		ID:      rec.ID,
		Queue:   rec.Queue,
		Input:   rec.Input,
		Attempt: rec.Attempts + 1,
		progressFn: func(progress int, message string) {
			if err := s.store.SetProgress(jobCtx, rec.ID, progress, message); err != nil {
				logger.Debug("progress update failed", log.Err(err))
			}
		},
	}

	handler := s.handler(rec.Queue)
	if handler == nil {
		s.finishFailed(ctx, logger, rec, fmt.Errorf("no handler registered for queue %s", rec.Queue))
		return
	}

	output, err := s.safeExecute(jobCtx, handler, exec)

	switch {
	case err == nil:
		if cerr := s.store.Complete(context.WithoutCancel(ctx), rec.ID, output); cerr != nil {
			logger.Error("complete failed", log.Err(cerr))
		}
		s.metrics.jobFinished(rec.Queue, "completed")

	case s.aborted(ctx, rec.ID, err):
		s.finishFailed(ctx, logger, rec, fmt.Errorf("%w: %v", ErrAborted, err))

	case exec.Attempt < rec.MaxAttempts:
		retryAt := time.Now().Add(s.retry.NextDelay(exec.Attempt))
		if ferr := s.store.Fail(context.WithoutCancel(ctx), rec.ID, err.Error(), &retryAt); ferr != nil {
			logger.Error("requeue for retry failed", log.Err(ferr))
		}
		s.metrics.jobRetried(rec.Queue)
		logger.Info("execution failed, retrying",
			log.Attempt(exec.Attempt),
			log.F("max_attempts", rec.MaxAttempts),
			log.F("retry_at", retryAt.Format(time.RFC3339)),
			log.Err(err))

	default:
		s.finishFailed(ctx, logger, rec, err)
	}
}

// safeExecute isolates handler panics as errors.
func (s *Server) safeExecute(ctx context.Context, handler Handler, exec *Execution) (output []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler.Execute(ctx, exec)
}

func (s *Server) finishFailed(ctx context.Context, logger log.Logger, rec *store.JobRecord, err error) {
	if ferr := s.store.Fail(context.WithoutCancel(ctx), rec.ID, err.Error(), nil); ferr != nil {
		logger.Error("recording terminal failure failed", log.Err(ferr))
	}
	s.metrics.jobFinished(rec.Queue, "failed")
	logger.Warn("job failed terminally", log.Attempt(rec.Attempts+1), log.Err(err))
}

// aborted reports whether the error is due to an abort of this job rather
// than an ordinary failure or server shutdown.
func (s *Server) aborted(ctx context.Context, jobID string, err error) bool {
	if !errors.Is(err, context.Canceled) && !errors.Is(err, ErrAborted) {
		return false
	}
	rec, gerr := s.store.Get(context.WithoutCancel(ctx), jobID)
	if gerr != nil {
		return errors.Is(err, ErrAborted)
	}
	return rec.Status == store.JobAborting
}

func (s *Server) watchAbort(ctx context.Context, jobID string, stop <-chan struct{}, cancel context.CancelFunc) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			rec, err := s.store.Get(ctx, jobID)
			if err != nil {
				continue
			}
			if rec.Status == store.JobAborting {
				cancel()
				return
			}
		}
	}
}

func (s *Server) handler(queue string) Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlers[queue]
}

func (s *Server) registerAbort(jobID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborts[jobID] = cancel
}

func (s *Server) unregisterAbort(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.aborts, jobID)
}

func (s *Server) signalAbort(jobID string) {
	s.mu.Lock()
	cancel := s.aborts[jobID]
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Server) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
