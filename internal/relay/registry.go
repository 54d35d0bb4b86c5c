package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/peihexian/rtsp2flv/internal/platform/metrics"
)

// PipelineRunner executes one relay run to completion. Implementations
// block until the input ends, ctx is cancelled, or the run fails.
type PipelineRunner interface {
	Run(ctx context.Context, inputURL, outputURL string) error
}

// Registry owns the table of live relay sessions. Start and Heartbeat are
// the request-facing operations; a periodic health tick evicts idle
// sessions, restarts crashed ones within a bounded budget, and reaps
// entries whose worker has stopped.
//
// All structural state is guarded by one mutex. Critical sections never
// block: worker spawns are fire-and-forget goroutines and pipeline
// outcomes are only ever observed through the non-blocking worker handle.
type Registry struct {
	runner  PipelineRunner
	opts    Options
	log     *slog.Logger
	metrics *metrics.Metrics // may be nil

	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

// NewRegistry returns a Registry that executes sessions through runner.
// Metrics may be nil to disable metric recording (e.g. in tests).
func NewRegistry(runner PipelineRunner, opts Options, log *slog.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		runner:   runner,
		opts:     opts.withDefaults(),
		log:      log,
		metrics:  m,
		now:      time.Now,
		sessions: make(map[string]*session),
	}
}

// Start ensures a session named name is relaying inputURL to outputURL.
// If the session is already live only its heartbeat is refreshed; a
// finished (zombie) entry is replaced by a fresh session with a clean
// restart history. Start never blocks on the pipeline and never reports
// pipeline outcomes.
func (r *Registry) Start(name, inputURL, outputURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if s, ok := r.sessions[name]; ok {
		if !s.worker.finished() {
			s.touch(now)
			r.log.Debug("session already running, heartbeat refreshed", slog.String("name", name))
			return
		}
		// Release the finished run's context before replacing it.
		s.cancel()
		r.log.Warn("replacing finished session", slog.String("name", name))
	}

	s := &session{
		name:               name,
		inputURL:           inputURL,
		outputURL:          outputURL,
		lastHeartbeat:      now,
		lastRestartAttempt: now,
	}
	r.spawnLocked(s)
	r.sessions[name] = s

	r.log.Info("session started",
		slog.String("name", name),
		slog.String("input", inputURL),
		slog.String("output", outputURL))
	if r.metrics != nil {
		r.metrics.IncSessionsStarted()
	}
}

// Heartbeat refreshes the liveness of the named session and reports
// whether it exists. The liveness timestamp never moves backwards.
func (r *Registry) Heartbeat(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[name]
	if !ok {
		return false
	}
	s.touch(r.now())
	return true
}

// SessionCount returns the number of live sessions, used for the metrics
// gauge refresh on scrape.
func (r *Registry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, s := range r.sessions {
		if !s.stopping && !s.worker.finished() {
			n++
		}
	}
	return n
}

// Run drives the health tick until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

// tick applies the supervision policy to every session present at tick
// start. A session is removed only once its worker has actually stopped;
// until then removal is deferred to a later tick.
func (r *Registry) tick() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var remove []string

	for name, s := range r.sessions {
		finished := s.worker.finished()

		switch {
		case s.stopping:
			if finished {
				remove = append(remove, name)
			}

		case now.Sub(s.lastHeartbeat) > r.opts.IdleTimeout:
			r.log.Info("session idle, stopping",
				slog.String("name", name),
				slog.Duration("idle", now.Sub(s.lastHeartbeat)))
			s.cancel()
			s.stopping = true
			if r.metrics != nil {
				r.metrics.IncSessionsEvicted()
			}
			if finished {
				remove = append(remove, name)
			}

		case finished:
			// The worker ended while viewers are still heartbeating:
			// a crash or a premature end of input. Restart within budget.
			switch {
			case s.restartCount >= r.opts.MaxRestarts:
				r.log.Warn("restart budget exhausted, giving up",
					slog.String("name", name),
					slog.Int("restarts", s.restartCount))
				s.cancel()
				s.stopping = true
				if r.metrics != nil {
					r.metrics.IncSessionsEvicted()
				}
				remove = append(remove, name)
			case now.Sub(s.lastRestartAttempt) < r.opts.RestartCooldown:
				// Crash looping; wait out the cooldown.
			default:
				s.cancel()
				s.restartCount++
				s.lastRestartAttempt = now
				s.lastHeartbeat = now
				r.spawnLocked(s)
				r.log.Warn("session restarted",
					slog.String("name", name),
					slog.Int("restart", s.restartCount))
				if r.metrics != nil {
					r.metrics.IncRestarts()
				}
			}

		default:
			// Healthy. Forgive old crashes after sustained uptime.
			if s.restartCount > 0 && now.Sub(s.lastRestartAttempt) > r.opts.HealthyResetWindow {
				s.restartCount = 0
			}
		}
	}

	for _, name := range remove {
		delete(r.sessions, name)
		r.log.Info("session removed", slog.String("name", name))
	}
}

// spawnLocked gives s a fresh cancellation handle and worker and launches
// the pipeline goroutine. Caller must hold r.mu.
func (r *Registry) spawnLocked(s *session) {
	ctx, cancel := context.WithCancel(context.Background())
	handle := newWorkerHandle()
	s.cancel = cancel
	s.worker = handle

	name, input, output := s.name, s.inputURL, s.outputURL
	go func() {
		if err := r.runner.Run(ctx, input, output); err != nil {
			r.log.Error("session pipeline failed",
				slog.String("name", name),
				slog.String("error", err.Error()))
			handle.finish(workerFinishedCrashed)
			return
		}
		handle.finish(workerFinishedClean)
	}()
}
