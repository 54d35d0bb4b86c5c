package relay

import (
	"context"
	"strings"
	"sync/atomic"
	"time"
)

// Preset is one preconfigured source stream selectable by name.
// This also matches the JSON shape returned by the stream listing API.
type Preset struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// ParsePresets parses a comma-separated list of name=url pairs, the shape
// used by the STREAM_PRESETS environment variable. Malformed or empty
// entries are skipped. URLs may contain "=" (only the first one splits);
// names and URLs containing commas are not supported.
func ParsePresets(s string) []Preset {
	var out []Preset
	for _, pair := range strings.Split(s, ",") {
		name, url, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		url = strings.TrimSpace(url)
		if !ok || name == "" || url == "" {
			continue
		}
		out = append(out, Preset{Name: name, URL: url})
	}
	return out
}

// Supervisor defaults. The tick and idle values are deliberately far
// apart: a viewer only has to heartbeat once every two minutes, while
// crashes are noticed within seconds.
const (
	DefaultTickInterval       = 5 * time.Second
	DefaultIdleTimeout        = 120 * time.Second
	DefaultMaxRestarts        = 5
	DefaultRestartCooldown    = 30 * time.Second
	DefaultHealthyResetWindow = 5 * time.Minute
)

// Options tunes the supervisor. Fields <= 0 fall back to the defaults.
type Options struct {
	// TickInterval is the period of the health check loop.
	TickInterval time.Duration

	// IdleTimeout is how long a session may go without a heartbeat
	// before it is cancelled and reaped.
	IdleTimeout time.Duration

	// MaxRestarts bounds crash-triggered restarts per session; once the
	// budget is spent the session is torn down instead of restarted.
	MaxRestarts int

	// RestartCooldown is the minimum gap between two restart attempts
	// of the same session, throttling crash loops.
	RestartCooldown time.Duration

	// HealthyResetWindow is how long a session must run without
	// crashing before its restart count is forgiven back to zero.
	HealthyResetWindow time.Duration
}

func (o Options) withDefaults() Options {
	if o.TickInterval <= 0 {
		o.TickInterval = DefaultTickInterval
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.MaxRestarts <= 0 {
		o.MaxRestarts = DefaultMaxRestarts
	}
	if o.RestartCooldown <= 0 {
		o.RestartCooldown = DefaultRestartCooldown
	}
	if o.HealthyResetWindow <= 0 {
		o.HealthyResetWindow = DefaultHealthyResetWindow
	}
	return o
}

// workerStatus is the tri-state liveness of a session's pipeline run:
// still active, finished cleanly, or finished with an error.
type workerStatus int32

const (
	workerActive workerStatus = iota
	workerFinishedClean
	workerFinishedCrashed
)

// workerHandle is the non-blocking view of one pipeline execution. done
// is closed when the run ends; Status then reports how it ended.
type workerHandle struct {
	status atomic.Int32
	done   chan struct{}
}

func newWorkerHandle() *workerHandle {
	return &workerHandle{done: make(chan struct{})}
}

func (h *workerHandle) Status() workerStatus {
	return workerStatus(h.status.Load())
}

func (h *workerHandle) finished() bool {
	return h.Status() != workerActive
}

func (h *workerHandle) finish(s workerStatus) {
	h.status.Store(int32(s))
	close(h.done)
}

// session is one named relay with its lifecycle bookkeeping. All fields
// are guarded by the registry mutex except worker, which may be queried
// concurrently.
type session struct {
	name      string
	inputURL  string
	outputURL string

	cancel context.CancelFunc
	worker *workerHandle

	lastHeartbeat      time.Time
	restartCount       int
	lastRestartAttempt time.Time

	// stopping marks a session cancelled for idleness or abandoned after
	// exhausting its restart budget. It is removed once its worker stops;
	// a worker that ends while stopping is set does not count as a crash.
	stopping bool
}

// touch moves the heartbeat forward; it never rewinds.
func (s *session) touch(now time.Time) {
	if now.After(s.lastHeartbeat) {
		s.lastHeartbeat = now
	}
}
