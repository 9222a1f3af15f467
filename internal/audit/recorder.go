// ABOUTME: Best-effort action recording on top of an append-only sink
// ABOUTME: Sink failures are logged and counted, never returned to the session

package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/2389/dispatch-relay/internal/store"
)

// DefaultTimeout bounds a single sink write.
const DefaultTimeout = 5 * time.Second

// Sink is a durable append-only destination for action log entries.
type Sink interface {
	AppendActionLog(ctx context.Context, e *store.ActionLogEntry) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, e *store.ActionLogEntry) error

// AppendActionLog calls f.
func (f SinkFunc) AppendActionLog(ctx context.Context, e *store.ActionLogEntry) error {
	return f(ctx, e)
}

// Tee writes every entry to all sinks and joins their errors. Each sink gets
// its own copy of the entry.
func Tee(sinks ...Sink) Sink {
	return SinkFunc(func(ctx context.Context, e *store.ActionLogEntry) error {
		var errs []error
		for _, s := range sinks {
			c := *e
			if err := s.AppendActionLog(ctx, &c); err != nil {
				errs = append(errs, err)
			}
			if e.ID == 0 {
				e.ID = c.ID
			}
		}
		return errors.Join(errs...)
	})
}

// Options configures a Recorder.
type Options struct {
	Logger  *slog.Logger
	Timeout time.Duration
	// Failures counts sink errors. Optional.
	Failures prometheus.Counter
	// Recorded counts successful writes by action type. Optional.
	Recorded *prometheus.CounterVec
}

// Recorder writes action log entries without ever failing its caller.
type Recorder struct {
	sink     Sink
	logger   *slog.Logger
	timeout  time.Duration
	failures prometheus.Counter
	recorded *prometheus.CounterVec
}

// NewRecorder wraps sink.
func NewRecorder(sink Sink, opts Options) *Recorder {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Recorder{
		sink:     sink,
		logger:   logger.With("component", "audit"),
		timeout:  timeout,
		failures: opts.Failures,
		recorded: opts.Recorded,
	}
}

// Record appends e. The write runs detached from ctx cancellation so a
// closing connection does not drop its own disconnect record. It reports
// whether the write succeeded; callers are free to ignore it.
func (r *Recorder) Record(ctx context.Context, e store.ActionLogEntry) bool {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	if err := r.sink.AppendActionLog(wctx, &e); err != nil {
		if r.failures != nil {
			r.failures.Inc()
		}
		r.logger.Warn("action log write failed",
			"action", e.ActionType,
			"user_id", stringOrEmpty(e.UserID),
			"error", err,
		)
		return false
	}

	if r.recorded != nil {
		r.recorded.WithLabelValues(string(e.ActionType)).Inc()
	}
	return true
}

// Connect records a session start.
func (r *Recorder) Connect(ctx context.Context, userID, remoteAddr string) bool {
	return r.Record(ctx, entry(store.ActionConnect, userID, remoteAddr, ""))
}

// Disconnect records a session end with the reason it closed.
func (r *Recorder) Disconnect(ctx context.Context, userID, remoteAddr, reason string) bool {
	return r.Record(ctx, entry(store.ActionDisconnect, userID, remoteAddr, reason))
}

// Action records a domain action taken by userID.
func (r *Recorder) Action(ctx context.Context, action store.ActionType, userID, remoteAddr, details string) bool {
	return r.Record(ctx, entry(action, userID, remoteAddr, details))
}

func entry(action store.ActionType, userID, remoteAddr, details string) store.ActionLogEntry {
	e := store.ActionLogEntry{ActionType: action, Details: details}
	if userID != "" {
		e.UserID = &userID
	}
	if remoteAddr != "" {
		e.IPAddress = &remoteAddr
	}
	return e
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
