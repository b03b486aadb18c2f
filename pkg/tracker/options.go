package tracker

import (
	"log/slog"
	"time"

	"github.com/harunnryd/shadowstack/pkg/metrics"
	"github.com/harunnryd/shadowstack/pkg/transports"
	"github.com/harunnryd/shadowstack/pkg/usage"
)

type Option func(*Tracker)

// WithSubmitter replaces the default HTTP submitter. The caller keeps
// ownership: Destroy does not close it.
func WithSubmitter(s transports.Submitter) Option {
	return func(t *Tracker) {
		if s != nil {
			t.submitter = s
			t.ownsSubmitter = false
		}
	}
}

func WithSampler(s Sampler) Option {
	return func(t *Tracker) {
		if s != nil {
			t.sampler = s
		}
	}
}

func WithObserver(o metrics.Observer) Option {
	return func(t *Tracker) {
		if o != nil {
			t.observer = o
		}
	}
}

// WithLogger sets the diagnostics logger. It is only used when Config.Debug
// is set.
func WithLogger(log *slog.Logger) Option {
	return func(t *Tracker) {
		if log != nil {
			t.baseLog = log
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

func WithTeardown(td Teardown) Option {
	return func(t *Tracker) {
		if td != nil {
			t.teardown = td
		}
	}
}

// WithRedactor transforms metadata before an event is queued.
func WithRedactor(fn func(usage.Metadata) usage.Metadata) Option {
	return func(t *Tracker) {
		t.redactor = fn
	}
}
