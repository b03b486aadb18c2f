package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/shadowstack/pkg/logging"
)

var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrDrainTimeout      = errors.New("drain timeout")
)

// LifecycleRunner blocks until its context ends, then drains every
// registered Drainer in registration order within a shared timeout.
type LifecycleRunner struct {
	state    int32
	ctx      context.Context
	cancel   context.CancelFunc
	onceStop sync.Once
	hooks    Hooks
	drainers []Drainer
	stopErr  error
	timeout  time.Duration
	banner   io.Writer
	app      string
	log      *slog.Logger
}

type Option func(*LifecycleRunner)

// WithBanner prints the startup banner for app to w when Run starts.
func WithBanner(w io.Writer, app string) Option {
	return func(r *LifecycleRunner) {
		r.banner = w
		r.app = app
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(r *LifecycleRunner) {
		if log != nil {
			r.log = log
		}
	}
}

func WithHooks(h Hooks) Option {
	return func(r *LifecycleRunner) { r.hooks = h }
}

func NewLifecycleRunner(timeout time.Duration, drainers []Drainer, opts ...Option) *LifecycleRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &LifecycleRunner{
		state:    int32(StateNew),
		ctx:      ctx,
		cancel:   cancel,
		drainers: drainers,
		timeout:  timeout,
		log:      logging.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *LifecycleRunner) Run(ctx context.Context) error {
	if !r.casState(StateNew, StateStarting) {
		return ErrInvalidTransition
	}
	if r.banner != nil {
		PrintBanner(r.banner, r.app)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if r.hooks.OnStart != nil {
		r.hooks.OnStart()
	}
	r.casState(StateStarting, StateRunning)
	r.log.Info("running", slog.Int("drainers", len(r.drainers)))
	select {
	case <-ctx.Done():
	case <-r.ctx.Done():
	}
	return r.stop()
}

// Stop ends Run and waits for draining to finish. Calling it before Run
// drains immediately and Run then fails with ErrInvalidTransition.
func (r *LifecycleRunner) Stop() error {
	r.cancel()
	return r.stop()
}

func (r *LifecycleRunner) State() State {
	return State(atomic.LoadInt32(&r.state))
}

func (r *LifecycleRunner) stop() error {
	r.onceStop.Do(func() {
		r.setState(StateDraining)
		r.log.Info("draining")
		done := make(chan error, 1)
		go func() {
			var errs []error
			for _, d := range r.drainers {
				if d == nil {
					continue
				}
				if err := d.Drain(); err != nil {
					errs = append(errs, err)
				}
			}
			done <- errors.Join(errs...)
		}()
		select {
		case err := <-done:
			r.stopErr = err
		case <-time.After(r.timeout):
			r.stopErr = ErrDrainTimeout
		}
		if r.stopErr != nil {
			r.log.Warn("drain finished with errors", slog.String("error", r.stopErr.Error()))
		}
		if r.hooks.OnStop != nil {
			r.hooks.OnStop()
		}
		r.setState(StateStopped)
		r.log.Info("stopped")
	})
	return r.stopErr
}

func (r *LifecycleRunner) casState(from, to State) bool {
	return atomic.CompareAndSwapInt32(&r.state, int32(from), int32(to))
}

func (r *LifecycleRunner) setState(s State) {
	atomic.StoreInt32(&r.state, int32(s))
}
