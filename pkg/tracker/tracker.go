// Package tracker records code-usage events, samples them, and ships them
// in batches to a collection endpoint. Failed batches go back to the head of
// the queue so the next flush retries the oldest events first.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/harunnryd/shadowstack/pkg/errorsx"
	"github.com/harunnryd/shadowstack/pkg/logging"
	"github.com/harunnryd/shadowstack/pkg/metrics"
	"github.com/harunnryd/shadowstack/pkg/transports"
	"github.com/harunnryd/shadowstack/pkg/transports/httpsink"
	"github.com/harunnryd/shadowstack/pkg/usage"
)

// Stats is a snapshot of tracker counters.
type Stats struct {
	Recorded      int64
	SampledOut    int64
	Dropped       int64
	Submitted     int64
	FailedFlushes int64
	Queued        int
}

// Tracker owns the event queue. All methods are safe for concurrent use and
// none of them report submission failures to the caller.
type Tracker struct {
	cfg           Config
	submitter     transports.Submitter
	ownsSubmitter bool
	sampler       Sampler
	observer      metrics.Observer
	baseLog       *slog.Logger
	log           *slog.Logger
	now           func() time.Time
	teardown      Teardown
	redactor      func(usage.Metadata) usage.Metadata

	mu    sync.Mutex
	queue []usage.Event

	enabled   atomic.Bool
	destroyed atomic.Bool
	flights   singleflight.Group
	throttle  *rate.Limiter

	lifeMu     sync.Mutex
	cancel     context.CancelFunc
	loopDone   chan struct{}
	unregister func()
	bg         sync.WaitGroup
	destroy    sync.Once

	recorded   atomic.Int64
	sampledOut atomic.Int64
	dropped    atomic.Int64
	submitted  atomic.Int64
	failed     atomic.Int64
}

// New builds a tracker. No timer or teardown hook is installed until Start.
func New(cfg Config, opts ...Option) (*Tracker, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("tracker config: %w", err)
	}
	t := &Tracker{
		cfg: cfg,
		submitter: httpsink.New(httpsink.Config{
			Endpoint: cfg.Endpoint,
			APIKey:   cfg.APIKey,
			Timeout:  cfg.SubmitTimeout,
		}),
		ownsSubmitter: true,
		sampler:       NewRandomSampler(cfg.Rate()),
		observer:      metrics.NoopObserver{},
		baseLog:       slog.Default(),
		now:           time.Now,
		teardown:      NewSignalTeardown(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if cfg.Debug {
		t.log = logging.NewComponentLogger(t.baseLog, "shadowstack").With(slog.String("project_id", cfg.ProjectID))
	} else {
		t.log = logging.Discard()
	}
	// rate.Every treats a non-positive spacing as no limit.
	t.throttle = rate.NewLimiter(rate.Every(cfg.ThresholdFlushSpacing), 1)
	t.enabled.Store(true)
	t.log.Debug("tracker initialized",
		slog.String("endpoint", cfg.Endpoint),
		slog.Float64("sample_rate", cfg.Rate()),
		slog.String("submitter", t.submitter.Name()))
	return t, nil
}

// Config returns the effective configuration.
func (t *Tracker) Config() Config { return t.cfg }

// Record queues one usage event, subject to the enabled gate and sampling.
// When the queue reaches the flush threshold a flush starts in the
// background; Record never waits for it.
func (t *Tracker) Record(kind usage.Kind, name, file string, meta usage.Metadata) {
	if !t.enabled.Load() || t.destroyed.Load() {
		return
	}
	if !t.sampler.Keep() {
		t.sampledOut.Add(1)
		t.emit(metrics.EventSampledOut, 1, kind, -1)
		return
	}
	if t.redactor != nil {
		meta = t.redactor(meta)
	}
	ev := usage.NewEvent(kind, name, file, meta, t.now())

	t.mu.Lock()
	t.queue = append(t.queue, ev)
	over := t.trimLocked()
	n := len(t.queue)
	t.mu.Unlock()

	t.recorded.Add(1)
	t.emit(metrics.EventRecorded, 1, kind, n)
	if over > 0 {
		t.dropped.Add(int64(over))
		t.emit(metrics.EventDropped, float64(over), kind, n)
		t.log.Warn("queue full, dropped oldest events", slog.Int("dropped", over))
	}
	t.log.Debug("tracked",
		slog.String("type", string(kind)),
		slog.String("name", name),
		slog.String("file", file),
		slog.Int("queue_len", n))

	if n >= t.cfg.FlushThreshold && t.throttle.Allow() {
		t.flushAsync()
	}
}

func (t *Tracker) TrackFunction(name, file string, meta usage.Metadata) {
	t.Record(usage.KindFunction, name, file, meta)
}

func (t *Tracker) TrackComponent(name, file string, meta usage.Metadata) {
	t.Record(usage.KindComponent, name, file, meta)
}

func (t *Tracker) TrackImport(name, file string, meta usage.Metadata) {
	t.Record(usage.KindImport, name, file, meta)
}

func (t *Tracker) TrackVariable(name, file string, meta usage.Metadata) {
	t.Record(usage.KindVariable, name, file, meta)
}

// trimLocked enforces MaxQueue by dropping the oldest events.
func (t *Tracker) trimLocked() int {
	if t.cfg.MaxQueue <= 0 || len(t.queue) <= t.cfg.MaxQueue {
		return 0
	}
	over := len(t.queue) - t.cfg.MaxQueue
	clear(t.queue[:over])
	t.queue = t.queue[over:]
	return over
}

// Flush submits everything queued so far. Concurrent calls share the flush
// that is already in flight. Failures are logged and the batch is put back
// at the head of the queue.
func (t *Tracker) Flush(ctx context.Context) {
	t.flush(ctx)
}

// flush reports whether the caller joined a flush started by someone else.
func (t *Tracker) flush(ctx context.Context) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	_, _, shared := t.flights.Do("flush", func() (any, error) {
		t.flushOnce(ctx)
		return nil, nil
	})
	return shared
}

func (t *Tracker) flushOnce(ctx context.Context) {
	t.mu.Lock()
	if len(t.queue) == 0 {
		t.mu.Unlock()
		return
	}
	batch := t.queue
	t.queue = nil
	t.mu.Unlock()

	payload := usage.Payload{
		ProjectID: t.cfg.ProjectID,
		Events:    batch,
		Timestamp: t.now().UnixMilli(),
	}
	sctx, cancel := context.WithTimeout(ctx, t.cfg.SubmitTimeout)
	start := time.Now()
	err := t.submit(sctx, payload)
	elapsed := time.Since(start)
	cancel()

	if err == nil {
		t.submitted.Add(int64(len(batch)))
		t.emitFlush(metrics.EventFlushSucceeded, elapsed, len(batch), t.Len(), nil)
		t.log.Debug("sent events", slog.Int("count", len(batch)), slog.Duration("elapsed", elapsed))
		return
	}

	t.mu.Lock()
	merged := make([]usage.Event, 0, len(batch)+len(t.queue))
	merged = append(merged, batch...)
	merged = append(merged, t.queue...)
	t.queue = merged
	over := t.trimLocked()
	n := len(t.queue)
	t.mu.Unlock()

	t.failed.Add(1)
	if over > 0 {
		t.dropped.Add(int64(over))
		t.emit(metrics.EventDropped, float64(over), "", n)
	}
	t.emitFlush(metrics.EventFlushFailed, elapsed, len(batch), n, err)
	t.log.Debug("error sending events",
		slog.Int("count", len(batch)),
		slog.String("reason", string(errorsx.Reason(err))),
		slog.String("error", err.Error()),
		slog.Int("queue_len", n))
}

func (t *Tracker) submit(ctx context.Context, payload usage.Payload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("submitter %s panicked: %v", t.submitter.Name(), r)
		}
	}()
	return t.submitter.Submit(ctx, payload)
}

func (t *Tracker) flushAsync() {
	t.lifeMu.Lock()
	if t.destroyed.Load() {
		t.lifeMu.Unlock()
		return
	}
	t.bg.Add(1)
	t.lifeMu.Unlock()
	go func() {
		defer t.bg.Done()
		// A joined flight snapshotted before this crossing.
		for t.flush(context.Background()) && t.Len() >= t.cfg.FlushThreshold {
		}
	}()
}

// Enable lets Record queue events again.
func (t *Tracker) Enable() {
	t.enabled.Store(true)
	t.log.Debug("tracking enabled")
}

// Disable suppresses Record. Queued events stay and are still flushed.
func (t *Tracker) Disable() {
	t.enabled.Store(false)
	t.log.Debug("tracking disabled")
}

func (t *Tracker) Enabled() bool { return t.enabled.Load() }

// Start installs the periodic flush and the teardown hook. Calling it while
// already started, or after Destroy, does nothing.
func (t *Tracker) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	t.lifeMu.Lock()
	defer t.lifeMu.Unlock()
	if t.cancel != nil || t.destroyed.Load() {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	t.cancel = cancel
	t.loopDone = done
	go t.loop(loopCtx, done)
	t.unregister = t.teardown.Register(func() {
		t.log.Debug("teardown signal, flushing")
		t.Flush(context.Background())
	})
	t.log.Debug("tracker started", slog.Duration("flush_interval", t.cfg.FlushInterval))
}

func (t *Tracker) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Flush(ctx)
		}
	}
}

// Stop removes the periodic flush and the teardown hook without flushing.
// It is safe to call repeatedly, and Start may be called again afterwards.
func (t *Tracker) Stop() {
	t.lifeMu.Lock()
	cancel, done, unregister := t.cancel, t.loopDone, t.unregister
	t.cancel, t.loopDone, t.unregister = nil, nil, nil
	t.lifeMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	if unregister != nil {
		unregister()
	}
}

// Destroy stops the tracker and makes one final flush attempt. Only the
// first call has any effect; the tracker must not be reused afterwards.
func (t *Tracker) Destroy() {
	t.destroy.Do(func() {
		t.Stop()
		t.lifeMu.Lock()
		t.destroyed.Store(true)
		t.lifeMu.Unlock()

		ctx := context.Background()
		if t.flush(ctx) {
			// Joined a flush that snapshotted before our call; pick up the rest.
			t.flush(ctx)
		}
		t.bg.Wait()
		if c, ok := t.submitter.(transports.Closer); ok && t.ownsSubmitter {
			_ = c.Close()
		}
		t.log.Debug("tracker destroyed", slog.Int("queue_len", t.Len()))
	})
}

// Drain lets a lifecycle runner shut the tracker down.
func (t *Tracker) Drain() error {
	t.Destroy()
	return nil
}

// Len returns the number of queued events.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// Pending returns a copy of the queued events in flush order.
func (t *Tracker) Pending() []usage.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]usage.Event(nil), t.queue...)
}

func (t *Tracker) Stats() Stats {
	return Stats{
		Recorded:      t.recorded.Load(),
		SampledOut:    t.sampledOut.Load(),
		Dropped:       t.dropped.Load(),
		Submitted:     t.submitted.Load(),
		FailedFlushes: t.failed.Load(),
		Queued:        t.Len(),
	}
}

func (t *Tracker) emit(name string, value float64, kind usage.Kind, queueLen int) {
	ev := metrics.MetricsEvent{
		Name:  name,
		Time:  t.now(),
		Value: value,
		Tags:  map[string]string{metrics.TagProjectID: t.cfg.ProjectID},
	}
	if kind != "" {
		ev.Tags[metrics.TagKind] = string(kind)
	}
	if queueLen >= 0 {
		ev.Fields = map[string]any{metrics.FieldQueueLen: queueLen}
	}
	t.observer.RecordEvent(ev)
}

func (t *Tracker) emitFlush(name string, elapsed time.Duration, batch, queueLen int, err error) {
	ev := metrics.MetricsEvent{
		Name:  name,
		Time:  t.now(),
		Value: elapsed.Seconds(),
		Tags: map[string]string{
			metrics.TagProjectID: t.cfg.ProjectID,
			metrics.TagSubmitter: t.submitter.Name(),
		},
		Fields: map[string]any{
			metrics.FieldBatchSize: batch,
			metrics.FieldQueueLen:  queueLen,
		},
	}
	if err != nil {
		ev.Tags[metrics.TagReason] = string(errorsx.Reason(err))
	}
	t.observer.RecordEvent(ev)
}
