package tracker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harunnryd/shadowstack/pkg/metrics"
	"github.com/harunnryd/shadowstack/pkg/redact"
	"github.com/harunnryd/shadowstack/pkg/transports/mock"
	"github.com/harunnryd/shadowstack/pkg/usage"
)

type fakeTeardown struct {
	mu           sync.Mutex
	hooks        []func()
	registered   int
	unregistered int
}

func (f *fakeTeardown) Register(fn func()) func() {
	f.mu.Lock()
	f.hooks = append(f.hooks, fn)
	f.registered++
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.unregistered++
		f.mu.Unlock()
	}
}

func (f *fakeTeardown) fire() {
	f.mu.Lock()
	hooks := append([]func(){}, f.hooks...)
	f.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

func (f *fakeTeardown) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registered, f.unregistered
}

func newTestTracker(t *testing.T, cfg Config, opts ...Option) (*Tracker, *mock.Submitter) {
	t.Helper()
	if cfg.SampleRate == nil {
		cfg.SampleRate = Float(1)
	}
	if cfg.ProjectID == "" {
		cfg.ProjectID = "proj"
	}
	sub := mock.New()
	opts = append([]Option{WithSubmitter(sub), WithTeardown(NopTeardown{})}, opts...)
	tr, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	t.Cleanup(tr.Destroy)
	return tr, sub
}

func names(events []usage.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Name
	}
	return out
}

func sameNames(t *testing.T, got []usage.Event, want ...string) {
	t.Helper()
	g := names(got)
	if strings.Join(g, ",") != strings.Join(want, ",") {
		t.Fatalf("expected events %v, got %v", want, g)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSampleRateZeroKeepsNothing(t *testing.T) {
	tr, _ := newTestTracker(t, Config{SampleRate: Float(0)})
	for i := 0; i < 1000; i++ {
		tr.TrackFunction("fn", "a.go", nil)
	}
	if tr.Len() != 0 {
		t.Fatalf("expected empty queue, got %d", tr.Len())
	}
	if got := tr.Stats().SampledOut; got != 1000 {
		t.Fatalf("expected 1000 sampled out, got %d", got)
	}
}

func TestSampleRateOneKeepsEverything(t *testing.T) {
	tr, _ := newTestTracker(t, Config{})
	for i := 0; i < 50; i++ {
		tr.TrackFunction("fn", "a.go", nil)
	}
	if tr.Len() != 50 {
		t.Fatalf("expected 50 queued, got %d", tr.Len())
	}
}

func TestFlushPreservesOrder(t *testing.T) {
	now := time.UnixMilli(1000)
	tr, sub := newTestTracker(t, Config{}, WithClock(func() time.Time { return now }))
	tr.TrackFunction("E1", "a.go", nil)
	tr.TrackComponent("E2", "b.tsx", nil)
	tr.TrackImport("E3", "c.ts", nil)

	tr.Flush(context.Background())

	batches := sub.Batches()
	if len(batches) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(batches))
	}
	b := batches[0]
	sameNames(t, b.Events, "E1", "E2", "E3")
	if b.ProjectID != "proj" || b.Timestamp != 1000 {
		t.Fatalf("unexpected payload envelope: %+v", b)
	}
	if b.Events[1].Type != usage.KindComponent || b.Events[2].Type != usage.KindImport {
		t.Fatalf("unexpected kinds: %+v", b.Events)
	}
	if tr.Len() != 0 {
		t.Fatalf("expected queue to be empty after success, got %d", tr.Len())
	}
}

func TestFailedFlushRequeuesAtHead(t *testing.T) {
	tr, sub := newTestTracker(t, Config{})
	for i := 1; i <= 5; i++ {
		tr.TrackFunction(fmt.Sprintf("E%d", i), "a.go", nil)
	}

	var calls atomic.Int32
	sub.OnSubmit(func(ctx context.Context, p usage.Payload) error {
		if calls.Add(1) == 1 {
			// Recorded while the first attempt is in flight.
			tr.TrackFunction("E6", "a.go", nil)
			return errors.New("network down")
		}
		return nil
	})

	tr.Flush(context.Background())
	if got := tr.Len(); got != 6 {
		t.Fatalf("expected 6 queued after failure, got %d", got)
	}
	sameNames(t, tr.Pending(), "E1", "E2", "E3", "E4", "E5", "E6")

	tr.TrackFunction("E7", "a.go", nil)
	tr.Flush(context.Background())

	batches := sub.Batches()
	if len(batches) != 1 {
		t.Fatalf("expected exactly one accepted batch, got %d", len(batches))
	}
	sameNames(t, batches[0].Events, "E1", "E2", "E3", "E4", "E5", "E6", "E7")
	if st := tr.Stats(); st.FailedFlushes != 1 || st.Submitted != 7 || st.Queued != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestThresholdTriggersFlush(t *testing.T) {
	tr, sub := newTestTracker(t, Config{FlushInterval: time.Hour})
	submitted := make(chan int, 4)
	sub.OnSubmit(func(ctx context.Context, p usage.Payload) error {
		submitted <- len(p.Events)
		return nil
	})

	for i := 0; i < 99; i++ {
		tr.TrackVariable("v", "v.go", nil)
	}
	select {
	case <-submitted:
		t.Fatalf("flush triggered below threshold")
	case <-time.After(20 * time.Millisecond):
	}

	tr.TrackVariable("v", "v.go", nil)
	select {
	case n := <-submitted:
		if n != 100 {
			t.Fatalf("expected 100 events in threshold flush, got %d", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected threshold flush")
	}
}

func TestThresholdFlushesOnEveryCrossing(t *testing.T) {
	tr, sub := newTestTracker(t, Config{FlushInterval: time.Hour})
	for i := 0; i < 100; i++ {
		tr.TrackVariable("first", "v.go", nil)
	}
	waitFor(t, "first threshold batch", func() bool { return len(sub.Batches()) == 1 && tr.Len() == 0 })

	for i := 0; i < 100; i++ {
		tr.TrackVariable("second", "v.go", nil)
	}
	waitFor(t, "second threshold batch", func() bool { return len(sub.Batches()) == 2 && tr.Len() == 0 })
	if got := sub.Batches()[1].Events; len(got) != 100 || got[0].Name != "second" {
		t.Fatalf("unexpected second batch: %d events", len(got))
	}
}

func TestThresholdSpacingThrottlesWhenSet(t *testing.T) {
	tr, sub := newTestTracker(t, Config{FlushInterval: time.Hour, FlushThreshold: 10, ThresholdFlushSpacing: time.Hour})
	for i := 0; i < 10; i++ {
		tr.TrackVariable("v", "v.go", nil)
	}
	waitFor(t, "first threshold batch", func() bool { return len(sub.Batches()) == 1 && tr.Len() == 0 })

	for i := 0; i < 10; i++ {
		tr.TrackVariable("v", "v.go", nil)
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(sub.Batches()); n != 1 || tr.Len() != 10 {
		t.Fatalf("expected throttled crossing to wait, got batches=%d queued=%d", n, tr.Len())
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	td := &fakeTeardown{}
	tr, sub := newTestTracker(t, Config{}, WithTeardown(td))
	tr.Start(context.Background())
	tr.TrackFunction("a", "a.go", nil)
	tr.TrackFunction("b", "a.go", nil)

	tr.Destroy()
	tr.Destroy()

	if got := len(sub.Calls()); got != 1 {
		t.Fatalf("expected a single final flush, got %d calls", got)
	}
	sameNames(t, sub.Events(), "a", "b")
	if reg, unreg := td.counts(); reg != 1 || unreg != 1 {
		t.Fatalf("expected hook registered and removed once, got %d/%d", reg, unreg)
	}

	tr.TrackFunction("c", "a.go", nil)
	if tr.Len() != 0 {
		t.Fatalf("record after destroy must be a no-op")
	}
	tr.Start(context.Background())
	if reg, _ := td.counts(); reg != 1 {
		t.Fatalf("start after destroy must not register hooks")
	}
}

func TestDisableKeepsQueue(t *testing.T) {
	tr, sub := newTestTracker(t, Config{})
	tr.TrackFunction("a", "a.go", nil)
	tr.TrackFunction("b", "a.go", nil)
	tr.Disable()
	if tr.Enabled() {
		t.Fatalf("expected disabled")
	}
	tr.TrackFunction("c", "a.go", nil)
	if tr.Len() != 2 {
		t.Fatalf("expected 2 queued, got %d", tr.Len())
	}
	tr.Enable()
	tr.Flush(context.Background())
	sameNames(t, sub.Events(), "a", "b")
}

func TestEmptyFlushSkipsNetwork(t *testing.T) {
	tr, sub := newTestTracker(t, Config{})
	tr.Flush(context.Background())
	if got := len(sub.Calls()); got != 0 {
		t.Fatalf("expected no submissions, got %d", got)
	}
}

func TestTimerFlushes(t *testing.T) {
	tr, sub := newTestTracker(t, Config{FlushInterval: 20 * time.Millisecond})
	tr.Start(context.Background())
	tr.Start(context.Background())
	tr.TrackComponent("Header", "header.tsx", nil)

	waitFor(t, "timer flush", func() bool { return len(sub.Batches()) == 1 })
	tr.Stop()
	tr.Stop()

	tr.TrackComponent("Footer", "footer.tsx", nil)
	time.Sleep(60 * time.Millisecond)
	if got := len(sub.Batches()); got != 1 {
		t.Fatalf("expected no flush after stop, got %d batches", got)
	}

	tr.Start(context.Background())
	waitFor(t, "timer flush after restart", func() bool { return len(sub.Batches()) == 2 })
}

func TestTeardownFlushes(t *testing.T) {
	td := &fakeTeardown{}
	tr, sub := newTestTracker(t, Config{FlushInterval: time.Hour}, WithTeardown(td))
	tr.Start(context.Background())
	tr.TrackImport("react", "app.tsx", nil)

	td.fire()
	sameNames(t, sub.Events(), "react")

	tr.Stop()
	if _, unreg := td.counts(); unreg != 1 {
		t.Fatalf("expected teardown hook removed on stop, got %d", unreg)
	}
}

func TestMaxQueueDropsOldest(t *testing.T) {
	tr, sub := newTestTracker(t, Config{FlushThreshold: 4, MaxQueue: 4})
	tr.TrackFunction("E1", "a.go", nil)
	tr.TrackFunction("E2", "a.go", nil)
	tr.TrackFunction("E3", "a.go", nil)

	sub.OnSubmit(func(ctx context.Context, p usage.Payload) error {
		tr.TrackFunction("N1", "a.go", nil)
		tr.TrackFunction("N2", "a.go", nil)
		tr.TrackFunction("N3", "a.go", nil)
		return errors.New("down")
	})
	tr.Flush(context.Background())

	sameNames(t, tr.Pending(), "E3", "N1", "N2", "N3")
	if got := tr.Stats().Dropped; got != 2 {
		t.Fatalf("expected 2 dropped, got %d", got)
	}
}

func TestConfigRejectsQueueBelowThreshold(t *testing.T) {
	if _, err := New(Config{FlushThreshold: 10, MaxQueue: 5}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestConcurrentRecordAndFlushLoseNothing(t *testing.T) {
	tr, sub := newTestTracker(t, Config{ThresholdFlushSpacing: -1, FlushInterval: 5 * time.Millisecond})
	var n atomic.Int32
	sub.OnSubmit(func(ctx context.Context, p usage.Payload) error {
		if n.Add(1)%2 == 0 {
			return errors.New("flaky")
		}
		return nil
	})
	tr.Start(context.Background())

	const workers, per = 8, 500
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < per; i++ {
				tr.TrackFunction(fmt.Sprintf("w%d-%d", w, i), "a.go", nil)
				if i%50 == 0 {
					tr.Flush(context.Background())
				}
			}
		}(w)
	}
	wg.Wait()
	tr.Destroy()

	seen := make(map[string]bool)
	for _, ev := range sub.Events() {
		if seen[ev.Name] {
			t.Fatalf("event %s delivered twice", ev.Name)
		}
		seen[ev.Name] = true
	}
	for _, ev := range tr.Pending() {
		if seen[ev.Name] {
			t.Fatalf("event %s both delivered and pending", ev.Name)
		}
		seen[ev.Name] = true
	}
	if len(seen) != workers*per {
		t.Fatalf("expected %d events accounted for, got %d", workers*per, len(seen))
	}

	lastIdx := make(map[int]int)
	for _, ev := range sub.Events() {
		var w, i int
		if _, err := fmt.Sscanf(ev.Name, "w%d-%d", &w, &i); err != nil {
			t.Fatalf("parse %q: %v", ev.Name, err)
		}
		if prev, ok := lastIdx[w]; ok && i < prev {
			t.Fatalf("worker %d events out of order: %d after %d", w, i, prev)
		}
		lastIdx[w] = i
	}
}

func TestMetadataIsSnapshotted(t *testing.T) {
	tr, _ := newTestTracker(t, Config{})
	meta := usage.Metadata{"renderCount": usage.Number(1)}
	tr.TrackComponent("Card", "card.tsx", meta)
	meta["renderCount"] = usage.Number(99)

	got, _ := tr.Pending()[0].Metadata["renderCount"].AsNumber()
	if got != 1 {
		t.Fatalf("expected queued metadata to be unaffected, got %v", got)
	}
}

func TestRedactorAppliesBeforeQueueing(t *testing.T) {
	tr, _ := newTestTracker(t, Config{}, WithRedactor(redact.Metadata))
	tr.TrackFunction("signup", "auth.go", usage.Metadata{"email": usage.String("jane@example.com")})
	s, _ := tr.Pending()[0].Metadata["email"].AsString()
	if s != "[REDACTED_EMAIL]" {
		t.Fatalf("expected redacted email, got %q", s)
	}
}

type panickingSubmitter struct{}

func (panickingSubmitter) Name() string { return "panicky" }

func (panickingSubmitter) Submit(context.Context, usage.Payload) error { panic("boom") }

func TestSubmitterPanicIsRecovered(t *testing.T) {
	tr, err := New(Config{SampleRate: Float(1)}, WithSubmitter(panickingSubmitter{}), WithTeardown(NopTeardown{}))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	tr.TrackFunction("a", "a.go", nil)
	tr.Flush(context.Background())
	if tr.Len() != 1 {
		t.Fatalf("expected event requeued after panic, got %d", tr.Len())
	}
}

func TestDebugLogging(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	quiet, _ := newTestTracker(t, Config{}, WithLogger(log))
	quiet.TrackFunction("a", "a.go", nil)
	if buf.Len() != 0 {
		t.Fatalf("expected no logs without debug, got %q", buf.String())
	}

	loud, sub := newTestTracker(t, Config{Debug: true}, WithLogger(log))
	sub.FailNext(1)
	loud.TrackFunction("a", "a.go", nil)
	loud.Flush(context.Background())
	out := buf.String()
	for _, want := range []string{"msg=tracked", "msg=\"error sending events\"", "reason=submit_transport", "component=shadowstack"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in logs:\n%s", want, out)
		}
	}
}

func TestObserverReceivesEvents(t *testing.T) {
	obs := metrics.NewMemoryObserver()
	tr, sub := newTestTracker(t, Config{}, WithObserver(obs))
	tr.TrackFunction("a", "a.go", nil)
	sub.FailNext(1)
	tr.Flush(context.Background())
	tr.Flush(context.Background())

	if obs.Count(metrics.EventRecorded) != 1 || obs.Count(metrics.EventFlushFailed) != 1 || obs.Count(metrics.EventFlushSucceeded) != 1 {
		t.Fatalf("unexpected observer events: %+v", obs.Events())
	}
	for _, ev := range obs.Events() {
		if ev.Name == metrics.EventFlushFailed && ev.Tags[metrics.TagSubmitter] != "mock" {
			t.Fatalf("expected submitter tag, got %v", ev.Tags)
		}
	}
}

func TestDefaults(t *testing.T) {
	tr, err := New(Config{}, WithTeardown(NopTeardown{}))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer tr.Destroy()
	cfg := tr.Config()
	if cfg.Endpoint != DefaultEndpoint || cfg.Rate() != DefaultSampleRate || cfg.FlushInterval != time.Minute || cfg.FlushThreshold != 100 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if tr.submitter.Name() != "http" {
		t.Fatalf("expected default http submitter, got %s", tr.submitter.Name())
	}
	if strings.Contains(Config{APIKey: "secret"}.String(), "secret") {
		t.Fatalf("api key leaked in String()")
	}
}
