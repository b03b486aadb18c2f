package metrics

import "time"

// Event names emitted by the tracker.
const (
	EventRecorded       = "usage_recorded"
	EventSampledOut     = "usage_sampled_out"
	EventDropped        = "usage_dropped"
	EventFlushSucceeded = "flush_succeeded"
	EventFlushFailed    = "flush_failed"
)

// Field and tag keys shared by tracker events.
const (
	FieldQueueLen  = "queue_len"
	FieldBatchSize = "batch_size"
	TagKind        = "kind"
	TagSubmitter   = "submitter"
	TagReason      = "reason"
	TagProjectID   = "project_id"
)

// MetricsEvent is a single observation. For flush events Value carries the
// submission duration in seconds; otherwise it is a count.
type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}
