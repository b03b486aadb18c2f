// Package collector is a minimal collection endpoint for local development
// and tests. It validates and hands batches to a BatchSink; it does not
// correlate usage with dead-code findings.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/harunnryd/shadowstack/pkg/errorsx"
	"github.com/harunnryd/shadowstack/pkg/logging"
	"github.com/harunnryd/shadowstack/pkg/usage"
)

const (
	headerAPIKey  = "X-API-Key"
	headerBatchID = "X-Batch-ID"

	defaultMaxBody = 8 << 20
)

// Submission is one accepted batch.
type Submission struct {
	APIKey  string
	BatchID string
	Payload usage.Payload
}

// BatchSink receives validated batches.
type BatchSink interface {
	HandleBatch(ctx context.Context, sub Submission) error
}

// KeyValidator decides whether apiKey may write to projectID.
type KeyValidator func(apiKey, projectID string) bool

// AllowAll accepts any non-empty key.
func AllowAll(string, string) bool { return true }

type Option func(*Handler)

func WithKeyValidator(v KeyValidator) Option {
	return func(h *Handler) {
		if v != nil {
			h.validate = v
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) {
		if log != nil {
			h.log = log
		}
	}
}

func WithMaxBody(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBody = n
		}
	}
}

// Handler serves POST submissions.
type Handler struct {
	sink     BatchSink
	validate KeyValidator
	log      *slog.Logger
	maxBody  int64
}

func NewHandler(sink BatchSink, opts ...Option) *Handler {
	h := &Handler{
		sink:     sink,
		validate: AllowAll,
		log:      logging.NewComponentLogger(slog.Default(), "collector"),
		maxBody:  defaultMaxBody,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type response struct {
	Error string `json:"error"`
}

type accepted struct {
	Success         bool `json:"success"`
	EventsProcessed int  `json:"eventsProcessed"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, response{Error: "Method not allowed"})
		return
	}
	apiKey := strings.TrimSpace(r.Header.Get(headerAPIKey))
	if apiKey == "" {
		writeJSON(w, http.StatusUnauthorized, response{Error: "Missing API key"})
		return
	}

	payload, err := decodePayload(io.LimitReader(r.Body, h.maxBody))
	if err != nil {
		h.log.Debug("rejected payload", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, response{Error: "Invalid payload"})
		return
	}
	if !h.validate(apiKey, payload.ProjectID) {
		writeJSON(w, http.StatusForbidden, response{Error: "Invalid API key"})
		return
	}

	sub := Submission{APIKey: apiKey, BatchID: r.Header.Get(headerBatchID), Payload: payload}
	if err := h.sink.HandleBatch(r.Context(), sub); err != nil {
		h.log.Error("batch sink failed",
			slog.String("project_id", payload.ProjectID),
			slog.String("reason", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, response{Error: "Internal server error"})
		return
	}
	h.log.Info("batch accepted",
		slog.String("project_id", payload.ProjectID),
		slog.Int("events", len(payload.Events)))
	writeJSON(w, http.StatusOK, accepted{Success: true, EventsProcessed: len(payload.Events)})
}

func decodePayload(r io.Reader) (usage.Payload, error) {
	var payload usage.Payload
	if err := json.NewDecoder(r).Decode(&payload); err != nil {
		return usage.Payload{}, errorsx.Errorf(errorsx.ReasonCollectorPayload, "decode payload: %w", err)
	}
	if err := payload.Validate(); err != nil {
		return usage.Payload{}, errorsx.Wrap(err, errorsx.ReasonCollectorPayload)
	}
	return payload, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// MemorySink keeps accepted submissions in memory.
type MemorySink struct {
	mu          sync.Mutex
	submissions []Submission
	err         error
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) HandleBatch(_ context.Context, sub Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.submissions = append(m.submissions, sub)
	return nil
}

// FailWith makes subsequent batches fail with err; nil restores success.
func (m *MemorySink) FailWith(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *MemorySink) Submissions() []Submission {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Submission, len(m.submissions))
	copy(out, m.submissions)
	return out
}

// Events returns every accepted event in arrival order.
func (m *MemorySink) Events() []usage.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []usage.Event
	for _, sub := range m.submissions {
		out = append(out, sub.Payload.Events...)
	}
	return out
}

// ErrSinkUnavailable is a ready-made failure for FailWith.
var ErrSinkUnavailable = errorsx.Wrap(errors.New("sink unavailable"), errorsx.ReasonCollectorSink)
