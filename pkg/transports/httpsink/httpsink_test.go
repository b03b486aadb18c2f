package httpsink

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harunnryd/shadowstack/pkg/collector"
	"github.com/harunnryd/shadowstack/pkg/errorsx"
	"github.com/harunnryd/shadowstack/pkg/resilience"
	"github.com/harunnryd/shadowstack/pkg/usage"
)

func samplePayload() usage.Payload {
	return usage.Payload{
		ProjectID: "proj",
		Timestamp: 10,
		Events: []usage.Event{
			{Type: usage.KindFunction, Name: "a", File: "a.ts", Timestamp: 1},
			{Type: usage.KindComponent, Name: "B", File: "b.tsx", Timestamp: 2},
		},
	}
}

func TestSubmitPostsPayloadWithHeaders(t *testing.T) {
	var got usage.Payload
	var gotKey, gotBatch, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		gotKey = r.Header.Get(HeaderAPIKey)
		gotBatch = r.Header.Get(HeaderBatchID)
		gotType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := New(Config{Endpoint: srv.URL, APIKey: "secret"})
	if err := s.Submit(context.Background(), samplePayload()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if gotKey != "secret" || gotBatch == "" || gotType != "application/json" {
		t.Fatalf("unexpected headers key=%q batch=%q type=%q", gotKey, gotBatch, gotType)
	}
	if got.ProjectID != "proj" || len(got.Events) != 2 || got.Events[1].Name != "B" {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestSubmitAgainstCollector(t *testing.T) {
	sink := collector.NewMemorySink()
	srv := httptest.NewServer(collector.NewHandler(sink))
	defer srv.Close()

	if err := New(Config{Endpoint: srv.URL, APIKey: "k"}).Submit(context.Background(), samplePayload()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if n := len(sink.Events()); n != 2 {
		t.Fatalf("expected 2 events at collector, got %d", n)
	}

	if err := New(Config{Endpoint: srv.URL}).Submit(context.Background(), samplePayload()); err == nil {
		t.Fatalf("expected missing key to be rejected")
	}
}

func TestSubmitNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := New(Config{Endpoint: srv.URL}).Submit(context.Background(), samplePayload())
	if !errorsx.HasReason(err, errorsx.ReasonSubmitStatus) {
		t.Fatalf("expected status reason, got %v", err)
	}
	var se resilience.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusServiceUnavailable || se.Body != "overloaded" {
		t.Fatalf("expected StatusError 503, got %#v", err)
	}
}

func TestSubmitTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := New(Config{Endpoint: srv.URL}).Submit(ctx, samplePayload())
	if !errorsx.HasReason(err, errorsx.ReasonSubmitTimeout) {
		t.Fatalf("expected timeout reason, got %v", err)
	}
}

func TestSubmitTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := New(Config{Endpoint: url}).Submit(context.Background(), samplePayload())
	if !errorsx.HasReason(err, errorsx.ReasonSubmitTransport) {
		t.Fatalf("expected transport reason, got %v", err)
	}
}

func TestCircuitBreakerShortCircuits(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := New(Config{Endpoint: srv.URL, Breaker: resilience.NewCircuitBreaker(2, time.Hour)})
	for i := 0; i < 2; i++ {
		_ = s.Submit(context.Background(), samplePayload())
	}
	err := s.Submit(context.Background(), samplePayload())
	if !errorsx.HasReason(err, errorsx.ReasonSubmitCircuitOpen) {
		t.Fatalf("expected circuit open, got %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected 2 requests to reach the server, got %d", hits.Load())
	}
}
