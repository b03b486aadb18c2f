package wssink

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/shadowstack/pkg/collector"
	"github.com/harunnryd/shadowstack/pkg/errorsx"
	"github.com/harunnryd/shadowstack/pkg/usage"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func payload(project string) usage.Payload {
	return usage.Payload{
		ProjectID: project,
		Timestamp: 5,
		Events:    []usage.Event{{Type: usage.KindVariable, Name: "flag", File: "cfg.ts", Timestamp: 4}},
	}
}

func TestSubmitDeliversAndReusesConnection(t *testing.T) {
	sink := collector.NewMemorySink()
	var conns atomic.Int32
	ws := collector.NewWebSocketHandler(sink)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conns.Add(1)
		ws.ServeHTTP(w, r)
	}))
	defer srv.Close()

	s := New(Config{URL: wsURL(srv), APIKey: "k", AckTimeout: time.Second})
	defer s.Close()

	for i := 0; i < 3; i++ {
		if err := s.Submit(context.Background(), payload("proj")); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	if got := len(sink.Submissions()); got != 3 {
		t.Fatalf("expected 3 submissions, got %d", got)
	}
	if got := conns.Load(); got != 1 {
		t.Fatalf("expected a single connection, got %d", got)
	}
	if sub := sink.Submissions()[0]; sub.APIKey != "k" || sub.BatchID == "" {
		t.Fatalf("unexpected submission metadata: %+v", sub)
	}
}

func TestSubmitRejectedAck(t *testing.T) {
	srv := httptest.NewServer(collector.NewWebSocketHandler(collector.NewMemorySink()))
	defer srv.Close()

	s := New(Config{URL: wsURL(srv), APIKey: "k", AckTimeout: time.Second})
	defer s.Close()

	err := s.Submit(context.Background(), payload(""))
	if !errorsx.HasReason(err, errorsx.ReasonSubmitRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
}

func TestSubmitReconnectsAfterBrokenConnection(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		first := conns.Add(1) == 1
		for {
			var env usage.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			if first {
				return
			}
			if err := conn.WriteJSON(usage.Ack{BatchID: env.BatchID, OK: true}); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	s := New(Config{URL: wsURL(srv), APIKey: "k", AckTimeout: time.Second, Reconnects: 1})
	defer s.Close()

	if err := s.Submit(context.Background(), payload("proj")); err != nil {
		t.Fatalf("expected submit to succeed on a fresh connection, got %v", err)
	}
	if got := conns.Load(); got != 2 {
		t.Fatalf("expected 2 connections, got %d", got)
	}
}

func TestSubmitDialFailure(t *testing.T) {
	srv := httptest.NewServer(collector.NewWebSocketHandler(collector.NewMemorySink()))
	defer srv.Close()

	s := New(Config{URL: wsURL(srv), AckTimeout: time.Second})
	err := s.Submit(context.Background(), payload("proj"))
	if !errorsx.HasReason(err, errorsx.ReasonSubmitStatus) {
		t.Fatalf("expected status failure for missing key, got %v", err)
	}
}
