// Package wssink submits usage batches over a persistent websocket.
package wssink

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/harunnryd/shadowstack/pkg/errorsx"
	"github.com/harunnryd/shadowstack/pkg/resilience"
	"github.com/harunnryd/shadowstack/pkg/usage"
)

const defaultAckTimeout = 10 * time.Second

type Config struct {
	URL        string
	APIKey     string
	AckTimeout time.Duration
	Header     http.Header
	Dialer     *websocket.Dialer
	// Reconnects is how many fresh connections a single Submit may try after
	// the current one fails.
	Reconnects int
}

// Settings is the free-form transport.settings block for the websocket provider.
type Settings struct {
	URL          string `mapstructure:"url"`
	AckTimeoutMS int    `mapstructure:"ack_timeout_ms"`
	Reconnects   *int   `mapstructure:"reconnects"`
}

// Submitter sends one usage.Envelope per batch and waits for the matching
// usage.Ack. Submissions are serialized over a single connection.
type Submitter struct {
	cfg   Config
	retry resilience.RetryPolicy

	mu   sync.Mutex
	conn *websocket.Conn
}

func New(cfg Config) *Submitter {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = defaultAckTimeout
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: cfg.AckTimeout}
	}
	return &Submitter{
		cfg:   cfg,
		retry: resilience.NewRetryPolicy(cfg.Reconnects, 100*time.Millisecond),
	}
}

func (s *Submitter) Name() string { return "websocket" }

func (s *Submitter) Submit(ctx context.Context, payload usage.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	env := usage.Envelope{BatchID: uuid.NewString(), Payload: payload}
	var rejected error
	err := s.retry.Do(ctx, func() error {
		ack, err := s.exchange(ctx, env)
		if err != nil {
			s.dropConnLocked()
			return err
		}
		if !ack.OK {
			rejected = errorsx.Errorf(errorsx.ReasonSubmitRejected, "batch rejected: %s", ack.Error)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return rejected
}

func (s *Submitter) exchange(ctx context.Context, env usage.Envelope) (usage.Ack, error) {
	conn, err := s.connLocked(ctx)
	if err != nil {
		return usage.Ack{}, err
	}
	deadline := time.Now().Add(s.cfg.AckTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.SetReadDeadline(deadline)

	if err := conn.WriteJSON(env); err != nil {
		return usage.Ack{}, wrapIOErr("write batch", err)
	}
	var ack usage.Ack
	if err := conn.ReadJSON(&ack); err != nil {
		return usage.Ack{}, wrapIOErr("read ack", err)
	}
	if ack.BatchID != env.BatchID {
		return usage.Ack{}, errorsx.Errorf(errorsx.ReasonSubmitTransport, "ack for batch %q, want %q", ack.BatchID, env.BatchID)
	}
	return ack, nil
}

func (s *Submitter) connLocked(ctx context.Context) (*websocket.Conn, error) {
	if s.conn != nil {
		return s.conn, nil
	}
	header := http.Header{}
	for k, v := range s.cfg.Header {
		header[k] = append([]string(nil), v...)
	}
	header.Set("X-API-Key", s.cfg.APIKey)
	conn, resp, err := s.cfg.Dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, errorsx.Wrap(fmt.Errorf("dial: %w", resilience.StatusError{Code: resp.StatusCode}), errorsx.ReasonSubmitStatus)
		}
		return nil, errorsx.Errorf(errorsx.ReasonSubmitTransport, "dial: %w", err)
	}
	s.conn = conn
	return conn, nil
}

func (s *Submitter) dropConnLocked() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

// Close sends a close frame and releases the connection.
func (s *Submitter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	err := s.conn.Close()
	s.conn = nil
	return err
}

func wrapIOErr(op string, err error) error {
	var nerr interface{ Timeout() bool }
	if errors.As(err, &nerr) && nerr.Timeout() {
		return errorsx.Errorf(errorsx.ReasonSubmitTimeout, "%s: %w", op, err)
	}
	return errorsx.Errorf(errorsx.ReasonSubmitTransport, "%s: %w", op, err)
}
