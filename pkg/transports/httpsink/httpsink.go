// Package httpsink submits usage batches to an HTTP collection endpoint.
package httpsink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/shadowstack/pkg/errorsx"
	"github.com/harunnryd/shadowstack/pkg/resilience"
	"github.com/harunnryd/shadowstack/pkg/usage"
)

const (
	HeaderAPIKey  = "X-API-Key"
	HeaderBatchID = "X-Batch-ID"

	defaultTimeout = 10 * time.Second
	maxErrorBody   = 512
)

type Config struct {
	Endpoint  string
	APIKey    string
	Timeout   time.Duration
	UserAgent string
	Headers   map[string]string
	Client    *http.Client
	Breaker   *resilience.CircuitBreaker
}

// Settings is the free-form transport.settings block for the http provider.
type Settings struct {
	TimeoutMS         int               `mapstructure:"timeout_ms"`
	UserAgent         string            `mapstructure:"user_agent"`
	Headers           map[string]string `mapstructure:"headers"`
	CircuitThreshold  int               `mapstructure:"circuit_threshold"`
	CircuitCooldownMS int               `mapstructure:"circuit_cooldown_ms"`
}

type Submitter struct {
	cfg    Config
	client *http.Client
}

func New(cfg Config) *Submitter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "shadowstack-go"
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Submitter{cfg: cfg, client: client}
}

func (s *Submitter) Name() string { return "http" }

func (s *Submitter) Submit(ctx context.Context, payload usage.Payload) error {
	if !s.cfg.Breaker.Allow() {
		return errorsx.Wrap(resilience.ErrCircuitOpen, errorsx.ReasonSubmitCircuitOpen)
	}
	err := s.post(ctx, payload)
	if err != nil {
		s.cfg.Breaker.OnError(err)
		return err
	}
	s.cfg.Breaker.OnSuccess()
	return nil
}

func (s *Submitter) post(ctx context.Context, payload usage.Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errorsx.Errorf(errorsx.ReasonSubmitEncode, "encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return errorsx.Errorf(errorsx.ReasonSubmitTransport, "build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.cfg.UserAgent)
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set(HeaderAPIKey, s.cfg.APIKey)
	req.Header.Set(HeaderBatchID, uuid.NewString())

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return errorsx.Errorf(errorsx.ReasonSubmitTimeout, "post batch: %w", err)
		}
		return errorsx.Errorf(errorsx.ReasonSubmitTransport, "post batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return errorsx.Wrap(resilience.StatusError{
		Code: resp.StatusCode,
		Body: strings.TrimSpace(string(snippet)),
	}, errorsx.ReasonSubmitStatus)
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
