package transports

import (
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/harunnryd/shadowstack/pkg/configutil"
	"github.com/harunnryd/shadowstack/pkg/resilience"
	"github.com/harunnryd/shadowstack/pkg/transports/httpsink"
	"github.com/harunnryd/shadowstack/pkg/transports/mock"
	"github.com/harunnryd/shadowstack/pkg/transports/redissink"
	"github.com/harunnryd/shadowstack/pkg/transports/wssink"
)

var (
	_ Submitter = (*httpsink.Submitter)(nil)
	_ Submitter = (*wssink.Submitter)(nil)
	_ Submitter = (*redissink.Submitter)(nil)
	_ Submitter = (*mock.Submitter)(nil)
)

// NewDefaultRegistry returns a registry with the http, websocket, redis and
// mock providers.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("http", buildHTTP)
	r.Register("websocket", buildWebSocket)
	r.Register("redis", buildRedis)
	r.Register("mock", func(Credentials, map[string]any) (Submitter, error) {
		return mock.New(), nil
	})
	return r
}

var (
	httpSchema = configutil.Schema{
		Optional: []string{"timeout_ms", "user_agent", "headers", "circuit_threshold", "circuit_cooldown_ms"},
	}
	wsSchema = configutil.Schema{
		Optional: []string{"url", "ack_timeout_ms", "reconnects"},
	}
	redisSchema = configutil.Schema{
		Required: []string{"addr"},
		Optional: []string{"username", "password", "db", "stream", "max_len"},
	}
)

func buildHTTP(creds Credentials, settings map[string]any) (Submitter, error) {
	if err := configutil.ValidateSettings(settings, httpSchema); err != nil {
		return nil, fmt.Errorf("http transport settings: %w", err)
	}
	var s httpsink.Settings
	if err := configutil.DecodeSettings(settings, &s); err != nil {
		return nil, fmt.Errorf("http transport settings: %w", err)
	}
	if err := configutil.RequireString(creds.Endpoint, "tracker.endpoint"); err != nil {
		return nil, err
	}
	var breaker *resilience.CircuitBreaker
	if s.CircuitThreshold > 0 {
		breaker = resilience.NewCircuitBreaker(s.CircuitThreshold, configutil.MillisValue(s.CircuitCooldownMS, 0))
	}
	return httpsink.New(httpsink.Config{
		Endpoint:  creds.Endpoint,
		APIKey:    creds.APIKey,
		Timeout:   configutil.MillisValue(s.TimeoutMS, 0),
		UserAgent: s.UserAgent,
		Headers:   s.Headers,
		Breaker:   breaker,
	}), nil
}

func buildWebSocket(creds Credentials, settings map[string]any) (Submitter, error) {
	if err := configutil.ValidateSettings(settings, wsSchema); err != nil {
		return nil, fmt.Errorf("websocket transport settings: %w", err)
	}
	var s wssink.Settings
	if err := configutil.DecodeSettings(settings, &s); err != nil {
		return nil, fmt.Errorf("websocket transport settings: %w", err)
	}
	url := s.URL
	if url == "" {
		url = websocketURL(creds.Endpoint)
	}
	if err := configutil.RequireString(url, "transport.settings.url"); err != nil {
		return nil, err
	}
	return wssink.New(wssink.Config{
		URL:        url,
		APIKey:     creds.APIKey,
		AckTimeout: configutil.MillisValue(s.AckTimeoutMS, 0),
		Reconnects: configutil.IntValue(s.Reconnects, 1),
	}), nil
}

func buildRedis(creds Credentials, settings map[string]any) (Submitter, error) {
	if err := configutil.ValidateSettings(settings, redisSchema); err != nil {
		return nil, fmt.Errorf("redis transport settings: %w", err)
	}
	var s redissink.Settings
	if err := configutil.DecodeSettings(settings, &s); err != nil {
		return nil, fmt.Errorf("redis transport settings: %w", err)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     s.Addr,
		Username: s.Username,
		Password: s.Password,
		DB:       s.DB,
	})
	return redissink.New(redissink.Config{
		Client: client,
		Stream: s.Stream,
		MaxLen: s.MaxLen,
		APIKey: creds.APIKey,
	})
}

// websocketURL derives ws(s):// from an http(s):// endpoint.
func websocketURL(endpoint string) string {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		return "wss://" + strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "http://"):
		return "ws://" + strings.TrimPrefix(endpoint, "http://")
	}
	return endpoint
}
