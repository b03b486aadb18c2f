// Package redissink appends usage batches to a Redis stream, for deployments
// where the collector consumes from Redis instead of receiving HTTP.
package redissink

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/harunnryd/shadowstack/pkg/errorsx"
	"github.com/harunnryd/shadowstack/pkg/usage"
)

const DefaultStream = "shadowstack:usage"

type Config struct {
	Client redis.UniversalClient
	Stream string
	// MaxLen approximately caps the stream length; 0 leaves it unbounded.
	MaxLen int64
	APIKey string
}

// Settings is the free-form transport.settings block for the redis provider.
type Settings struct {
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Stream   string `mapstructure:"stream"`
	MaxLen   int64  `mapstructure:"max_len"`
}

// Stream entry fields.
const (
	FieldProject = "project"
	FieldBatch   = "batch"
	FieldKeyHash = "api_key_hash"
	FieldEvents  = "events"
	FieldPayload = "payload"
)

type Submitter struct {
	cfg     Config
	keyHash string
}

func New(cfg Config) (*Submitter, error) {
	if cfg.Client == nil {
		return nil, errors.New("redissink: client is required")
	}
	if cfg.Stream == "" {
		cfg.Stream = DefaultStream
	}
	return &Submitter{cfg: cfg, keyHash: hashKey(cfg.APIKey)}, nil
}

func (s *Submitter) Name() string { return "redis" }

func (s *Submitter) Submit(ctx context.Context, payload usage.Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errorsx.Errorf(errorsx.ReasonSubmitEncode, "encode payload: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: s.cfg.Stream,
		Values: map[string]any{
			FieldProject: payload.ProjectID,
			FieldBatch:   uuid.NewString(),
			FieldKeyHash: s.keyHash,
			FieldEvents:  len(payload.Events),
			FieldPayload: string(body),
		},
	}
	if s.cfg.MaxLen > 0 {
		args.MaxLen = s.cfg.MaxLen
		args.Approx = true
	}
	if err := s.cfg.Client.XAdd(ctx, args).Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return errorsx.Errorf(errorsx.ReasonSubmitTimeout, "xadd: %w", err)
		}
		return errorsx.Errorf(errorsx.ReasonSubmitTransport, "xadd: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (s *Submitter) Close() error {
	return s.cfg.Client.Close()
}

func hashKey(key string) string {
	if key == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:8])
}
