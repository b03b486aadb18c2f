package transports

import (
	"context"

	"github.com/harunnryd/shadowstack/pkg/usage"
)

// Submitter delivers one batch to a collection endpoint. A nil error means
// the whole batch was accepted; any error means none of it was.
// Implementations must be safe for concurrent use.
type Submitter interface {
	Name() string
	Submit(ctx context.Context, payload usage.Payload) error
}

// Closer is implemented by submitters that hold connections.
type Closer interface {
	Close() error
}

// Credentials identify the project a submitter ships events for.
type Credentials struct {
	APIKey    string
	ProjectID string
	Endpoint  string
}
