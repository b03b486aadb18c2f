package usage

import (
	"errors"
	"strings"
	"time"
)

// Kind identifies what sort of code entity an event observed.
type Kind string

const (
	KindFunction  Kind = "function"
	KindComponent Kind = "component"
	KindImport    Kind = "import"
	KindVariable  Kind = "variable"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindFunction, KindComponent, KindImport, KindVariable:
		return true
	}
	return false
}

// Event is one observed usage. Events are passed and queued by value and
// own a private copy of their metadata.
type Event struct {
	Type      Kind     `json:"type"`
	Name      string   `json:"name"`
	File      string   `json:"file"`
	Timestamp int64    `json:"timestamp"`
	Metadata  Metadata `json:"metadata,omitempty"`
}

// NewEvent builds an event stamped at now. The metadata is deep-copied.
func NewEvent(kind Kind, name, file string, meta Metadata, now time.Time) Event {
	return Event{
		Type:      kind,
		Name:      name,
		File:      file,
		Timestamp: now.UnixMilli(),
		Metadata:  meta.Clone(),
	}
}

// Time returns the event timestamp as a time.Time.
func (e Event) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Payload is the body of one batched submission.
type Payload struct {
	ProjectID string  `json:"projectId"`
	Events    []Event `json:"events"`
	Timestamp int64   `json:"timestamp"`
}

var (
	ErrMissingProject = errors.New("payload: projectId is required")
	ErrMissingEvents  = errors.New("payload: events are required")
)

// Validate applies the same checks the collection endpoint performs.
func (p Payload) Validate() error {
	if strings.TrimSpace(p.ProjectID) == "" {
		return ErrMissingProject
	}
	if p.Events == nil {
		return ErrMissingEvents
	}
	return nil
}

// Envelope carries a payload over message-oriented transports.
type Envelope struct {
	BatchID string  `json:"batchId"`
	Payload Payload `json:"payload"`
}

// Ack is the collector's reply to an Envelope.
type Ack struct {
	BatchID string `json:"batchId"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}
