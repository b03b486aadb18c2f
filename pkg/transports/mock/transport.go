package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/harunnryd/shadowstack/pkg/errorsx"
	"github.com/harunnryd/shadowstack/pkg/usage"
)

// ErrScripted is returned by scripted failures.
var ErrScripted = errorsx.Wrap(errors.New("mock: scripted failure"), errorsx.ReasonSubmitTransport)

// Submitter is an in-memory submitter for tests and local runs. Every call is
// recorded; only accepted batches appear in Batches.
type Submitter struct {
	mu       sync.Mutex
	calls    []usage.Payload
	accepted []usage.Payload
	failN    int
	err      error
	hook     func(ctx context.Context, p usage.Payload) error
}

func New() *Submitter {
	return &Submitter{}
}

func (s *Submitter) Name() string { return "mock" }

func (s *Submitter) Submit(ctx context.Context, p usage.Payload) error {
	s.mu.Lock()
	p.Events = append([]usage.Event(nil), p.Events...)
	s.calls = append(s.calls, p)
	hook := s.hook
	var err error
	switch {
	case s.failN > 0:
		s.failN--
		err = ErrScripted
	case s.err != nil:
		err = s.err
	}
	s.mu.Unlock()

	if err == nil && hook != nil {
		err = hook(ctx, p)
	}
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.accepted = append(s.accepted, p)
	s.mu.Unlock()
	return nil
}

// FailNext makes the next n submissions fail with ErrScripted.
func (s *Submitter) FailNext(n int) {
	s.mu.Lock()
	s.failN = n
	s.mu.Unlock()
}

// FailWith makes every submission fail with err until cleared with nil.
func (s *Submitter) FailWith(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// OnSubmit installs a hook run for submissions that are not scripted to
// fail. A hook error fails the submission. Hooks may block.
func (s *Submitter) OnSubmit(fn func(ctx context.Context, p usage.Payload) error) {
	s.mu.Lock()
	s.hook = fn
	s.mu.Unlock()
}

// Calls returns every payload passed to Submit, accepted or not.
func (s *Submitter) Calls() []usage.Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]usage.Payload(nil), s.calls...)
}

// Batches returns the accepted payloads.
func (s *Submitter) Batches() []usage.Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]usage.Payload(nil), s.accepted...)
}

// Events returns every accepted event in submission order.
func (s *Submitter) Events() []usage.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []usage.Event
	for _, p := range s.accepted {
		out = append(out, p.Events...)
	}
	return out
}
