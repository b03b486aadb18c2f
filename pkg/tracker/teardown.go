package tracker

import (
	"os"
	"os/signal"
	"sync"
)

// Teardown lets the tracker hook into imminent process termination.
// Register returns a function that removes the hook; it must be safe to call
// more than once.
type Teardown interface {
	Register(fn func()) (unregister func())
}

// NopTeardown never fires.
type NopTeardown struct{}

func (NopTeardown) Register(func()) func() { return func() {} }

// SignalTeardown runs the hook once when a shutdown signal arrives, then
// stops listening. With Reraise set the signal is delivered again so a
// process with no other handler keeps its normal termination behavior.
//
// A host that calls signal.Notify for the same signals receives that second
// delivery as well, and may treat it as a repeated interrupt. Such hosts
// should set Reraise to false or use NopTeardown and flush on their own.
type SignalTeardown struct {
	Signals []os.Signal
	Reraise bool
}

// NewSignalTeardown listens for SIGINT and SIGTERM and re-raises. It is the
// default teardown of New.
func NewSignalTeardown() SignalTeardown {
	return SignalTeardown{Signals: shutdownSignals(), Reraise: true}
}

func (s SignalTeardown) Register(fn func()) func() {
	sigs := s.Signals
	if len(sigs) == 0 {
		sigs = shutdownSignals()
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	stop := make(chan struct{})
	var once sync.Once
	unregister := func() {
		once.Do(func() {
			signal.Stop(ch)
			close(stop)
		})
	}
	go func() {
		select {
		case sig := <-ch:
			fn()
			unregister()
			if s.Reraise {
				reraise(sig)
			}
		case <-stop:
		}
	}()
	return unregister
}

func reraise(sig os.Signal) {
	p, err := os.FindProcess(os.Getpid())
	if err != nil {
		return
	}
	_ = p.Signal(sig)
}
