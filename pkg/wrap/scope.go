package wrap

import (
	"sync/atomic"

	"github.com/harunnryd/shadowstack/pkg/usage"
)

// Scope records usage on behalf of one named component. Wrapper metadata
// set with the Metadata option is applied first and call-site metadata
// overrides it.
type Scope struct {
	rec     Recorder
	name    string
	file    string
	opts    options
	renders atomic.Int64
}

// NewScope accepts Metadata, TrackEvents and SkipRender. A nil recorder
// yields a scope that only counts renders.
func NewScope(r Recorder, component, file string, opts ...Option) *Scope {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return &Scope{rec: r, name: component, file: file, opts: o}
}

func (s *Scope) Name() string { return s.name }

// Render counts one render and records a component event carrying the
// running renderCount. It returns the new count.
func (s *Scope) Render() int64 {
	n := s.renders.Add(1)
	if s.rec == nil || s.opts.skipRender {
		return n
	}
	meta := usage.Merge(usage.Metadata{"renderCount": usage.Number(float64(n))}, s.opts.meta)
	s.rec.Record(usage.KindComponent, s.name, s.file, meta)
	return n
}

func (s *Scope) RenderCount() int64 { return s.renders.Load() }

// Function records "<component>.<name>".
func (s *Scope) Function(name string, meta usage.Metadata) {
	if s.rec == nil {
		return
	}
	s.rec.Record(usage.KindFunction, s.name+"."+name, s.file, usage.Merge(s.opts.meta, meta))
}

// Event records "<component>.event.<name>" when the scope tracks events.
func (s *Scope) Event(name string, meta usage.Metadata) {
	if s.rec == nil || !s.opts.trackEvents {
		return
	}
	s.rec.Record(usage.KindFunction, s.name+".event."+name, s.file, usage.Merge(s.opts.meta, meta))
}

func (s *Scope) Import(name string, meta usage.Metadata) {
	if s.rec == nil {
		return
	}
	s.rec.Record(usage.KindImport, name, s.file, s.owned(meta))
}

func (s *Scope) Variable(name string, meta usage.Metadata) {
	if s.rec == nil {
		return
	}
	s.rec.Record(usage.KindVariable, name, s.file, s.owned(meta))
}

func (s *Scope) owned(meta usage.Metadata) usage.Metadata {
	return usage.Merge(usage.Metadata{"component": usage.String(s.name)}, s.opts.meta, meta)
}
