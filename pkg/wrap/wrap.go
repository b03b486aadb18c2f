// Package wrap decorates functions and render functions so that each call
// is recorded as a usage event before the wrapped target runs. Wrappers
// never change results, errors, or panics of the target.
package wrap

import (
	"reflect"
	"runtime"
	"sort"
	"strings"

	"github.com/harunnryd/shadowstack/pkg/usage"
)

// Recorder is the subset of the tracker used by wrappers.
type Recorder interface {
	Record(kind usage.Kind, name, file string, meta usage.Metadata)
}

type options struct {
	name        string
	file        string
	meta        usage.Metadata
	trackProps  bool
	trackEvents bool
	skipRender  bool
}

type Option func(*options)

// Name overrides the recorded name. Without it the Go function name is used.
func Name(name string) Option {
	return func(o *options) { o.name = name }
}

func File(file string) Option {
	return func(o *options) { o.file = file }
}

// Metadata is attached to every event the wrapper records.
func Metadata(meta usage.Metadata) Option {
	return func(o *options) { o.meta = meta.Clone() }
}

// TrackProps records the prop field names of each render under "props".
func TrackProps() Option {
	return func(o *options) { o.trackProps = true }
}

// TrackEvents enables Scope.Event.
func TrackEvents() Option {
	return func(o *options) { o.trackEvents = true }
}

// SkipRender turns Scope.Render into a counter that records nothing.
func SkipRender() Option {
	return func(o *options) { o.skipRender = true }
}

func build(target any, opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.name == "" {
		o.name = funcName(target)
	}
	return o
}

func (o options) record(r Recorder, kind usage.Kind) {
	r.Record(kind, o.name, o.file, o.meta)
}

// Func wraps a function without arguments or results.
func Func(r Recorder, fn func(), opts ...Option) func() {
	if r == nil || fn == nil {
		return fn
	}
	o := build(fn, opts)
	return func() {
		o.record(r, usage.KindFunction)
		fn()
	}
}

func Func1[A, R any](r Recorder, fn func(A) R, opts ...Option) func(A) R {
	if r == nil || fn == nil {
		return fn
	}
	o := build(fn, opts)
	return func(a A) R {
		o.record(r, usage.KindFunction)
		return fn(a)
	}
}

func Func2[A, B, R any](r Recorder, fn func(A, B) R, opts ...Option) func(A, B) R {
	if r == nil || fn == nil {
		return fn
	}
	o := build(fn, opts)
	return func(a A, b B) R {
		o.record(r, usage.KindFunction)
		return fn(a, b)
	}
}

func FuncErr[R any](r Recorder, fn func() (R, error), opts ...Option) func() (R, error) {
	if r == nil || fn == nil {
		return fn
	}
	o := build(fn, opts)
	return func() (R, error) {
		o.record(r, usage.KindFunction)
		return fn()
	}
}

func Func1Err[A, R any](r Recorder, fn func(A) (R, error), opts ...Option) func(A) (R, error) {
	if r == nil || fn == nil {
		return fn
	}
	o := build(fn, opts)
	return func(a A) (R, error) {
		o.record(r, usage.KindFunction)
		return fn(a)
	}
}

// Component wraps a render function, recording one component event per
// render.
func Component[P, O any](r Recorder, render func(P) O, opts ...Option) func(P) O {
	if r == nil || render == nil {
		return render
	}
	o := build(render, opts)
	return func(props P) O {
		meta := o.meta
		if o.trackProps {
			if names, ok := propNames(props); ok {
				meta = usage.Merge(meta, usage.Metadata{"props": names})
			}
		}
		r.Record(usage.KindComponent, o.name, o.file, meta)
		return render(props)
	}
}

// propNames lists exported struct fields or string map keys, sorted.
func propNames(props any) (usage.Value, bool) {
	rv := reflect.ValueOf(props)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return usage.Value{}, false
		}
		rv = rv.Elem()
	}
	var keys []string
	switch rv.Kind() {
	case reflect.Struct:
		rt := rv.Type()
		for i := 0; i < rt.NumField(); i++ {
			if f := rt.Field(i); f.IsExported() {
				keys = append(keys, f.Name)
			}
		}
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return usage.Value{}, false
		}
		for _, k := range rv.MapKeys() {
			keys = append(keys, k.String())
		}
	default:
		return usage.Value{}, false
	}
	sort.Strings(keys)
	items := make([]usage.Value, len(keys))
	for i, k := range keys {
		items[i] = usage.String(k)
	}
	return usage.Array(items...), true
}

func funcName(fn any) string {
	rv := reflect.ValueOf(fn)
	if rv.Kind() != reflect.Func || rv.IsNil() {
		return "anonymous"
	}
	f := runtime.FuncForPC(rv.Pointer())
	if f == nil {
		return "anonymous"
	}
	name := f.Name()
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.Index(name, "."); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimSuffix(name, "-fm")
	if name == "" {
		return "anonymous"
	}
	return name
}
