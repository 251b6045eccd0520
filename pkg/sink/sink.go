// Package sink writes a run's observations to their destinations.
//
// Each Sink consumes the same observation.Set and touches only its own
// backing store, so sinks can run in any order or concurrently. Sinks are
// created by kind name through a Registry, which lets configuration pick
// the output modes of a run.
package sink

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/kylerisse/pingpoll/pkg/observation"
	"github.com/kylerisse/pingpoll/pkg/store"
)

// Built-in sink kinds.
const (
	KindTable    = "table"
	KindSummary  = "summary"
	KindCSV      = "csv"
	KindSQL      = "sql"
	KindTextfile = "textfile"
	KindRRD      = "rrd"
)

// Sink consumes one run's observations.
type Sink interface {
	// Name identifies the sink in logs and errors.
	Name() string
	// Write records the set. It must not modify it.
	Write(ctx context.Context, set observation.Set) error
}

// Config carries everything a Factory may need. Each kind reads only the
// fields it cares about.
type Config struct {
	// Path is the destination file for csv and textfile sinks and the
	// directory for the rrd sink.
	Path string
	// Append makes the csv sink add rows instead of replacing the file.
	Append bool
	// Out is where table and summary sinks print. Defaults to os.Stdout.
	Out io.Writer
	// Store backs the sql sink.
	Store *store.Store
	// Binary is the rrdtool executable for the rrd sink.
	Binary string
	// Logger defaults to the logrus standard logger.
	Logger *logrus.Logger
}

func (c Config) out() io.Writer {
	if c.Out == nil {
		return os.Stdout
	}
	return c.Out
}

func (c Config) logger() *logrus.Logger {
	if c.Logger == nil {
		return logrus.StandardLogger()
	}
	return c.Logger
}

// Error reports a failed sink. It never aborts other sinks.
type Error struct {
	Sink string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("sink %s: %v", e.Sink, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Factory creates a Sink from configuration.
type Factory func(cfg Config) (Sink, error)

// Registry holds sink factories by kind. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// DefaultRegistry returns a Registry with every built-in kind registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.mustRegister(KindTable, newTable)
	r.mustRegister(KindSummary, newSummary)
	r.mustRegister(KindCSV, newCSV)
	r.mustRegister(KindSQL, newSQL)
	r.mustRegister(KindTextfile, newTextfile)
	r.mustRegister(KindRRD, newRRD)
	return r
}

func (r *Registry) mustRegister(kind string, f Factory) {
	if err := r.Register(kind, f); err != nil {
		panic(err)
	}
}

// Register adds a factory under kind.
// Returns an error if the kind is already registered.
func (r *Registry) Register(kind string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("sink kind %q is already registered", kind)
	}
	r.factories[kind] = factory
	return nil
}

// Create builds a Sink of the given kind.
func (r *Registry) Create(kind string, cfg Config) (Sink, error) {
	r.mu.RLock()
	factory, exists := r.factories[kind]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink kind %q", kind)
	}
	return factory(cfg)
}

// Kinds returns the registered kind names, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.factories))
	for name := range r.factories {
		kinds = append(kinds, name)
	}
	sort.Strings(kinds)
	return kinds
}

// Unavailable returns a sink named kind whose every Write fails with err.
// It stands in for a sink whose backend could not be set up, so the failure
// is reported with the run's other sink errors.
func Unavailable(kind string, err error) Sink {
	return unavailable{kind: kind, err: err}
}

type unavailable struct {
	kind string
	err  error
}

func (u unavailable) Name() string { return u.kind }

func (u unavailable) Write(context.Context, observation.Set) error { return u.err }
