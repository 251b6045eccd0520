// Package poll runs one polling cycle: load hosts, probe them in a single
// batch, normalize the outcomes and hand the result to every sink.
package poll

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kylerisse/pingpoll/pkg/host"
	"github.com/kylerisse/pingpoll/pkg/observation"
	"github.com/kylerisse/pingpoll/pkg/probe"
	"github.com/kylerisse/pingpoll/pkg/sink"
)

// Prober probes a batch of identities. *probe.FPing satisfies it.
type Prober interface {
	Probe(ctx context.Context, identities []string) (probe.Result, error)
}

// Resolver reports names that fail DNS resolution. *resolve.Resolver
// satisfies it.
type Resolver interface {
	Unresolvable(ctx context.Context, names []string) ([]string, error)
}

// SinkErrors collects the sinks that failed in one run.
type SinkErrors struct {
	Errs []*sink.Error
}

func (e *SinkErrors) Error() string {
	msgs := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("%d sink(s) failed: %s", len(e.Errs), strings.Join(msgs, "; "))
}

func (e *SinkErrors) Unwrap() []error {
	out := make([]error, len(e.Errs))
	for i, err := range e.Errs {
		out[i] = err
	}
	return out
}

// Runner performs polling runs. A Runner holds no state between runs, but
// runs writing the same files or database must not overlap.
type Runner struct {
	prober   Prober
	sinks    []sink.Sink
	resolver Resolver
	now      func() time.Time
	logger   *logrus.Logger
}

// Option is a functional option for configuring a Runner.
type Option func(*Runner)

// WithClock replaces time.Now as the source of the run timestamp.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		r.now = now
	}
}

// WithResolver enables DNS diagnosis of hosts left in an unknown state.
func WithResolver(res Resolver) Option {
	return func(r *Runner) {
		r.resolver = res
	}
}

// WithLogger sets the logger.
func WithLogger(l *logrus.Logger) Option {
	return func(r *Runner) {
		r.logger = l
	}
}

// New creates a Runner.
func New(prober Prober, sinks []sink.Sink, opts ...Option) *Runner {
	r := &Runner{
		prober: prober,
		sinks:  sinks,
		now:    time.Now,
		logger: logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run performs one polling cycle over the hosts of sources.
//
// A *host.ConfigError or *probe.ExecError aborts the run before any sink is
// written. Otherwise the returned Set is complete and a non-nil error is a
// *SinkErrors naming the sinks that failed; the others were still written.
func (r *Runner) Run(ctx context.Context, sources ...host.Source) (observation.Set, error) {
	hosts, err := host.Load(ctx, r.logger, sources...)
	if err != nil {
		return observation.Set{}, err
	}

	start := r.now()
	ts := start.Unix()

	res, err := r.prober.Probe(ctx, host.Identities(hosts))
	if err != nil {
		return observation.Set{}, err
	}
	if res.Partial {
		r.logger.Warnf("Probe was cut short; hosts without a result are recorded as unknown.")
	}

	set := observation.Set{
		Timestamp:    ts,
		Elapsed:      r.now().Sub(start),
		Observations: observation.Normalize(hosts, res.Outcomes, ts),
	}

	up, down, unknown := observation.Count(set.Observations)
	r.logger.Infof("Polled %d host(s): %d up, %d down, %d unknown.", len(hosts), up, down, unknown)

	if unknown > 0 && r.resolver != nil {
		r.diagnose(ctx, set.Observations)
	}

	return set, r.write(ctx, set)
}

// diagnose logs which unknown hosts fail DNS. It never alters observations.
func (r *Runner) diagnose(ctx context.Context, obs []observation.Observation) {
	var names []string
	for _, o := range obs {
		if o.Reachable == observation.Unknown {
			names = append(names, o.Host.Identity)
		}
	}

	failed, err := r.resolver.Unresolvable(ctx, names)
	if err != nil {
		r.logger.Warnf("DNS diagnosis incomplete: %v", err)
	}
	if len(failed) > 0 {
		r.logger.Warnf("%d host(s) failed DNS: %s", len(failed), strings.Join(failed, ", "))
	}
}

// write hands set to every sink concurrently and waits for all of them.
func (r *Runner) write(ctx context.Context, set observation.Set) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []*sink.Error
	)
	for _, s := range r.sinks {
		wg.Add(1)
		go func(s sink.Sink) {
			defer wg.Done()
			if err := s.Write(ctx, set); err != nil {
				serr := &sink.Error{Sink: s.Name(), Err: err}
				r.logger.Errorf("%v", serr)
				mu.Lock()
				errs = append(errs, serr)
				mu.Unlock()
			}
		}(s)
	}
	wg.Wait()

	if len(errs) == 0 {
		return nil
	}
	return &SinkErrors{Errs: errs}
}

// IsFatal reports whether err aborted a run before any sink was written.
func IsFatal(err error) bool {
	var (
		cfgErr  *host.ConfigError
		execErr *probe.ExecError
	)
	return errors.As(err, &cfgErr) || errors.As(err, &execErr)
}
