package poll

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/kylerisse/pingpoll/pkg/host"
	"github.com/kylerisse/pingpoll/pkg/observation"
	"github.com/kylerisse/pingpoll/pkg/probe"
	"github.com/kylerisse/pingpoll/pkg/sink"
)

type fakeProber struct {
	result probe.Result
	err    error
	got    []string
	calls  int
}

func (f *fakeProber) Probe(_ context.Context, identities []string) (probe.Result, error) {
	f.calls++
	f.got = identities
	return f.result, f.err
}

type fakeResolver struct {
	failed []string
	asked  []string
}

func (f *fakeResolver) Unresolvable(_ context.Context, names []string) ([]string, error) {
	f.asked = names
	return f.failed, nil
}

type recordingSink struct {
	name string
	err  error

	mu   sync.Mutex
	sets []observation.Set
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Write(_ context.Context, set observation.Set) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets = append(s.sets, set)
	return s.err
}

func (s *recordingSink) writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sets)
}

type staticSource []host.Host

func (s staticSource) Name() string { return "static" }

func (s staticSource) Hosts(_ context.Context) ([]host.Host, error) { return s, nil }

func hostsFrom(names ...string) staticSource {
	out := make(staticSource, len(names))
	for i, n := range names {
		out[i] = host.Host{Identity: n}
	}
	return out
}

func ms(v float64) *float64 { return &v }

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func testLogger() (*logrus.Logger, *test.Hook) {
	return test.NewNullLogger()
}

func TestRun_SharedTimestamp(t *testing.T) {
	prober := &fakeProber{result: probe.Result{Outcomes: []probe.Outcome{
		{Identity: "google.com", Reachable: true, LatencyMS: ms(3.54)},
		{Identity: "10.0.0.0", Reachable: false},
	}}}
	out := &recordingSink{name: "rec"}
	logger, _ := testLogger()

	start := time.Unix(1673391318, 0)
	r := New(prober, []sink.Sink{out}, WithClock(fixedClock(start)), WithLogger(logger))

	set, err := r.Run(context.Background(), hostsFrom("google.com", "10.0.0.0", "nope.invalid"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !reflect.DeepEqual(prober.got, []string{"google.com", "10.0.0.0", "nope.invalid"}) {
		t.Errorf("unexpected probe targets %v", prober.got)
	}
	if set.Timestamp != 1673391318 {
		t.Errorf("expected run timestamp 1673391318, got %d", set.Timestamp)
	}
	if len(set.Observations) != 3 {
		t.Fatalf("expected 3 observations, got %d", len(set.Observations))
	}
	want := []observation.Reachability{observation.Up, observation.Down, observation.Unknown}
	for i, o := range set.Observations {
		if o.Timestamp != set.Timestamp {
			t.Errorf("observation %d: timestamp %d differs from run %d", i, o.Timestamp, set.Timestamp)
		}
		if o.Reachable != want[i] {
			t.Errorf("observation %d: expected %v, got %v", i, want[i], o.Reachable)
		}
	}
	if out.writes() != 1 {
		t.Fatalf("expected sink to be written once, got %d", out.writes())
	}
	if !reflect.DeepEqual(out.sets[0], set) {
		t.Error("sink did not receive the returned set")
	}
}

func TestRun_Elapsed(t *testing.T) {
	times := []time.Time{time.Unix(100, 0), time.Unix(102, 300_000_000)}
	clock := func() time.Time {
		now := times[0]
		if len(times) > 1 {
			times = times[1:]
		}
		return now
	}
	logger, _ := testLogger()
	r := New(&fakeProber{}, nil, WithClock(clock), WithLogger(logger))

	set, err := r.Run(context.Background(), hostsFrom("a"))
	if err != nil {
		t.Fatal(err)
	}
	if set.Timestamp != 100 {
		t.Errorf("expected timestamp 100, got %d", set.Timestamp)
	}
	if set.Elapsed != 2300*time.Millisecond {
		t.Errorf("expected elapsed 2.3s, got %v", set.Elapsed)
	}
}

func TestRun_ConfigErrorAborts(t *testing.T) {
	prober := &fakeProber{}
	out := &recordingSink{name: "rec"}
	logger, _ := testLogger()
	r := New(prober, []sink.Sink{out}, WithLogger(logger))

	missing := host.TextFile{Path: filepath.Join(t.TempDir(), "hosts.txt")}
	_, err := r.Run(context.Background(), missing)

	var cfgErr *host.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *host.ConfigError, got %v", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected os.ErrNotExist in chain, got %v", err)
	}
	if !IsFatal(err) {
		t.Error("expected config error to be fatal")
	}
	if prober.calls != 0 || out.writes() != 0 {
		t.Errorf("expected no probe and no sink writes, got %d and %d", prober.calls, out.writes())
	}
}

func TestRun_NoHosts(t *testing.T) {
	logger, _ := testLogger()
	r := New(&fakeProber{}, nil, WithLogger(logger))

	_, err := r.Run(context.Background(), hostsFrom())
	if !errors.Is(err, host.ErrNoHosts) {
		t.Errorf("expected ErrNoHosts, got %v", err)
	}
}

func TestRun_ExecErrorAborts(t *testing.T) {
	prober := &fakeProber{err: &probe.ExecError{ExitCode: 4, Err: errors.New("can't create socket")}}
	out := &recordingSink{name: "rec"}
	logger, _ := testLogger()
	r := New(prober, []sink.Sink{out}, WithLogger(logger))

	_, err := r.Run(context.Background(), hostsFrom("google.com"))

	var execErr *probe.ExecError
	if !errors.As(err, &execErr) || execErr.ExitCode != 4 {
		t.Fatalf("expected *probe.ExecError with exit code 4, got %v", err)
	}
	if !IsFatal(err) {
		t.Error("expected exec error to be fatal")
	}
	if out.writes() != 0 {
		t.Errorf("expected no sink writes after a probe failure, got %d", out.writes())
	}
}

func TestRun_SinkFailureDoesNotBlockOthers(t *testing.T) {
	boom := errors.New("disk full")
	bad := &recordingSink{name: "csv", err: boom}
	good := &recordingSink{name: "table"}
	logger, hook := testLogger()

	r := New(&fakeProber{}, []sink.Sink{bad, good}, WithLogger(logger))
	set, err := r.Run(context.Background(), hostsFrom("a", "b"))

	var sinkErrs *SinkErrors
	if !errors.As(err, &sinkErrs) {
		t.Fatalf("expected *SinkErrors, got %v", err)
	}
	if len(sinkErrs.Errs) != 1 || sinkErrs.Errs[0].Sink != "csv" {
		t.Errorf("expected only csv to fail, got %v", sinkErrs)
	}
	if !errors.Is(err, boom) {
		t.Error("expected the sink's error in the chain")
	}
	if IsFatal(err) {
		t.Error("sink errors must not be fatal")
	}
	if good.writes() != 1 {
		t.Errorf("expected the healthy sink to be written, got %d", good.writes())
	}
	if len(set.Observations) != 2 {
		t.Errorf("expected a complete set despite sink failure, got %d observations", len(set.Observations))
	}

	var logged bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.ErrorLevel && strings.Contains(e.Message, "disk full") {
			logged = true
		}
	}
	if !logged {
		t.Error("expected the sink failure to be logged")
	}
}

func TestRun_PartialProbe(t *testing.T) {
	prober := &fakeProber{result: probe.Result{
		Outcomes: []probe.Outcome{{Identity: "a", Reachable: true}},
		Partial:  true,
	}}
	logger, hook := testLogger()
	r := New(prober, nil, WithLogger(logger))

	set, err := r.Run(context.Background(), hostsFrom("a", "b"))
	if err != nil {
		t.Fatalf("a partial probe is not an error, got %v", err)
	}
	if set.Observations[1].Reachable != observation.Unknown {
		t.Errorf("expected b to be unknown, got %v", set.Observations[1].Reachable)
	}
	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && strings.Contains(e.Message, "cut short") {
			warned = true
		}
	}
	if !warned {
		t.Error("expected a warning about the partial probe")
	}
}

func TestRun_DiagnosesUnknownHosts(t *testing.T) {
	prober := &fakeProber{result: probe.Result{Outcomes: []probe.Outcome{
		{Identity: "google.com", Reachable: true},
		{Identity: "10.0.0.0", Reachable: false},
	}}}
	res := &fakeResolver{failed: []string{"nope.invalid"}}
	logger, hook := testLogger()
	r := New(prober, nil, WithResolver(res), WithLogger(logger))

	set, err := r.Run(context.Background(), hostsFrom("google.com", "10.0.0.0", "nope.invalid", "1.2.3.4"))
	if err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(res.asked, []string{"nope.invalid", "1.2.3.4"}) {
		t.Errorf("expected only unknown hosts to be diagnosed, got %v", res.asked)
	}
	if set.Observations[2].Reachable != observation.Unknown {
		t.Error("diagnosis must not change observations")
	}

	var logged bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && strings.Contains(e.Message, "failed DNS: nope.invalid") {
			logged = true
		}
	}
	if !logged {
		t.Error("expected DNS failures to be logged")
	}
}

func TestRun_NoDiagnosisWhenAllKnown(t *testing.T) {
	prober := &fakeProber{result: probe.Result{Outcomes: []probe.Outcome{{Identity: "a", Reachable: true}}}}
	res := &fakeResolver{}
	logger, _ := testLogger()
	r := New(prober, nil, WithResolver(res), WithLogger(logger))

	if _, err := r.Run(context.Background(), hostsFrom("a")); err != nil {
		t.Fatal(err)
	}
	if res.asked != nil {
		t.Errorf("expected no DNS queries, got %v", res.asked)
	}
}
