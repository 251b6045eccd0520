// Package rrd keeps one round-robin database per host using rrdtool.
package rrd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// FileName is the database name inside each host's directory.
	FileName = "ping.rrd"

	// DefaultStep is the expected interval between runs.
	DefaultStep = time.Minute

	// Unknown is rrdtool's marker for a missing value.
	Unknown = "U"
)

// ErrNotNewer is returned when an update is not newer than the last one
// stored. rrdtool refuses such updates.
var ErrNotNewer = errors.New("timestamp is not newer than last update")

// Data sources stored in every file, in update order.
const (
	dsOnline  = "online"
	dsLatency = "latency"
)

// RRD is one host's round-robin database.
type RRD struct {
	path   string
	binary string
	mutex  sync.Mutex
	logger *logrus.Logger
}

type options struct {
	binary string
	step   time.Duration
	start  int64
	logger *logrus.Logger
}

// Option is a functional option for Open.
type Option func(*options) error

// WithBinary sets the rrdtool executable.
func WithBinary(path string) Option {
	return func(o *options) error {
		if path == "" {
			return fmt.Errorf("binary must not be empty")
		}
		o.binary = path
		return nil
	}
}

// WithStep sets the step of newly created files. Samples further apart
// than two steps are stored as unknown.
func WithStep(d time.Duration) Option {
	return func(o *options) error {
		if d < time.Second {
			return fmt.Errorf("step must be at least 1s, got %v", d)
		}
		o.step = d
		return nil
	}
}

// WithStart makes a newly created file accept samples after start instead
// of after ten seconds ago.
func WithStart(start int64) Option {
	return func(o *options) error {
		o.start = start
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l *logrus.Logger) Option {
	return func(o *options) error {
		if l == nil {
			return fmt.Errorf("logger must not be nil")
		}
		o.logger = l
		return nil
	}
}

// Path returns where the database for host lives under dir.
func Path(dir, host string) (string, error) {
	if host == "" || host == "." || host == ".." || strings.ContainsAny(host, `/\`) {
		return "", fmt.Errorf("rrd: %q cannot be used as a directory name", host)
	}
	return filepath.Join(dir, host, FileName), nil
}

// Open returns the database for host under dir, creating it with rrdtool
// when it does not exist yet.
func Open(ctx context.Context, dir, host string, opts ...Option) (*RRD, error) {
	o := options{
		binary: "rrdtool",
		step:   DefaultStep,
		logger: logrus.StandardLogger(),
	}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, fmt.Errorf("rrd: %w", err)
		}
	}

	path, err := Path(dir, host)
	if err != nil {
		return nil, err
	}

	r := &RRD{path: path, binary: o.binary, logger: o.logger}

	if _, err := os.Stat(path); err == nil {
		return r, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("rrd: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("rrd: create directory for %s: %w", host, err)
	}
	if err := r.run(ctx, createArgs(path, o.step, o.start)...); err != nil {
		return nil, fmt.Errorf("rrd: create %s: %w", path, err)
	}
	o.logger.Debugf("RRD file %s created.", path)
	return r, nil
}

func createArgs(path string, step time.Duration, start int64) []string {
	secs := int64(step / time.Second)
	heartbeat := 2 * secs
	args := []string{"create", path, "--step", strconv.FormatInt(secs, 10)}
	if start > 0 {
		args = append(args, "--start", strconv.FormatInt(start, 10))
	}
	args = append(args,
		fmt.Sprintf("DS:%s:GAUGE:%d:0:1", dsOnline, heartbeat),
		fmt.Sprintf("DS:%s:GAUGE:%d:0:U", dsLatency, heartbeat),
	)
	// Retention below assumes a one-minute step.
	return append(args,
		"RRA:MAX:0.5:1:10080",      // 1 week of raw samples
		"RRA:AVERAGE:0.5:1:10080",  // 1 week of raw samples
		"RRA:AVERAGE:0.5:5:8928",   // 31 days
		"RRA:AVERAGE:0.5:15:8736",  // 13 weeks
		"RRA:AVERAGE:0.5:60:8784",  // 1 year
		"RRA:AVERAGE:0.5:480:5490", // 5 years
	)
}

// File returns the database path.
func (r *RRD) File() string {
	return r.path
}

// LastUpdate returns the Unix timestamp of the most recent update.
func (r *RRD) LastUpdate(ctx context.Context) (int64, error) {
	out, err := r.output(ctx, "lastupdate", r.path)
	if err != nil {
		return 0, fmt.Errorf("rrd: lastupdate %s: %w", r.path, err)
	}
	return parseLastUpdate(out)
}

// parseLastUpdate reads the timestamp from `rrdtool lastupdate` output,
// whose last line looks like "1673391318: 1 3.54".
func parseLastUpdate(out string) (int64, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return 0, fmt.Errorf("rrd: unexpected lastupdate output %q", out)
	}

	last := lines[len(lines)-1]
	stamp, _, ok := strings.Cut(last, ":")
	if !ok {
		return 0, fmt.Errorf("rrd: unexpected lastupdate line %q", last)
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(stamp), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("rrd: parse timestamp %q: %w", stamp, err)
	}
	return ts, nil
}

// Update stores one sample. online and latency are formatted values or
// Unknown. It returns ErrNotNewer instead of calling rrdtool when ts is
// not after the last update.
func (r *RRD) Update(ctx context.Context, ts int64, online, latency string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	last, err := r.LastUpdate(ctx)
	if err != nil {
		return err
	}
	if ts <= last {
		return fmt.Errorf("rrd: %s: %w (%d <= %d)", r.path, ErrNotNewer, ts, last)
	}

	sample := strings.Join([]string{strconv.FormatInt(ts, 10), online, latency}, ":")
	if err := r.run(ctx, "update", r.path, "--template", dsOnline+":"+dsLatency, sample); err != nil {
		return fmt.Errorf("rrd: update %s: %w", r.path, err)
	}
	r.logger.Debugf("RRD file %s updated with %s.", r.path, sample)
	return nil
}

func (r *RRD) run(ctx context.Context, args ...string) error {
	_, err := r.output(ctx, args...)
	return err
}

func (r *RRD) output(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, r.binary, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("%w: %s", err, msg)
		}
		return "", err
	}
	return string(out), nil
}
