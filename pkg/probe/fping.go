package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultBinary is the fping executable looked up in $PATH.
	DefaultBinary = "fping"

	// DefaultTimeout is the per-host reply timeout handed to fping.
	DefaultTimeout = 50 * time.Millisecond

	// DefaultDeadline bounds the whole fping invocation.
	DefaultDeadline = time.Minute
)

// FPing probes hosts with a single fping invocation.
type FPing struct {
	binary   string
	timeout  time.Duration
	attempts int // 0 keeps fping's own retry default
	deadline time.Duration
	ipv4Only bool
	logger   *logrus.Logger
}

// Option is a functional option for configuring FPing.
type Option func(*FPing) error

// New creates an FPing prober with the given options.
func New(opts ...Option) (*FPing, error) {
	p := &FPing{
		binary:   DefaultBinary,
		timeout:  DefaultTimeout,
		deadline: DefaultDeadline,
		ipv4Only: true,
		logger:   logrus.StandardLogger(),
	}

	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, fmt.Errorf("probe: %w", err)
		}
	}

	return p, nil
}

// WithBinary sets the fping executable name or path.
func WithBinary(path string) Option {
	return func(p *FPing) error {
		if path == "" {
			return fmt.Errorf("binary must not be empty")
		}
		p.binary = path
		return nil
	}
}

// WithTimeout sets how long fping waits for each reply.
func WithTimeout(d time.Duration) Option {
	return func(p *FPing) error {
		if d < time.Millisecond {
			return fmt.Errorf("timeout must be at least 1ms, got %v", d)
		}
		p.timeout = d
		return nil
	}
}

// WithAttempts sets how many echo requests fping sends to a silent host
// before declaring it unreachable. Zero leaves the retry count to fping.
func WithAttempts(n int) Option {
	return func(p *FPing) error {
		if n < 0 {
			return fmt.Errorf("attempts must not be negative, got %d", n)
		}
		p.attempts = n
		return nil
	}
}

// WithDeadline bounds the whole invocation. Hosts without a verdict when it
// expires are left out of the result.
func WithDeadline(d time.Duration) Option {
	return func(p *FPing) error {
		if d <= 0 {
			return fmt.Errorf("deadline must be positive, got %v", d)
		}
		p.deadline = d
		return nil
	}
}

// WithIPv4Only restricts fping's name resolution to IPv4.
func WithIPv4Only(v bool) Option {
	return func(p *FPing) error {
		p.ipv4Only = v
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l *logrus.Logger) Option {
	return func(p *FPing) error {
		if l == nil {
			return fmt.Errorf("logger must not be nil")
		}
		p.logger = l
		return nil
	}
}

// args builds the fping argument list for the given targets.
func (p *FPing) args(targets []string) []string {
	args := []string{"-e", "-t", strconv.FormatInt(p.timeout.Milliseconds(), 10)}
	if p.attempts > 0 {
		args = append(args, "-r", strconv.Itoa(p.attempts-1))
	}
	if p.ipv4Only {
		args = append(args, "-4")
	}
	// Identities are never read as options, whatever they start with.
	args = append(args, "--")
	return append(args, targets...)
}

// Probe runs fping once over all identities and parses its report.
//
// A host being down is not an error. An error is returned only when fping
// cannot be started, exits with anything but 0, 1 or 2, is killed by a
// signal, or ctx itself is cancelled. When the deadline expires first, whatever fping reported so
// far is returned with Result.Partial set.
func (p *FPing) Probe(ctx context.Context, identities []string) (Result, error) {
	targets := p.uniqueTargets(identities)
	if len(targets) == 0 {
		return Result{}, nil
	}

	runCtx, cancel := context.WithTimeout(ctx, p.deadline)
	defer cancel()

	cmd := exec.CommandContext(runCtx, p.binary, p.args(targets)...)
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	p.logger.Debugf("Running %s against %d host(s).", p.binary, len(targets))
	err := cmd.Run()
	p.logger.Debugf("%s finished in %v.", p.binary, time.Since(start))

	if msg := strings.TrimSpace(stderr.String()); msg != "" {
		for _, line := range strings.Split(msg, "\n") {
			p.logger.Debugf("fping: %s", line)
		}
	}

	res := Result{}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, &ExecError{ExitCode: -1, Err: ctxErr}
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			p.logger.Warnf("fping did not finish within %v; keeping partial results.", p.deadline)
			res.Partial = true
		} else if exitErr := new(exec.ExitError); errors.As(err, &exitErr) {
			code := exitErr.ExitCode()
			if code != 1 && code != 2 {
				// A signal leaves code at -1.
				return Result{}, &ExecError{ExitCode: code, Err: stderrError(stderr.String(), exitErr)}
			}
			p.logger.Debugf("fping exited %d (%s).", code, exitMessages[code])
		} else {
			return Result{}, &ExecError{ExitCode: -1, Err: err}
		}
	}

	res.Outcomes, res.Warnings = ParseReport(stdout.String())
	for _, w := range res.Warnings {
		p.logger.Warnf("Skipping fping output line: %s", w)
	}
	return res, nil
}

// uniqueTargets drops repeated identities so fping pings each host once.
func (p *FPing) uniqueTargets(identities []string) []string {
	seen := make(map[string]struct{}, len(identities))
	out := make([]string, 0, len(identities))
	for _, id := range identities {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if n := len(identities) - len(out); n > 0 {
		p.logger.Warnf("%d duplicated host(s) passed to the prober, probing each once.", n)
	}
	return out
}

// stderrError prefers what fping printed over the bare exit status.
func stderrError(stderr string, exitErr *exec.ExitError) error {
	stderr = strings.TrimSpace(stderr)
	if stderr == "" {
		return exitErr
	}
	if !exitErr.Exited() {
		return fmt.Errorf("%w: %s", exitErr, stderr)
	}
	return errors.New(stderr)
}
