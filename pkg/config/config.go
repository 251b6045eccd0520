// Package config holds pingpoll's run configuration, read from YAML and
// overridden by command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the complete configuration of one run.
type Config struct {
	// HostFiles lists text files with one hostname per line.
	HostFiles []string `yaml:"host_files"`
	Probe     Probe    `yaml:"probe"`
	Output    Output   `yaml:"output"`
	// Resolver enables DNS diagnosis of unknown hosts. It is a host:port
	// or a resolv.conf path; empty disables it.
	Resolver string `yaml:"resolver"`
	Log      Log    `yaml:"log"`
}

// Probe configures the fping invocation. Durations are Go duration strings.
type Probe struct {
	Binary   string `yaml:"binary"`
	Timeout  string `yaml:"timeout"`
	Attempts int    `yaml:"attempts"`
	Deadline string `yaml:"deadline"`
	IPv6     bool   `yaml:"ipv6"`
}

// Output selects the sinks of a run.
type Output struct {
	Table    bool   `yaml:"table"`
	Summary  bool   `yaml:"summary"`
	CSV      string `yaml:"csv"`
	Append   bool   `yaml:"append"`
	SQL      string `yaml:"sql"`
	Textfile string `yaml:"textfile"`
	// RRD is a directory holding one round-robin database per host.
	RRD     string `yaml:"rrd"`
	RRDTool string `yaml:"rrdtool"`
}

// Log configures logging.
type Log struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Probe: Probe{
			Binary:   "fping",
			Timeout:  "50ms",
			Attempts: 1,
			Deadline: "1m",
		},
		Output: Output{
			RRDTool: "rrdtool",
		},
		Log: Log{
			Level: "info",
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults; a missing file is an error since it was asked for.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// TimeoutDuration returns the parsed per-ping timeout.
func (p Probe) TimeoutDuration() (time.Duration, error) {
	return time.ParseDuration(p.Timeout)
}

// DeadlineDuration returns the parsed whole-batch deadline.
func (p Probe) DeadlineDuration() (time.Duration, error) {
	return time.ParseDuration(p.Deadline)
}

// Validate checks the configuration for values that would fail later.
func (c Config) Validate() error {
	var errs []error

	if c.Probe.Binary == "" {
		errs = append(errs, errors.New("probe.binary must not be empty"))
	}
	if d, err := c.Probe.TimeoutDuration(); err != nil {
		errs = append(errs, fmt.Errorf("probe.timeout: %w", err))
	} else if d < time.Millisecond {
		errs = append(errs, fmt.Errorf("probe.timeout must be at least 1ms, got %v", d))
	}
	if d, err := c.Probe.DeadlineDuration(); err != nil {
		errs = append(errs, fmt.Errorf("probe.deadline: %w", err))
	} else if d <= 0 {
		errs = append(errs, fmt.Errorf("probe.deadline must be positive, got %v", d))
	}
	if c.Probe.Attempts < 0 {
		errs = append(errs, fmt.Errorf("probe.attempts must not be negative, got %d", c.Probe.Attempts))
	}
	if c.Output.Append && c.Output.CSV == "" {
		errs = append(errs, errors.New("output.append needs output.csv"))
	}
	if c.Output.RRD != "" && c.Output.RRDTool == "" {
		errs = append(errs, errors.New("output.rrd needs output.rrdtool"))
	}
	if len(c.HostFiles) == 0 && c.Output.SQL == "" {
		errs = append(errs, errors.New("no host source: give a host file or an sql database"))
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
