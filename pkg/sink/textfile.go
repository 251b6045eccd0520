package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/kylerisse/pingpoll/pkg/observation"
)

const metricPrefix = "pingpoll_"

// Textfile writes the run as Prometheus metrics for node_exporter's
// textfile collector. The file is replaced atomically on every run.
type Textfile struct {
	path   string
	logger *logrus.Logger
}

func newTextfile(cfg Config) (Sink, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("textfile sink needs a path")
	}
	return &Textfile{path: cfg.Path, logger: cfg.logger()}, nil
}

// Name returns the sink kind.
func (t *Textfile) Name() string { return KindTextfile }

// Write renders the set and replaces the metrics file.
func (t *Textfile) Write(_ context.Context, set observation.Set) error {
	reg := t.gather(set)

	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", t.path, err)
	}
	if err := prometheus.WriteToTextfile(t.path, reg); err != nil {
		return err
	}
	t.logger.Debugf("Wrote metrics for %d host(s) to %s.", len(set.Observations), t.path)
	return nil
}

// gather builds a fresh registry holding the set's metrics. Hosts in an
// unknown state get no host_up or latency sample.
func (t *Textfile) gather(set observation.Set) *prometheus.Registry {
	reg := prometheus.NewRegistry()

	hostUp := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: metricPrefix + "host_up",
			Help: "Whether the host answered the last probe (1=up, 0=down).",
		},
		[]string{"host"},
	)
	latency := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: metricPrefix + "host_latency_milliseconds",
			Help: "Round-trip time reported by the last probe.",
		},
		[]string{"host"},
	)
	hosts := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: metricPrefix + "hosts",
			Help: "Number of hosts by state in the last run.",
		},
		[]string{"state"},
	)
	lastRun := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: metricPrefix + "last_run_timestamp_seconds",
			Help: "Start time of the last run in seconds since the epoch.",
		},
	)
	reg.MustRegister(hostUp, latency, hosts, lastRun)

	for _, o := range set.Observations {
		switch o.Reachable {
		case observation.Up:
			hostUp.WithLabelValues(o.Host.Identity).Set(1)
			if o.LatencyMS != nil {
				latency.WithLabelValues(o.Host.Identity).Set(*o.LatencyMS)
			}
		case observation.Down:
			hostUp.WithLabelValues(o.Host.Identity).Set(0)
		}
	}

	up, down, unknown := observation.Count(set.Observations)
	hosts.WithLabelValues(observation.Up.String()).Set(float64(up))
	hosts.WithLabelValues(observation.Down.String()).Set(float64(down))
	hosts.WithLabelValues(observation.Unknown.String()).Set(float64(unknown))
	lastRun.Set(float64(set.Timestamp))

	return reg
}
