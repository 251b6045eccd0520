package sink

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/kylerisse/pingpoll/pkg/observation"
	"github.com/kylerisse/pingpoll/pkg/rrd"
)

// RRD updates one round-robin database per host under a directory. Unknown
// hosts are stored as unknown samples so gaps stay visible.
type RRD struct {
	dir    string
	binary string
	logger *logrus.Logger
}

func newRRD(cfg Config) (Sink, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("rrd sink needs a directory")
	}
	binary := cfg.Binary
	if binary == "" {
		binary = "rrdtool"
	}
	return &RRD{dir: cfg.Path, binary: binary, logger: cfg.logger()}, nil
}

// Name returns the sink kind.
func (r *RRD) Name() string { return KindRRD }

// Write adds the set's sample to every host's database. A host that fails
// does not stop the others; all failures are returned joined.
func (r *RRD) Write(ctx context.Context, set observation.Set) error {
	var errs []error
	updated := 0
	for _, o := range set.Observations {
		db, err := rrd.Open(ctx, r.dir, o.Host.Identity,
			rrd.WithBinary(r.binary),
			rrd.WithStart(o.Timestamp-1),
			rrd.WithLogger(r.logger),
		)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		online, latency := rrdValues(o)
		if err := db.Update(ctx, o.Timestamp, online, latency); err != nil {
			if errors.Is(err, rrd.ErrNotNewer) {
				r.logger.Warnf("Skipping %s: %v", o.Host.Identity, err)
				continue
			}
			errs = append(errs, err)
			continue
		}
		updated++
	}
	r.logger.Debugf("Updated %d of %d RRD file(s) under %s.", updated, len(set.Observations), r.dir)
	return errors.Join(errs...)
}

func rrdValues(o observation.Observation) (online, latency string) {
	online, latency = rrd.Unknown, rrd.Unknown
	switch o.Reachable {
	case observation.Up:
		online = "1"
	case observation.Down:
		online = "0"
	}
	if o.LatencyMS != nil {
		latency = strconv.FormatFloat(*o.LatencyMS, 'f', -1, 64)
	}
	return online, latency
}
