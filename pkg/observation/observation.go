// Package observation turns a probe report into one canonical result per host.
package observation

import (
	"time"

	"github.com/kylerisse/pingpoll/pkg/host"
	"github.com/kylerisse/pingpoll/pkg/probe"
)

// Reachability is a host's state in one run. The zero value is Unknown.
type Reachability int

const (
	// Unknown means the prober said nothing about the host.
	Unknown Reachability = iota
	// Down means the prober reported the host unreachable.
	Down
	// Up means the host answered.
	Up
)

func (r Reachability) String() string {
	switch r {
	case Up:
		return "up"
	case Down:
		return "down"
	default:
		return "unknown"
	}
}

// Observation is one host's result in one run. Observations are never
// mutated after Normalize returns them.
type Observation struct {
	Host      host.Host
	Reachable Reachability
	// LatencyMS is only set for Up hosts with a reported round-trip time.
	LatencyMS *float64
	// Timestamp is the run start in epoch seconds (UTC).
	Timestamp int64
}

// Set is the complete output of one run, handed to every sink.
type Set struct {
	Timestamp    int64
	Elapsed      time.Duration
	Observations []Observation
}

// Normalize produces exactly one Observation per host, in host order, all
// stamped with ts. Outcomes are matched to hosts by exact identity; when an
// identity appears more than once in outcomes the first one wins.
func Normalize(hosts []host.Host, outcomes []probe.Outcome, ts int64) []Observation {
	byIdentity := make(map[string]probe.Outcome, len(outcomes))
	for _, o := range outcomes {
		if _, dup := byIdentity[o.Identity]; dup {
			continue
		}
		byIdentity[o.Identity] = o
	}

	obs := make([]Observation, len(hosts))
	for i, h := range hosts {
		obs[i] = Observation{Host: h, Timestamp: ts}

		o, ok := byIdentity[h.Identity]
		if !ok {
			continue
		}
		if !o.Reachable {
			obs[i].Reachable = Down
			continue
		}
		obs[i].Reachable = Up
		if o.LatencyMS != nil {
			v := *o.LatencyMS
			obs[i].LatencyMS = &v
		}
	}
	return obs
}

// Count tallies observations by reachability.
func Count(obs []Observation) (up, down, unknown int) {
	for _, o := range obs {
		switch o.Reachable {
		case Up:
			up++
		case Down:
			down++
		default:
			unknown++
		}
	}
	return up, down, unknown
}
