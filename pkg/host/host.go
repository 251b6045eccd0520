// Package host loads the set of hosts a poll run probes.
//
// Hosts come from plain text files (one hostname or IP literal per line)
// or from a relational "hosts" table. Identities are unique within one
// load: the first source that names a host wins.
package host

import (
	"errors"
	"fmt"
)

// Host is a single probe target.
type Host struct {
	// ID is the persisted registry id. Only meaningful when Persisted is true.
	ID int64
	// Persisted reports whether ID came from a relational source.
	Persisted bool
	// Identity is the hostname or IP literal handed to the prober.
	Identity string
}

// ErrNoHosts is returned (wrapped in a ConfigError) when every source
// combined yields zero hosts.
var ErrNoHosts = errors.New("no hosts to probe")

// ConfigError reports a host source that cannot be used.
type ConfigError struct {
	Source string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("host: %v", e.Err)
	}
	return fmt.Sprintf("host: source %s: %v", e.Source, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Identities returns the identities of hosts in order.
func Identities(hosts []Host) []string {
	out := make([]string, len(hosts))
	for i, h := range hosts {
		out[i] = h.Identity
	}
	return out
}
