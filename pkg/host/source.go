package host

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Source yields hosts for a run.
type Source interface {
	// Name identifies the source in errors and logs.
	Name() string
	// Hosts returns the hosts in source order. Duplicates are allowed here;
	// Load removes them.
	Hosts(ctx context.Context) ([]Host, error)
}

// TextFile reads one identity per line. Blank lines and lines starting
// with '#' are skipped; surrounding whitespace is trimmed.
type TextFile struct {
	Path string
}

// Name returns the file path.
func (f TextFile) Name() string {
	return f.Path
}

// Hosts reads the file.
func (f TextFile) Hosts(_ context.Context) ([]Host, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var hosts []Host
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		hosts = append(hosts, Host{Identity: line})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Path, err)
	}
	return hosts, nil
}

// Table reads hosts from a relational table with columns id and hostname.
type Table struct {
	DB *sql.DB
	// Label names the database in errors (e.g. the DSN or file path).
	Label string
}

// Name returns the label of the backing database.
func (t Table) Name() string {
	if t.Label == "" {
		return "hosts table"
	}
	return t.Label
}

// Hosts queries the hosts table ordered by id.
func (t Table) Hosts(ctx context.Context) ([]Host, error) {
	if t.DB == nil {
		return nil, fmt.Errorf("no database handle")
	}
	rows, err := t.DB.QueryContext(ctx, `SELECT id, hostname FROM hosts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query hosts: %w", err)
	}
	defer rows.Close()

	var hosts []Host
	for rows.Next() {
		var (
			id   int64
			name string
		)
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("scan hosts: %w", err)
		}
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		hosts = append(hosts, Host{ID: id, Persisted: true, Identity: name})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate hosts: %w", err)
	}
	return hosts, nil
}

// Load merges the given sources in order into a list unique by identity.
// The first occurrence of an identity wins. A source that fails, or an
// empty result overall, is reported as a *ConfigError.
func Load(ctx context.Context, logger *logrus.Logger, sources ...Source) ([]Host, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	seen := make(map[string]struct{})
	var out []Host
	for _, src := range sources {
		hosts, err := src.Hosts(ctx)
		if err != nil {
			return nil, &ConfigError{Source: src.Name(), Err: err}
		}
		added := 0
		for _, h := range hosts {
			if _, dup := seen[h.Identity]; dup {
				logger.Debugf("Host %s from %s already loaded, skipping duplicate.", h.Identity, src.Name())
				continue
			}
			seen[h.Identity] = struct{}{}
			out = append(out, h)
			added++
		}
		logger.Debugf("Loaded %d host(s) from %s.", added, src.Name())
	}

	if len(out) == 0 {
		return nil, &ConfigError{Err: ErrNoHosts}
	}
	return out, nil
}
