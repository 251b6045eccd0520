package sink

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/kylerisse/pingpoll/pkg/observation"
)

var csvHeader = []string{"machine", "reachable", "ts"}

// CSV writes machine,reachable,ts rows to a file. Without Append the file
// is replaced on every run; with Append rows accumulate and the header is
// written only into a new or empty file.
type CSV struct {
	path   string
	append bool
	logger *logrus.Logger
}

func newCSV(cfg Config) (Sink, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("csv sink needs a path")
	}
	return &CSV{path: cfg.Path, append: cfg.Append, logger: cfg.logger()}, nil
}

// Name returns the sink kind.
func (c *CSV) Name() string { return KindCSV }

// Write writes the set to the CSV file.
func (c *CSV) Write(_ context.Context, set observation.Set) error {
	needsHeader := true
	flags := os.O_CREATE | os.O_WRONLY
	if c.append {
		flags |= os.O_APPEND
		if info, err := os.Stat(c.path); err == nil && info.Size() > 0 {
			needsHeader = false
		}
	} else {
		flags |= os.O_TRUNC
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", c.path, err)
	}
	f, err := os.OpenFile(c.path, flags, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if needsHeader {
		if err := w.Write(csvHeader); err != nil {
			return err
		}
	}
	for _, o := range set.Observations {
		row := []string{
			o.Host.Identity,
			reachableToken(o.Reachable, ""),
			strconv.FormatInt(o.Timestamp, 10),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	mode := "overwrite"
	if c.append {
		mode = "append"
	}
	c.logger.Infof("Saved %d row(s) to %s in %s mode.", len(set.Observations), c.path, mode)
	return nil
}
