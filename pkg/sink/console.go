package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/kylerisse/pingpoll/pkg/observation"
)

// Table prints every observation as an aligned text table.
type Table struct {
	out io.Writer
}

func newTable(cfg Config) (Sink, error) {
	return &Table{out: cfg.out()}, nil
}

// Name returns the sink kind.
func (t *Table) Name() string { return KindTable }

// Write prints the table followed by a blank line in a single write, so it
// does not interleave with other sinks sharing the writer.
func (t *Table) Write(_ context.Context, set observation.Set) error {
	var buf bytes.Buffer
	tw := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "machine\treachable\tts\tlatency_ms\t")
	for _, o := range set.Observations {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t\n", o.Host.Identity, reachableToken(o.Reachable, "<NA>"), o.Timestamp, latencyText(o.LatencyMS))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err := t.out.Write(buf.Bytes())
	return err
}

// Summary prints a one-line count of hosts up and down. Hosts with an
// unknown state count as down.
type Summary struct {
	out io.Writer
	loc *time.Location
}

func newSummary(cfg Config) (Sink, error) {
	return &Summary{out: cfg.out(), loc: time.Local}, nil
}

// Name returns the sink kind.
func (s *Summary) Name() string { return KindSummary }

// Write prints the summary line.
func (s *Summary) Write(_ context.Context, set observation.Set) error {
	up, down, unknown := observation.Count(set.Observations)
	when := time.Unix(set.Timestamp, 0).In(s.loc).Format("2006-01-02 15:04:05")
	_, err := fmt.Fprintf(s.out, "[%s] %d hosts are up, %d are down (took %.1f s)\n",
		when, up, down+unknown, set.Elapsed.Seconds())
	return err
}

// reachableToken renders a state as True, False or the unknown token.
func reachableToken(r observation.Reachability, unknown string) string {
	switch r {
	case observation.Up:
		return "True"
	case observation.Down:
		return "False"
	default:
		return unknown
	}
}

func latencyText(v *float64) string {
	if v == nil {
		return "NaN"
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
