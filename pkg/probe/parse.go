package probe

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	// fping -e prints "<host> is alive (0.12 ms)" or "<host> is unreachable".
	statusPattern  = regexp.MustCompile(`^(\S+) is ([a-z]+)\b(.*)$`)
	latencyPattern = regexp.MustCompile(`\((\d+(?:\.\d+)?) ms\)`)
)

// ParseLine turns one line of fping output into an Outcome.
func ParseLine(line string) (Outcome, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Outcome{}, fmt.Errorf("empty line")
	}

	m := statusPattern.FindStringSubmatch(line)
	if m == nil {
		return Outcome{}, fmt.Errorf("line does not look like a host status")
	}

	out := Outcome{Identity: m[1]}
	switch m[2] {
	case "alive":
		out.Reachable = true
	case "unreachable":
		return out, nil
	default:
		return Outcome{}, fmt.Errorf("unknown host status %q", m[2])
	}

	if lm := latencyPattern.FindStringSubmatch(m[3]); lm != nil {
		ms, err := strconv.ParseFloat(lm[1], 64)
		if err != nil {
			return Outcome{}, fmt.Errorf("could not parse latency %q: %w", lm[1], err)
		}
		out.LatencyMS = &ms
	}
	return out, nil
}

// ParseReport parses a whole fping report. Unparseable non-blank lines are
// returned as warnings.
func ParseReport(report string) ([]Outcome, []ParseWarning) {
	var (
		outcomes []Outcome
		warnings []ParseWarning
	)
	for _, line := range strings.Split(report, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		o, err := ParseLine(line)
		if err != nil {
			warnings = append(warnings, ParseWarning{Line: line, Reason: err.Error()})
			continue
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, warnings
}
