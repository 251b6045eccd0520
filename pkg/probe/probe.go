// Package probe runs a batch reachability probe against many hosts at once.
//
// It shells out to fping a single time for the whole host list, parses the
// line-oriented report and returns one Outcome per reported host. Hosts
// fping says nothing about (failed DNS, deadline hit) are simply absent from
// the result; callers decide what absence means.
package probe

import (
	"fmt"
	"strings"
)

// Outcome is fping's verdict for one host.
type Outcome struct {
	Identity  string
	Reachable bool
	// LatencyMS is set only when Reachable is true and fping reported a time.
	LatencyMS *float64
}

// Result is everything parsed from one fping invocation.
type Result struct {
	Outcomes []Outcome
	// Warnings lists report lines that could not be parsed.
	Warnings []ParseWarning
	// Partial is true when the overall deadline expired before fping
	// finished and only the lines printed so far were parsed.
	Partial bool
}

// ParseWarning describes a report line that was skipped.
type ParseWarning struct {
	Line   string
	Reason string
}

func (w ParseWarning) String() string {
	return fmt.Sprintf("%s: %q", w.Reason, w.Line)
}

// exitMessages mirrors the DIAGNOSTICS section of fping(8).
var exitMessages = map[int]string{
	0: "all hosts are reachable",
	1: "some hosts are unreachable",
	2: "some IP addresses or hostnames were not found",
	3: "invalid command line arguments",
	4: "system call failure",
}

// ExecError means the probe itself failed, as opposed to hosts being down.
type ExecError struct {
	// ExitCode is fping's exit status, or -1 when it never ran to completion.
	ExitCode int
	Err      error
}

func (e *ExecError) Error() string {
	var b strings.Builder
	b.WriteString("probe: fping")
	if msg, ok := exitMessages[e.ExitCode]; ok {
		fmt.Fprintf(&b, " exited %d (%s)", e.ExitCode, msg)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.ExitCode == 4 {
		b.WriteString("; make sure fping may open raw sockets (e.g. sudo setcap cap_net_raw+ep $(which fping))")
	}
	return b.String()
}

func (e *ExecError) Unwrap() error {
	return e.Err
}
