package framework

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
)

// Outcome is the final state of a single test.
type Outcome int

const (
	Passed Outcome = iota
	Failed
	Skipped
)

func (o Outcome) String() string {
	switch o {
	case Passed:
		return "PASSED"
	case Failed:
		return "FAILED"
	case Skipped:
		return "SKIPPED"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

type Results struct {
	Tests    []TestResult
	Failures []TestResult
	Skips    []TestResult
}

type TestResult struct {
	TestID     TestID
	Outcome    Outcome
	Errors     []error
	SkipReason string
}

func (r Results) OK() bool {
	return len(r.Failures) == 0
}

// Count returns the number of recorded tests with the given outcome.
func (r Results) Count(outcome Outcome) int {
	n := 0
	for _, t := range r.Tests {
		if t.Outcome == outcome {
			n++
		}
	}
	return n
}

type TestID struct {
	Path []string
}

func (t TestID) String() string {
	return strings.Join(t.Path, "/")
}

// Plus returns a new TestID with one more path component.
func (t TestID) Plus(name string) TestID {
	return TestID{Path: append(append([]string(nil), t.Path...), name)}
}

type TestFailure struct {
	ID  TestID
	Err error
}

func (f TestFailure) Error() string {
	return fmt.Sprintf("[%s]: %s", f.ID, f.Err)
}

var (
	failFmt = color.New(color.FgRed, color.Bold).SprintFunc()
	skipFmt = color.New(color.FgYellow).SprintFunc()
	passFmt = color.New(color.FgGreen, color.Bold).SprintFunc()
)

// PrintResults writes a summary of the run: every failure with its errors, every skip with
// its reason, and the totals.
func PrintResults(out io.Writer, results Results) {
	if len(results.Skips) > 0 {
		fmt.Fprintf(out, "%s (%d):\n", skipFmt("Skipped tests"), len(results.Skips))
		for _, r := range results.Skips {
			if r.SkipReason == "" {
				fmt.Fprintf(out, "  %s\n", r.TestID)
			} else {
				fmt.Fprintf(out, "  %s (%s)\n", r.TestID, r.SkipReason)
			}
		}
		fmt.Fprintln(out)
	}
	if len(results.Failures) > 0 {
		fmt.Fprintf(out, "%s (%d):\n", failFmt("FAILED tests"), len(results.Failures))
		for _, r := range results.Failures {
			fmt.Fprintf(out, "  %s\n", r.TestID)
			for _, err := range r.Errors {
				for _, line := range strings.Split(err.Error(), "\n") {
					fmt.Fprintf(out, "    %s\n", line)
				}
			}
		}
		fmt.Fprintln(out)
	}
	summary := fmt.Sprintf("Passed: %d, Failed: %d, Skipped: %d",
		results.Count(Passed), results.Count(Failed), results.Count(Skipped))
	if results.OK() {
		fmt.Fprintln(out, passFmt(summary))
	} else {
		fmt.Fprintln(out, failFmt(summary))
	}
}
