package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"

	"github.com/iothub-harness/connection-tests/framework"
)

var (
	errorFmt   = color.New(color.FgRed).SprintFunc()
	failedFmt  = color.New(color.FgRed, color.Bold).SprintFunc()
	skippedFmt = color.New(color.FgYellow).SprintFunc()
)

type ConsoleTestLogger struct {
	DebugOutputOnFailure bool
	DebugOutputOnSuccess bool
}

func (c *ConsoleTestLogger) TestStarted(id framework.TestID) {
	fmt.Printf("[%s]\n", id)
}

func (c *ConsoleTestLogger) TestError(id framework.TestID, err error) {
	for _, line := range strings.Split(err.Error(), "\n") {
		fmt.Printf("  %s\n", errorFmt(line))
	}
}

func (c *ConsoleTestLogger) TestFinished(id framework.TestID, failed bool, debugOutput framework.CapturedOutput) {
	if failed {
		fmt.Printf("  %s %s\n", failedFmt("FAILED:"), id)
	}
	if len(debugOutput) > 0 &&
		((failed && c.DebugOutputOnFailure) || (!failed && c.DebugOutputOnSuccess)) {
		debugOutput.Dump(os.Stdout, "    DEBUG ")
	}
}

func (c *ConsoleTestLogger) TestSkipped(id framework.TestID, reason string) {
	if reason == "" {
		fmt.Printf("  %s %s\n", skippedFmt("SKIPPED:"), id)
	} else {
		fmt.Printf("  %s %s (%s)\n", skippedFmt("SKIPPED:"), id, reason)
	}
}
