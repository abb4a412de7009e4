package main

import (
	"flag"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/alessio/shellescape"
	"github.com/samber/lo"

	"github.com/iothub-harness/connection-tests/config"
	"github.com/iothub-harness/connection-tests/framework"
)

// secretProperties are never echoed in the rerun command.
var secretProperties = []string{config.EnvConnectionString}

type commandParams struct {
	filters    framework.RegexFilters
	configFile string
	properties config.Properties
	parallel   int
	debug      bool
	debugAll   bool
}

func (c *commandParams) Read(args []string) bool {
	c.properties = make(config.Properties)

	fs := flag.NewFlagSet("", flag.ExitOnError)
	fs.Var(&c.filters.MustMatch, "run", "regex pattern(s) to select tests to run, one element per level separated by '/'")
	fs.Var(&c.filters.MustNotMatch, "skip", "regex pattern(s) to select tests not to run")
	fs.StringVar(&c.configFile, "config", "", "YAML file overriding proxy, timeout and retry settings")
	fs.Var(c.properties, "D", "NAME=VALUE setting used when the environment variable NAME is unset or empty")
	fs.IntVar(&c.parallel, "parallel", 0, "maximum number of tests to run at once (default from configuration)")
	fs.BoolVar(&c.debug, "debug", false, "enable debug logging for failed tests")
	fs.BoolVar(&c.debugAll, "debug-all", false, "enable debug logging for all tests")

	if err := fs.Parse(args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		fs.Usage()
		return false
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "unexpected arguments: %s\n", strings.Join(fs.Args(), " "))
		fs.Usage()
		return false
	}
	if c.parallel < 0 {
		fmt.Fprintln(os.Stderr, "-parallel cannot be negative")
		return false
	}
	return true
}

type commandBuilder []string

func (b *commandBuilder) add(args ...string) {
	for _, a := range args {
		*b = append(*b, shellescape.Quote(a))
	}
}

func (b commandBuilder) String() string {
	return strings.Join(b, " ")
}

// rerunCommand builds a command line that runs only the given tests again with the same
// configuration file, worker count and -D properties, except secretProperties.
func (c *commandParams) rerunCommand(program string, failures []framework.TestResult) string {
	var cmd commandBuilder
	cmd.add(program)
	if c.configFile != "" {
		cmd.add("-config", c.configFile)
	}
	if c.parallel > 0 {
		cmd.add("-parallel", strconv.Itoa(c.parallel))
	}
	names := lo.Without(lo.Keys(c.properties), secretProperties...)
	sort.Strings(names)
	for _, name := range names {
		cmd.add("-D", name+"="+c.properties[name])
	}
	if c.debug || c.debugAll {
		cmd.add("-debug")
	}
	for _, f := range failures {
		cmd.add("-run", exactPattern(f.TestID))
	}
	return cmd.String()
}

// omittedProperties lists the -D properties that were given but left out of rerunCommand.
func (c *commandParams) omittedProperties() []string {
	return lo.Filter(secretProperties, func(name string, _ int) bool {
		_, ok := c.properties[name]
		return ok
	})
}

func exactPattern(id framework.TestID) string {
	return strings.Join(lo.Map(id.Path, func(name string, _ int) string {
		return "^" + regexp.QuoteMeta(name) + "$"
	}), "/")
}
