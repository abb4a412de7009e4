package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/launchdarkly/go-sdk-common.v2/ldlog"

	"github.com/iothub-harness/connection-tests/certs"
	"github.com/iothub-harness/connection-tests/config"
	"github.com/iothub-harness/connection-tests/connectiontests"
	"github.com/iothub-harness/connection-tests/framework"
	"github.com/iothub-harness/connection-tests/httpproxy"
	"github.com/iothub-harness/connection-tests/identity"
	"github.com/iothub-harness/connection-tests/registry"
)

const proxyShutdownTimeout = time.Second * 10

func main() {
	var params commandParams
	if !params.Read(os.Args) {
		os.Exit(1)
	}

	cfg, err := config.Load(params.properties, os.LookupEnv, params.configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %s\n", err)
		os.Exit(1)
	}
	if params.parallel > 0 {
		cfg.Workers = params.parallel
	}

	mainLoggers := ldlog.NewDefaultLoggers()
	mainLoggers.SetBaseLogger(log.New(os.Stdout, "", log.LstdFlags))
	if params.debugAll {
		mainLoggers.SetMinLevel(ldlog.Debug)
	} else {
		mainLoggers.SetMinLevel(ldlog.Warn)
	}

	proxies, err := httpproxy.StartPair(context.Background(), cfg.AuthenticatedProxy, cfg.OpenProxy, mainLoggers)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Could not start test proxies: %s\n", err)
		os.Exit(1)
	}
	suiteResources := identity.NewDisposer(nil, mainLoggers, proxyShutdownTimeout)
	suiteResources.TrackCloser("test proxies", proxies.Stop)

	directory := registry.NewClient(cfg.Hub(), registry.WithLoggers(mainLoggers))
	authority := &certs.SelfSignedAuthority{}
	harness := connectiontests.NewHarness(cfg, directory, authority,
		connectiontests.WithProxyAddrs(proxies.Authenticated.Addr(), proxies.Open.Addr()),
	)

	fmt.Println()
	framework.PrintFilterDescription(os.Stdout, params.filters, missingFeatures(cfg, authority))

	fmt.Printf("Running test suite against %s (%d at a time)\n", directory.HostName(), cfg.Workers)

	testLogger := &ConsoleTestLogger{
		DebugOutputOnFailure: params.debug || params.debugAll,
		DebugOutputOnSuccess: params.debugAll,
	}

	results := connectiontests.RunTestSuite(harness, params.filters.AsFilter, testLogger)

	suiteResources.DisposeAll()

	fmt.Println()
	framework.PrintResults(os.Stdout, results)
	if !results.OK() {
		fmt.Println()
		fmt.Println("To run the failed tests again:")
		fmt.Printf("  %s\n", params.rerunCommand(os.Args[0], results.Failures))
		for _, name := range params.omittedProperties() {
			fmt.Printf("  %s is not repeated here: set it in the environment or add -D %s=...\n", name, name)
		}
		os.Exit(1)
	}
}

func missingFeatures(cfg *config.Config, authority certs.Authority) []string {
	var missing []string
	if cfg.BasicTierHub {
		missing = append(missing, "standard tier hub")
	}
	if !authority.Supports(certs.ECC) {
		missing = append(missing, "ECC certificates")
	}
	return missing
}
