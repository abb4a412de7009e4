package connectiontests

import (
	"github.com/iothub-harness/connection-tests/framework"
)

func RunTestSuite(
	harness *Harness,
	filter framework.Filter,
	testLogger framework.TestLogger,
) framework.Results {
	opts := framework.Options{
		Filter:     filter,
		TestLogger: testLogger,
		Timeout:    harness.config.TestTimeout,
	}
	return framework.RunWithOptions(opts, func(c *framework.Context) {
		t := newTestScope(c, harness)

		t.Run("connection", DoConnectionTests)
		t.Run("ECC certificates", DoECCCertificateTests)
		t.Run("multiplexing", DoMultiplexingTests)
	})
}
