// Package framework contains the low-level test harness infrastructure that the connection
// scenarios are built on. It knows nothing about devices, proxies or protocols.
//
// The general model is:
//
// 1. There is a notion of a test context which is similar to Go's *testing.T, allowing
// pieces of test logic to be associated with a test identifier and to accumulate results.
// Every test ends in exactly one of three outcomes: passed, failed or skipped.
//
// 2. Resources a test acquires are released by functions registered with Context.Defer,
// which run on every exit path, including failures, skips, panics and timeouts.
//
// 3. Each test has its own captured debug log. Components receive it as ldlog.Loggers, and
// the test logger decides whether to print it when the test finishes.
//
// The domain-specific code that knows what is being tested provides the parameters, the
// resources and a domain-specific test API on top of the test context.
package framework
