package framework

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/launchdarkly/go-sdk-common.v2/ldlog"
)

type environment struct {
	results    Results
	testLogger TestLogger
	filter     Filter
	baseCtx    context.Context
	timeout    time.Duration
	lock       sync.Mutex
}

// Options controls a test run. The zero value runs every test with no timeout.
type Options struct {
	Filter     Filter
	TestLogger TestLogger

	// Timeout bounds each leaf test. The Context returned by Ctx expires after it, but the
	// functions registered with Defer still run.
	Timeout time.Duration
}

// Context is used similarly to *testing.T. It implements require.TestingT so standard
// assertions can be used with it.
type Context struct {
	env         *environment
	id          TestID
	ctx         context.Context
	debugLogger CapturingLogger
	deferred    []func()
	failed      bool
	skipped     bool
	skipReason  string
	errors      []error
}

// Case is one named test for RunConcurrently.
type Case struct {
	Name   string
	Action func(*Context)
}

func Run(
	filter func(TestID) bool,
	testLogger TestLogger,
	action func(*Context),
) Results {
	return RunWithOptions(Options{Filter: filter, TestLogger: testLogger}, action)
}

func RunWithOptions(opts Options, action func(*Context)) Results {
	testLogger := opts.TestLogger
	if testLogger == nil {
		testLogger = nullTestLogger{}
	}
	env := &environment{
		filter:     opts.Filter,
		testLogger: &syncTestLogger{target: testLogger},
		baseCtx:    context.Background(),
		timeout:    opts.Timeout,
	}
	c := &Context{env: env, ctx: env.baseCtx}
	c.run(action)
	return env.results
}

func (c *Context) run(action func(*Context)) {
	defer func() {
		if r := recover(); r != nil {
			c.recordPanic(r)
		}
		c.runDeferred()
		c.record()
	}()

	action(c)
}

func (c *Context) recordPanic(r interface{}) {
	if c.skipped {
		return
	}
	c.failed = true
	var addError error
	if _, ok := r.(*Context); ok {
		if len(c.errors) == 0 {
			addError = errors.New("test failed with no failure message")
		}
	} else {
		addError = fmt.Errorf("unexpected panic in test: %+v\n%s", r, string(debug.Stack()))
	}
	if addError != nil {
		c.errors = append(c.errors, addError)
		c.env.testLogger.TestError(c.id, addError)
	}
}

// Deferred functions run last-in first-out, each isolated from panics in the others.
func (c *Context) runDeferred() {
	for i := len(c.deferred) - 1; i >= 0; i-- {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.debugLogger.Printf("panic in deferred cleanup: %+v", r)
				}
			}()
			c.deferred[i]()
		}()
	}
	c.deferred = nil
}

func (c *Context) record() {
	if len(c.id.Path) == 0 && !c.failed {
		return // the root scope is only reported if something outside any test failed
	}
	result := TestResult{TestID: c.id, Errors: c.errors}
	switch {
	case c.skipped:
		result.Outcome = Skipped
		result.SkipReason = c.skipReason
	case c.failed:
		result.Outcome = Failed
	default:
		result.Outcome = Passed
	}
	c.env.lock.Lock()
	defer c.env.lock.Unlock()
	c.env.results.Tests = append(c.env.results.Tests, result)
	switch result.Outcome {
	case Failed:
		c.env.results.Failures = append(c.env.results.Failures, result)
	case Skipped:
		c.env.results.Skips = append(c.env.results.Skips, result)
	}
}

func (c *Context) ID() TestID {
	return c.id
}

// Ctx returns the context for blocking operations in this test. It is cancelled when the
// test's timeout expires or when the test returns.
func (c *Context) Ctx() context.Context {
	return c.ctx
}

func (c *Context) Run(name string, action func(*Context)) {
	id := c.id.Plus(name)

	c.env.testLogger.TestStarted(id)
	if c.env.filter != nil && !c.env.filter(id) {
		c.env.testLogger.TestSkipped(id, "excluded by filter parameters")
		return
	}
	var ctx context.Context
	var cancel context.CancelFunc
	if c.env.timeout > 0 {
		ctx, cancel = context.WithTimeout(c.env.baseCtx, c.env.timeout)
	} else {
		ctx, cancel = context.WithCancel(c.env.baseCtx)
	}
	defer cancel()
	c1 := &Context{
		id:  id,
		env: c.env,
		ctx: ctx,
	}
	c1.run(action)
	if c1.skipped {
		c.env.testLogger.TestSkipped(id, c1.skipReason)
	} else {
		c.env.testLogger.TestFinished(id, c1.failed, c1.debugLogger.Output())
	}
}

// RunConcurrently runs each case as a subtest on its own goroutine, with at most workers
// running at once (unbounded if workers <= 0). It returns when all cases have finished.
func (c *Context) RunConcurrently(workers int, cases []Case) {
	g := new(errgroup.Group)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for _, tc := range cases {
		tc := tc
		g.Go(func() error {
			c.Run(tc.Name, tc.Action)
			return nil
		})
	}
	_ = g.Wait()
}

// Defer schedules f to run when the test finishes, whether it passed, failed, was skipped
// or panicked.
func (c *Context) Defer(f func()) {
	c.deferred = append(c.deferred, f)
}

func (c *Context) Errorf(format string, args ...interface{}) {
	c.failed = true
	err := fmt.Errorf(format, args...)
	c.errors = append(c.errors, err)
	c.env.testLogger.TestError(c.id, reformatError(err))
}

func (c *Context) FailNow() {
	panic(c)
}

func (c *Context) Failed() bool {
	return c.failed
}

func (c *Context) Skip() {
	c.skipped = true
	panic(c)
}

func (c *Context) SkipWithReason(reason string) {
	c.skipReason = reason
	c.Skip()
}

func (c *Context) Debug(message string, args ...interface{}) {
	c.debugLogger.Printf(message, args...)
}

func (c *Context) DebugLogger() Logger {
	return &c.debugLogger
}

// Loggers returns leveled loggers whose output is captured as this test's debug output.
func (c *Context) Loggers() ldlog.Loggers {
	return NewLoggers(&c.debugLogger)
}

// testify formats its messages with leading tabs and blank lines for the go test console.
func reformatError(err error) error {
	lines := strings.Split(err.Error(), "\n")
	var kept []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			kept = append(kept, line)
		}
	}
	return errors.New(strings.Join(kept, "\n"))
}

type syncTestLogger struct {
	target TestLogger
	lock   sync.Mutex
}

func (s *syncTestLogger) TestStarted(id TestID) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.target.TestStarted(id)
}

func (s *syncTestLogger) TestError(id TestID, err error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.target.TestError(id, err)
}

func (s *syncTestLogger) TestFinished(id TestID, failed bool, debugOutput CapturedOutput) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.target.TestFinished(id, failed, debugOutput)
}

func (s *syncTestLogger) TestSkipped(id TestID, reason string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.target.TestSkipped(id, reason)
}
