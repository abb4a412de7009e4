package connectiontests

import (
	"context"
	"fmt"
	"sync"

	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
	"gopkg.in/launchdarkly/go-sdk-common.v2/ldlog"

	"github.com/iothub-harness/connection-tests/certs"
	"github.com/iothub-harness/connection-tests/framework"
	"github.com/iothub-harness/connection-tests/identity"
	"github.com/iothub-harness/connection-tests/multiplex"
	"github.com/iothub-harness/connection-tests/session"
	"github.com/iothub-harness/connection-tests/transport"
)

// T represents a test or subtest in the connection test suite.
//
// It implements the same basic functionality as Go's testing.T, on top of the framework
// package, so the assert and require packages can be used with it. It also owns the
// resources a test creates: every identity provisioned through T, and every client or
// multiplexed connection opened through it, is released when the test finishes, whether it
// passed, failed, was skipped or timed out. Identities are disposed in reverse order of
// creation, so a module is removed before its device.
type T struct {
	context     *framework.Context
	harness     *Harness
	provisioner *identity.Provisioner
	disposer    *identity.Disposer
	identities  []identity.TestIdentity
	lock        sync.Mutex
}

// Case is one named subtest for RunConcurrently.
type Case struct {
	Name   string
	Action func(*T)
}

func newTestScope(c *framework.Context, harness *Harness) *T {
	loggers := c.Loggers()
	provisioner := identity.NewProvisioner(harness.directory, harness.authority,
		identity.WithRetryPolicy(harness.config.Retry),
		identity.WithLoggers(loggers),
	)
	t := &T{
		context:     c,
		harness:     harness,
		provisioner: provisioner,
		disposer:    identity.NewDisposer(provisioner, loggers, harness.config.DisposalTimeout),
	}
	c.Defer(t.close)
	return t
}

func (t *T) close() {
	if failures := t.disposer.DisposeAll(); failures > 0 {
		t.Debug("%d resources could not be released", failures)
	}
	t.verifyRemoved()
}

// verifyRemoved looks up every identity this test created. One that is still present is
// logged, never failed: disposal problems must not change a test's outcome.
func (t *T) verifyRemoved() {
	t.lock.Lock()
	ids := t.identities
	t.identities = nil
	t.lock.Unlock()
	if len(ids) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.harness.config.DisposalTimeout)
	defer cancel()
	loggers := t.Loggers()
	for _, id := range ids {
		exists, err := t.provisioner.Exists(ctx, id)
		switch {
		case err != nil:
			loggers.Warnf("Could not confirm removal of %s: %s", id, err)
		case exists:
			loggers.Warnf("%s still exists after disposal", id)
		}
	}
}

// Errorf is called by assertions to log a test failure. It does not cause an immediate exit.
func (t *T) Errorf(format string, args ...interface{}) {
	t.context.Errorf(format, args...)
}

// FailNow is called by assertions when a test should fail and immediately exit. The methods in
// the require package call FailNow.
func (t *T) FailNow() {
	t.context.FailNow()
}

// Run runs a subtest. The specified function receives a new T with its own set of resources.
func (t *T) Run(name string, action func(*T)) {
	t.context.Run(name, func(c *framework.Context) {
		action(newTestScope(c, t.harness))
	})
}

// RunConcurrently runs the cases as subtests, at most Config.Workers at a time, and returns
// when all of them have finished.
func (t *T) RunConcurrently(cases []Case) {
	t.context.RunConcurrently(t.harness.config.Workers, lo.Map(cases, func(tc Case, _ int) framework.Case {
		return framework.Case{
			Name: tc.Name,
			Action: func(c *framework.Context) {
				tc.Action(newTestScope(c, t.harness))
			},
		}
	}))
}

// Debug logs some debug output for the test. The output will be passed to the test logger at
// the end of the test.
func (t *T) Debug(format string, args ...interface{}) {
	t.context.Debug(format, args...)
}

func (t *T) Loggers() ldlog.Loggers {
	return t.context.Loggers()
}

// Ctx is cancelled when the test's time limit expires.
func (t *T) Ctx() context.Context {
	return t.context.Ctx()
}

// Skip ends the test immediately with a skipped outcome.
func (t *T) Skip(reason string) {
	t.context.SkipWithReason(reason)
}

// RequireStandardTier skips the test if the hub is basic tier.
func (t *T) RequireStandardTier() {
	if t.harness.config.BasicTierHub {
		t.Skip("requires a standard tier hub")
	}
}

// RequireAlgorithm skips the test if certificates of the given algorithm cannot be generated
// on this platform.
func (t *T) RequireAlgorithm(alg certs.Algorithm) {
	if !t.harness.authority.Supports(alg) {
		t.Skip(fmt.Sprintf("%s certificates are not supported on this platform", alg))
	}
}

func (t *T) track(id identity.TestIdentity) {
	t.disposer.Track(id)
	t.lock.Lock()
	t.identities = append(t.identities, id)
	t.lock.Unlock()
}

// ProvisionIdentity creates the identity described by p. For a module client this first
// creates the parent device. alg selects the certificate type for self-signed identities and
// is ignored for SAS.
//
// The test fails and immediately exits if provisioning fails.
func (t *T) ProvisionIdentity(p Params, alg certs.Algorithm) identity.TestIdentity {
	spec := identity.Spec{Auth: p.Auth}
	if p.Auth == identity.SelfSigned {
		spec.Algorithm = alg
	}
	device, err := t.provisioner.ProvisionDevice(t.Ctx(), spec)
	require.NoError(t, err)
	t.track(device)
	t.Debug("Provisioned %s", device)
	if p.Role == identity.DeviceRole {
		return device
	}

	module, err := t.provisioner.ProvisionModule(t.Ctx(), device, spec)
	require.NoError(t, err)
	t.track(module)
	t.Debug("Provisioned %s", module)
	return module
}

// ProvisionDevices creates count SAS device identities.
func (t *T) ProvisionDevices(count int) []*identity.DeviceIdentity {
	devices := make([]*identity.DeviceIdentity, 0, count)
	for i := 0; i < count; i++ {
		device, err := t.provisioner.ProvisionDevice(t.Ctx(), identity.Spec{Auth: identity.SAS})
		require.NoError(t, err)
		t.track(device)
		devices = append(devices, device)
	}
	return devices
}

func (t *T) transportOptions(proxy *transport.ProxySettings) transport.Options {
	opts := t.harness.transportOptions
	opts.Proxy = proxy
	opts.Loggers = t.Loggers()
	return opts
}

// NewSession creates a client for id and attaches it to the identity, so that disposing the
// identity also closes the client. The session is not opened.
func (t *T) NewSession(id identity.TestIdentity, protocol transport.Protocol, proxy *transport.ProxySettings) *session.Session {
	client, err := t.harness.clients.NewClient(protocol, id.Descriptor(), id.Certificate(), t.transportOptions(proxy))
	require.NoError(t, err)
	if proxy != nil {
		t.Debug("Connecting %s over %s through proxy %s", id, protocol, proxy.Addr)
	} else {
		t.Debug("Connecting %s over %s", id, protocol)
	}
	s := session.New(id.String(), protocol, client, t.harness.config.OpenTimeout, t.Loggers())
	id.AttachClient(s)
	return s
}

// NewMultiplexedConnection creates an unopened multiplexed connection for devices. It is
// registered for release after the devices, so it is closed before they are removed.
func (t *T) NewMultiplexedConnection(
	protocol transport.Protocol,
	devices []*identity.DeviceIdentity,
	proxy *transport.ProxySettings,
) *multiplex.Orchestrator {
	o, err := multiplex.New(protocol, devices, multiplex.Options{
		Transport:    t.transportOptions(proxy),
		Timeout:      t.harness.config.OpenTimeout,
		NewTransport: t.harness.sharedTransports,
		Loggers:      t.Loggers(),
	})
	require.NoError(t, err)
	t.disposer.TrackCloser("multiplexed connection", o.Close)
	return o
}
