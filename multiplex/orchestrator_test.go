package multiplex

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/launchdarkly/go-sdk-common.v2/ldlog"

	"github.com/iothub-harness/connection-tests/certs"
	"github.com/iothub-harness/connection-tests/identity"
	"github.com/iothub-harness/connection-tests/iothub"
	"github.com/iothub-harness/connection-tests/registry"
	"github.com/iothub-harness/connection-tests/session"
	"github.com/iothub-harness/connection-tests/transport"
)

const testHost = "test-hub.example.net"

// fakeShared records calls and lets a test make registration or opening fail.
type fakeShared struct {
	registered []string
	connected  map[string]bool
	rejectID   string
	openErr    error
	calls      []string
	sent       []string
	lock       sync.Mutex
}

func newFakeShared() *fakeShared {
	return &fakeShared{connected: make(map[string]bool)}
}

func (f *fakeShared) Register(desc iothub.Descriptor) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.calls = append(f.calls, "register "+desc.DeviceID)
	if desc.DeviceID == f.rejectID {
		return errors.New("invalid registration")
	}
	f.registered = append(f.registered, desc.DeviceID)
	return nil
}

func (f *fakeShared) Unregister(deviceID string) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.calls = append(f.calls, "unregister "+deviceID)
	for i, id := range f.registered {
		if id == deviceID {
			f.registered = append(f.registered[:i], f.registered[i+1:]...)
			return nil
		}
	}
	return transport.ErrNotMember
}

func (f *fakeShared) Open(context.Context) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.calls = append(f.calls, "open")
	if f.openErr != nil {
		return f.openErr
	}
	for _, id := range f.registered {
		f.connected[id] = true
	}
	return nil
}

func (f *fakeShared) SendEvent(_ context.Context, deviceID string, _ transport.Message) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if !f.connected[deviceID] {
		return transport.ErrNotMember
	}
	f.sent = append(f.sent, deviceID)
	return nil
}

func (f *fakeShared) Close(context.Context) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.calls = append(f.calls, "close")
	f.connected = make(map[string]bool)
	return nil
}

func (f *fakeShared) connectedCount() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.connected)
}

func sasDevices(n int) []*identity.DeviceIdentity {
	var devices []*identity.DeviceIdentity
	for i := 1; i <= n; i++ {
		devices = append(devices, identity.NewDeviceIdentity(testHost, registry.Device{
			DeviceID: fmt.Sprintf("dev%d", i),
			Authentication: registry.Authentication{
				Type:         registry.AuthTypeSAS,
				SymmetricKey: &registry.SymmetricKey{PrimaryKey: "a2V5"},
			},
		}, nil))
	}
	return devices
}

func newOrchestrator(t *testing.T, shared *fakeShared, members []*identity.DeviceIdentity) *Orchestrator {
	o, err := New(transport.AMQPS, members, Options{
		Timeout: time.Second,
		Loggers: ldlog.NewDisabledLoggers(),
		NewTransport: func(p transport.Protocol, host string, _ transport.Options) (SharedTransport, error) {
			assert.Equal(t, transport.AMQPS, p)
			assert.Equal(t, testHost, host)
			return shared, nil
		},
	})
	require.NoError(t, err)
	return o
}

func TestOpenRegistersMembersInOrderThenOpens(t *testing.T) {
	shared := newFakeShared()
	o := newOrchestrator(t, shared, sasDevices(3))

	require.NoError(t, o.Open(context.Background()))
	assert.True(t, o.IsOpen())
	assert.Equal(t, []string{"register dev1", "register dev2", "register dev3", "open"}, shared.calls)
	assert.Equal(t, 3, shared.connectedCount())

	require.NoError(t, o.SendFromAll(context.Background()))
	assert.Equal(t, []string{"dev1", "dev2", "dev3"}, shared.sent)

	require.NoError(t, o.Close(context.Background()))
	require.NoError(t, o.Close(context.Background()))
	assert.Equal(t, 0, shared.connectedCount())
	assert.False(t, o.IsOpen())
	assert.ErrorIs(t, o.Open(context.Background()), ErrClosed)
}

func TestInvalidRegistrationLeavesNoMemberConnected(t *testing.T) {
	shared := newFakeShared()
	shared.rejectID = "dev3"
	o := newOrchestrator(t, shared, sasDevices(3))

	err := o.Open(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dev3")
	assert.False(t, o.IsOpen())
	assert.Empty(t, shared.registered)
	assert.Equal(t, 0, shared.connectedCount())
	assert.NotContains(t, shared.calls, "open")
	assert.Error(t, o.SendEvent(context.Background(), "dev1", transport.Message{}))
}

func TestFailedOpenIsRolledBack(t *testing.T) {
	shared := newFakeShared()
	shared.openErr = &transport.RejectionError{Stage: "cbs put-token", Reason: "status 401"}
	o := newOrchestrator(t, shared, sasDevices(2))

	err := o.Open(context.Background())
	var re *session.ConnectionRejectedError
	require.True(t, errors.As(err, &re))
	assert.Empty(t, shared.registered)
	assert.Equal(t, "close", shared.calls[len(shared.calls)-1])
	assert.False(t, o.IsOpen())
}

func TestOpenTimeoutIsReported(t *testing.T) {
	shared := newFakeShared()
	shared.openErr = context.DeadlineExceeded
	o := newOrchestrator(t, shared, sasDevices(1))

	var te *session.ConnectionTimeoutError
	assert.True(t, errors.As(o.Open(context.Background()), &te))
}

func TestNewValidatesGroup(t *testing.T) {
	factory := func(transport.Protocol, string, transport.Options) (SharedTransport, error) {
		return newFakeShared(), nil
	}

	_, err := New(transport.AMQPS, nil, Options{NewTransport: factory})
	assert.Error(t, err, "empty group")

	_, err = New(transport.MQTT, sasDevices(3), Options{NewTransport: factory})
	assert.Error(t, err, "protocol without multiplexing")

	material, err := (&certs.SelfSignedAuthority{}).Generate(certs.RSA, "x509-dev")
	require.NoError(t, err)
	selfSigned := identity.NewDeviceIdentity(testHost, registry.Device{
		DeviceID:       "x509-dev",
		Authentication: registry.Authentication{Type: registry.AuthTypeSelfSigned, X509Thumbprint: &registry.X509Thumbprint{}},
	}, material)
	_, err = New(transport.AMQPS, append(sasDevices(1), selfSigned), Options{NewTransport: factory})
	assert.Error(t, err, "self-signed member")

	other := identity.NewDeviceIdentity("other.example.net", registry.Device{
		DeviceID:       "elsewhere",
		Authentication: registry.Authentication{Type: registry.AuthTypeSAS, SymmetricKey: &registry.SymmetricKey{PrimaryKey: "a2V5"}},
	}, nil)
	_, err = New(transport.AMQPSWebSocket, append(sasDevices(1), other), Options{NewTransport: factory})
	assert.Error(t, err, "members on different hosts")

	o, err := New(transport.AMQPSWebSocket, sasDevices(3), Options{NewTransport: factory})
	require.NoError(t, err)
	assert.Len(t, o.Members(), 3)
}

func TestDefaultFactoryBuildsSharedAMQP(t *testing.T) {
	shared, err := DefaultTransportFactory(transport.AMQPS, testHost, transport.Options{})
	require.NoError(t, err)
	assert.IsType(t, &transport.SharedAMQPConnection{}, shared)
}
