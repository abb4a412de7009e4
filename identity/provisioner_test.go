package identity

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gopkg.in/launchdarkly/go-sdk-common.v2/ldlog"
	"gopkg.in/launchdarkly/go-sdk-common.v2/ldlogtest"

	"github.com/iothub-harness/connection-tests/certs"
	"github.com/iothub-harness/connection-tests/iothub"
	"github.com/iothub-harness/connection-tests/registry"
)

var fastRetries = RetryPolicy{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

func newTestProvisioner(dir *fakeDirectory, mockLog *ldlogtest.MockLog) *Provisioner {
	n := 0
	return NewProvisioner(dir, &certs.SelfSignedAuthority{},
		WithRetryPolicy(fastRetries),
		WithLoggers(mockLog.Loggers),
		WithIDGenerator(func() string {
			n++
			return strings.Repeat("0", 7) + string(rune('0'+n))
		}),
	)
}

func TestProvisionSASDevice(t *testing.T) {
	dir := newFakeDirectory()
	p := newTestProvisioner(dir, ldlogtest.NewMockLog())

	device, err := p.ProvisionDevice(context.Background(), Spec{Auth: SAS})
	require.NoError(t, err)

	assert.Equal(t, "e2e-test-device-00000001", device.Record.DeviceID)
	assert.Nil(t, device.Certificate())
	assert.Equal(t, registry.AuthTypeSAS, device.Record.Authentication.Type)

	desc := device.Descriptor()
	assert.Equal(t, "test-hub.example.net", desc.HostName)
	assert.False(t, desc.X509)
	assert.Equal(t, device.Record.Authentication.SymmetricKey.PrimaryKey, desc.SharedAccessKey)
	assert.NotEqual(t, desc.SharedAccessKey, device.Record.Authentication.SymmetricKey.SecondaryKey)

	_, err = iothub.ParseDescriptor(desc.String())
	assert.NoError(t, err)
}

func TestProvisionSelfSignedDeviceAndModuleShareThumbprints(t *testing.T) {
	dir := newFakeDirectory()
	p := newTestProvisioner(dir, ldlogtest.NewMockLog())

	device, err := p.ProvisionDevice(context.Background(), Spec{Auth: SelfSigned, Algorithm: certs.ECC})
	require.NoError(t, err)
	require.NotNil(t, device.Certificate())
	assert.True(t, strings.HasPrefix(device.Record.DeviceID, ECCDevicePrefix))
	assert.Equal(t, certs.ECC, device.Certificate().Algorithm)

	module, err := p.ProvisionModule(context.Background(), device, Spec{Auth: SelfSigned})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(module.Record.ModuleID, ECCModulePrefix))
	assert.Equal(t, device.Record.Authentication.X509Thumbprint, module.Record.Authentication.X509Thumbprint)
	assert.Same(t, device.Certificate(), module.Certificate())

	desc := module.Descriptor()
	assert.True(t, desc.X509)
	assert.Equal(t, device.Record.DeviceID, desc.DeviceID)
	assert.Equal(t, module.Record.ModuleID, desc.ModuleID)
}

func TestSelfSignedDefaultsToRSA(t *testing.T) {
	p := newTestProvisioner(newFakeDirectory(), ldlogtest.NewMockLog())

	device, err := p.ProvisionDevice(context.Background(), Spec{Auth: SelfSigned})
	require.NoError(t, err)
	assert.Equal(t, certs.RSA, device.Certificate().Algorithm)
	assert.True(t, strings.HasPrefix(device.Record.DeviceID, DevicePrefix))
}

func TestCertificateAlgorithmWithSASIsRejectedBeforeAnyCall(t *testing.T) {
	dir := newFakeDirectory()
	p := newTestProvisioner(dir, ldlogtest.NewMockLog())

	for _, alg := range []certs.Algorithm{certs.ECC, certs.RSA} {
		_, err := p.ProvisionDevice(context.Background(), Spec{Auth: SAS, Algorithm: alg})
		assert.ErrorIs(t, err, ErrECCRequiresSelfSigned)
	}
	assert.Empty(t, dir.calls)
}

func TestUnsupportedAlgorithmIsRejectedBeforeAnyCall(t *testing.T) {
	dir := newFakeDirectory()
	p := NewProvisioner(dir, &certs.SelfSignedAuthority{Unsupported: []certs.Algorithm{certs.ECC}})

	_, err := p.ProvisionDevice(context.Background(), Spec{Auth: SelfSigned, Algorithm: certs.ECC})
	assert.ErrorIs(t, err, certs.ErrAlgorithmUnsupported)
	assert.Empty(t, dir.calls)
}

func TestModuleAuthMustMatchDevice(t *testing.T) {
	p := newTestProvisioner(newFakeDirectory(), ldlogtest.NewMockLog())
	device, err := p.ProvisionDevice(context.Background(), Spec{Auth: SAS})
	require.NoError(t, err)

	_, err = p.ProvisionModule(context.Background(), device, Spec{Auth: SelfSigned})
	assert.ErrorIs(t, err, ErrAuthMismatch)
}

func TestProvisioningRetriesTransientFailures(t *testing.T) {
	dir := newFakeDirectory()
	dir.failNext("AddDevice",
		&registry.StatusError{Method: "PUT", StatusCode: 429},
		&registry.StatusError{Method: "PUT", StatusCode: 503},
	)
	mockLog := ldlogtest.NewMockLog()
	p := newTestProvisioner(dir, mockLog)

	device, err := p.ProvisionDevice(context.Background(), Spec{Auth: SAS})
	require.NoError(t, err)
	assert.Equal(t, 3, dir.callCount("AddDevice"))
	assert.Len(t, mockLog.GetOutput(ldlog.Info), 2)

	exists, err := p.Exists(context.Background(), device)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestProvisioningFailsAfterRetriesAreExhausted(t *testing.T) {
	dir := newFakeDirectory()
	for i := 0; i < 5; i++ {
		dir.failNext("AddDevice", &registry.StatusError{Method: "PUT", StatusCode: 500})
	}
	p := newTestProvisioner(dir, ldlogtest.NewMockLog())

	_, err := p.ProvisionDevice(context.Background(), Spec{Auth: SAS})
	var pe *ProvisioningError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "create device", pe.Op)
	assert.Equal(t, 3, pe.Attempts)
	assert.Equal(t, 3, dir.callCount("AddDevice"))
}

func TestProvisioningDoesNotRetryPermanentFailures(t *testing.T) {
	dir := newFakeDirectory()
	dir.failNext("AddDevice", &registry.StatusError{Method: "PUT", StatusCode: 401})
	p := newTestProvisioner(dir, ldlogtest.NewMockLog())

	_, err := p.ProvisionDevice(context.Background(), Spec{Auth: SAS})
	var pe *ProvisioningError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, 1, pe.Attempts)
	var se *registry.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 401, se.StatusCode)
}

func TestCreateCommittedWithoutResponseIsAdopted(t *testing.T) {
	dir := newFakeDirectory()
	dir.failAfter("AddDevice", &registry.StatusError{Method: "PUT", StatusCode: 503})
	mockLog := ldlogtest.NewMockLog()
	p := newTestProvisioner(dir, mockLog)

	device, err := p.ProvisionDevice(context.Background(), Spec{Auth: SAS})
	require.NoError(t, err)
	assert.Equal(t, 2, dir.callCount("AddDevice"))
	assert.Equal(t, 1, dir.callCount("GetDevice"))
	assert.Equal(t, "etag-"+device.Record.DeviceID, device.Record.ETag)
	assert.Len(t, dir.devices, 1)
	assert.True(t, mockLog.HasMessageMatch(ldlog.Info, "create device e2e-test-device-00000001: record exists"))

	dir.failAfter("AddModule", &registry.StatusError{Method: "PUT", StatusCode: 503})
	module, err := p.ProvisionModule(context.Background(), device, Spec{Auth: SAS})
	require.NoError(t, err)
	assert.Equal(t, 1, dir.callCount("GetModule"))
	assert.Equal(t, "etag-"+device.Record.DeviceID+"/"+module.Record.ModuleID, module.Record.ETag)
	assert.Len(t, dir.modules, 1)
}

func TestFailedCreateLeavesNoRecordBehind(t *testing.T) {
	dir := newFakeDirectory()
	dir.failAfter("AddDevice", &registry.StatusError{Method: "PUT", StatusCode: 503})
	dir.failNext("GetDevice",
		&registry.StatusError{Method: "GET", StatusCode: 500},
		&registry.StatusError{Method: "GET", StatusCode: 500},
	)
	p := newTestProvisioner(dir, ldlogtest.NewMockLog())

	_, err := p.ProvisionDevice(context.Background(), Spec{Auth: SAS})
	var pe *ProvisioningError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, 3, pe.Attempts)
	assert.Equal(t, 1, dir.callCount("DeleteDevice"))
	assert.Empty(t, dir.devices)
}

func TestFailedModuleCreateLeavesNoRecordBehind(t *testing.T) {
	dir := newFakeDirectory()
	p := newTestProvisioner(dir, ldlogtest.NewMockLog())
	device, err := p.ProvisionDevice(context.Background(), Spec{Auth: SAS})
	require.NoError(t, err)

	dir.failAfter("AddModule", &registry.StatusError{Method: "PUT", StatusCode: 503})
	dir.failNext("GetModule",
		&registry.StatusError{Method: "GET", StatusCode: 503},
		&registry.StatusError{Method: "GET", StatusCode: 503},
	)
	_, err = p.ProvisionModule(context.Background(), device, Spec{Auth: SAS})
	var pe *ProvisioningError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "create module", pe.Op)
	assert.Equal(t, 1, dir.callCount("DeleteModule"))
	assert.Empty(t, dir.modules)
	assert.Len(t, dir.devices, 1)
}

func TestConflictOnFirstAttemptIsNotAdopted(t *testing.T) {
	dir := newFakeDirectory()
	foreign := registry.Device{DeviceID: "e2e-test-device-00000001", ETag: "someone-else"}
	dir.devices[foreign.DeviceID] = foreign
	p := newTestProvisioner(dir, ldlogtest.NewMockLog())

	_, err := p.ProvisionDevice(context.Background(), Spec{Auth: SAS})
	var se *registry.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 409, se.StatusCode)
	assert.Equal(t, 0, dir.callCount("GetDevice"))
	assert.Equal(t, 0, dir.callCount("DeleteDevice"))
	assert.Equal(t, foreign, dir.devices[foreign.DeviceID])
}

func TestModuleAlgorithmMustMatchDeviceCertificate(t *testing.T) {
	dir := newFakeDirectory()
	p := newTestProvisioner(dir, ldlogtest.NewMockLog())
	device, err := p.ProvisionDevice(context.Background(), Spec{Auth: SelfSigned, Algorithm: certs.ECC})
	require.NoError(t, err)

	_, err = p.ProvisionModule(context.Background(), device, Spec{Auth: SelfSigned, Algorithm: certs.RSA})
	assert.ErrorIs(t, err, ErrAlgorithmMismatch)
	assert.Equal(t, 0, dir.callCount("AddModule"))

	module, err := p.ProvisionModule(context.Background(), device, Spec{Auth: SelfSigned, Algorithm: certs.ECC})
	require.NoError(t, err)
	assert.Equal(t, certs.ECC, module.Certificate().Algorithm)
}

func TestDisposeClosesClientBeforeRemovingRecord(t *testing.T) {
	dir := newFakeDirectory()
	p := newTestProvisioner(dir, ldlogtest.NewMockLog())
	device, err := p.ProvisionDevice(context.Background(), Spec{Auth: SAS})
	require.NoError(t, err)

	client := new(mockClient)
	client.On("Close", mock.Anything).Run(func(mock.Arguments) {
		assert.Equal(t, 0, dir.callCount("DeleteDevice"), "record was removed before the client closed")
	}).Return(nil).Once()
	device.AttachClient(client)

	p.DisposeIdentity(context.Background(), device)
	p.DisposeIdentity(context.Background(), device)

	client.AssertExpectations(t)
	assert.Equal(t, 1, dir.callCount("DeleteDevice"))
	assert.Nil(t, device.Client())
	exists, err := p.Exists(context.Background(), device)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDisposeLogsFailuresInsteadOfReturningThem(t *testing.T) {
	dir := newFakeDirectory()
	mockLog := ldlogtest.NewMockLog()
	p := newTestProvisioner(dir, mockLog)
	device, err := p.ProvisionDevice(context.Background(), Spec{Auth: SAS})
	require.NoError(t, err)

	client := new(mockClient)
	client.On("Close", mock.Anything).Return(errors.New("socket already closed"))
	device.AttachClient(client)
	dir.failNext("DeleteDevice", &registry.StatusError{Method: "DELETE", StatusCode: 403})

	p.DisposeIdentity(context.Background(), device)

	assert.True(t, mockLog.HasMessageMatch(ldlog.Warn, "Failed to close client of device e2e-test-device-"))
	assert.True(t, mockLog.HasMessageMatch(ldlog.Warn, "Failed to remove device e2e-test-device-.*HTTP 403"))
}

func TestDisposeTreatsMissingRecordAsRemoved(t *testing.T) {
	dir := newFakeDirectory()
	mockLog := ldlogtest.NewMockLog()
	p := newTestProvisioner(dir, mockLog)
	device, err := p.ProvisionDevice(context.Background(), Spec{Auth: SAS})
	require.NoError(t, err)
	module, err := p.ProvisionModule(context.Background(), device, Spec{Auth: SAS})
	require.NoError(t, err)

	p.DisposeIdentity(context.Background(), device)
	p.DisposeIdentity(context.Background(), module)

	assert.Empty(t, mockLog.GetOutput(ldlog.Warn))
	assert.Equal(t, 1, dir.callCount("DeleteModule"))
}

func TestConnectionDescriptorIsDeterministic(t *testing.T) {
	device := registry.Device{
		DeviceID:       "d1",
		Authentication: registry.Authentication{Type: registry.AuthTypeSAS, SymmetricKey: &registry.SymmetricKey{PrimaryKey: "a2V5"}},
	}
	module := registry.Module{
		DeviceID:       "d1",
		ModuleID:       "m1",
		Authentication: registry.Authentication{Type: registry.AuthTypeSelfSigned, X509Thumbprint: &registry.X509Thumbprint{}},
	}

	assert.Equal(t, "HostName=h;DeviceId=d1;SharedAccessKey=a2V5", ConnectionDescriptor("h", device, nil).String())
	assert.Equal(t, "HostName=h;DeviceId=d1;ModuleId=m1;x509=true", ConnectionDescriptor("h", device, &module).String())
}
