// Package identity provisions the short-lived device and module identities that connection
// tests run against, and guarantees they are removed again.
package identity

import (
	"context"
	"fmt"
	"sync"

	"github.com/iothub-harness/connection-tests/certs"
	"github.com/iothub-harness/connection-tests/iothub"
	"github.com/iothub-harness/connection-tests/registry"
)

// AuthType is how an identity proves itself to the service.
type AuthType int

const (
	SAS AuthType = iota
	SelfSigned
)

func (a AuthType) String() string {
	switch a {
	case SAS:
		return "SAS"
	case SelfSigned:
		return "SELF_SIGNED"
	default:
		return fmt.Sprintf("AuthType(%d)", int(a))
	}
}

// Role is the kind of client an identity is used by.
type Role int

const (
	DeviceRole Role = iota
	ModuleRole
)

func (r Role) String() string {
	switch r {
	case DeviceRole:
		return "DEVICE_CLIENT"
	case ModuleRole:
		return "MODULE_CLIENT"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// ClientHandle is the part of a device or module client that identity disposal needs.
type ClientHandle interface {
	Close(ctx context.Context) error
}

// TestIdentity is either a *DeviceIdentity or a *ModuleIdentity.
type TestIdentity interface {
	Role() Role
	Auth() AuthType
	Descriptor() iothub.Descriptor
	// Certificate is nil for SAS identities.
	Certificate() *certs.Material
	// Client is the client owned by this identity, or nil if none was attached.
	Client() ClientHandle
	// AttachClient hands ownership of a client to the identity; disposal closes it.
	AttachClient(c ClientHandle)
	String() string

	state() *ownership
}

// ownership tracks the attached client and whether the identity has been disposed.
type ownership struct {
	lock     sync.Mutex
	client   ClientHandle
	disposed bool
}

func (o *ownership) attach(c ClientHandle) {
	o.lock.Lock()
	o.client = c
	o.lock.Unlock()
}

func (o *ownership) current() ClientHandle {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.client
}

// claim marks the identity as disposed and returns the client to close. It returns false if
// disposal already happened.
func (o *ownership) claim() (ClientHandle, bool) {
	o.lock.Lock()
	defer o.lock.Unlock()
	if o.disposed {
		return nil, false
	}
	o.disposed = true
	c := o.client
	o.client = nil
	return c, true
}

type DeviceIdentity struct {
	Record      registry.Device
	descriptor  iothub.Descriptor
	auth        AuthType
	certificate *certs.Material
	own         ownership
}

func (d *DeviceIdentity) Role() Role                    { return DeviceRole }
func (d *DeviceIdentity) Auth() AuthType                { return d.auth }
func (d *DeviceIdentity) Descriptor() iothub.Descriptor { return d.descriptor }
func (d *DeviceIdentity) Certificate() *certs.Material  { return d.certificate }
func (d *DeviceIdentity) Client() ClientHandle          { return d.own.current() }
func (d *DeviceIdentity) AttachClient(c ClientHandle)   { d.own.attach(c) }
func (d *DeviceIdentity) String() string                { return "device " + d.Record.DeviceID }
func (d *DeviceIdentity) state() *ownership             { return &d.own }

// NewDeviceIdentity wraps an existing directory record. The authentication type is taken from
// the record; cert must be set for self-signed records.
func NewDeviceIdentity(host string, record registry.Device, cert *certs.Material) *DeviceIdentity {
	return &DeviceIdentity{
		Record:      record,
		descriptor:  ConnectionDescriptor(host, record, nil),
		auth:        authTypeOf(record.Authentication),
		certificate: cert,
	}
}

func authTypeOf(a registry.Authentication) AuthType {
	if a.Type == registry.AuthTypeSelfSigned {
		return SelfSigned
	}
	return SAS
}

// ModuleIdentity is a module nested under a device identity. The device is provisioned
// and disposed separately.
type ModuleIdentity struct {
	Device      *DeviceIdentity
	Record      registry.Module
	descriptor  iothub.Descriptor
	auth        AuthType
	certificate *certs.Material
	own         ownership
}

func (m *ModuleIdentity) Role() Role                    { return ModuleRole }
func (m *ModuleIdentity) Auth() AuthType                { return m.auth }
func (m *ModuleIdentity) Descriptor() iothub.Descriptor { return m.descriptor }
func (m *ModuleIdentity) Certificate() *certs.Material  { return m.certificate }
func (m *ModuleIdentity) Client() ClientHandle          { return m.own.current() }
func (m *ModuleIdentity) AttachClient(c ClientHandle)   { m.own.attach(c) }
func (m *ModuleIdentity) state() *ownership             { return &m.own }

func (m *ModuleIdentity) String() string {
	return fmt.Sprintf("module %s/%s", m.Record.DeviceID, m.Record.ModuleID)
}

// ConnectionDescriptor builds the client connection string for a device, or for a module
// when module is non-nil. It does not touch the network.
func ConnectionDescriptor(host string, device registry.Device, module *registry.Module) iothub.Descriptor {
	d := iothub.Descriptor{HostName: host, DeviceID: device.DeviceID}
	auth := device.Authentication
	if module != nil {
		d.ModuleID = module.ModuleID
		auth = module.Authentication
	}
	if auth.SymmetricKey != nil && auth.SymmetricKey.PrimaryKey != "" {
		d.SharedAccessKey = auth.SymmetricKey.PrimaryKey
	} else {
		d.X509 = true
	}
	return d
}
