package identity

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"gopkg.in/launchdarkly/go-sdk-common.v2/ldlog"

	"github.com/iothub-harness/connection-tests/certs"
	"github.com/iothub-harness/connection-tests/registry"
)

const (
	DevicePrefix    = "e2e-test-device-"
	ModulePrefix    = "e2e-test-module-"
	ECCDevicePrefix = "ecc-test-device-"
	ECCModulePrefix = "ecc-test-module-"

	cleanupTimeout = 30 * time.Second
)

// Directory is the subset of the directory-service client that the provisioner uses.
// *registry.Client implements it.
type Directory interface {
	HostName() string
	AddDevice(ctx context.Context, d registry.Device) (registry.Device, error)
	GetDevice(ctx context.Context, deviceID string) (registry.Device, error)
	DeleteDevice(ctx context.Context, deviceID string) error
	AddModule(ctx context.Context, m registry.Module) (registry.Module, error)
	GetModule(ctx context.Context, deviceID, moduleID string) (registry.Module, error)
	DeleteModule(ctx context.Context, deviceID, moduleID string) error
}

// RetryPolicy bounds how directory-service calls are repeated after transient failures.
type RetryPolicy struct {
	MaxRetries      uint64        `yaml:"maxRetries"`
	InitialInterval time.Duration `yaml:"initialInterval"`
	MaxInterval     time.Duration `yaml:"maxInterval"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 4, InitialInterval: 500 * time.Millisecond, MaxInterval: 5 * time.Second}
}

// Spec describes the identity to create.
type Spec struct {
	Auth AuthType
	// Algorithm selects the certificate type for SelfSigned identities. The zero value means RSA.
	Algorithm certs.Algorithm
	// IDPrefix overrides the default identifier prefix.
	IDPrefix string
}

func (s Spec) validate() error {
	if s.Auth == SAS && s.Algorithm != certs.Unspecified {
		return fmt.Errorf("%w (requested %s)", ErrECCRequiresSelfSigned, s.Algorithm)
	}
	return nil
}

func (s Spec) algorithm() certs.Algorithm {
	if s.Algorithm == certs.Unspecified {
		return certs.RSA
	}
	return s.Algorithm
}

type Provisioner struct {
	directory Directory
	authority certs.Authority
	retry     RetryPolicy
	loggers   ldlog.Loggers
	newID     func() string
	random    io.Reader
}

type ProvisionerOption func(*Provisioner)

func WithRetryPolicy(p RetryPolicy) ProvisionerOption {
	return func(pr *Provisioner) { pr.retry = p }
}

func WithLoggers(l ldlog.Loggers) ProvisionerOption {
	return func(pr *Provisioner) { pr.loggers = l }
}

// WithIDGenerator replaces the random suffix appended to identifier prefixes.
func WithIDGenerator(f func() string) ProvisionerOption {
	return func(pr *Provisioner) { pr.newID = f }
}

func NewProvisioner(directory Directory, authority certs.Authority, opts ...ProvisionerOption) *Provisioner {
	p := &Provisioner{
		directory: directory,
		authority: authority,
		retry:     DefaultRetryPolicy(),
		loggers:   ldlog.NewDisabledLoggers(),
		newID:     func() string { return uuid.New().String() },
		random:    rand.Reader,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Provisioner) HostName() string {
	return p.directory.HostName()
}

// ProvisionDevice creates a new device identity. Invalid combinations are rejected before the
// directory service is contacted.
func (p *Provisioner) ProvisionDevice(ctx context.Context, spec Spec) (*DeviceIdentity, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	prefix := spec.IDPrefix
	if prefix == "" {
		prefix = DevicePrefix
		if spec.Auth == SelfSigned && spec.algorithm() == certs.ECC {
			prefix = ECCDevicePrefix
		}
	}
	id := prefix + p.newID()

	var material *certs.Material
	auth, err := p.authentication(spec, id, &material)
	if err != nil {
		return nil, err
	}

	var created registry.Device
	err = p.createRecord(ctx, "create device", id,
		func() (err error) {
			created, err = p.directory.AddDevice(ctx, registry.Device{DeviceID: id, Status: "enabled", Authentication: auth})
			return err
		},
		func() (err error) {
			created, err = p.directory.GetDevice(ctx, id)
			return err
		},
		func(ctx context.Context) error {
			return p.directory.DeleteDevice(ctx, id)
		},
	)
	if err != nil {
		return nil, err
	}
	p.loggers.Debugf("Provisioned %s device %s", spec.Auth, id)

	return NewDeviceIdentity(p.directory.HostName(), created, material), nil
}

// ProvisionModule creates a module under an existing device. A self-signed module presents the
// same certificate as its device, so both records carry the same thumbprints, and spec.Algorithm
// may only be left unset or repeat the device's algorithm.
func (p *Provisioner) ProvisionModule(ctx context.Context, device *DeviceIdentity, spec Spec) (*ModuleIdentity, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	if device == nil {
		return nil, errors.New("module requires a device identity")
	}
	if spec.Auth != device.Auth() {
		return nil, fmt.Errorf("%w: device is %s, module requested %s", ErrAuthMismatch, device.Auth(), spec.Auth)
	}
	material := device.Certificate()
	if material != nil && spec.Algorithm != certs.Unspecified && spec.Algorithm != material.Algorithm {
		return nil, fmt.Errorf("%w: device %s has a %s certificate, module requested %s",
			ErrAlgorithmMismatch, device.Record.DeviceID, material.Algorithm, spec.Algorithm)
	}
	prefix := spec.IDPrefix
	if prefix == "" {
		prefix = ModulePrefix
		if material != nil && material.Algorithm == certs.ECC {
			prefix = ECCModulePrefix
		}
	}
	moduleID := prefix + p.newID()

	var auth registry.Authentication
	if spec.Auth == SelfSigned {
		if material == nil {
			return nil, fmt.Errorf("self-signed device %s has no certificate", device.Record.DeviceID)
		}
		auth = thumbprintAuthentication(material)
	} else {
		key, err := p.newKey()
		if err != nil {
			return nil, err
		}
		auth = registry.Authentication{Type: registry.AuthTypeSAS, SymmetricKey: key}
	}

	deviceID := device.Record.DeviceID
	var created registry.Module
	err := p.createRecord(ctx, "create module", deviceID+"/"+moduleID,
		func() (err error) {
			created, err = p.directory.AddModule(ctx, registry.Module{
				DeviceID:       deviceID,
				ModuleID:       moduleID,
				Authentication: auth,
			})
			return err
		},
		func() (err error) {
			created, err = p.directory.GetModule(ctx, deviceID, moduleID)
			return err
		},
		func(ctx context.Context) error {
			return p.directory.DeleteModule(ctx, deviceID, moduleID)
		},
	)
	if err != nil {
		return nil, err
	}
	p.loggers.Debugf("Provisioned %s module %s/%s", spec.Auth, deviceID, moduleID)

	return &ModuleIdentity{
		Device:      device,
		Record:      created,
		descriptor:  ConnectionDescriptor(p.directory.HostName(), device.Record, &created),
		auth:        spec.Auth,
		certificate: material,
	}, nil
}

// DisposeIdentity closes the identity's client and then removes its record. It is safe to call
// more than once. Failures are logged as warnings and never returned.
func (p *Provisioner) DisposeIdentity(ctx context.Context, id TestIdentity) {
	if id == nil {
		return
	}
	client, first := id.state().claim()
	if !first {
		return
	}
	if client != nil {
		if err := client.Close(ctx); err != nil {
			p.loggers.Warnf("Failed to close client of %s: %s", id, err)
		}
	}

	var err error
	switch v := id.(type) {
	case *DeviceIdentity:
		err = p.withRetries(ctx, "delete device", v.Record.DeviceID, func() error {
			return ignoreNotFound(p.directory.DeleteDevice(ctx, v.Record.DeviceID))
		})
	case *ModuleIdentity:
		err = p.withRetries(ctx, "delete module", v.Record.DeviceID+"/"+v.Record.ModuleID, func() error {
			return ignoreNotFound(p.directory.DeleteModule(ctx, v.Record.DeviceID, v.Record.ModuleID))
		})
	}
	if err != nil {
		p.loggers.Warnf("Failed to remove %s from the directory service: %s", id, err)
		return
	}
	p.loggers.Debugf("Removed %s", id)
}

// Exists reports whether the directory service still has a record for the identity.
func (p *Provisioner) Exists(ctx context.Context, id TestIdentity) (bool, error) {
	var err error
	switch v := id.(type) {
	case *DeviceIdentity:
		_, err = p.directory.GetDevice(ctx, v.Record.DeviceID)
	case *ModuleIdentity:
		_, err = p.directory.GetModule(ctx, v.Record.DeviceID, v.Record.ModuleID)
	default:
		return false, fmt.Errorf("unknown identity type %T", id)
	}
	if errors.Is(err, registry.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (p *Provisioner) authentication(spec Spec, id string, material **certs.Material) (registry.Authentication, error) {
	if spec.Auth == SAS {
		key, err := p.newKey()
		if err != nil {
			return registry.Authentication{}, err
		}
		return registry.Authentication{Type: registry.AuthTypeSAS, SymmetricKey: key}, nil
	}
	alg := spec.algorithm()
	if p.authority == nil || !p.authority.Supports(alg) {
		return registry.Authentication{}, fmt.Errorf("%s certificates: %w", alg, certs.ErrAlgorithmUnsupported)
	}
	m, err := p.authority.Generate(alg, id)
	if err != nil {
		return registry.Authentication{}, fmt.Errorf("generating %s certificate for %s: %w", alg, id, err)
	}
	*material = m
	return thumbprintAuthentication(m), nil
}

func thumbprintAuthentication(m *certs.Material) registry.Authentication {
	return registry.Authentication{
		Type: registry.AuthTypeSelfSigned,
		X509Thumbprint: &registry.X509Thumbprint{
			PrimaryThumbprint:   m.PrimaryThumbprint,
			SecondaryThumbprint: m.SecondaryThumbprint,
		},
	}
}

func (p *Provisioner) newKey() (*registry.SymmetricKey, error) {
	buf := make([]byte, 64)
	if _, err := io.ReadFull(p.random, buf); err != nil {
		return nil, fmt.Errorf("generating shared access key: %w", err)
	}
	return &registry.SymmetricKey{
		PrimaryKey:   base64.StdEncoding.EncodeToString(buf[:32]),
		SecondaryKey: base64.StdEncoding.EncodeToString(buf[32:]),
	}, nil
}

// createRecord runs create with retries. Once an attempt's outcome is unknown (a transient
// error or an expired context), a later conflict means that attempt was committed, and the
// record is adopted with fetch. If creation still fails after such an attempt, remove is
// called so no record is left behind.
func (p *Provisioner) createRecord(ctx context.Context, op, id string, create, fetch func() error,
	remove func(context.Context) error) error {
	uncertain := false
	err := p.withRetries(ctx, op, id, func() error {
		err := create()
		if uncertain && registry.IsConflict(err) {
			p.loggers.Infof("%s %s: record exists after an unanswered attempt, adopting it", op, id)
			return fetch()
		}
		if err != nil && (registry.IsRetryable(err) || ctx.Err() != nil) {
			uncertain = true
		}
		return err
	})
	if err != nil && uncertain {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if rmErr := ignoreNotFound(remove(cleanupCtx)); rmErr != nil {
			p.loggers.Warnf("Could not remove %s after %s failed, it may have to be deleted by hand: %s", id, op, rmErr)
		}
	}
	return err
}

func (p *Provisioner) withRetries(ctx context.Context, op, id string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	if p.retry.InitialInterval > 0 {
		b.InitialInterval = p.retry.InitialInterval
	}
	if p.retry.MaxInterval > 0 {
		b.MaxInterval = p.retry.MaxInterval
	}
	b.MaxElapsedTime = 0

	attempts := 0
	err := backoff.RetryNotify(
		func() error {
			attempts++
			err := fn()
			if err != nil && !registry.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		},
		backoff.WithContext(backoff.WithMaxRetries(b, p.retry.MaxRetries), ctx),
		func(err error, wait time.Duration) {
			p.loggers.Infof("%s %s failed (%s), retrying in %s", op, id, err, wait)
		},
	)
	if err != nil {
		return &ProvisioningError{Op: op, ID: id, Attempts: attempts, Err: err}
	}
	return nil
}

func ignoreNotFound(err error) error {
	if errors.Is(err, registry.ErrNotFound) {
		return nil
	}
	return err
}
