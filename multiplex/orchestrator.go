// Package multiplex opens several device identities over one shared connection and manages
// them as a single unit.
package multiplex

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gopkg.in/launchdarkly/go-sdk-common.v2/ldlog"

	"github.com/iothub-harness/connection-tests/identity"
	"github.com/iothub-harness/connection-tests/iothub"
	"github.com/iothub-harness/connection-tests/session"
	"github.com/iothub-harness/connection-tests/transport"
)

// SharedTransport is a connection that carries several devices. *transport.SharedAMQPConnection
// implements it.
type SharedTransport interface {
	Register(desc iothub.Descriptor) error
	Unregister(deviceID string) error
	Open(ctx context.Context) error
	SendEvent(ctx context.Context, deviceID string, msg transport.Message) error
	Close(ctx context.Context) error
}

// TransportFactory creates the shared transport for a host.
type TransportFactory func(protocol transport.Protocol, host string, opts transport.Options) (SharedTransport, error)

// DefaultTransportFactory creates a shared AMQP connection.
func DefaultTransportFactory(protocol transport.Protocol, host string, opts transport.Options) (SharedTransport, error) {
	return transport.NewSharedAMQPConnection(protocol, host, opts)
}

var ErrClosed = errors.New("multiplexed connection is closed")

type Options struct {
	Transport    transport.Options
	Timeout      time.Duration
	NewTransport TransportFactory
	Loggers      ldlog.Loggers
}

type state int

const (
	stateCreated state = iota
	stateOpen
	stateClosed
)

// Orchestrator owns the shared transport for a group of devices. It does not provision or
// dispose the identities.
type Orchestrator struct {
	protocol transport.Protocol
	members  []*identity.DeviceIdentity
	shared   SharedTransport
	timeout  time.Duration
	loggers  ldlog.Loggers
	state    state
	lock     sync.Mutex
}

// New validates the group and creates its shared transport. Every member must be a SAS device
// identity on the same host, and the protocol must support multiplexing.
func New(protocol transport.Protocol, members []*identity.DeviceIdentity, opts Options) (*Orchestrator, error) {
	if len(members) == 0 {
		return nil, errors.New("a multiplexed connection needs at least one device")
	}
	if !protocol.SupportsMultiplexing() {
		return nil, fmt.Errorf("%s does not support multiplexing", protocol)
	}
	host := members[0].Descriptor().HostName
	for _, m := range members {
		if m == nil {
			return nil, errors.New("nil device identity")
		}
		if m.Auth() != identity.SAS {
			return nil, fmt.Errorf("%s uses %s authentication; only SAS devices can be multiplexed", m, m.Auth())
		}
		if h := m.Descriptor().HostName; h != host {
			return nil, fmt.Errorf("%s is on %s, not %s", m, h, host)
		}
	}
	factory := opts.NewTransport
	if factory == nil {
		factory = DefaultTransportFactory
	}
	shared, err := factory(protocol, host, opts.Transport)
	if err != nil {
		return nil, err
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = session.DefaultTimeout
	}
	return &Orchestrator{
		protocol: protocol,
		members:  append([]*identity.DeviceIdentity(nil), members...),
		shared:   shared,
		timeout:  timeout,
		loggers:  opts.Loggers,
	}, nil
}

func (o *Orchestrator) Members() []*identity.DeviceIdentity {
	return append([]*identity.DeviceIdentity(nil), o.members...)
}

func (o *Orchestrator) IsOpen() bool {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.state == stateOpen
}

// Open registers every member, in order, and then opens the shared transport. If anything
// fails, all registrations are undone and the transport is closed, so no member is left
// connected.
func (o *Orchestrator) Open(ctx context.Context) error {
	o.lock.Lock()
	defer o.lock.Unlock()
	switch o.state {
	case stateOpen:
		return nil
	case stateClosed:
		return ErrClosed
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	var registered []string
	rollback := func() {
		for i := len(registered) - 1; i >= 0; i-- {
			if err := o.shared.Unregister(registered[i]); err != nil {
				o.loggers.Debugf("Unregistering %s after failed open: %s", registered[i], err)
			}
		}
		if err := o.shared.Close(ctx); err != nil {
			o.loggers.Debugf("Closing shared transport after failed open: %s", err)
		}
	}

	for _, m := range o.members {
		if err := o.shared.Register(m.Descriptor()); err != nil {
			rollback()
			return fmt.Errorf("registering %s: %w", m, err)
		}
		registered = append(registered, m.Record.DeviceID)
	}
	if err := o.shared.Open(ctx); err != nil {
		rollback()
		return session.Classify(fmt.Sprintf("opening %d multiplexed devices over %s", len(o.members), o.protocol), o.timeout, err)
	}
	o.state = stateOpen
	o.loggers.Infof("Opened %d devices over one %s connection", len(o.members), o.protocol)
	return nil
}

// SendEvent sends a message on behalf of one member.
func (o *Orchestrator) SendEvent(ctx context.Context, deviceID string, msg transport.Message) error {
	if !o.IsOpen() {
		return fmt.Errorf("sending for %s: multiplexed connection is not open", deviceID)
	}
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	return session.Classify("sending event for "+deviceID, o.timeout, o.shared.SendEvent(ctx, deviceID, msg))
}

// SendFromAll sends one message for every member, proving each device is usable.
func (o *Orchestrator) SendFromAll(ctx context.Context) error {
	for _, m := range o.members {
		msg := transport.Message{MessageID: m.Record.DeviceID + "-multiplex", Body: []byte("multiplexed connectivity check")}
		if err := o.SendEvent(ctx, m.Record.DeviceID, msg); err != nil {
			return err
		}
	}
	return nil
}

// Close tears down the shared transport and with it every member's link. Later calls do
// nothing.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.lock.Lock()
	defer o.lock.Unlock()
	if o.state == stateClosed {
		return nil
	}
	wasOpen := o.state == stateOpen
	o.state = stateClosed
	if !wasOpen {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	return session.Classify("closing multiplexed connection", o.timeout, o.shared.Close(ctx))
}
