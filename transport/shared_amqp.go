package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Azure/go-amqp"
	"golang.org/x/sync/errgroup"

	"github.com/iothub-harness/connection-tests/iothub"
)

var (
	// ErrAlreadyOpen is returned when membership changes after the shared connection opened.
	ErrAlreadyOpen = errors.New("shared connection is already open")
	// ErrNoMembers is returned by Open when no device has been registered.
	ErrNoMembers = errors.New("shared connection has no registered devices")
	// ErrNotMember is returned for operations on a device that is not registered.
	ErrNotMember = errors.New("device is not registered on the shared connection")
)

type sharedMember struct {
	desc   iothub.Descriptor
	sender *amqp.Sender
}

// SharedAMQPConnection carries several SAS-authenticated devices over one AMQP connection.
// Devices are registered first; Open then authorizes every device and attaches its sender.
type SharedAMQPConnection struct {
	protocol Protocol
	host     string
	opts     Options
	members  []*sharedMember
	conn     *amqp.Conn
	open     bool
	lock     sync.Mutex
}

func NewSharedAMQPConnection(protocol Protocol, host string, opts Options) (*SharedAMQPConnection, error) {
	if !protocol.SupportsMultiplexing() {
		return nil, fmt.Errorf("%s does not support multiplexing", protocol)
	}
	if host == "" {
		return nil, errors.New("shared connection needs a host name")
	}
	return &SharedAMQPConnection{protocol: protocol, host: host, opts: opts}, nil
}

func (s *SharedAMQPConnection) Protocol() Protocol { return s.protocol }

// Register adds a device. Only SAS device identities on the connection's host are accepted.
func (s *SharedAMQPConnection) Register(desc iothub.Descriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	switch {
	case desc.X509:
		return fmt.Errorf("device %s: only SAS identities can share a connection", desc.DeviceID)
	case desc.IsModule():
		return fmt.Errorf("module %s/%s: only device identities can share a connection", desc.DeviceID, desc.ModuleID)
	case desc.HostName != s.host:
		return fmt.Errorf("device %s belongs to %s, not %s", desc.DeviceID, desc.HostName, s.host)
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.open {
		return ErrAlreadyOpen
	}
	for _, m := range s.members {
		if m.desc.DeviceID == desc.DeviceID {
			return fmt.Errorf("device %s is already registered", desc.DeviceID)
		}
	}
	s.members = append(s.members, &sharedMember{desc: desc})
	return nil
}

// Unregister removes a device that has not been opened yet.
func (s *SharedAMQPConnection) Unregister(deviceID string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.open {
		return ErrAlreadyOpen
	}
	for i, m := range s.members {
		if m.desc.DeviceID == deviceID {
			s.members = append(s.members[:i], s.members[i+1:]...)
			return nil
		}
	}
	return ErrNotMember
}

// Members returns the registered device IDs in registration order.
func (s *SharedAMQPConnection) Members() []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	ids := make([]string, 0, len(s.members))
	for _, m := range s.members {
		ids = append(ids, m.desc.DeviceID)
	}
	return ids
}

func (s *SharedAMQPConnection) IsOpen() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.open
}

// Open connects and authorizes every registered device. Devices are authorized concurrently;
// if any fails, the connection is closed and no device is left connected.
func (s *SharedAMQPConnection) Open(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.open {
		return ErrAlreadyOpen
	}
	if len(s.members) == 0 {
		return ErrNoMembers
	}

	conn, err := openAMQPConn(ctx, s.protocol, s.host, nil, s.opts)
	if err != nil {
		return err
	}
	if err := s.attachAll(ctx, conn); err != nil {
		_ = conn.Close()
		for _, m := range s.members {
			m.sender = nil
		}
		return err
	}
	s.conn = conn
	s.open = true
	s.opts.Loggers.Debugf("Opened shared %s connection for %d devices",
		describeEndpoint(s.protocol, s.host, s.opts), len(s.members))
	return nil
}

func (s *SharedAMQPConnection) attachAll(ctx context.Context, conn *amqp.Conn) error {
	session, err := conn.NewSession(ctx, nil)
	if err != nil {
		return classifyAMQPError("amqp session", err)
	}
	cbs, err := newCBSLink(ctx, session)
	if err != nil {
		return err
	}
	defer cbs.close(ctx)

	g, gctx := errgroup.WithContext(ctx)
	for _, m := range s.members {
		m := m
		g.Go(func() error {
			token, err := m.desc.Token(s.opts.tokenExpiry())
			if err != nil {
				return err
			}
			if err := cbs.putToken(gctx, m.desc.ResourceURI(), token); err != nil {
				return fmt.Errorf("device %s: %w", m.desc.DeviceID, err)
			}
			sender, err := session.NewSender(gctx, eventsAddress(m.desc), nil)
			if err != nil {
				return fmt.Errorf("device %s: %w", m.desc.DeviceID, classifyAMQPError("amqp attach", err))
			}
			m.sender = sender
			return nil
		})
	}
	return g.Wait()
}

// SendEvent sends a message on behalf of one registered device.
func (s *SharedAMQPConnection) SendEvent(ctx context.Context, deviceID string, msg Message) error {
	s.lock.Lock()
	var sender *amqp.Sender
	for _, m := range s.members {
		if m.desc.DeviceID == deviceID {
			sender = m.sender
		}
	}
	open := s.open
	s.lock.Unlock()
	if !open {
		return errors.New("shared connection is not open")
	}
	if sender == nil {
		return ErrNotMember
	}
	if err := sender.Send(ctx, toAMQPMessage(msg), nil); err != nil {
		return classifyAMQPError("amqp send", err)
	}
	return nil
}

// Close closes the connection and with it every device's link. Registrations are kept, so the
// connection can be opened again.
func (s *SharedAMQPConnection) Close(context.Context) error {
	s.lock.Lock()
	conn := s.conn
	s.conn = nil
	s.open = false
	for _, m := range s.members {
		m.sender = nil
	}
	s.lock.Unlock()
	if conn == nil {
		return nil
	}
	return ignoreClosed(conn.Close())
}
