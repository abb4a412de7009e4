// Package session drives one device or module client through open, use and close.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gopkg.in/launchdarkly/go-sdk-common.v2/ldlog"

	"github.com/iothub-harness/connection-tests/transport"
)

// DefaultTimeout bounds Open, SendEvent and Close when no other timeout is given.
const DefaultTimeout = time.Minute

type State int

const (
	Created State = iota
	Opened
	Used
	Closed
)

func (s State) String() string {
	switch s {
	case Created:
		return "Created"
	case Opened:
		return "Opened"
	case Used:
		return "Used"
	case Closed:
		return "Closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Session owns one transport client. It can be handed to an identity as its client, so that
// disposing the identity closes the session first.
type Session struct {
	name     string
	protocol transport.Protocol
	client   transport.Client
	timeout  time.Duration
	loggers  ldlog.Loggers
	state    State
	released bool
	lock     sync.Mutex
}

// New wraps client. name identifies the session in log output.
func New(name string, protocol transport.Protocol, client transport.Client, timeout time.Duration, loggers ldlog.Loggers) *Session {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Session{name: name, protocol: protocol, client: client, timeout: timeout, loggers: loggers}
}

func (s *Session) State() State {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state
}

func (s *Session) Protocol() transport.Protocol {
	return s.protocol
}

// Verified reports whether the connection is known to work. Over HTTPS that needs a successful
// send, since opening does no I/O.
func (s *Session) Verified() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	switch s.state {
	case Used:
		return true
	case Opened:
		return !s.protocol.RequiresSendToVerifyOpen()
	default:
		return false
	}
}

// Open connects the client within the session's timeout.
func (s *Session) Open(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	switch s.state {
	case Closed:
		return ErrSessionClosed
	case Opened, Used:
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	started := time.Now()
	if err := s.client.Open(ctx); err != nil {
		return Classify(fmt.Sprintf("opening %s over %s", s.name, s.protocol), s.timeout, err)
	}
	s.state = Opened
	s.loggers.Debugf("Opened %s over %s in %s", s.name, s.protocol, time.Since(started).Round(time.Millisecond))
	return nil
}

// SendEvent sends one message. After it succeeds the session is in the Used state.
func (s *Session) SendEvent(ctx context.Context, msg transport.Message) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	switch s.state {
	case Closed:
		return ErrSessionClosed
	case Created:
		return ErrNotOpen
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.SendEvent(ctx, msg); err != nil {
		return Classify(fmt.Sprintf("sending event for %s over %s", s.name, s.protocol), s.timeout, err)
	}
	s.state = Used
	return nil
}

// Verify sends a message if the protocol needs one to prove the connection.
func (s *Session) Verify(ctx context.Context) error {
	if !s.protocol.RequiresSendToVerifyOpen() {
		if s.State() == Created {
			return ErrNotOpen
		}
		return nil
	}
	return s.SendEvent(ctx, transport.Message{
		MessageID: fmt.Sprintf("%s-verify", s.name),
		Body:      []byte("connectivity check"),
	})
}

// Close releases the client. It may be called in any state and more than once; the client is
// closed at most once.
func (s *Session) Close(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.state = Closed
	if s.released {
		return nil
	}
	s.released = true

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Close(ctx); err != nil {
		return Classify(fmt.Sprintf("closing %s", s.name), s.timeout, err)
	}
	s.loggers.Debugf("Closed %s", s.name)
	return nil
}
