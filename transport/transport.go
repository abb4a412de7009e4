// Package transport implements minimal device clients for each protocol the service accepts.
// They can open a connection, send telemetry and close, which is all a connectivity check needs.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"
	"time"

	"gopkg.in/launchdarkly/go-sdk-common.v2/ldlog"

	"github.com/iothub-harness/connection-tests/certs"
	"github.com/iothub-harness/connection-tests/iothub"
)

// Protocol is a wire protocol a device client can use.
type Protocol int

const (
	HTTPS Protocol = iota
	AMQPS
	AMQPSWebSocket
	MQTT
	MQTTWebSocket
)

// AllProtocols lists every protocol in reporting order.
var AllProtocols = []Protocol{HTTPS, AMQPS, AMQPSWebSocket, MQTT, MQTTWebSocket}

func (p Protocol) String() string {
	switch p {
	case HTTPS:
		return "HTTPS"
	case AMQPS:
		return "AMQPS"
	case AMQPSWebSocket:
		return "AMQPS_WS"
	case MQTT:
		return "MQTT"
	case MQTTWebSocket:
		return "MQTT_WS"
	default:
		return fmt.Sprintf("Protocol(%d)", int(p))
	}
}

// ParseProtocol accepts the names returned by String, case-insensitively.
func ParseProtocol(s string) (Protocol, error) {
	for _, p := range AllProtocols {
		if strings.EqualFold(p.String(), s) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown protocol %q", s)
}

// UsesWebSocket reports whether the protocol is carried over a WebSocket on port 443.
func (p Protocol) UsesWebSocket() bool {
	return p == AMQPSWebSocket || p == MQTTWebSocket
}

// SupportsProxy reports whether the protocol can be tunnelled through an HTTP proxy.
func (p Protocol) SupportsProxy() bool {
	return p == HTTPS || p.UsesWebSocket()
}

// SupportsMultiplexing reports whether several devices can share one connection.
func (p Protocol) SupportsMultiplexing() bool {
	return p == AMQPS || p == AMQPSWebSocket
}

// RequiresSendToVerifyOpen is true for HTTPS, where opening a client does no network I/O.
func (p Protocol) RequiresSendToVerifyOpen() bool {
	return p == HTTPS
}

// ProxySettings points a client at an HTTP CONNECT proxy.
type ProxySettings struct {
	Addr     string
	Username string
	Password string
}

func (s ProxySettings) URL() *url.URL {
	u := &url.URL{Scheme: "http", Host: s.Addr}
	if s.Username != "" {
		u.User = url.UserPassword(s.Username, s.Password)
	}
	return u
}

// Options configures how a client reaches the service.
type Options struct {
	// Proxy, if set, is used for every connection the client makes.
	Proxy *ProxySettings
	// TLSConfig is cloned for each connection. ServerName defaults to the descriptor's host.
	TLSConfig *tls.Config
	// Endpoint replaces the host:port dialled, leaving the host name used for authentication.
	Endpoint string
	// TokenLifetime is how long SAS tokens stay valid. Defaults to iothub.DefaultTokenLifetime.
	TokenLifetime time.Duration
	Loggers       ldlog.Loggers
}

func (o Options) tokenExpiry() time.Time {
	lifetime := o.TokenLifetime
	if lifetime <= 0 {
		lifetime = iothub.DefaultTokenLifetime
	}
	return time.Now().Add(lifetime)
}

// Message is one telemetry event.
type Message struct {
	MessageID  string
	Body       []byte
	Properties map[string]string
}

// Client is a device or module client for one protocol.
type Client interface {
	// Open establishes the connection. For HTTPS it only prepares the client.
	Open(ctx context.Context) error
	SendEvent(ctx context.Context, msg Message) error
	// Close releases the connection. It is safe to call after a failed Open.
	Close(ctx context.Context) error
}

// Factory creates clients. Tests replace it with fakes.
type Factory interface {
	NewClient(protocol Protocol, desc iothub.Descriptor, cert *certs.Material, opts Options) (Client, error)
}

// DefaultFactory creates the real protocol clients.
type DefaultFactory struct{}

func (DefaultFactory) NewClient(protocol Protocol, desc iothub.Descriptor, cert *certs.Material, opts Options) (Client, error) {
	return New(protocol, desc, cert, opts)
}

// New creates a client for desc. cert is required when desc uses x509 authentication.
func New(protocol Protocol, desc iothub.Descriptor, cert *certs.Material, opts Options) (Client, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if desc.X509 && cert == nil {
		return nil, fmt.Errorf("identity %s uses x509 authentication but has no certificate", desc.ResourceURI())
	}
	if opts.Proxy != nil && !protocol.SupportsProxy() {
		return nil, fmt.Errorf("%s cannot be used through a proxy", protocol)
	}
	switch protocol {
	case HTTPS:
		return newHTTPClient(desc, cert, opts), nil
	case AMQPS, AMQPSWebSocket:
		return newAMQPClient(protocol, desc, cert, opts), nil
	case MQTT, MQTTWebSocket:
		return newMQTTClient(protocol, desc, cert, opts), nil
	default:
		return nil, fmt.Errorf("unsupported protocol %s", protocol)
	}
}

// RejectionError means the service or a proxy refused the client: bad credentials, an
// unauthorized identity or a failed handshake.
type RejectionError struct {
	Stage  string
	Reason string
	Err    error
}

func (e *RejectionError) Error() string {
	msg := fmt.Sprintf("connection rejected during %s: %s", e.Stage, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RejectionError) Unwrap() error { return e.Err }
