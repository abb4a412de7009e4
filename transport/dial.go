package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/proxy"

	"github.com/iothub-harness/connection-tests/certs"
	"github.com/iothub-harness/connection-tests/httpproxy"
)

const (
	portAMQPS     = 5671
	portMQTT      = 8883
	portHTTPS     = 443
	websocketPath = "/$iothub/websocket"
)

func endpoint(host string, port int, opts Options) string {
	if opts.Endpoint != "" {
		return opts.Endpoint
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// contextDialer returns a dialer that goes through the configured proxy, if any.
func contextDialer(opts Options) (proxy.ContextDialer, error) {
	if opts.Proxy == nil {
		return &net.Dialer{}, nil
	}
	return httpproxy.NewDialer(opts.Proxy.URL())
}

func tlsConfig(host string, cert *certs.Material, opts Options) *tls.Config {
	var cfg *tls.Config
	if opts.TLSConfig != nil {
		cfg = opts.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	if cert != nil {
		cfg.Certificates = []tls.Certificate{cert.TLSCertificate()}
	}
	return cfg
}

func dialTLS(ctx context.Context, host string, port int, cert *certs.Material, opts Options) (net.Conn, error) {
	d, err := contextDialer(opts)
	if err != nil {
		return nil, err
	}
	raw, err := d.DialContext(ctx, "tcp", endpoint(host, port, opts))
	if err != nil {
		return nil, classifyDialError(err)
	}
	conn := tls.Client(raw, tlsConfig(host, cert, opts))
	if err := conn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, classifyDialError(err)
	}
	return conn, nil
}

// dialWebSocket opens a binary WebSocket on the service's WebSocket path and exposes it as a
// net.Conn, so the AMQP and MQTT clients can run over it unchanged.
func dialWebSocket(ctx context.Context, host, subprotocol string, cert *certs.Material, opts Options) (net.Conn, error) {
	d, err := contextDialer(opts)
	if err != nil {
		return nil, err
	}
	wsDialer := &websocket.Dialer{
		NetDialContext:   d.DialContext,
		TLSClientConfig:  tlsConfig(host, cert, opts),
		Subprotocols:     []string{subprotocol},
		HandshakeTimeout: 30 * time.Second,
	}
	u := "wss://" + endpoint(host, portHTTPS, opts) + websocketPath
	ws, resp, err := wsDialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return nil, &RejectionError{Stage: "websocket handshake", Reason: resp.Status, Err: err}
			}
		}
		return nil, classifyDialError(err)
	}
	return &wsConn{ws: ws}, nil
}

// classifyDialError turns proxy authentication failures and TLS rejections into
// RejectionErrors and leaves other errors unchanged.
func classifyDialError(err error) error {
	var ce *httpproxy.ConnectError
	if errors.As(err, &ce) && ce.AuthRequired() {
		return &RejectionError{Stage: "proxy", Reason: "proxy authentication required", Err: err}
	}
	var alert tls.AlertError
	if errors.As(err, &alert) {
		return &RejectionError{Stage: "tls", Reason: "server sent alert", Err: err}
	}
	var unknownAuthority x509.UnknownAuthorityError
	var hostname x509.HostnameError
	if errors.As(err, &unknownAuthority) || errors.As(err, &hostname) {
		return &RejectionError{Stage: "tls", Reason: "server certificate not trusted", Err: err}
	}
	return err
}

// wsConn adapts a WebSocket to a byte stream. Each Write is sent as one binary message.
type wsConn struct {
	ws     *websocket.Conn
	reader io.Reader
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			msgType, r, err := c.ws.NextReader()
			if err != nil {
				return 0, err
			}
			if msgType != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.ws.Close()
}

func (c *wsConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

func describeEndpoint(protocol Protocol, host string, opts Options) string {
	via := ""
	if opts.Proxy != nil {
		via = fmt.Sprintf(" via proxy %s", opts.Proxy.Addr)
	}
	return fmt.Sprintf("%s %s%s", protocol, host, via)
}
