package httpproxy

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
)

func init() {
	proxy.RegisterDialerType("http", func(u *url.URL, forward proxy.Dialer) (proxy.Dialer, error) {
		return newDialer(u, forward), nil
	})
}

// ConnectError is a non-200 response to a CONNECT request.
type ConnectError struct {
	ProxyAddr  string
	Target     string
	StatusCode int
	Status     string
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("proxy %s refused CONNECT %s: %s", e.ProxyAddr, e.Target, e.Status)
}

// AuthRequired reports whether the proxy rejected the credentials.
func (e *ConnectError) AuthRequired() bool {
	return e.StatusCode == http.StatusProxyAuthRequired
}

// Dialer opens connections through an HTTP CONNECT proxy.
type Dialer struct {
	ProxyAddr string
	Username  string
	Password  string
	forward   proxy.Dialer
}

func newDialer(u *url.URL, forward proxy.Dialer) *Dialer {
	d := &Dialer{ProxyAddr: u.Host, forward: forward}
	if u.User != nil {
		d.Username = u.User.Username()
		d.Password, _ = u.User.Password()
	}
	return d
}

// ProxyURL builds the URL that NewDialer accepts. Credentials are included when username is
// non-empty.
func ProxyURL(addr, username, password string) *url.URL {
	u := &url.URL{Scheme: "http", Host: addr}
	if username != "" {
		u.User = url.UserPassword(username, password)
	}
	return u
}

// NewDialer returns a context-aware dialer for a proxy URL. Any scheme registered with
// golang.org/x/net/proxy is accepted, including "http" and "socks5".
func NewDialer(u *url.URL) (proxy.ContextDialer, error) {
	d, err := proxy.FromURL(u, proxy.Direct)
	if err != nil {
		return nil, err
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("proxy dialer for %s does not support contexts", u.Scheme)
	}
	return cd, nil
}

func (d *Dialer) Dial(network, addr string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, addr)
}

func (d *Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := d.dialProxy(ctx, network)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if d.Username != "" {
		token := base64.StdEncoding.EncodeToString([]byte(d.Username + ":" + d.Password))
		req.Header.Set("Proxy-Authorization", "Basic "+token)
	}
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, contextError(ctx, fmt.Errorf("writing CONNECT to %s: %w", d.ProxyAddr, err))
	}
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, contextError(ctx, fmt.Errorf("reading CONNECT response from %s: %w", d.ProxyAddr, err))
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, &ConnectError{ProxyAddr: d.ProxyAddr, Target: addr, StatusCode: resp.StatusCode, Status: resp.Status}
	}
	_ = conn.SetDeadline(time.Time{})
	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, reader: br}, nil
	}
	return conn, nil
}

func (d *Dialer) dialProxy(ctx context.Context, network string) (net.Conn, error) {
	if cd, ok := d.forward.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, network, d.ProxyAddr)
	}
	if d.forward != nil {
		return d.forward.Dial(network, d.ProxyAddr)
	}
	var nd net.Dialer
	return nd.DialContext(ctx, network, d.ProxyAddr)
}

func contextError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w (%s)", ctx.Err(), err)
	}
	return err
}

// bufferedConn returns bytes the proxy sent right after its response before reading from the
// connection again.
type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}
