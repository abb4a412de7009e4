// Package httpproxy contains a local HTTP CONNECT proxy for verifying that clients can tunnel
// through a proxy, with or without Basic authentication, and the matching client-side dialer.
package httpproxy

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/launchdarkly/go-sdk-common.v2/ldlog"
)

// Realm is sent in the Basic authentication challenge.
const Realm = "Access to the staging site"

const (
	listenerReadyTimeout = time.Second * 10
	upstreamDialTimeout  = time.Second * 10
)

// Config describes one proxy instance.
type Config struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	RequireAuth bool   `yaml:"requireAuth"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
}

func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Config) validate() error {
	if c.RequireAuth && c.Username == "" {
		return errors.New("a proxy that requires authentication needs a username")
	}
	return nil
}

// Server is a running proxy instance.
type Server struct {
	config     Config
	listener   net.Listener
	httpServer *http.Server
	tunnels    map[*tunnel]struct{}
	active     sync.WaitGroup
	loggers    ldlog.Loggers
	lock       sync.Mutex
	closing    sync.Once
	stopped    bool
}

type tunnel struct {
	client   net.Conn
	upstream net.Conn
}

func (t *tunnel) close() {
	_ = t.client.Close()
	_ = t.upstream.Close()
}

// Start binds the listener and returns once the proxy is answering requests. A zero port picks
// an ephemeral one; Addr reports the actual address.
func Start(config Config, loggers ldlog.Loggers) (*Server, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	listener, err := net.Listen("tcp", config.Addr())
	if err != nil {
		return nil, fmt.Errorf("proxy could not listen on %s: %w", config.Addr(), err)
	}
	s := &Server{
		config:   config,
		listener: listener,
		tunnels:  make(map[*tunnel]struct{}),
		loggers:  loggers,
	}
	s.httpServer = &http.Server{Handler: http.HandlerFunc(s.serveHTTP), ReadHeaderTimeout: upstreamDialTimeout}
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			loggers.Errorf("Proxy on %s stopped unexpectedly: %s", s.Addr(), err)
		}
	}()

	if err := waitUntilReady(s.Addr()); err != nil {
		_ = s.Stop(context.Background())
		return nil, err
	}
	loggers.Infof("Proxy listening on %s (authentication required: %t)", s.Addr(), config.RequireAuth)
	return s, nil
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

func (s *Server) Config() Config {
	return s.config
}

// ActiveTunnels returns the number of tunnels currently open.
func (s *Server) ActiveTunnels() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.tunnels)
}

// Stop closes the listener, closes every open tunnel and waits for their goroutines to finish
// or for ctx to expire. Calling it again has no effect.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.closing.Do(func() {
		err = s.httpServer.Shutdown(ctx)

		s.lock.Lock()
		s.stopped = true
		tunnels := s.tunnels
		s.tunnels = make(map[*tunnel]struct{})
		s.lock.Unlock()
		for t := range tunnels {
			t.close()
		}

		drained := make(chan struct{})
		go func() {
			s.active.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-ctx.Done():
			if err == nil {
				err = ctx.Err()
			}
		}
		s.loggers.Infof("Proxy on %s stopped", s.Addr())
	})
	return err
}

func (s *Server) serveHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK) // readiness probe
		return
	}
	if req.Method != http.MethodConnect {
		w.Header().Set("Allow", http.MethodConnect)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.config.RequireAuth && !s.authorized(req) {
		s.loggers.Debugf("Proxy on %s rejected CONNECT %s: bad or missing credentials", s.Addr(), req.Host)
		w.Header().Set("Proxy-Authenticate", fmt.Sprintf("Basic realm=%q", Realm))
		w.WriteHeader(http.StatusProxyAuthRequired)
		return
	}

	upstream, err := net.DialTimeout("tcp", req.Host, upstreamDialTimeout)
	if err != nil {
		s.loggers.Debugf("Proxy on %s could not reach %s: %s", s.Addr(), req.Host, err)
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		_ = upstream.Close()
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	client, buffered, err := hijacker.Hijack()
	if err != nil {
		_ = upstream.Close()
		s.loggers.Errorf("Proxy on %s could not take over connection: %s", s.Addr(), err)
		return
	}
	if _, err := io.WriteString(client, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		_ = client.Close()
		_ = upstream.Close()
		return
	}

	t := &tunnel{client: client, upstream: upstream}
	s.lock.Lock()
	if s.stopped {
		s.lock.Unlock()
		t.close()
		return
	}
	s.tunnels[t] = struct{}{}
	s.active.Add(1)
	s.lock.Unlock()
	s.loggers.Debugf("Proxy on %s opened tunnel to %s", s.Addr(), req.Host)

	go s.relay(t, buffered.Reader)
}

func (s *Server) relay(t *tunnel, fromClient io.Reader) {
	defer s.active.Done()
	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(t.upstream, fromClient)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(t.client, t.upstream)
		done <- struct{}{}
	}()
	<-done
	t.close()
	<-done

	s.lock.Lock()
	delete(s.tunnels, t)
	s.lock.Unlock()
}

// authorized compares the Basic credentials case-sensitively. The password is everything after
// the first colon.
func (s *Server) authorized(req *http.Request) bool {
	header := req.Header.Get("Proxy-Authorization")
	const prefix = "Basic "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header[len(prefix):]))
	if err != nil {
		return false
	}
	user, password, found := strings.Cut(string(decoded), ":")
	return found && user == s.config.Username && password == s.config.Password
}

func waitUntilReady(addr string) error {
	client := &http.Client{Transport: &http.Transport{Proxy: nil}, Timeout: time.Second}
	defer client.CloseIdleConnections()
	deadline := time.NewTimer(listenerReadyTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(time.Millisecond * 10)
	defer ticker.Stop()
	for {
		select {
		case <-deadline.C:
			return fmt.Errorf("could not detect proxy listener at %s", addr)
		case <-ticker.C:
			resp, err := client.Head("http://" + addr)
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					return nil
				}
			}
		}
	}
}
