package connectiontests

import (
	"github.com/iothub-harness/connection-tests/certs"
	"github.com/iothub-harness/connection-tests/config"
	"github.com/iothub-harness/connection-tests/identity"
	"github.com/iothub-harness/connection-tests/multiplex"
	"github.com/iothub-harness/connection-tests/transport"
)

// Harness holds everything the scenarios share. It is created once per run and is read-only
// while tests execute.
type Harness struct {
	config           *config.Config
	directory        identity.Directory
	authority        certs.Authority
	clients          transport.Factory
	sharedTransports multiplex.TransportFactory
	transportOptions transport.Options
	authProxy        transport.ProxySettings
	openProxy        transport.ProxySettings
}

type HarnessOption func(*Harness)

// WithClientFactory replaces the protocol clients, normally transport.DefaultFactory.
func WithClientFactory(f transport.Factory) HarnessOption {
	return func(h *Harness) { h.clients = f }
}

// WithSharedTransportFactory replaces the shared connection used by the multiplexing scenario.
func WithSharedTransportFactory(f multiplex.TransportFactory) HarnessOption {
	return func(h *Harness) { h.sharedTransports = f }
}

// WithTransportOptions sets the base options for every client. Proxy and Loggers are
// overwritten per test.
func WithTransportOptions(o transport.Options) HarnessOption {
	return func(h *Harness) { h.transportOptions = o }
}

// WithProxyAddrs points clients at proxies other than the configured listen addresses, for
// instance when the proxies were started on ephemeral ports.
func WithProxyAddrs(authenticated, open string) HarnessOption {
	return func(h *Harness) {
		h.authProxy.Addr = authenticated
		h.openProxy.Addr = open
	}
}

func NewHarness(
	cfg *config.Config,
	directory identity.Directory,
	authority certs.Authority,
	opts ...HarnessOption,
) *Harness {
	h := &Harness{
		config:           cfg,
		directory:        directory,
		authority:        authority,
		clients:          transport.DefaultFactory{},
		sharedTransports: multiplex.DefaultTransportFactory,
		authProxy: transport.ProxySettings{
			Addr:     cfg.AuthenticatedProxy.Addr(),
			Username: cfg.AuthenticatedProxy.Username,
			Password: cfg.AuthenticatedProxy.Password,
		},
		openProxy: transport.ProxySettings{Addr: cfg.OpenProxy.Addr()},
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Harness) Config() *config.Config {
	return h.config
}

// proxyFor returns the proxy a client with these parameters connects through, or nil.
func (h *Harness) proxyFor(p Params) *transport.ProxySettings {
	if !p.UseProxy {
		return nil
	}
	if p.UseProxyAuth {
		settings := h.authProxy
		return &settings
	}
	settings := h.openProxy
	return &settings
}

// authenticatedProxy is used by scenarios that always go through the authenticating proxy
// when any proxy is requested.
func (h *Harness) authenticatedProxy(p Params) *transport.ProxySettings {
	if !p.UseProxy {
		return nil
	}
	settings := h.authProxy
	return &settings
}
