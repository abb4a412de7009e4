package connectiontests

import (
	"errors"
	"fmt"

	"github.com/samber/lo"

	"github.com/iothub-harness/connection-tests/identity"
	"github.com/iothub-harness/connection-tests/transport"
)

// Params is one combination of connection settings that a scenario runs with.
type Params struct {
	Protocol     transport.Protocol
	Auth         identity.AuthType
	Role         identity.Role
	UseProxy     bool
	UseProxyAuth bool
}

// Name identifies the combination in test output, for instance HTTPS_SAS_DEVICE_CLIENT_false_false.
func (p Params) Name() string {
	return fmt.Sprintf("%s_%s_%s_%t_%t", p.Protocol, p.Auth, p.Role, p.UseProxy, p.UseProxyAuth)
}

func (p Params) String() string {
	return p.Name()
}

var (
	errProxyAuthWithoutProxy = errors.New("proxy authentication requires a proxy")
	errModuleOverHTTPS       = errors.New("module clients cannot connect over HTTPS")
	errAMQPWebSocketX509     = errors.New("x509 authentication is not supported over AMQPS_WS")

	// ErrAMQPWebSocketProxyAuth marks a combination the product supports but the local test
	// proxy cannot carry, so it is left out of the matrix.
	ErrAMQPWebSocketProxyAuth = errors.New("AMQPS_WS through an authenticating proxy is not supported by the test proxy")
)

// Validate returns nil if the combination is runnable, or an error naming why it is not.
func (p Params) Validate() error {
	switch {
	case p.UseProxyAuth && !p.UseProxy:
		return errProxyAuthWithoutProxy
	case p.UseProxy && !p.Protocol.SupportsProxy():
		return fmt.Errorf("%s cannot be used through a proxy", p.Protocol)
	case p.Role == identity.ModuleRole && p.Protocol == transport.HTTPS:
		return errModuleOverHTTPS
	case p.Protocol == transport.AMQPSWebSocket && p.Auth == identity.SelfSigned:
		return errAMQPWebSocketX509
	case p.Protocol == transport.AMQPSWebSocket && p.UseProxyAuth:
		return ErrAMQPWebSocketProxyAuth
	}
	return nil
}

type proxyMode struct {
	useProxy, useProxyAuth bool
}

var proxyModes = []proxyMode{{false, false}, {true, false}, {true, true}}

// Matrix returns every runnable combination, grouped by proxy mode, then role, then
// authentication type, with protocols in declaration order.
func Matrix() []Params {
	var all []Params
	for _, mode := range proxyModes {
		for _, role := range []identity.Role{identity.DeviceRole, identity.ModuleRole} {
			for _, auth := range []identity.AuthType{identity.SAS, identity.SelfSigned} {
				for _, protocol := range transport.AllProtocols {
					all = append(all, Params{
						Protocol:     protocol,
						Auth:         auth,
						Role:         role,
						UseProxy:     mode.useProxy,
						UseProxyAuth: mode.useProxyAuth,
					})
				}
			}
		}
	}
	return lo.Filter(all, func(p Params, _ int) bool { return p.Validate() == nil })
}

// SupportsMultiplexing reports whether the multiplexing scenario applies to p: SAS device
// clients over an AMQP transport.
func SupportsMultiplexing(p Params) bool {
	return p.Protocol.SupportsMultiplexing() && p.Auth == identity.SAS && p.Role == identity.DeviceRole
}
