package connectiontests

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/iothub-harness/connection-tests/certs"
	"github.com/iothub-harness/connection-tests/iothub"
	"github.com/iothub-harness/connection-tests/multiplex"
	"github.com/iothub-harness/connection-tests/registry"
	"github.com/iothub-harness/connection-tests/transport"
)

// eventLog records operations across all fakes so tests can check their relative order.
type eventLog struct {
	events []string
	lock   sync.Mutex
}

func (l *eventLog) add(event string) {
	l.lock.Lock()
	l.events = append(l.events, event)
	l.lock.Unlock()
}

func (l *eventLog) all() []string {
	l.lock.Lock()
	defer l.lock.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) indexOf(prefix string) int {
	for i, e := range l.all() {
		if strings.HasPrefix(e, prefix) {
			return i
		}
	}
	return -1
}

type fakeDirectory struct {
	log         *eventLog
	devices     map[string]registry.Device
	modules     map[string]registry.Module
	deleteError error
	lock        sync.Mutex
}

func newFakeDirectory(log *eventLog) *fakeDirectory {
	return &fakeDirectory{
		log:     log,
		devices: make(map[string]registry.Device),
		modules: make(map[string]registry.Module),
	}
}

func (f *fakeDirectory) count() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.devices) + len(f.modules)
}

func (f *fakeDirectory) HostName() string { return "test-hub.example.net" }

func (f *fakeDirectory) AddDevice(_ context.Context, d registry.Device) (registry.Device, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.devices[d.DeviceID] = d
	f.log.add("add device " + d.DeviceID)
	return d, nil
}

func (f *fakeDirectory) GetDevice(_ context.Context, id string) (registry.Device, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	d, ok := f.devices[id]
	if !ok {
		return registry.Device{}, registry.ErrNotFound
	}
	return d, nil
}

func (f *fakeDirectory) DeleteDevice(_ context.Context, id string) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.deleteError != nil {
		return f.deleteError
	}
	delete(f.devices, id)
	for k, m := range f.modules {
		if m.DeviceID == id {
			delete(f.modules, k)
		}
	}
	f.log.add("delete device " + id)
	return nil
}

func (f *fakeDirectory) AddModule(_ context.Context, m registry.Module) (registry.Module, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.modules[m.DeviceID+"/"+m.ModuleID] = m
	f.log.add("add module " + m.DeviceID + "/" + m.ModuleID)
	return m, nil
}

func (f *fakeDirectory) GetModule(_ context.Context, deviceID, moduleID string) (registry.Module, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	m, ok := f.modules[deviceID+"/"+moduleID]
	if !ok {
		return registry.Module{}, registry.ErrNotFound
	}
	return m, nil
}

func (f *fakeDirectory) DeleteModule(_ context.Context, deviceID, moduleID string) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.deleteError != nil {
		return f.deleteError
	}
	delete(f.modules, deviceID+"/"+moduleID)
	f.log.add("delete module " + deviceID + "/" + moduleID)
	return nil
}

type fakeClient struct {
	log      *eventLog
	protocol transport.Protocol
	desc     iothub.Descriptor
	cert     *certs.Material
	proxy    *transport.ProxySettings
	openErr  error
	opens    int
	sends    int
	closes   int
	lock     sync.Mutex
}

func (c *fakeClient) name() string {
	if c.desc.IsModule() {
		return c.desc.DeviceID + "/" + c.desc.ModuleID
	}
	return c.desc.DeviceID
}

func (c *fakeClient) Open(context.Context) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.opens++
	return c.openErr
}

func (c *fakeClient) SendEvent(context.Context, transport.Message) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.sends++
	return nil
}

func (c *fakeClient) Close(context.Context) error {
	c.lock.Lock()
	c.closes++
	c.lock.Unlock()
	c.log.add("close client " + c.name())
	return nil
}

func (c *fakeClient) counts() (opens, sends, closes int) {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.opens, c.sends, c.closes
}

// fakeClientFactory creates fakeClients. openErr, if set, decides the Open result for each.
type fakeClientFactory struct {
	log     *eventLog
	openErr func(protocol transport.Protocol) error
	clients []*fakeClient
	lock    sync.Mutex
}

func (f *fakeClientFactory) NewClient(
	protocol transport.Protocol,
	desc iothub.Descriptor,
	cert *certs.Material,
	opts transport.Options,
) (transport.Client, error) {
	c := &fakeClient{log: f.log, protocol: protocol, desc: desc, cert: cert, proxy: opts.Proxy}
	if f.openErr != nil {
		c.openErr = f.openErr(protocol)
	}
	f.lock.Lock()
	f.clients = append(f.clients, c)
	f.lock.Unlock()
	return c, nil
}

func (f *fakeClientFactory) withPrefix(prefix string) []*fakeClient {
	f.lock.Lock()
	defer f.lock.Unlock()
	var ret []*fakeClient
	for _, c := range f.clients {
		if strings.HasPrefix(c.desc.DeviceID, prefix) {
			ret = append(ret, c)
		}
	}
	return ret
}

type fakeShared struct {
	log     *eventLog
	proxy   *transport.ProxySettings
	members []string
	sent    []string
	openErr error
	lock    sync.Mutex
}

type fakeSharedFactory struct {
	log     *eventLog
	openErr error
	created []*fakeShared
	lock    sync.Mutex
}

func (f *fakeSharedFactory) newTransport(_ transport.Protocol, _ string, opts transport.Options) (multiplex.SharedTransport, error) {
	s := &fakeShared{log: f.log, proxy: opts.Proxy, openErr: f.openErr}
	f.lock.Lock()
	f.created = append(f.created, s)
	f.lock.Unlock()
	return s, nil
}

func (s *fakeShared) Register(desc iothub.Descriptor) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.members = append(s.members, desc.DeviceID)
	return nil
}

func (s *fakeShared) Unregister(deviceID string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	for i, m := range s.members {
		if m == deviceID {
			s.members = append(s.members[:i], s.members[i+1:]...)
			return nil
		}
	}
	return errors.New("not a member")
}

func (s *fakeShared) Open(context.Context) error {
	s.log.add("open shared")
	return s.openErr
}

func (s *fakeShared) SendEvent(_ context.Context, deviceID string, _ transport.Message) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.sent = append(s.sent, deviceID)
	return nil
}

func (s *fakeShared) Close(context.Context) error {
	s.log.add("close shared")
	return nil
}
