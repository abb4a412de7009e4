package identity

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/iothub-harness/connection-tests/registry"
)

// fakeDirectory is an in-memory directory service. An error queued with failNext is returned by
// the next call to the named operation instead of performing it; one queued with failAfter is
// returned after the operation has been performed, like a response lost after the service
// committed the change.
type fakeDirectory struct {
	devices map[string]registry.Device
	modules map[string]registry.Module
	errors  map[string][]error
	after   map[string][]error
	calls   []string
	lock    sync.Mutex
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		devices: make(map[string]registry.Device),
		modules: make(map[string]registry.Module),
		errors:  make(map[string][]error),
		after:   make(map[string][]error),
	}
}

func (f *fakeDirectory) failNext(op string, errs ...error) {
	f.lock.Lock()
	f.errors[op] = append(f.errors[op], errs...)
	f.lock.Unlock()
}

func (f *fakeDirectory) failAfter(op string, errs ...error) {
	f.lock.Lock()
	f.after[op] = append(f.after[op], errs...)
	f.lock.Unlock()
}

func (f *fakeDirectory) finish(op string) error {
	if queued := f.after[op]; len(queued) > 0 {
		f.after[op] = queued[1:]
		return queued[0]
	}
	return nil
}

func (f *fakeDirectory) begin(op string) error {
	f.calls = append(f.calls, op)
	if queued := f.errors[op]; len(queued) > 0 {
		f.errors[op] = queued[1:]
		return queued[0]
	}
	return nil
}

func (f *fakeDirectory) callCount(op string) int {
	f.lock.Lock()
	defer f.lock.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (f *fakeDirectory) HostName() string { return "test-hub.example.net" }

func (f *fakeDirectory) AddDevice(_ context.Context, d registry.Device) (registry.Device, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if err := f.begin("AddDevice"); err != nil {
		return registry.Device{}, err
	}
	if _, ok := f.devices[d.DeviceID]; ok {
		return registry.Device{}, &registry.StatusError{Method: "PUT", StatusCode: 409, Body: "DeviceAlreadyExists"}
	}
	d.ETag = "etag-" + d.DeviceID
	f.devices[d.DeviceID] = d
	if err := f.finish("AddDevice"); err != nil {
		return registry.Device{}, err
	}
	return d, nil
}

func (f *fakeDirectory) GetDevice(_ context.Context, id string) (registry.Device, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if err := f.begin("GetDevice"); err != nil {
		return registry.Device{}, err
	}
	d, ok := f.devices[id]
	if !ok {
		return registry.Device{}, registry.ErrNotFound
	}
	return d, nil
}

func (f *fakeDirectory) DeleteDevice(_ context.Context, id string) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if err := f.begin("DeleteDevice"); err != nil {
		return err
	}
	if _, ok := f.devices[id]; !ok {
		return registry.ErrNotFound
	}
	delete(f.devices, id)
	for k, m := range f.modules {
		if m.DeviceID == id {
			delete(f.modules, k)
		}
	}
	return nil
}

func (f *fakeDirectory) AddModule(_ context.Context, m registry.Module) (registry.Module, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if err := f.begin("AddModule"); err != nil {
		return registry.Module{}, err
	}
	if _, ok := f.devices[m.DeviceID]; !ok {
		return registry.Module{}, &registry.StatusError{Method: "PUT", StatusCode: 400}
	}
	key := m.DeviceID + "/" + m.ModuleID
	if _, ok := f.modules[key]; ok {
		return registry.Module{}, &registry.StatusError{Method: "PUT", StatusCode: 409, Body: "ModuleAlreadyExists"}
	}
	m.ETag = "etag-" + key
	f.modules[key] = m
	if err := f.finish("AddModule"); err != nil {
		return registry.Module{}, err
	}
	return m, nil
}

func (f *fakeDirectory) GetModule(_ context.Context, deviceID, moduleID string) (registry.Module, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if err := f.begin("GetModule"); err != nil {
		return registry.Module{}, err
	}
	m, ok := f.modules[deviceID+"/"+moduleID]
	if !ok {
		return registry.Module{}, registry.ErrNotFound
	}
	return m, nil
}

func (f *fakeDirectory) DeleteModule(_ context.Context, deviceID, moduleID string) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if err := f.begin("DeleteModule"); err != nil {
		return err
	}
	key := deviceID + "/" + moduleID
	if _, ok := f.modules[key]; !ok {
		return registry.ErrNotFound
	}
	delete(f.modules, key)
	return nil
}

type mockClient struct {
	mock.Mock
}

func (m *mockClient) Close(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}
