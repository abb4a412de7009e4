package identity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gopkg.in/launchdarkly/go-sdk-common.v2/ldlog"
)

// DefaultDisposalTimeout bounds a whole DisposeAll call.
const DefaultDisposalTimeout = 2 * time.Minute

type releasable struct {
	name    string
	release func(ctx context.Context) error
}

// Disposer releases everything registered with it exactly once, in reverse order of
// registration. A failure to release one item is logged and does not stop the others.
type Disposer struct {
	provisioner *Provisioner
	loggers     ldlog.Loggers
	timeout     time.Duration
	items       []releasable
	lock        sync.Mutex
}

// NewDisposer creates a Disposer that removes tracked identities through provisioner. The
// provisioner may be nil if only closers are tracked.
func NewDisposer(provisioner *Provisioner, loggers ldlog.Loggers, timeout time.Duration) *Disposer {
	if timeout <= 0 {
		timeout = DefaultDisposalTimeout
	}
	return &Disposer{provisioner: provisioner, loggers: loggers, timeout: timeout}
}

// Track registers an identity for disposal. Call it as soon as the identity exists, before
// anything that might fail.
func (d *Disposer) Track(id TestIdentity) {
	if id == nil {
		return
	}
	d.add(releasable{
		name: id.String(),
		release: func(ctx context.Context) error {
			if d.provisioner == nil {
				return fmt.Errorf("no provisioner to dispose %s", id)
			}
			d.provisioner.DisposeIdentity(ctx, id)
			return nil
		},
	})
}

// TrackCloser registers an arbitrary release function, such as stopping a proxy.
func (d *Disposer) TrackCloser(name string, release func(ctx context.Context) error) {
	d.add(releasable{name: name, release: release})
}

func (d *Disposer) add(r releasable) {
	d.lock.Lock()
	d.items = append(d.items, r)
	d.lock.Unlock()
}

// Pending returns the number of items not yet released.
func (d *Disposer) Pending() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return len(d.items)
}

// DisposeAll releases every tracked item using a fresh context, so it still works after the
// test's own context has expired. It returns the number of items that failed to release.
func (d *Disposer) DisposeAll() int {
	d.lock.Lock()
	items := d.items
	d.items = nil
	d.lock.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	failures := 0
	for i := len(items) - 1; i >= 0; i-- {
		if err := releaseOne(ctx, items[i]); err != nil {
			failures++
			d.loggers.Warnf("Failed to dispose %s: %s", items[i].name, err)
		}
	}
	return failures
}

func releaseOne(ctx context.Context, r releasable) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return r.release(ctx)
}
