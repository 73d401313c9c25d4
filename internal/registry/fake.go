// SPDX-License-Identifier: GPL-2.0-only

package registry

import (
	"sync"

	"github.com/efficientgo/core/errors"
)

// FakeDevice is one scripted registry entry in a Fake.
type FakeDevice struct {
	ID         string
	Properties map[string]Value
}

// Fake is a scripted Capability implementation for tests. It never touches
// the OS; every method operates on an in-memory script, and OpenCount/
// ReleaseCount let tests assert handle conservation (spec §8 P3) even when
// every step is made to fail.
type Fake struct {
	mu sync.Mutex

	devices map[string]*FakeDevice
	// errorOn is a per-operation queue of scripted errors; each call to the
	// named operation pops the front of its queue, letting a test script
	// "fail twice then succeed" (spec §8 scenario 6).
	errorOn map[string][]error

	openCount    int
	releaseCount int

	ports       map[string]bool
	subs        map[string][]*fakeSub
	released    map[string]bool
}

type fakeSub struct {
	kind     NotificationKind
	callback func(Handle)
}

// NewFake constructs an empty Fake.
func NewFake() *Fake {
	return &Fake{
		devices:  make(map[string]*FakeDevice),
		errorOn:  make(map[string][]error),
		ports:    make(map[string]bool),
		subs:     make(map[string][]*fakeSub),
		released: make(map[string]bool),
	}
}

// AddDevice scripts a device as present in the registry.
func (f *Fake) AddDevice(d *FakeDevice) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[d.ID] = d
}

// RemoveDevice removes a scripted device, as if it detached.
func (f *Fake) RemoveDevice(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.devices, id)
}

// FailNext queues err to be returned by the next call to the named
// operation. Calling it more than once before those calls happen queues
// multiple errors in order, e.g. to script "busy twice then success".
func (f *Fake) FailNext(operation string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errorOn[operation] = append(f.errorOn[operation], err)
}

func (f *Fake) takeError(operation string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.errorOn[operation]
	if len(q) == 0 {
		return nil
	}
	f.errorOn[operation] = q[1:]
	return q[0]
}

// OpenCount returns the number of Handles ever handed out (via
// ServicesMatching or Subscribe).
func (f *Fake) OpenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openCount
}

// ReleaseCount returns the number of Release calls observed.
func (f *Fake) ReleaseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.releaseCount
}

func (f *Fake) MatchingQuery(className string) MatchDict {
	return MatchDict{"class": className}
}

func (f *Fake) ServicesMatching(dict MatchDict) (Iterator, error) {
	if err := f.takeError("ServicesMatching"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	ids := make([]string, 0, len(f.devices))
	for id := range f.devices {
		ids = append(ids, id)
	}
	f.openCount += len(ids)
	f.mu.Unlock()
	return &sliceIterator{ids: ids}, nil
}

func (f *Fake) ReadProperty(h Handle, key string) (Value, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.released[h.id] {
		return Value{}, false
	}
	dev, ok := f.devices[h.id]
	if !ok {
		return Value{}, false
	}
	v, ok := dev.Properties[key]
	return v, ok
}

func (f *Fake) CreateNotificationPort() (Port, error) {
	if err := f.takeError("CreateNotificationPort"); err != nil {
		return Port{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "port"
	f.ports[id] = true
	return NewPort(id), nil
}

func (f *Fake) BindPortToDispatch(p Port, queueName string) {}

func (f *Fake) Subscribe(p Port, kind NotificationKind, dict MatchDict, callback func(Handle)) (Iterator, error) {
	if err := f.takeError("Subscribe"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.subs[p.id] = append(f.subs[p.id], &fakeSub{kind: kind, callback: callback})
	var ids []string
	if kind == NotificationFirstMatch {
		for id := range f.devices {
			ids = append(ids, id)
		}
		f.openCount += len(ids)
	}
	f.mu.Unlock()
	return &sliceIterator{ids: ids}, nil
}

func (f *Fake) Release(h Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releaseCount++
	f.released[h.id] = true
}

func (f *Fake) DestroyPort(p Port) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.ports, p.id)
	delete(f.subs, p.id)
}

// Connect delivers a synthetic first-match notification for the given
// device ID on port, as the real registry would when a device attaches.
func (f *Fake) Connect(portID string, id string) error {
	f.mu.Lock()
	subs := append([]*fakeSub(nil), f.subs[portID]...)
	f.mu.Unlock()
	found := false
	for _, s := range subs {
		if s.kind == NotificationFirstMatch {
			found = true
			s.callback(NewHandle(id))
		}
	}
	if !found {
		return errors.Newf("no first-match subscription on port %s", portID)
	}
	return nil
}

// Disconnect delivers a synthetic terminated notification.
func (f *Fake) Disconnect(portID string, id string) error {
	f.mu.Lock()
	subs := append([]*fakeSub(nil), f.subs[portID]...)
	f.mu.Unlock()
	found := false
	for _, s := range subs {
		if s.kind == NotificationTerminated {
			found = true
			s.callback(NewHandle(id))
		}
	}
	if !found {
		return errors.Newf("no terminated subscription on port %s", portID)
	}
	return nil
}

type sliceIterator struct {
	ids []string
	pos int
}

func (it *sliceIterator) Next() (Handle, bool) {
	if it.pos >= len(it.ids) {
		return Handle{}, false
	}
	id := it.ids[it.pos]
	it.pos++
	return NewHandle(id), true
}
