// SPDX-License-Identifier: GPL-2.0-only

package communicator

import (
	"sync"

	"github.com/usbip-hostagent/deviceplane/internal/usberr"
)

// FakeFactory is a scripted InterfaceFactory for tests. Open calls never
// touch a real USB stack; each one hands back (or fails to hand back) a
// *FakeHandle the test can script further.
type FakeFactory struct {
	mu        sync.Mutex
	handles   map[interfaceKey]*FakeHandle
	openErr   map[interfaceKey]error
	openCalls int
}

// NewFakeFactory constructs an empty FakeFactory.
func NewFakeFactory() *FakeFactory {
	return &FakeFactory{
		handles: make(map[interfaceKey]*FakeHandle),
		openErr: make(map[interfaceKey]error),
	}
}

// FailOpen scripts the next Open for (device, iface) to fail with err.
func (f *FakeFactory) FailOpen(device DeviceIdentity, iface int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openErr[interfaceKey{device, iface}] = err
}

func (f *FakeFactory) Open(device DeviceIdentity, iface int) (InterfaceHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openCalls++
	key := interfaceKey{device, iface}
	if err, ok := f.openErr[key]; ok {
		delete(f.openErr, key)
		return nil, err
	}
	h := newFakeHandle()
	f.handles[key] = h
	return h, nil
}

// OpenCalls reports how many times Open was invoked (including failed
// attempts), so tests can assert the claim check short-circuits it.
func (f *FakeFactory) OpenCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openCalls
}

// Handle returns the FakeHandle last opened for (device, iface), or nil.
func (f *FakeFactory) Handle(device DeviceIdentity, iface int) *FakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handles[interfaceKey{device, iface}]
}

// responder lets a test script a handle's reply to every transfer.
type responder func(kind TransferType, endpoint uint8) (TransferResult, error)

// FakeHandle is a scripted InterfaceHandle. With no responder set, every
// transfer blocks until CancelAll/CancelEndpoint releases it — the "fake
// interface that never replies" shape spec §8 P7 and scenario 5 need.
type FakeHandle struct {
	mu            sync.Mutex
	closed        bool
	respond       responder
	cancelEp      map[uint8]chan struct{}
	cancelAll     chan struct{}
	cancelAllHits int
	cancelEpHits  int
}

func newFakeHandle() *FakeHandle {
	return &FakeHandle{
		cancelEp:  make(map[uint8]chan struct{}),
		cancelAll: make(chan struct{}),
	}
}

// RespondWith scripts every subsequent transfer to return fn's result
// immediately instead of blocking.
func (h *FakeHandle) RespondWith(fn responder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.respond = fn
}

// IsClosed reports whether Close has been called.
func (h *FakeHandle) IsClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// CancelAllHits/CancelEndpointHits let tests assert cancellation actually
// reached the handle (spec §8 P6).
func (h *FakeHandle) CancelAllHits() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelAllHits
}

func (h *FakeHandle) CancelEndpointHits() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelEpHits
}

func (h *FakeHandle) ExecuteControl(req ControlRequest) (TransferResult, error) {
	return h.execute(TransferControl, req.Endpoint)
}

func (h *FakeHandle) ExecuteBulk(req BulkRequest) (TransferResult, error) {
	return h.execute(TransferBulk, req.Endpoint)
}

func (h *FakeHandle) ExecuteInterrupt(req BulkRequest) (TransferResult, error) {
	return h.execute(TransferInterrupt, req.Endpoint)
}

func (h *FakeHandle) ExecuteIsochronous(req IsoRequest) (TransferResult, error) {
	return h.execute(TransferIsochronous, req.Endpoint)
}

func (h *FakeHandle) execute(kind TransferType, endpoint uint8) (TransferResult, error) {
	h.mu.Lock()
	respond := h.respond
	h.mu.Unlock()
	if respond != nil {
		return respond(kind, endpoint)
	}
	return h.blockUntilCancelled(endpoint)
}

func (h *FakeHandle) blockUntilCancelled(endpoint uint8) (TransferResult, error) {
	h.mu.Lock()
	ep, ok := h.cancelEp[endpoint]
	if !ok {
		ep = make(chan struct{})
		h.cancelEp[endpoint] = ep
	}
	all := h.cancelAll
	h.mu.Unlock()

	select {
	case <-ep:
	case <-all:
	}
	ctx := usberr.Context{Operation: "transfer", Endpoint: &endpoint}
	return TransferResult{Status: StatusCancelled}, usberr.Simple(usberr.KindCancelled, usberr.CategoryUnknown, usberr.CodeAborted, "cancelled", ctx)
}

func (h *FakeHandle) CancelAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancelAllHits++
	for ep, ch := range h.cancelEp {
		close(ch)
		delete(h.cancelEp, ep)
	}
	close(h.cancelAll)
	h.cancelAll = make(chan struct{})
}

func (h *FakeHandle) CancelEndpoint(endpoint uint8) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancelEpHits++
	if ch, ok := h.cancelEp[endpoint]; ok {
		close(ch)
		delete(h.cancelEp, endpoint)
	}
}

func (h *FakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}
