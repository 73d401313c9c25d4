// SPDX-License-Identifier: GPL-2.0-only

package discovery

import (
	"context"
	"sync"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"github.com/usbip-hostagent/deviceplane/internal/registry"
	"github.com/usbip-hostagent/deviceplane/internal/usberr"
)

// drainConcurrency bounds the already-connected drain's fan-out so a slow
// or wedged device cannot stall the seeding of the rest (SPEC_FULL.md §5).
const drainConcurrency = 8

// Discovery is C3: enumeration, the short-TTL device-list cache, and the
// notification loop that seeds C4's KnownSet.
type Discovery struct {
	reg     registry.Capability
	cache   *Cache
	retrier *Retrier
	logger  log.Logger

	onConnected    func(UsbDevice)
	onDisconnected func(UsbDevice)

	mu             sync.Mutex
	monitoring     bool
	port           registry.Port
	firstMatchIter registry.Iterator
	terminatedIter registry.Iterator

	// handleMu guards handleDevice separately from mu: notification
	// callbacks (handleConnected/handleTerminated) run concurrently with,
	// and are fanned out from inside, StartNotifications's drain while mu
	// is held for the monitoring-state transition.
	handleMu sync.Mutex
	// handleDevice keys a connected device's record by the stable registry
	// handle identity it was discovered under, so a later terminated
	// notification for the same handle can recover the device record
	// without a doomed property read on an already-detached device
	// (spec §9's recommended improvement over the dropped-event original).
	handleDevice map[string]UsbDevice
}

// New constructs a Discovery over the given capability, cache, and retrier.
// logger may be nil.
func New(reg registry.Capability, cache *Cache, retrier *Retrier, logger log.Logger) *Discovery {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Discovery{
		reg:          reg,
		cache:        cache,
		retrier:      retrier,
		logger:       logger,
		handleDevice: make(map[string]UsbDevice),
	}
}

// SetCallbacks registers the connect/disconnect callbacks invoked from the
// notification path. Must be called before StartNotifications.
func (d *Discovery) SetCallbacks(onConnected, onDisconnected func(UsbDevice)) {
	d.onConnected = onConnected
	d.onDisconnected = onDisconnected
}

// Discover returns all currently-attached devices, per spec §4.3: a cache
// hit (age < TTL) returns the cached vector, a miss performs a full
// enumeration under retry policy and repopulates the cache.
func (d *Discovery) Discover() ([]UsbDevice, error) {
	if snap, ok := d.cache.Snapshot(); ok {
		return snap, nil
	}
	var devices []UsbDevice
	err := d.retrier.Do("enumerate", func(attempt int) error {
		var err error
		devices, err = d.enumerate()
		return err
	})
	if err != nil {
		return nil, err
	}
	d.cache.Replace(devices)
	return devices, nil
}

// Lookup consults the connect-cache maintained by the notification path; on
// miss it falls back to Discover and filters, per spec §4.3.
func (d *Discovery) Lookup(busID, deviceID string) (UsbDevice, bool) {
	if dev, ok := d.cache.Lookup(busID, deviceID); ok {
		return dev, true
	}
	devices, err := d.Discover()
	if err != nil {
		return UsbDevice{}, false
	}
	for _, dev := range devices {
		if dev.BusID == busID && dev.DeviceID == deviceID {
			return dev, true
		}
	}
	return UsbDevice{}, false
}

// enumerate implements spec §4.3's enumeration algorithm: build the
// matching dictionary, request the iterator, extract properties per
// service handle (skip-and-log on a per-device error), release every
// handle on the way out. A later-enumerated device wins on a (bus_id,
// device_id) collision, with a warning logged.
func (d *Discovery) enumerate() ([]UsbDevice, error) {
	dict := d.reg.MatchingQuery(registry.USBDeviceClassName)
	it, err := d.reg.ServicesMatching(dict)
	if err != nil {
		// A *usberr.Error propagates unwrapped so Retrier.Do's type check
		// can see it directly; anything else gets context via errors.Wrap.
		if _, ok := err.(*usberr.Error); ok {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to enumerate usb devices")
	}

	byIdentity := make(map[string]UsbDevice)
	for {
		h, ok := it.Next()
		if !ok {
			break
		}
		dev, extractErr := extractDevice(d.reg, h)
		d.reg.Release(h)
		if extractErr != nil {
			_ = level.Warn(d.logger).Log("msg", "skipping device with unreadable property", "err", extractErr)
			continue
		}
		identity := dev.Identity()
		if _, collide := byIdentity[identity]; collide {
			_ = level.Warn(d.logger).Log("msg", "duplicate bus_id/device_id; later enumeration wins", "identity", identity)
		}
		byIdentity[identity] = dev
	}

	out := make([]UsbDevice, 0, len(byIdentity))
	for _, dev := range byIdentity {
		out = append(out, dev)
	}
	return out, nil
}

// StartNotifications is idempotent. It creates a notification port, binds
// it to the component's dispatch queue, registers first-match and
// terminated subscriptions, drains both iterators to seed the connect
// cache with already-attached devices, and marks the component
// monitoring. Any step failing releases everything already acquired
// (spec §4.3's atomic-failure requirement).
func (d *Discovery) StartNotifications() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.monitoring {
		return nil
	}

	port, err := d.reg.CreateNotificationPort()
	if err != nil {
		return errors.Wrap(err, "failed to create notification port")
	}
	d.reg.BindPortToDispatch(port, "discovery")

	dict := d.reg.MatchingQuery(registry.USBDeviceClassName)
	firstIter, err := d.reg.Subscribe(port, registry.NotificationFirstMatch, dict, d.handleConnected)
	if err != nil {
		d.reg.DestroyPort(port)
		return errors.Wrap(err, "failed to subscribe to first-match notifications")
	}
	termIter, err := d.reg.Subscribe(port, registry.NotificationTerminated, dict, d.handleTerminated)
	if err != nil {
		d.drainDiscard(firstIter)
		d.reg.DestroyPort(port)
		return errors.Wrap(err, "failed to subscribe to terminated notifications")
	}

	seeded := d.drain(firstIter, d.handleConnected)
	d.drainDiscard(termIter)

	d.port = port
	d.firstMatchIter = firstIter
	d.terminatedIter = termIter
	d.monitoring = true

	_ = level.Info(d.logger).Log("msg", "discovery notifications started", "seeded_devices", seeded)
	return nil
}

// drain consumes every handle from it, invoking handle for each one, bounded
// by drainConcurrency so one slow device cannot stall the rest. It returns
// the number of handles drained.
func (d *Discovery) drain(it registry.Iterator, handle func(registry.Handle)) int {
	var handles []registry.Handle
	for {
		h, ok := it.Next()
		if !ok {
			break
		}
		handles = append(handles, h)
	}

	g, _ := errgroup.WithContext(context.Background())
	g.SetLimit(drainConcurrency)
	for _, h := range handles {
		h := h
		g.Go(func() error {
			handle(h)
			return nil
		})
	}
	_ = g.Wait()
	return len(handles)
}

// drainDiscard consumes and discards every handle from it (the terminated
// iterator should be empty at startup, per spec §4.3).
func (d *Discovery) drainDiscard(it registry.Iterator) {
	for {
		h, ok := it.Next()
		if !ok {
			break
		}
		d.reg.Release(h)
	}
}

// handleConnected is the first-match notification callback: extract the
// device, seed the connect cache and the handle->device map, and fire
// on_connected. Never re-entrant within the same device identity because
// it is only ever invoked from the drain or from the capability's own
// serialized delivery.
func (d *Discovery) handleConnected(h registry.Handle) {
	dev, err := extractDevice(d.reg, h)
	if err != nil {
		_ = level.Warn(d.logger).Log("msg", "skipping connected device with unreadable property", "err", err)
		d.reg.Release(h)
		return
	}
	d.cache.Put(dev)

	d.handleMu.Lock()
	d.handleDevice[h.String()] = dev
	d.handleMu.Unlock()

	d.reg.Release(h)
	if d.onConnected != nil {
		d.onConnected(dev)
	}
}

// handleTerminated is the terminated notification callback. It recovers
// the device record from handleDevice by handle identity rather than
// attempting a property read on an already-detached device (spec §9).
func (d *Discovery) handleTerminated(h registry.Handle) {
	d.handleMu.Lock()
	dev, ok := d.handleDevice[h.String()]
	if ok {
		delete(d.handleDevice, h.String())
	}
	d.handleMu.Unlock()

	d.reg.Release(h)
	if !ok {
		_ = level.Warn(d.logger).Log("msg", "terminated notification for unknown handle", "handle", h.String())
		return
	}
	d.cache.Remove(dev.BusID, dev.DeviceID)
	if d.onDisconnected != nil {
		d.onDisconnected(dev)
	}
}

// StopNotifications is idempotent: releases both iterators, destroys the
// port, clears the connect cache, and marks not monitoring.
func (d *Discovery) StopNotifications() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.monitoring {
		return
	}
	d.reg.DestroyPort(d.port)
	d.port = registry.Port{}
	d.firstMatchIter = nil
	d.terminatedIter = nil
	d.monitoring = false

	d.handleMu.Lock()
	d.handleDevice = make(map[string]UsbDevice)
	d.handleMu.Unlock()

	d.cache.Clear()
}

// VerifyCleanup asserts spec §4.3's four-resource post-condition: the
// monitoring flag, the port, and both iterators are cleared. Exported so
// callers (and this module's own tests) can check it directly, per
// SPEC_FULL.md §9's supplemented feature.
func (d *Discovery) VerifyCleanup() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.monitoring {
		return errors.New("verify_cleanup: monitoring flag still set")
	}
	if !d.port.IsZero() {
		return errors.New("verify_cleanup: port not cleared")
	}
	if d.firstMatchIter != nil {
		return errors.New("verify_cleanup: first-match iterator not cleared")
	}
	if d.terminatedIter != nil {
		return errors.New("verify_cleanup: terminated iterator not cleared")
	}
	return nil
}
