// SPDX-License-Identifier: GPL-2.0-only

// Package monitor implements C4: a deduplicated "known set" of attached
// devices on top of Discovery's raw connect/disconnect callbacks, and a
// DeviceEvent stream fanned out to subscribers.
package monitor

import (
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/usbip-hostagent/deviceplane/internal/clock"
	"github.com/usbip-hostagent/deviceplane/internal/discovery"
)

// EventKind distinguishes a DeviceEvent's direction.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
)

func (k EventKind) String() string {
	if k == EventConnected {
		return "connected"
	}
	return "disconnected"
}

// DeviceEvent is the higher-level notification C4 emits to subscribers.
type DeviceEvent struct {
	Kind      EventKind
	Device    discovery.UsbDevice
	Timestamp time.Time
}

// discoverer is the subset of *discovery.Discovery that Monitor depends on,
// named narrowly so tests can substitute a fake without pulling in C1.
type discoverer interface {
	Discover() ([]discovery.UsbDevice, error)
	StartNotifications() error
	StopNotifications()
	SetCallbacks(onConnected, onDisconnected func(discovery.UsbDevice))
}

// Monitor is C4. It owns Discovery (spec §9: "Monitor owns Discovery") and
// registers a pair of callbacks with it rather than Discovery ever
// reaching back into Monitor's internals.
type Monitor struct {
	disc   discoverer
	clk    clock.Clock
	logger log.Logger

	mu        sync.Mutex
	known     map[string]discovery.UsbDevice
	started   bool
	subs      []chan DeviceEvent
	knownGauge func(n int)
	eventsTotal func(kind string)
}

// New constructs a Monitor over disc. logger/clk may be nil/zero (clk
// defaults to clock.Real{}).
func New(disc discoverer, clk clock.Clock, logger log.Logger) *Monitor {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	m := &Monitor{
		disc:   disc,
		clk:    clk,
		logger: logger,
		known:  make(map[string]discovery.UsbDevice),
	}
	disc.SetCallbacks(m.onConnected, m.onDisconnected)
	return m
}

// SetMetrics wires known_devices (gauge) and device_events_total{kind}
// (counter).
func (m *Monitor) SetMetrics(knownGauge func(n int), eventsTotal func(kind string)) {
	m.knownGauge = knownGauge
	m.eventsTotal = eventsTotal
}

// Start warms Discovery's cache via Discover, then starts the notification
// loop. KnownSet is seeded by the notification drain itself (onConnected),
// not from Discover's return value: per spec §8 scenario 1, a subscriber
// attached before Start must still see a Connected event for every
// boot-present device, which only happens if the drain is what inserts them
// into KnownSet. Idempotent.
func (m *Monitor) Start() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	devices, err := m.disc.Discover()
	if err != nil {
		return err
	}

	if err := m.disc.StartNotifications(); err != nil {
		return err
	}

	m.mu.Lock()
	m.started = true
	m.mu.Unlock()

	_ = level.Info(m.logger).Log("msg", "device monitor started", "discovered_devices", len(devices))
	return nil
}

// Stop stops the notification loop and clears KnownSet. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.mu.Unlock()

	m.disc.StopNotifications()

	m.mu.Lock()
	m.known = make(map[string]discovery.UsbDevice)
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()
	m.reportKnownGauge()

	for _, ch := range subs {
		close(ch)
	}
}

// Known returns a snapshot of the current known-set values; order is
// unspecified.
func (m *Monitor) Known() []discovery.UsbDevice {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]discovery.UsbDevice, 0, len(m.known))
	for _, d := range m.known {
		out = append(out, d)
	}
	return out
}

// Subscribe returns a buffered channel of DeviceEvents. The channel is
// closed when Stop is called, following the teacher's "each subscriber
// gets a buffered channel; closing the group closes all of them" idiom.
func (m *Monitor) Subscribe() <-chan DeviceEvent {
	ch := make(chan DeviceEvent, 32)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// onConnected implements spec §4.4: if the key is absent, insert and emit
// Connected; otherwise drop (deduplication).
func (m *Monitor) onConnected(d discovery.UsbDevice) {
	identity := d.Identity()
	m.mu.Lock()
	if _, present := m.known[identity]; present {
		m.mu.Unlock()
		return
	}
	m.known[identity] = d
	m.mu.Unlock()
	m.reportKnownGauge()
	m.emit(DeviceEvent{Kind: EventConnected, Device: d, Timestamp: m.clk.Now()})
}

// onDisconnected implements spec §4.4: if the key is present, remove and
// emit Disconnected using the stored record (authoritative, since the
// fresh d may lack properties); otherwise drop.
func (m *Monitor) onDisconnected(d discovery.UsbDevice) {
	identity := d.Identity()
	m.mu.Lock()
	stored, present := m.known[identity]
	if !present {
		m.mu.Unlock()
		return
	}
	delete(m.known, identity)
	m.mu.Unlock()
	m.reportKnownGauge()
	m.emit(DeviceEvent{Kind: EventDisconnected, Device: stored, Timestamp: m.clk.Now()})
}

func (m *Monitor) emit(ev DeviceEvent) {
	if m.eventsTotal != nil {
		m.eventsTotal(ev.Kind.String())
	}
	m.mu.Lock()
	subs := append([]chan DeviceEvent(nil), m.subs...)
	m.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			_ = level.Warn(m.logger).Log("msg", "subscriber channel full; dropping event", "identity", ev.Device.Identity())
		}
	}
}

func (m *Monitor) reportKnownGauge() {
	if m.knownGauge == nil {
		return
	}
	m.mu.Lock()
	n := len(m.known)
	m.mu.Unlock()
	m.knownGauge(n)
}
