// SPDX-License-Identifier: GPL-2.0-only

package registry

// EventAction distinguishes a device arriving from a device departing, as
// reported by the underlying notification transport (a netlink uevent, a
// polled directory diff, ...).
type EventAction int

const (
	EventActionAdd EventAction = iota
	EventActionRemove
)

// Event is one raw add/remove notification, keyed by the same identity
// string a Capability uses for Handle (e.g. a sysfs bus-id like "1-2").
type Event struct {
	Action   EventAction
	DeviceID string
}

// EventSource is the pluggable notification transport behind
// SysfsCapability.Subscribe. Start begins delivering events to deliver and
// returns a stop function; it must be safe to call Start more than once on
// the same EventSource only if the implementation documents that it is.
type EventSource interface {
	Start(deliver func(Event)) (stop func())
}

// StaticEventSource never delivers anything; it is the zero value used
// when a caller only needs the already-connected drain (e.g. a one-shot
// Discover call) and has no live notification transport wired up.
type StaticEventSource struct{}

func (StaticEventSource) Start(deliver func(Event)) (stop func()) {
	return func() {}
}
