// SPDX-License-Identifier: GPL-2.0-only

package registry

import (
	"bytes"
	"strings"
	"sync"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sys/unix"
)

// NetlinkEventSource reads kernel kobject uevents off an
// AF_NETLINK/NETLINK_KOBJECT_UEVENT socket and translates "add"/"remove"
// actions on usb/usb_device subsystem entries into Events. No pack library
// covers Linux netlink uevent monitoring at this level, so this one
// component reaches past the dependency pack to golang.org/x/sys/unix,
// exactly as it would for any raw syscall need (see DESIGN.md).
type NetlinkEventSource struct {
	logger log.Logger

	mu     sync.Mutex
	fd     int
	closed bool
}

// NewNetlinkEventSource opens the netlink socket. Call Start to begin
// delivering events and its returned stop func to close the socket.
func NewNetlinkEventSource(logger log.Logger) (*NetlinkEventSource, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open netlink uevent socket")
	}
	addr := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: 1}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "failed to bind netlink uevent socket")
	}
	return &NetlinkEventSource{logger: logger, fd: fd}, nil
}

func (n *NetlinkEventSource) Start(deliver func(Event)) (stop func()) {
	go n.readLoop(deliver)
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if !n.closed {
			unix.Close(n.fd)
			n.closed = true
		}
	}
}

func (n *NetlinkEventSource) readLoop(deliver func(Event)) {
	buf := make([]byte, 4096)
	for {
		count, _, err := unix.Recvfrom(n.fd, buf, 0)
		if err != nil {
			n.mu.Lock()
			closed := n.closed
			n.mu.Unlock()
			if closed {
				return
			}
			level.Warn(n.logger).Log("msg", "netlink uevent read failed", "err", err)
			return
		}
		if ev, ok := parseUevent(buf[:count]); ok {
			deliver(ev)
		}
	}
}

// parseUevent extracts an Event from a raw kobject uevent datagram of the
// form "add@/devices/.../usb1/1-2\0ACTION=add\0DEVPATH=...\0SUBSYSTEM=usb\0..."
func parseUevent(raw []byte) (Event, bool) {
	fields := bytes.Split(raw, []byte{0})
	var action, devpath, subsystem string
	for _, f := range fields {
		s := string(f)
		switch {
		case strings.HasPrefix(s, "ACTION="):
			action = strings.TrimPrefix(s, "ACTION=")
		case strings.HasPrefix(s, "DEVPATH="):
			devpath = strings.TrimPrefix(s, "DEVPATH=")
		case strings.HasPrefix(s, "SUBSYSTEM="):
			subsystem = strings.TrimPrefix(s, "SUBSYSTEM=")
		}
	}
	if subsystem != "usb" {
		return Event{}, false
	}
	busID := devpath[strings.LastIndex(devpath, "/")+1:]
	if strings.Contains(busID, ":") {
		return Event{}, false // interface sub-node, not a device
	}
	switch action {
	case "add":
		return Event{Action: EventActionAdd, DeviceID: busID}, true
	case "remove":
		return Event{Action: EventActionRemove, DeviceID: busID}, true
	default:
		return Event{}, false
	}
}
