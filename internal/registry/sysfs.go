// SPDX-License-Identifier: GPL-2.0-only

package registry

import (
	"fmt"
	"io/fs"
	"path"
	"strings"
	"sync"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
)

// SysfsCapability implements Capability over a Linux-style USB sysfs tree
// (/sys/bus/usb/devices/<busid>/<attr>), the same attribute-per-file shape
// the teacher's sysfsVHCIDriver reads for the VHCI controller. fsys is
// injected for testability, exactly as driver/sysfs.go does.
type SysfsCapability struct {
	fsys   fs.FS
	events EventSource
	logger log.Logger

	mu    sync.Mutex
	ports map[string]*portState
}

type portState struct {
	subs   []*sysfsSub
	cancel func()
}

type sysfsSub struct {
	kind     NotificationKind
	dict     MatchDict
	callback func(Handle)
}

const usbDevicesDir = "bus/usb/devices"

// NewSysfsCapability constructs a SysfsCapability rooted at fsys (pass
// os.DirFS("/sys") in production, a fstest.MapFS in tests).
func NewSysfsCapability(fsys fs.FS, events EventSource, logger log.Logger) *SysfsCapability {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &SysfsCapability{
		fsys:   fsys,
		events: events,
		logger: logger,
		ports:  make(map[string]*portState),
	}
}

func (c *SysfsCapability) MatchingQuery(className string) MatchDict {
	return MatchDict{"class": className}
}

// ServicesMatching lists every top-level entry under bus/usb/devices that
// looks like a device (not an interface sub-node, which sysfs names
// "<busid>:<config>.<iface>").
func (c *SysfsCapability) ServicesMatching(dict MatchDict) (Iterator, error) {
	entries, err := fs.ReadDir(c.fsys, usbDevicesDir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read usb devices directory")
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if strings.Contains(name, ":") {
			continue // interface sub-node, not a device
		}
		if strings.HasPrefix(name, "usb") {
			continue // root hub pseudo-device
		}
		ids = append(ids, name)
	}
	return &sliceIterator{ids: ids}, nil
}

func (c *SysfsCapability) devicePath(id string) string {
	return path.Join(usbDevicesDir, id)
}

func (c *SysfsCapability) readAttr(id, attr string) (string, error) {
	content, err := fs.ReadFile(c.fsys, path.Join(c.devicePath(id), attr))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(content)), nil
}

func (c *SysfsCapability) readHex32(id, attr string) (uint32, bool) {
	s, err := c.readAttr(id, attr)
	if err != nil {
		return 0, false
	}
	var v uint32
	if _, err := fmt.Sscanf(s, "%x", &v); err != nil {
		return 0, false
	}
	return v, true
}

func (c *SysfsCapability) readDecimal32(id, attr string) (uint32, bool) {
	s, err := c.readAttr(id, attr)
	if err != nil {
		return 0, false
	}
	var v uint32
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return 0, false
	}
	return v, true
}

// ReadProperty translates spec's canonical property names into this
// implementation's sysfs attribute names, and never attempts implicit
// coercion across ValueKinds (spec §9).
func (c *SysfsCapability) ReadProperty(h Handle, key string) (Value, bool) {
	id := h.id
	switch key {
	case PropVendorID:
		v, ok := c.readHex32(id, "idVendor")
		if !ok || v > 0xFFFF {
			return Value{}, false
		}
		return Value{Kind: ValueKindUint16, U16: uint16(v)}, true
	case PropProductID:
		v, ok := c.readHex32(id, "idProduct")
		if !ok || v > 0xFFFF {
			return Value{}, false
		}
		return Value{Kind: ValueKindUint16, U16: uint16(v)}, true
	case PropLocationID:
		bus, ok1 := c.readDecimal32(id, "busnum")
		dev, ok2 := c.readDecimal32(id, "devnum")
		if !ok1 || !ok2 || bus > 0xFF || dev > 0xFF {
			return Value{}, false
		}
		return Value{Kind: ValueKindUint32, U32: (bus << 24) | (dev << 16)}, true
	case PropDeviceClass:
		v, ok := c.readHex32(id, "bDeviceClass")
		if !ok || v > 0xFF {
			return Value{}, false
		}
		return Value{Kind: ValueKindUint8, U8: uint8(v)}, true
	case PropDeviceSubClass:
		v, ok := c.readHex32(id, "bDeviceSubClass")
		if !ok || v > 0xFF {
			return Value{}, false
		}
		return Value{Kind: ValueKindUint8, U8: uint8(v)}, true
	case PropDeviceProtocol:
		v, ok := c.readHex32(id, "bDeviceProtocol")
		if !ok || v > 0xFF {
			return Value{}, false
		}
		return Value{Kind: ValueKindUint8, U8: uint8(v)}, true
	case PropDeviceSpeed:
		s, err := c.readAttr(id, "speed")
		if err != nil {
			return Value{}, false
		}
		return Value{Kind: ValueKindUint32, U32: sysfsSpeedCode(s)}, true
	case PropVendorName:
		s, err := c.readAttr(id, "manufacturer")
		if err != nil {
			return Value{}, false
		}
		return Value{Kind: ValueKindString, Str: s}, true
	case PropProductName:
		s, err := c.readAttr(id, "product")
		if err != nil {
			return Value{}, false
		}
		return Value{Kind: ValueKindString, Str: s}, true
	case PropSerialNumber:
		s, err := c.readAttr(id, "serial")
		if err != nil {
			return Value{}, false
		}
		return Value{Kind: ValueKindString, Str: s}, true
	default:
		return Value{}, false
	}
}

// sysfsSpeedCode maps the Linux sysfs "speed" attribute's string values
// onto the same 0/1/2/3/other convention spec §4.3 defines for macOS's
// numeric "Device Speed" property, so Discovery's mapping table stays
// identical regardless of which Capability answered it.
func sysfsSpeedCode(s string) uint32 {
	switch s {
	case "1.5":
		return 0 // low
	case "12":
		return 1 // full
	case "480":
		return 2 // high
	case "5000", "10000", "20000":
		return 3 // super (and super-speed-plus variants)
	default:
		return 0xFFFFFFFF // unknown
	}
}

func (c *SysfsCapability) CreateNotificationPort() (Port, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := fmt.Sprintf("port-%d", len(c.ports)+1)
	c.ports[id] = &portState{}
	return NewPort(id), nil
}

func (c *SysfsCapability) BindPortToDispatch(p Port, queueName string) {
	// Dispatch binding on Linux is implicit: the event-source goroutine
	// that Subscribe starts below delivers callbacks directly. The method
	// exists to keep the Capability surface identical across platforms.
}

// Subscribe starts (on first call per port) a goroutine reading add/remove
// events from events and dispatching them to matching subscriptions. It
// returns an iterator over devices already present, satisfying spec
// §4.3's already-connected drain for NotificationFirstMatch; the
// NotificationTerminated iterator is always empty, per spec.
func (c *SysfsCapability) Subscribe(p Port, kind NotificationKind, dict MatchDict, callback func(Handle)) (Iterator, error) {
	c.mu.Lock()
	state, ok := c.ports[p.id]
	if !ok {
		c.mu.Unlock()
		return nil, errors.Newf("unknown port %s", p.id)
	}
	sub := &sysfsSub{kind: kind, dict: dict, callback: callback}
	state.subs = append(state.subs, sub)
	starting := state.cancel == nil
	if starting && c.events != nil {
		stop := c.events.Start(func(ev Event) {
			c.dispatch(p.id, ev)
		})
		state.cancel = stop
	}
	c.mu.Unlock()

	if kind == NotificationTerminated {
		return &sliceIterator{}, nil
	}
	return c.ServicesMatching(dict)
}

func (c *SysfsCapability) dispatch(portID string, ev Event) {
	c.mu.Lock()
	state, ok := c.ports[portID]
	var subs []*sysfsSub
	if ok {
		subs = append(subs, state.subs...)
	}
	c.mu.Unlock()

	wantKind := NotificationFirstMatch
	if ev.Action == EventActionRemove {
		wantKind = NotificationTerminated
	}
	for _, s := range subs {
		if s.kind == wantKind {
			s.callback(NewHandle(ev.DeviceID))
		}
	}
}

func (c *SysfsCapability) Release(h Handle) {
	// Sysfs handles are plain path identifiers with no kernel-side resource
	// to free; Release exists to satisfy the Capability contract and to
	// give tests a conservation count to check via a wrapping Fake-style
	// counter where needed.
}

func (c *SysfsCapability) DestroyPort(p Port) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if state, ok := c.ports[p.id]; ok {
		if state.cancel != nil {
			state.cancel()
		}
		delete(c.ports, p.id)
	}
}
