package registry

import (
	"testing"
	"testing/fstest"
)

func twoDeviceFS() fstest.MapFS {
	return fstest.MapFS{
		"bus/usb/devices/2-1/idVendor":             {Data: []byte("dead\n")},
		"bus/usb/devices/2-1/idProduct":            {Data: []byte("beef\n")},
		"bus/usb/devices/2-1/busnum":               {Data: []byte("2\n")},
		"bus/usb/devices/2-1/devnum":               {Data: []byte("33\n")},
		"bus/usb/devices/2-1/bDeviceClass":         {Data: []byte("00\n")},
		"bus/usb/devices/2-1/speed":                {Data: []byte("480\n")},
		"bus/usb/devices/2-1/manufacturer":         {Data: []byte("Acme Corp\n")},
		"bus/usb/devices/2-1/product":              {Data: []byte("Widget\n")},
		"bus/usb/devices/2-1/serial":                {Data: []byte("SN001\n")},
		"bus/usb/devices/2-1:1.0/bInterfaceClass":  {Data: []byte("03\n")},
		"bus/usb/devices/2-2/idVendor":             {Data: []byte("cafe\n")},
		"bus/usb/devices/2-2/idProduct":            {Data: []byte("f00d\n")},
		"bus/usb/devices/2-2/busnum":               {Data: []byte("2\n")},
		"bus/usb/devices/2-2/devnum":               {Data: []byte("34\n")},
		"bus/usb/devices/2-2/speed":                {Data: []byte("5000\n")},
	}
}

func TestServicesMatchingListsDevicesOnly(t *testing.T) {
	c := NewSysfsCapability(twoDeviceFS(), StaticEventSource{}, nil)
	it, err := c.ServicesMatching(c.MatchingQuery(USBDeviceClassName))
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for {
		h, ok := it.Next()
		if !ok {
			break
		}
		ids = append(ids, h.String())
	}
	if len(ids) != 2 {
		t.Fatalf("got %d devices; want 2 (interface sub-node must be excluded): %v", len(ids), ids)
	}
}

func TestReadPropertyTranslatesSysfsAttributes(t *testing.T) {
	c := NewSysfsCapability(twoDeviceFS(), StaticEventSource{}, nil)
	h := NewHandle("2-1")

	vendor, ok := c.ReadProperty(h, PropVendorID)
	if !ok || vendor.U16 != 0xdead {
		t.Errorf("PropVendorID = %+v, ok=%v; want 0xdead", vendor, ok)
	}
	product, ok := c.ReadProperty(h, PropProductID)
	if !ok || product.U16 != 0xbeef {
		t.Errorf("PropProductID = %+v, ok=%v; want 0xbeef", product, ok)
	}
	loc, ok := c.ReadProperty(h, PropLocationID)
	if !ok || loc.U32 != (2<<24)|(33<<16) {
		t.Errorf("PropLocationID = 0x%x, ok=%v; want 0x%x", loc.U32, ok, (2<<24)|(33<<16))
	}
	speed, ok := c.ReadProperty(h, PropDeviceSpeed)
	if !ok || speed.U32 != 2 {
		t.Errorf("PropDeviceSpeed = %v, ok=%v; want 2 (high)", speed.U32, ok)
	}
	vendorName, ok := c.ReadProperty(h, PropVendorName)
	if !ok || vendorName.Str != "Acme Corp" {
		t.Errorf("PropVendorName = %q, ok=%v; want %q", vendorName.Str, ok, "Acme Corp")
	}
}

func TestReadPropertyMissingAttributeIsAbsent(t *testing.T) {
	c := NewSysfsCapability(twoDeviceFS(), StaticEventSource{}, nil)
	// 2-2 has no manufacturer/product/serial/bDeviceClass files scripted.
	_, ok := c.ReadProperty(NewHandle("2-2"), PropVendorName)
	if ok {
		t.Error("expected PropVendorName to be absent for 2-2")
	}
}

func TestSuperSpeedMapsToCode3(t *testing.T) {
	c := NewSysfsCapability(twoDeviceFS(), StaticEventSource{}, nil)
	speed, ok := c.ReadProperty(NewHandle("2-2"), PropDeviceSpeed)
	if !ok || speed.U32 != 3 {
		t.Errorf("PropDeviceSpeed(2-2) = %v, ok=%v; want 3 (super)", speed.U32, ok)
	}
}

type scriptedEventSource struct {
	deliver func(Event)
}

func (s *scriptedEventSource) Start(deliver func(Event)) (stop func()) {
	s.deliver = deliver
	return func() {}
}

func (s *scriptedEventSource) fire(ev Event) {
	if s.deliver != nil {
		s.deliver(ev)
	}
}

func TestSubscribeDeliversAlreadyConnectedDevices(t *testing.T) {
	c := NewSysfsCapability(twoDeviceFS(), StaticEventSource{}, nil)
	port, err := c.CreateNotificationPort()
	if err != nil {
		t.Fatal(err)
	}
	it, err := c.Subscribe(port, NotificationFirstMatch, nil, func(h Handle) {})
	if err != nil {
		t.Fatal(err)
	}
	var drained []string
	for {
		h, ok := it.Next()
		if !ok {
			break
		}
		drained = append(drained, h.String())
	}
	if len(drained) != 2 {
		t.Fatalf("already-connected drain yielded %d handles; want 2", len(drained))
	}
}

func TestSubscribeDispatchesAddAndRemove(t *testing.T) {
	src := &scriptedEventSource{}
	c := NewSysfsCapability(twoDeviceFS(), src, nil)
	port, err := c.CreateNotificationPort()
	if err != nil {
		t.Fatal(err)
	}

	var attached, detached []string
	if _, err := c.Subscribe(port, NotificationFirstMatch, nil, func(h Handle) {
		attached = append(attached, h.String())
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Subscribe(port, NotificationTerminated, nil, func(h Handle) {
		detached = append(detached, h.String())
	}); err != nil {
		t.Fatal(err)
	}

	src.fire(Event{Action: EventActionAdd, DeviceID: "2-3"})
	src.fire(Event{Action: EventActionRemove, DeviceID: "2-1"})

	if got := len(attached); got != 1 {
		t.Errorf("attached callbacks fired %d times; want 1 (seeded devices come through the returned iterator, not the callback)", got)
	}
	if len(detached) != 1 || detached[0] != "2-1" {
		t.Errorf("detached = %v; want [2-1]", detached)
	}
}

func TestDestroyPortStopsDelivery(t *testing.T) {
	src := &scriptedEventSource{}
	c := NewSysfsCapability(twoDeviceFS(), src, nil)
	port, err := c.CreateNotificationPort()
	if err != nil {
		t.Fatal(err)
	}
	var count int
	if _, err := c.Subscribe(port, NotificationFirstMatch, nil, func(h Handle) {
		count++
	}); err != nil {
		t.Fatal(err)
	}
	c.DestroyPort(port)
	seededCount := count
	src.fire(Event{Action: EventActionAdd, DeviceID: "2-10"})
	if count != seededCount {
		t.Errorf("events delivered after DestroyPort: count went from %d to %d", seededCount, count)
	}
}
