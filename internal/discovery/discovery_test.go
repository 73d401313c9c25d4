package discovery

import (
	"testing"
	"time"

	"github.com/usbip-hostagent/deviceplane/internal/clock"
	"github.com/usbip-hostagent/deviceplane/internal/registry"
	"github.com/usbip-hostagent/deviceplane/internal/usberr"
)

func fakeDevice(id string, vendor, product uint16, location uint32) *registry.FakeDevice {
	return &registry.FakeDevice{
		ID: id,
		Properties: map[string]registry.Value{
			registry.PropVendorID:   {Kind: registry.ValueKindUint16, U16: vendor},
			registry.PropProductID:  {Kind: registry.ValueKindUint16, U16: product},
			registry.PropLocationID: {Kind: registry.ValueKindUint32, U32: location},
		},
	}
}

func newTestDiscovery(reg registry.Capability) *Discovery {
	clk := clock.Real{}
	cache := NewCache(clk, time.Second)
	retrier := NewRetrier(DefaultRetryPolicy(), clk, nil)
	return New(reg, cache, retrier, nil)
}

// Scenario 1: boot with two devices present.
func TestBootWithTwoDevicesPresent(t *testing.T) {
	fake := registry.NewFake()
	fake.AddDevice(fakeDevice("a", 0x05ac, 0x024f, 0x14100000))
	fake.AddDevice(fakeDevice("b", 0x046d, 0xc31c, 0x14200000))

	d := newTestDiscovery(fake)
	var connected []UsbDevice
	d.SetCallbacks(func(dev UsbDevice) { connected = append(connected, dev) }, func(UsbDevice) {})

	if err := d.StartNotifications(); err != nil {
		t.Fatalf("StartNotifications: %v", err)
	}
	if len(connected) != 2 {
		t.Fatalf("got %d Connected events; want 2 (seed-via-drain)", len(connected))
	}

	byID := map[string]UsbDevice{}
	for _, dev := range connected {
		byID[dev.Identity()] = dev
	}
	if _, ok := byID["20:16"]; !ok {
		t.Errorf("expected device 20:16 among connected: %+v", connected)
	}
	if _, ok := byID["20:32"]; !ok {
		t.Errorf("expected device 20:32 among connected: %+v", connected)
	}
}

func TestStartNotificationsIsIdempotent(t *testing.T) {
	fake := registry.NewFake()
	fake.AddDevice(fakeDevice("a", 0x05ac, 0x024f, 0x14100000))
	d := newTestDiscovery(fake)
	var count int
	d.SetCallbacks(func(UsbDevice) { count++ }, func(UsbDevice) {})

	if err := d.StartNotifications(); err != nil {
		t.Fatal(err)
	}
	if err := d.StartNotifications(); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("second StartNotifications re-seeded; got %d connected events, want 1", count)
	}
}

func TestStopNotificationsSatisfiesVerifyCleanup(t *testing.T) {
	fake := registry.NewFake()
	fake.AddDevice(fakeDevice("a", 0x05ac, 0x024f, 0x14100000))
	d := newTestDiscovery(fake)
	d.SetCallbacks(func(UsbDevice) {}, func(UsbDevice) {})

	if err := d.StartNotifications(); err != nil {
		t.Fatal(err)
	}
	d.StopNotifications()
	if err := d.VerifyCleanup(); err != nil {
		t.Errorf("VerifyCleanup after Stop: %v", err)
	}
}

func TestStopNotificationsIsIdempotent(t *testing.T) {
	fake := registry.NewFake()
	d := newTestDiscovery(fake)
	d.StopNotifications()
	d.StopNotifications()
	if err := d.VerifyCleanup(); err != nil {
		t.Errorf("VerifyCleanup: %v", err)
	}
}

// Scenario 3: hotunplug with gone-device properties.
func TestHotunplugUsesCachedRecordNotFreshPropertyRead(t *testing.T) {
	fake := registry.NewFake()
	fake.AddDevice(fakeDevice("a", 0x05ac, 0x024f, 0x0a010000))
	d := newTestDiscovery(fake)
	var disconnected []UsbDevice
	d.SetCallbacks(func(UsbDevice) {}, func(dev UsbDevice) { disconnected = append(disconnected, dev) })

	if err := d.StartNotifications(); err != nil {
		t.Fatal(err)
	}

	fake.RemoveDevice("a") // property reads on "a" now fail as if the device is gone
	if err := fake.Disconnect("port", "a"); err != nil {
		t.Fatal(err)
	}

	if len(disconnected) != 1 {
		t.Fatalf("got %d Disconnected events; want 1", len(disconnected))
	}
	if disconnected[0].BusID != "10" || disconnected[0].DeviceID != "1" {
		t.Errorf("disconnected device = %+v; want bus 10 device 1", disconnected[0])
	}
}

// Scenario 6: retry success.
func TestDiscoverRetriesOnBusyThenSucceeds(t *testing.T) {
	fake := registry.NewFake()
	fake.AddDevice(fakeDevice("a", 0x05ac, 0x024f, 0x14100000))

	busy := usberr.Simple(usberr.KindTooManyRequests, usberr.CategoryResourceShortage, usberr.CodeBusy, "busy", usberr.Context{Operation: "enumerate"})
	fake.FailNext("ServicesMatching", busy)
	fake.FailNext("ServicesMatching", busy)

	d := newTestDiscovery(fake)
	devices, err := d.Discover()
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("got %d devices; want 1", len(devices))
	}
}

func TestDiscoverPropagatesNonRetryableError(t *testing.T) {
	fake := registry.NewFake()
	notClaimed := usberr.NotClaimed("unknown", usberr.Context{Operation: "enumerate"}, usberr.CodeNotPermitted)
	fake.FailNext("ServicesMatching", notClaimed)

	d := newTestDiscovery(fake)
	_, err := d.Discover()
	if err == nil {
		t.Fatal("expected non-retryable error to propagate")
	}
}

// P1: cache freshness — a Discover within the TTL must not re-enumerate.
func TestDiscoverUsesCacheWithinTTL(t *testing.T) {
	fake := registry.NewFake()
	fake.AddDevice(fakeDevice("a", 0x05ac, 0x024f, 0x14100000))
	d := newTestDiscovery(fake)

	if _, err := d.Discover(); err != nil {
		t.Fatal(err)
	}
	fake.AddDevice(fakeDevice("b", 0x046d, 0xc31c, 0x14200000))

	devices, err := d.Discover()
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 1 {
		t.Fatalf("got %d devices from cached Discover; want 1 (cache must not see device added after the snapshot)", len(devices))
	}
}

func TestLookupFallsBackToDiscoverOnMiss(t *testing.T) {
	fake := registry.NewFake()
	fake.AddDevice(fakeDevice("a", 0x05ac, 0x024f, 0x14100000))
	d := newTestDiscovery(fake)

	dev, ok := d.Lookup("20", "16")
	if !ok {
		t.Fatal("expected lookup to fall back to discover and find the device")
	}
	if dev.VendorID != 0x05ac {
		t.Errorf("VendorID = 0x%x; want 0x05ac", dev.VendorID)
	}
}
