// SPDX-License-Identifier: GPL-2.0-only

package registry

// Property key names, matching the vocabulary spec §4.3 mandates for
// property extraction. Discovery always asks for these names regardless of
// which Capability implementation answers; a concrete implementation (e.g.
// SysfsCapability on Linux) is responsible for translating them into its
// own host-registry attribute names.
const (
	PropVendorID       = "idVendor"
	PropProductID      = "idProduct"
	PropLocationID     = "locationID"
	PropDeviceClass    = "bDeviceClass"
	PropDeviceSubClass = "bDeviceSubClass"
	PropDeviceProtocol = "bDeviceProtocol"
	PropDeviceSpeed    = "Device Speed"
	PropVendorName     = "USB Vendor Name"
	PropProductName    = "USB Product Name"
	PropSerialNumber   = "USB Serial Number"
)

// USBDeviceClassName is the matching-dictionary class name Discovery asks
// for (spec §4.3's "IOUSBDevice").
const USBDeviceClassName = "IOUSBDevice"
