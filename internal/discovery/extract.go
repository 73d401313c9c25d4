// SPDX-License-Identifier: GPL-2.0-only

package discovery

import (
	"strconv"

	"github.com/usbip-hostagent/deviceplane/internal/registry"
	"github.com/usbip-hostagent/deviceplane/internal/usberr"
)

// extractDevice builds a UsbDevice from a registry handle per spec §4.3's
// property extraction table. A missing required property (idVendor,
// idProduct, locationID) fails only this device with MissingProperty; a
// missing optional property falls back to its documented default.
func extractDevice(reg registry.Capability, h registry.Handle) (UsbDevice, error) {
	vendor, ok := reg.ReadProperty(h, registry.PropVendorID)
	if !ok || vendor.Kind != registry.ValueKindUint16 {
		return UsbDevice{}, usberr.MissingProperty(registry.PropVendorID, usberr.Context{Operation: "enumerate"})
	}
	product, ok := reg.ReadProperty(h, registry.PropProductID)
	if !ok || product.Kind != registry.ValueKindUint16 {
		return UsbDevice{}, usberr.MissingProperty(registry.PropProductID, usberr.Context{Operation: "enumerate"})
	}
	location, ok := reg.ReadProperty(h, registry.PropLocationID)
	if !ok || location.Kind != registry.ValueKindUint32 {
		return UsbDevice{}, usberr.MissingProperty(registry.PropLocationID, usberr.Context{Operation: "enumerate"})
	}

	busID, deviceID := deriveIdentity(location.U32)

	d := UsbDevice{
		BusID:     busID,
		DeviceID:  deviceID,
		VendorID:  vendor.U16,
		ProductID: product.U16,
		Speed:     SpeedUnknown,
	}

	if v, ok := reg.ReadProperty(h, registry.PropDeviceClass); ok && v.Kind == registry.ValueKindUint8 {
		d.DeviceClass = v.U8
	}
	if v, ok := reg.ReadProperty(h, registry.PropDeviceSubClass); ok && v.Kind == registry.ValueKindUint8 {
		d.DeviceSubClass = v.U8
	}
	if v, ok := reg.ReadProperty(h, registry.PropDeviceProtocol); ok && v.Kind == registry.ValueKindUint8 {
		d.DeviceProtocol = v.U8
	}
	if v, ok := reg.ReadProperty(h, registry.PropDeviceSpeed); ok && v.Kind == registry.ValueKindUint32 {
		d.Speed = speedFromCode(v.U32)
	}
	if v, ok := reg.ReadProperty(h, registry.PropVendorName); ok && v.Kind == registry.ValueKindString {
		d.Manufacturer = &v.Str
	}
	if v, ok := reg.ReadProperty(h, registry.PropProductName); ok && v.Kind == registry.ValueKindString {
		d.Product = &v.Str
	}
	if v, ok := reg.ReadProperty(h, registry.PropSerialNumber); ok && v.Kind == registry.ValueKindString {
		d.Serial = &v.Str
	}
	return d, nil
}

// deriveIdentity splits a locationID into decimal bus_id/device_id strings
// per spec §4.3: bus_id = decimal(bits 31..24), device_id = decimal(bits
// 23..16); the lower 16 bits are ignored.
func deriveIdentity(locationID uint32) (busID, deviceID string) {
	bus := (locationID >> 24) & 0xFF
	dev := (locationID >> 16) & 0xFF
	return strconv.FormatUint(uint64(bus), 10), strconv.FormatUint(uint64(dev), 10)
}
