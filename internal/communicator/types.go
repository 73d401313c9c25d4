// SPDX-License-Identifier: GPL-2.0-only

// Package communicator implements C5: per-device interface lifecycle and
// the four USB transfer types, enforcing the claim predicate at the
// boundary and mapping every underlying failure through usberr before it
// reaches a caller (spec §4.5).
package communicator

import "fmt"

// TransferType distinguishes the four USB transfer kinds a request can
// name, mirroring kevmo314-go-usb's TransferType enumeration but trimmed to
// the four this module executes (no TransferTypeStream; spec §4.5 names
// exactly four).
type TransferType int

const (
	TransferControl TransferType = iota
	TransferBulk
	TransferInterrupt
	TransferIsochronous
)

func (t TransferType) String() string {
	switch t {
	case TransferControl:
		return "control"
	case TransferBulk:
		return "bulk"
	case TransferInterrupt:
		return "interrupt"
	case TransferIsochronous:
		return "isochronous"
	default:
		return fmt.Sprintf("TransferType(%d)", int(t))
	}
}

// TransferStatus is the terminal outcome of a single transfer, mirroring
// kevmo314-go-usb's TransferStatus vocabulary narrowed to what spec §4.5's
// execution semantics can actually produce.
type TransferStatus int

const (
	StatusCompleted TransferStatus = iota
	StatusTimeout
	StatusCancelled
	StatusFailed
)

func (s TransferStatus) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusTimeout:
		return "timeout"
	case StatusCancelled:
		return "cancelled"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("TransferStatus(%d)", int(s))
	}
}

// DeviceIdentity is the "{bus_id}:{device_id}" key used throughout this
// module and by discovery.UsbDevice.Identity, kept as a named string rather
// than a struct so callers can pass discovery.UsbDevice.Identity() results
// directly.
type DeviceIdentity = string

// IsoPacketResult is the per-packet outcome of an isochronous transfer.
type IsoPacketResult struct {
	Length   int
	Status   TransferStatus
	Actual   int
}

// TransferResult is the uniform result of every transfer kind (spec §4.5).
type TransferResult struct {
	Status           TransferStatus
	BytesTransferred int
	Data             []byte
	IsoPacketResults []IsoPacketResult
}

// ControlSetup is the 8-byte USB control setup packet.
type ControlSetup struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// ControlRequest is a control transfer request.
type ControlRequest struct {
	Endpoint  uint8
	Setup     *ControlSetup
	Data      []byte
	TimeoutMs int
}

// BulkRequest is a bulk or interrupt transfer request (the two share a
// request shape; only the method name and validation differ per spec
// §4.5's table).
type BulkRequest struct {
	Endpoint  uint8
	Data      []byte
	TimeoutMs int
}

// IsoRequest is an isochronous transfer request.
type IsoRequest struct {
	Endpoint        uint8
	Data            []byte
	NumberOfPackets int
	TimeoutMs       int
}

// ClaimOracle answers whether the privileged claim helper currently
// considers a device claimed by this host. Consumed as an interface per
// SPEC_FULL.md §7; claim.Static and claim.GRPCOracle are the two shipped
// implementations.
type ClaimOracle interface {
	IsClaimed(deviceIdentity DeviceIdentity) bool
}

// InterfaceHandle is the open per-(device,interface) handle C5 executes
// transfers against, and the seam InterfaceFactory exists to make
// testable (spec §4.5).
type InterfaceHandle interface {
	ExecuteControl(req ControlRequest) (TransferResult, error)
	ExecuteBulk(req BulkRequest) (TransferResult, error)
	ExecuteInterrupt(req BulkRequest) (TransferResult, error)
	ExecuteIsochronous(req IsoRequest) (TransferResult, error)

	// CancelAll aborts every in-flight transfer on this interface.
	CancelAll()
	// CancelEndpoint aborts in-flight transfers addressed to endpoint only.
	CancelEndpoint(endpoint uint8)

	Close() error
}

// InterfaceFactory produces InterfaceHandles, the injected seam that keeps
// Communicator testable without a real USB stack (spec §4.5).
type InterfaceFactory interface {
	Open(deviceIdentity DeviceIdentity, interfaceNumber int) (InterfaceHandle, error)
}
