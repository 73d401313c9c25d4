// SPDX-License-Identifier: GPL-2.0-only

package usberr

// Code is the union of the generic transfer-layer return codes and the
// registry-specific return codes that C1 and C5 can observe. It mirrors the
// shape of OpenPrinting-ipp-usb's UsbErrCode constant block and
// kevmo314-go-usb's errors_common.go sentinel enumeration, but as a single
// flat space so Map can be total over it (spec §8 P4).
type Code uint32

const (
	CodeSuccess Code = iota

	// Device-absent class.
	CodeNoDevice
	CodeNotResponding
	CodeNotAttached

	// Claim/permission class.
	CodeNotOpen
	CodeNotPermitted
	CodeExclusiveAccess

	// Resource-shortage class.
	CodeNoMemory
	CodeNoResources
	CodeBusy
	CodeWiring
	CodeLockContention

	// Timeout class.
	CodeTimeout

	// Cancellation class.
	CodeAborted

	// Bad-argument / unsupported class.
	CodeInvalidParam
	CodeNotSupported

	// I/O class.
	CodeOverrun
	CodeUnderrun
	CodeIOError
	CodeDeviceError
	CodePipeStalled

	// Not-found class — used directly by constructors like MissingProperty
	// that never round-trip through Map, not by any registry return code.
	CodeNotFound

	// Catch-all.
	CodeOther
)

// codeNames gives each code a short symbolic name for hex-preserving error
// messages; unrecognized codes render as "unknown" here, and Map's
// catch-all carries their raw value in hex, never a panic (P4).
var codeNames = map[Code]string{
	CodeSuccess:         "success",
	CodeNoDevice:        "no_device",
	CodeNotResponding:   "not_responding",
	CodeNotAttached:     "not_attached",
	CodeNotOpen:         "not_open",
	CodeNotPermitted:    "not_permitted",
	CodeExclusiveAccess: "exclusive_access",
	CodeNoMemory:        "no_memory",
	CodeNoResources:     "no_resources",
	CodeBusy:            "busy",
	CodeWiring:          "wiring",
	CodeLockContention:  "lock_contention",
	CodeTimeout:         "timeout",
	CodeAborted:         "aborted",
	CodeInvalidParam:    "invalid_param",
	CodeNotSupported:    "not_supported",
	CodeOverrun:         "overrun",
	CodeUnderrun:        "underrun",
	CodeIOError:         "io_error",
	CodeDeviceError:     "device_error",
	CodePipeStalled:     "pipe_stalled",
	CodeNotFound:        "not_found",
	CodeOther:           "other",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "unknown"
}

// RegistryCode wraps an arbitrary host-registry-specific return code that
// did not fit any of the generic classes above; MapRegistry preserves it verbatim
// in the resulting Error's message (hex-formatted, per spec §7).
type RegistryCode struct {
	Raw     uint32
	Message string
}
