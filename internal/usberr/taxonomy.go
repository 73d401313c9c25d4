// SPDX-License-Identifier: GPL-2.0-only

// Package usberr maps low-level registry/kernel return codes onto a small,
// behaviorally-meaningful error taxonomy with recovery guidance attached.
package usberr

import "fmt"

// Kind is one member of the structured error taxonomy. Unlike a raw OS
// return code, a Kind tells the caller what happened in terms that matter
// for control flow: is the device gone, is it unclaimed, was the request
// malformed, should we retry.
type Kind int

const (
	KindNotAvailable Kind = iota
	KindNotClaimed
	KindEndpointNotFound
	KindInvalidParameters
	KindInvalidTimeout
	KindInvalidSetupPacket
	KindTransferTypeUnsupported
	KindTooManyRequests
	KindTimeout
	KindCancelled
	KindTransferFailed
	KindMissingProperty
	KindRegistryError
)

func (k Kind) String() string {
	switch k {
	case KindNotAvailable:
		return "NotAvailable"
	case KindNotClaimed:
		return "NotClaimed"
	case KindEndpointNotFound:
		return "EndpointNotFound"
	case KindInvalidParameters:
		return "InvalidParameters"
	case KindInvalidTimeout:
		return "InvalidTimeout"
	case KindInvalidSetupPacket:
		return "InvalidSetupPacket"
	case KindTransferTypeUnsupported:
		return "TransferTypeUnsupported"
	case KindTooManyRequests:
		return "TooManyRequests"
	case KindTimeout:
		return "Timeout"
	case KindCancelled:
		return "Cancelled"
	case KindTransferFailed:
		return "TransferFailed"
	case KindMissingProperty:
		return "MissingProperty"
	case KindRegistryError:
		return "RegistryError"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Category is an observability-only tag; it never affects behavior.
type Category string

const (
	CategoryInvalidParameter Category = "invalid_parameter"
	CategoryResourceShortage Category = "resource_shortage"
	CategoryAccessDenied     Category = "access_denied"
	CategoryTimeout          Category = "timeout"
	CategoryNotFound         Category = "not_found"
	CategoryDeviceBusy       Category = "device_busy"
	CategoryIOKitError       Category = "iokit_error"
	CategoryUnknown          Category = "unknown_error"
)

// Context carries the operation-identifying details a mapped Error must
// preserve so downstream logs can show operation, device identity, and
// endpoint without a stack trace (spec §7).
type Context struct {
	Operation string
	DeviceID  string
	Endpoint  *uint8
	Extras    map[string]string
}

// Error is the taxonomy value produced by Map. It carries the raw code so
// nothing is lost even in the TransferFailed catch-all case.
type Error struct {
	Kind     Kind
	Category Category
	Code     Code
	Message  string
	Ctx      Context

	// Parameters specific to certain kinds, set only when relevant.
	DeviceID    string // KindNotClaimed
	Endpoint    uint8  // KindEndpointNotFound
	TimeoutMs   int    // KindInvalidTimeout
	TransferKin string // KindTransferTypeUnsupported
	PropName    string // KindMissingProperty
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindNotClaimed:
		return fmt.Sprintf("%s: device %s not claimed [%s, code=0x%x]", e.Ctx.Operation, e.DeviceID, e.Category, uint32(e.Code))
	case KindEndpointNotFound:
		return fmt.Sprintf("%s: endpoint 0x%02x not found [%s, code=0x%x]", e.Ctx.Operation, e.Endpoint, e.Category, uint32(e.Code))
	case KindInvalidTimeout:
		return fmt.Sprintf("%s: invalid timeout %dms [%s, code=0x%x]", e.Ctx.Operation, e.TimeoutMs, e.Category, uint32(e.Code))
	case KindTransferTypeUnsupported:
		return fmt.Sprintf("%s: transfer type %s unsupported [%s, code=0x%x]", e.Ctx.Operation, e.TransferKin, e.Category, uint32(e.Code))
	case KindMissingProperty:
		return fmt.Sprintf("%s: missing property %q [%s, code=0x%x]", e.Ctx.Operation, e.PropName, e.Category, uint32(e.Code))
	default:
		msg := e.Message
		if msg == "" {
			msg = e.Kind.String()
		}
		devicePart := ""
		if e.Ctx.DeviceID != "" {
			devicePart = " device=" + e.Ctx.DeviceID
		}
		endpointPart := ""
		if e.Ctx.Endpoint != nil {
			endpointPart = fmt.Sprintf(" endpoint=0x%02x", *e.Ctx.Endpoint)
		}
		return fmt.Sprintf("%s: %s [%s%s%s, code=0x%x]", e.Ctx.Operation, msg, e.Category, devicePart, endpointPart, uint32(e.Code))
	}
}

// NotClaimed constructs a KindNotClaimed Error for the given device.
func NotClaimed(deviceID string, ctx Context, code Code) *Error {
	return &Error{Kind: KindNotClaimed, Category: CategoryAccessDenied, Code: code, Ctx: ctx, DeviceID: deviceID}
}

// EndpointNotFound constructs a KindEndpointNotFound Error.
func EndpointNotFound(endpoint uint8, ctx Context, code Code) *Error {
	return &Error{Kind: KindEndpointNotFound, Category: CategoryNotFound, Code: code, Ctx: ctx, Endpoint: endpoint}
}

// InvalidTimeout constructs a KindInvalidTimeout Error.
func InvalidTimeout(timeoutMs int, ctx Context) *Error {
	return &Error{Kind: KindInvalidTimeout, Category: CategoryInvalidParameter, Code: CodeInvalidParam, Ctx: ctx, TimeoutMs: timeoutMs}
}

// TransferTypeUnsupported constructs a KindTransferTypeUnsupported Error.
func TransferTypeUnsupported(kind string, ctx Context) *Error {
	return &Error{Kind: KindTransferTypeUnsupported, Category: CategoryInvalidParameter, Code: CodeNotSupported, Ctx: ctx, TransferKin: kind}
}

// MissingProperty constructs a KindMissingProperty Error.
func MissingProperty(name string, ctx Context) *Error {
	return &Error{Kind: KindMissingProperty, Category: CategoryNotFound, Code: CodeNotFound, Ctx: ctx, PropName: name}
}

// Simple constructs an Error for kinds that carry no extra parameters.
func Simple(kind Kind, category Category, code Code, message string, ctx Context) *Error {
	return &Error{Kind: kind, Category: category, Code: code, Message: message, Ctx: ctx}
}
