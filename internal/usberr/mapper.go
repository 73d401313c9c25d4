// SPDX-License-Identifier: GPL-2.0-only

package usberr

import (
	"fmt"
	"time"
)

// Map translates a low-level return code into a taxonomy Error plus a
// RecoveryHint, following spec §4.2's mapping rules exactly. Map is total:
// every Code value (including ones not named in the generic enumeration)
// produces a non-nil Error, never a panic (P4).
func Map(code Code, ctx Context) (*Error, RecoveryHint) {
	switch code {
	case CodeSuccess:
		// Should not occur: a success code reaching the mapper means the
		// caller confused a success path with an error path upstream.
		return Simple(KindTransferFailed, CategoryUnknown, code, "success code passed to error mapper", ctx), hintNone

	case CodeNoDevice, CodeNotResponding, CodeNotAttached:
		return Simple(KindNotAvailable, CategoryNotFound, code, "device not available", ctx), hintNone

	case CodeNotOpen, CodeNotPermitted, CodeExclusiveAccess:
		deviceID := ctx.DeviceID
		if deviceID == "" {
			deviceID = "unknown"
		}
		return NotClaimed(deviceID, ctx, code), hintNone

	case CodeNoMemory, CodeNoResources, CodeBusy, CodeWiring, CodeLockContention:
		return Simple(KindTooManyRequests, CategoryResourceShortage, code, "resource shortage", ctx),
			hintBackoff(resourceBaseDelay(code), resourceMaxRetries(code))

	case CodeTimeout:
		return Simple(KindTimeout, CategoryTimeout, code, "operation timed out", ctx),
			hintBackoff(100*time.Millisecond, 3)

	case CodeAborted:
		return Simple(KindCancelled, CategoryUnknown, code, "operation aborted", ctx), hintNone

	case CodeInvalidParam:
		return Simple(KindInvalidParameters, CategoryInvalidParameter, code, "invalid parameters", ctx), hintNone

	case CodeNotSupported:
		if ctx.Endpoint != nil {
			return EndpointNotFound(*ctx.Endpoint, ctx, code), hintNone
		}
		return Simple(KindInvalidParameters, CategoryInvalidParameter, code, "unsupported request", ctx), hintNone

	case CodeOverrun, CodeUnderrun, CodeIOError, CodeDeviceError, CodePipeStalled:
		return Simple(KindTransferFailed, CategoryIOKitError, code, "transfer failed", ctx), hintNone

	default:
		return Simple(KindTransferFailed, CategoryUnknown, code, fmt.Sprintf("unrecognized return code 0x%x", uint32(code)), ctx), hintNone
	}
}

// MapRegistry translates a raw host-registry code that carries its own
// message text (spec §4.1's registry-specific codes, as opposed to the
// generic transfer-layer Code space) into a KindRegistryError.
func MapRegistry(rc RegistryCode, ctx Context) (*Error, RecoveryHint) {
	return Simple(KindRegistryError, CategoryUnknown, Code(rc.Raw), rc.Message, ctx), hintNone
}

// resourceBaseDelay and resourceMaxRetries implement the "base 0.1-0.5s,
// factor 2, cap 5s, jitter +-20%, up to 3-5 retries depending on subclass"
// rule from spec §4.2: lock contention/wiring issues are given a slightly
// more generous budget than plain busy/no-memory conditions.
func resourceBaseDelay(code Code) time.Duration {
	switch code {
	case CodeLockContention, CodeWiring:
		return 200 * time.Millisecond
	default:
		return 100 * time.Millisecond
	}
}

func resourceMaxRetries(code Code) int {
	switch code {
	case CodeLockContention, CodeWiring:
		return 5
	default:
		return 3
	}
}
