package usberr

import "testing"

func TestMapTotality(t *testing.T) {
	allCodes := []Code{
		CodeSuccess, CodeNoDevice, CodeNotResponding, CodeNotAttached,
		CodeNotOpen, CodeNotPermitted, CodeExclusiveAccess,
		CodeNoMemory, CodeNoResources, CodeBusy, CodeWiring, CodeLockContention,
		CodeTimeout, CodeAborted, CodeInvalidParam, CodeNotSupported,
		CodeOverrun, CodeUnderrun, CodeIOError, CodeDeviceError, CodePipeStalled,
		CodeOther, Code(0xdead), Code(0xbeef),
	}
	for _, c := range allCodes {
		err, _ := Map(c, Context{Operation: "test"})
		if err == nil {
			t.Fatalf("Map(%v) returned nil error", c)
		}
		if err.Code != c {
			t.Errorf("Map(%v) lost the raw code: got %v", c, err.Code)
		}
	}
}

func TestMapRules(t *testing.T) {
	for _, tc := range []struct {
		name string
		code Code
		ctx  Context
		kind Kind
	}{
		{"no device", CodeNoDevice, Context{}, KindNotAvailable},
		{"not attached", CodeNotAttached, Context{}, KindNotAvailable},
		{"not open", CodeNotOpen, Context{DeviceID: "10:1"}, KindNotClaimed},
		{"busy", CodeBusy, Context{}, KindTooManyRequests},
		{"timeout", CodeTimeout, Context{}, KindTimeout},
		{"aborted", CodeAborted, Context{}, KindCancelled},
		{"bad arg", CodeInvalidParam, Context{}, KindInvalidParameters},
		{"overrun", CodeOverrun, Context{}, KindTransferFailed},
		{"unknown", Code(0x1234), Context{}, KindTransferFailed},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err, _ := Map(tc.code, tc.ctx)
			if err.Kind != tc.kind {
				t.Errorf("Map(%v) kind = %v; want %v", tc.code, err.Kind, tc.kind)
			}
		})
	}
}

func TestUnsupportedPromotesToEndpointNotFound(t *testing.T) {
	ep := uint8(0x81)
	err, _ := Map(CodeNotSupported, Context{Endpoint: &ep})
	if err.Kind != KindEndpointNotFound {
		t.Fatalf("expected KindEndpointNotFound, got %v", err.Kind)
	}
	if err.Endpoint != ep {
		t.Errorf("endpoint = 0x%02x; want 0x%02x", err.Endpoint, ep)
	}
}

func TestResourceShortageIsRecoverable(t *testing.T) {
	_, hint := Map(CodeBusy, Context{})
	if !hint.Recoverable {
		t.Fatal("expected CodeBusy to be recoverable")
	}
	if hint.MaxRetries < 3 || hint.MaxRetries > 5 {
		t.Errorf("MaxRetries = %d; want 3-5", hint.MaxRetries)
	}
}

func TestNotClaimedDefaultsDeviceID(t *testing.T) {
	err, hint := Map(CodeNotPermitted, Context{})
	if err.DeviceID != "unknown" {
		t.Errorf("DeviceID = %q; want %q", err.DeviceID, "unknown")
	}
	if hint.Recoverable {
		t.Error("NotClaimed should not be recoverable")
	}
}

func TestErrorMessagePreservesHexCode(t *testing.T) {
	err, _ := Map(Code(0xabc), Context{Operation: "enumerate"})
	msg := err.Error()
	if want := "0xabc"; !contains(msg, want) {
		t.Errorf("message %q does not contain hex code %q", msg, want)
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
