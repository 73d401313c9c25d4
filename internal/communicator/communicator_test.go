package communicator

import (
	"testing"
	"time"

	"github.com/usbip-hostagent/deviceplane/internal/claim"
	"github.com/usbip-hostagent/deviceplane/internal/usberr"
)

const testDevice = "20:16"

func newTestCommunicator(oracle ClaimOracle, factory *FakeFactory) *Communicator {
	return New(oracle, factory, DefaultConfig(), nil)
}

func openedHandle(t *testing.T, c *Communicator, factory *FakeFactory, device DeviceIdentity, iface int) *FakeHandle {
	t.Helper()
	if err := c.Open(device, iface); err != nil {
		t.Fatalf("Open: %v", err)
	}
	h := factory.Handle(device, iface)
	if h == nil {
		t.Fatal("expected a handle to have been opened")
	}
	return h
}

func TestOpenRequiresClaim(t *testing.T) {
	oracle := claim.NewStatic() // nothing claimed
	factory := NewFakeFactory()
	c := newTestCommunicator(oracle, factory)

	err := c.Open(testDevice, 0)
	if err == nil {
		t.Fatal("expected NotClaimed error")
	}
	var uerr *usberr.Error
	if !asUsberr(err, &uerr) || uerr.Kind != usberr.KindNotClaimed {
		t.Fatalf("err = %v; want KindNotClaimed", err)
	}
	if factory.OpenCalls() != 0 {
		t.Errorf("factory.Open called %d times; want 0 (claim check must short-circuit)", factory.OpenCalls())
	}
}

// P5: open/close idempotence.
func TestOpenIsIdempotent(t *testing.T) {
	oracle := claim.NewStatic(testDevice)
	factory := NewFakeFactory()
	c := newTestCommunicator(oracle, factory)

	if err := c.Open(testDevice, 0); err != nil {
		t.Fatal(err)
	}
	if err := c.Open(testDevice, 0); err != nil {
		t.Fatal(err)
	}
	if factory.OpenCalls() != 1 {
		t.Errorf("factory.Open called %d times; want 1 (second open must no-op)", factory.OpenCalls())
	}
	if !c.IsOpen(testDevice, 0) {
		t.Error("expected interface to be open")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	oracle := claim.NewStatic(testDevice)
	factory := NewFakeFactory()
	c := newTestCommunicator(oracle, factory)
	h := openedHandle(t, c, factory, testDevice, 0)

	if err := c.Close(testDevice, 0); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(testDevice, 0); err != nil {
		t.Fatal(err)
	}
	if !h.IsClosed() {
		t.Error("expected handle to be closed")
	}
	if c.IsOpen(testDevice, 0) {
		t.Error("expected interface to no longer be open")
	}
}

func TestCloseOfNeverOpenedSlotIsNoop(t *testing.T) {
	oracle := claim.NewStatic(testDevice)
	factory := NewFakeFactory()
	c := newTestCommunicator(oracle, factory)

	if err := c.Close(testDevice, 0); err != nil {
		t.Fatalf("Close of absent slot: %v", err)
	}
}

// Scenario 4: unclaimed transfer never touches the interface factory.
func TestExecuteBulkOnUnclaimedDeviceReturnsNotClaimedWithoutOpening(t *testing.T) {
	oracle := claim.NewStatic() // nothing claimed
	factory := NewFakeFactory()
	c := newTestCommunicator(oracle, factory)

	_, err := c.ExecuteBulk(testDevice, 0, BulkRequest{Endpoint: 0x81, Data: []byte{1}, TimeoutMs: 100})
	var uerr *usberr.Error
	if !asUsberr(err, &uerr) || uerr.Kind != usberr.KindNotClaimed {
		t.Fatalf("err = %v; want KindNotClaimed", err)
	}
	if factory.OpenCalls() != 0 {
		t.Errorf("factory.Open called; execute_bulk on an unclaimed device must never touch the factory")
	}
}

func TestExecuteOnUnopenedInterfaceReturnsNotAvailable(t *testing.T) {
	oracle := claim.NewStatic(testDevice)
	factory := NewFakeFactory()
	c := newTestCommunicator(oracle, factory)

	_, err := c.ExecuteBulk(testDevice, 0, BulkRequest{Endpoint: 0x81, Data: []byte{1}, TimeoutMs: 100})
	var uerr *usberr.Error
	if !asUsberr(err, &uerr) || uerr.Kind != usberr.KindNotAvailable {
		t.Fatalf("err = %v; want KindNotAvailable", err)
	}
}

func TestExecuteControlRequiresSetupPacket(t *testing.T) {
	oracle := claim.NewStatic(testDevice)
	factory := NewFakeFactory()
	c := newTestCommunicator(oracle, factory)
	openedHandle(t, c, factory, testDevice, 0)

	_, err := c.ExecuteControl(testDevice, 0, ControlRequest{Endpoint: 0x80, TimeoutMs: 100})
	var uerr *usberr.Error
	if !asUsberr(err, &uerr) || uerr.Kind != usberr.KindInvalidSetupPacket {
		t.Fatalf("err = %v; want KindInvalidSetupPacket", err)
	}
}

func TestExecuteBulkRequiresNonEmptyBuffer(t *testing.T) {
	oracle := claim.NewStatic(testDevice)
	factory := NewFakeFactory()
	c := newTestCommunicator(oracle, factory)
	openedHandle(t, c, factory, testDevice, 0)

	_, err := c.ExecuteBulk(testDevice, 0, BulkRequest{Endpoint: 0x81, TimeoutMs: 100})
	var uerr *usberr.Error
	if !asUsberr(err, &uerr) || uerr.Kind != usberr.KindInvalidParameters {
		t.Fatalf("err = %v; want KindInvalidParameters", err)
	}
}

func TestExecuteIsochronousValidatesPacketCount(t *testing.T) {
	oracle := claim.NewStatic(testDevice)
	factory := NewFakeFactory()
	c := newTestCommunicator(oracle, factory)
	openedHandle(t, c, factory, testDevice, 0)

	_, err := c.ExecuteIsochronous(testDevice, 0, IsoRequest{Endpoint: 0x81, Data: []byte{1}, NumberOfPackets: 0, TimeoutMs: 100})
	var uerr *usberr.Error
	if !asUsberr(err, &uerr) || uerr.Kind != usberr.KindInvalidParameters {
		t.Fatalf("err = %v; want KindInvalidParameters", err)
	}

	_, err = c.ExecuteIsochronous(testDevice, 0, IsoRequest{Endpoint: 0x81, Data: []byte{1}, NumberOfPackets: 1025, TimeoutMs: 100})
	if !asUsberr(err, &uerr) || uerr.Kind != usberr.KindInvalidParameters {
		t.Fatalf("err = %v; want KindInvalidParameters", err)
	}
}

func TestExecuteRejectsTimeoutOutOfRange(t *testing.T) {
	oracle := claim.NewStatic(testDevice)
	factory := NewFakeFactory()
	c := newTestCommunicator(oracle, factory)
	openedHandle(t, c, factory, testDevice, 0)

	for _, ms := range []int{0, -1, 60_001} {
		_, err := c.ExecuteBulk(testDevice, 0, BulkRequest{Endpoint: 0x81, Data: []byte{1}, TimeoutMs: ms})
		var uerr *usberr.Error
		if !asUsberr(err, &uerr) || uerr.Kind != usberr.KindInvalidTimeout {
			t.Fatalf("timeout %d: err = %v; want KindInvalidTimeout", ms, err)
		}
	}
}

// The mismatch path is only reachable through the generic Execute entry
// point (as a wire-decoded type tag would reach it); the four typed
// methods can never produce it by construction.
func TestExecuteRejectsUnrecognizedTransferType(t *testing.T) {
	oracle := claim.NewStatic(testDevice)
	factory := NewFakeFactory()
	c := newTestCommunicator(oracle, factory)
	openedHandle(t, c, factory, testDevice, 0)

	_, err := c.Execute(testDevice, 0, TransferType(99), TransferRequest{Endpoint: 0x81, TimeoutMs: 100})
	var uerr *usberr.Error
	if !asUsberr(err, &uerr) || uerr.Kind != usberr.KindTransferTypeUnsupported {
		t.Fatalf("err = %v; want KindTransferTypeUnsupported", err)
	}
}

func TestExecuteBulkSucceeds(t *testing.T) {
	oracle := claim.NewStatic(testDevice)
	factory := NewFakeFactory()
	c := newTestCommunicator(oracle, factory)
	h := openedHandle(t, c, factory, testDevice, 0)
	h.RespondWith(func(kind TransferType, endpoint uint8) (TransferResult, error) {
		return TransferResult{Status: StatusCompleted, BytesTransferred: 4, Data: []byte{1, 2, 3, 4}}, nil
	})

	res, err := c.ExecuteBulk(testDevice, 0, BulkRequest{Endpoint: 0x81, Data: make([]byte, 4), TimeoutMs: 1000})
	if err != nil {
		t.Fatalf("ExecuteBulk: %v", err)
	}
	if res.Status != StatusCompleted || res.BytesTransferred != 4 {
		t.Errorf("res = %+v; want Completed/4 bytes", res)
	}
}

// P7: timeout upper bound — a fake interface that never replies must yield
// Timeout within 1.5x t_ms.
func TestExecuteTimesOutWithinUpperBound(t *testing.T) {
	oracle := claim.NewStatic(testDevice)
	factory := NewFakeFactory()
	c := newTestCommunicator(oracle, factory)
	openedHandle(t, c, factory, testDevice, 0) // no RespondWith: blocks until cancelled

	const tMs = 100
	start := time.Now()
	_, err := c.ExecuteBulk(testDevice, 0, BulkRequest{Endpoint: 0x81, Data: []byte{1}, TimeoutMs: tMs})
	elapsed := time.Since(start)

	var uerr *usberr.Error
	if !asUsberr(err, &uerr) || uerr.Kind != usberr.KindTimeout {
		t.Fatalf("err = %v; want KindTimeout", err)
	}
	if elapsed > time.Duration(float64(tMs)*1.5)*time.Millisecond {
		t.Errorf("elapsed = %v; want <= 1.5x%dms", elapsed, tMs)
	}
}

// Scenario 5: timeout mapping with a manual retry, total elapsed <= 0.6s.
func TestTimeoutMappingWithOneRetryStaysUnderBudget(t *testing.T) {
	oracle := claim.NewStatic(testDevice)
	factory := NewFakeFactory()
	c := newTestCommunicator(oracle, factory)
	openedHandle(t, c, factory, testDevice, 0)

	start := time.Now()
	for attempt := 0; attempt < 2; attempt++ {
		_, err := c.ExecuteBulk(testDevice, 0, BulkRequest{Endpoint: 0x81, Data: []byte{1}, TimeoutMs: 200})
		var uerr *usberr.Error
		if !asUsberr(err, &uerr) || uerr.Kind != usberr.KindTimeout {
			t.Fatalf("attempt %d: err = %v; want KindTimeout", attempt, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 600*time.Millisecond {
		t.Errorf("elapsed = %v; want <= 0.6s", elapsed)
	}
}

// P6: cancellation completeness.
func TestCancelAllCompletesEveryInFlightTransfer(t *testing.T) {
	oracle := claim.NewStatic(testDevice)
	factory := NewFakeFactory()
	c := newTestCommunicator(oracle, factory)
	h := openedHandle(t, c, factory, testDevice, 0) // blocks until cancelled

	const n = 4
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		ep := uint8(0x81 + i)
		go func() {
			_, err := c.ExecuteBulk(testDevice, 0, BulkRequest{Endpoint: ep, Data: []byte{1}, TimeoutMs: 60_000})
			results <- err
		}()
	}
	time.Sleep(20 * time.Millisecond) // let all four actually reach the blocking fake

	c.CancelAll(testDevice, 0)

	for i := 0; i < n; i++ {
		select {
		case err := <-results:
			var uerr *usberr.Error
			if !asUsberr(err, &uerr) || uerr.Kind != usberr.KindCancelled {
				t.Errorf("transfer %d: err = %v; want KindCancelled", i, err)
			}
		case <-time.After(time.Second):
			t.Fatalf("transfer %d did not complete after CancelAll", i)
		}
	}
	if h.CancelAllHits() != 1 {
		t.Errorf("CancelAllHits = %d; want 1", h.CancelAllHits())
	}
}

func TestCancelEndpointOnClosedInterfaceIsNoop(t *testing.T) {
	oracle := claim.NewStatic(testDevice)
	factory := NewFakeFactory()
	c := newTestCommunicator(oracle, factory)

	c.CancelEndpoint(testDevice, 0, 0x81) // never opened: must not panic
	c.CancelAll(testDevice, 0)
}

// In-flight transfers beyond the configured cap are rejected with
// TooManyRequests rather than queued (spec §5's backpressure decision).
func TestTooManyInFlightTransfersReturnsTooManyRequests(t *testing.T) {
	oracle := claim.NewStatic(testDevice)
	factory := NewFakeFactory()
	c := New(oracle, factory, Config{MaxInFlightPerInterface: 1}, nil)
	openedHandle(t, c, factory, testDevice, 0) // blocks until cancelled

	done := make(chan struct{})
	go func() {
		_, _ = c.ExecuteBulk(testDevice, 0, BulkRequest{Endpoint: 0x81, Data: []byte{1}, TimeoutMs: 60_000})
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)

	_, err := c.ExecuteBulk(testDevice, 0, BulkRequest{Endpoint: 0x82, Data: []byte{1}, TimeoutMs: 100})
	var uerr *usberr.Error
	if !asUsberr(err, &uerr) || uerr.Kind != usberr.KindTooManyRequests {
		t.Fatalf("err = %v; want KindTooManyRequests", err)
	}

	c.CancelAll(testDevice, 0)
	<-done
}

// asUsberr is a small test helper equivalent to errors.As without pulling
// in the stdlib errors package just for a direct type check here.
func asUsberr(err error, target **usberr.Error) bool {
	if err == nil {
		return false
	}
	uerr, ok := err.(*usberr.Error)
	if !ok {
		return false
	}
	*target = uerr
	return true
}
