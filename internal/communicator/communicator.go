// SPDX-License-Identifier: GPL-2.0-only

package communicator

import (
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/semaphore"

	"github.com/usbip-hostagent/deviceplane/internal/usberr"
)

// maxTransferTimeout is the upper bound of the (0, 60_000] ms range spec
// §4.5's request validation table allows.
const maxTransferTimeout = 60_000

// Config is the subset of SPEC_FULL.md §8's `communicator:` block
// Communicator needs directly.
type Config struct {
	MaxInFlightPerInterface int64
}

// DefaultConfig mirrors SPEC_FULL.md §8's concrete default.
func DefaultConfig() Config {
	return Config{MaxInFlightPerInterface: 8}
}

// Communicator is C5: it owns the InterfaceTable, validates every request
// per spec §4.5's table, enforces the claim predicate at the boundary, and
// forwards well-formed requests to the per-interface InterfaceHandle.
type Communicator struct {
	claim   ClaimOracle
	factory InterfaceFactory
	logger  log.Logger
	cfg     Config

	table *InterfaceTable

	semMu sync.Mutex
	sems  map[interfaceKey]*semaphore.Weighted

	transfersTotal   func(transferType, outcome string)
	openInterfaces   func(n int)
	cancellationsTot func()
}

// New constructs a Communicator. logger may be nil.
func New(claim ClaimOracle, factory InterfaceFactory, cfg Config, logger log.Logger) *Communicator {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if cfg.MaxInFlightPerInterface <= 0 {
		cfg = DefaultConfig()
	}
	return &Communicator{
		claim:   claim,
		factory: factory,
		logger:  logger,
		cfg:     cfg,
		table:   newInterfaceTable(),
		sems:    make(map[interfaceKey]*semaphore.Weighted),
	}
}

// SetMetrics wires communicator_transfers_total{type,outcome},
// communicator_open_interfaces, and communicator_cancellations_total.
func (c *Communicator) SetMetrics(transfersTotal func(transferType, outcome string), openInterfaces func(n int), cancellationsTotal func()) {
	c.transfersTotal = transfersTotal
	c.openInterfaces = openInterfaces
	c.cancellationsTot = cancellationsTotal
}

// Open implements spec §4.5's open lifecycle: asserts the claim predicate,
// idempotently no-ops if the slot is already open, and otherwise opens a
// new handle via the factory and inserts it.
func (c *Communicator) Open(device DeviceIdentity, iface int) error {
	if !c.claim.IsClaimed(device) {
		return usberr.NotClaimed(device, usberr.Context{Operation: "open", DeviceID: device}, usberr.CodeNotPermitted)
	}

	for {
		proceed, alreadyOpen, wait := c.table.acquireForOpen(device, iface)
		if alreadyOpen {
			return nil
		}
		if !proceed {
			<-wait
			continue
		}
		break
	}

	handle, err := c.factory.Open(device, iface)
	if err != nil {
		c.table.abortOpen(device, iface)
		return err
	}
	c.table.commitOpen(device, iface, handle)
	c.reportOpenGauge()
	_ = level.Info(c.logger).Log("msg", "interface opened", "device", device, "interface", iface)
	return nil
}

// Close implements spec §4.5's close lifecycle: idempotent, closes the
// handle, removes the slot, and prunes the row.
func (c *Communicator) Close(device DeviceIdentity, iface int) error {
	for {
		proceed, handle, wait := c.table.acquireForClose(device, iface)
		if !proceed && wait == nil {
			return nil // already Absent: idempotent
		}
		if !proceed {
			<-wait
			continue
		}
		err := handle.Close()
		c.table.commitClose(device, iface)
		c.dropSemaphore(device, iface)
		c.reportOpenGauge()
		_ = level.Info(c.logger).Log("msg", "interface closed", "device", device, "interface", iface)
		return err
	}
}

// IsOpen reports whether (device, iface) is currently in the Open state.
func (c *Communicator) IsOpen(device DeviceIdentity, iface int) bool {
	return c.table.isOpen(device, iface)
}

// TransferRequest is the wire-shaped request spec §4.5's single abstract
// `execute(request)` entry point describes: a transfer_type tag plus the
// union of fields any of the four kinds might need. Execute is what an
// upstream decoder (a gRPC/IPC handler, say) calls with a type tag taken
// off the wire, which is the one place a genuine type/method mismatch can
// occur — the four typed methods below always pass a tag matching
// themselves, so the mismatch path is unreachable through them by
// construction.
type TransferRequest struct {
	Endpoint        uint8
	Setup           *ControlSetup
	Data            []byte
	NumberOfPackets int
	TimeoutMs       int
}

// Execute validates and dispatches req as a kind transfer on (device,
// iface), per spec §4.5's request validation table.
func (c *Communicator) Execute(device DeviceIdentity, iface int, kind TransferType, req TransferRequest) (TransferResult, error) {
	ctx := usberr.Context{Operation: "execute_" + kind.String(), DeviceID: device, Endpoint: &req.Endpoint}

	switch kind {
	case TransferControl:
		if req.Setup == nil {
			return TransferResult{}, usberr.Simple(usberr.KindInvalidSetupPacket, usberr.CategoryInvalidParameter, usberr.CodeInvalidParam, "setup packet required for control transfer", ctx)
		}
	case TransferBulk, TransferInterrupt:
		if len(req.Data) == 0 {
			return TransferResult{}, usberr.Simple(usberr.KindInvalidParameters, usberr.CategoryInvalidParameter, usberr.CodeInvalidParam, "buffer_length must be > 0", ctx)
		}
	case TransferIsochronous:
		if len(req.Data) == 0 || req.NumberOfPackets < 1 || req.NumberOfPackets > 1024 {
			return TransferResult{}, usberr.Simple(usberr.KindInvalidParameters, usberr.CategoryInvalidParameter, usberr.CodeInvalidParam, "buffer_length must be > 0 and number_of_packets in [1, 1024]", ctx)
		}
	default:
		return TransferResult{}, usberr.TransferTypeUnsupported(kind.String(), ctx)
	}

	if req.TimeoutMs <= 0 || req.TimeoutMs > maxTransferTimeout {
		return TransferResult{}, usberr.InvalidTimeout(req.TimeoutMs, ctx)
	}

	handle, sem, err := c.acquireForTransfer(device, iface, ctx)
	if err != nil {
		return TransferResult{}, err
	}
	defer sem.Release(1)

	return c.runWithTimeout(kind, req.Endpoint, req.TimeoutMs, ctx, handle, func() (TransferResult, error) {
		switch kind {
		case TransferControl:
			return handle.ExecuteControl(ControlRequest{Endpoint: req.Endpoint, Setup: req.Setup, Data: req.Data, TimeoutMs: req.TimeoutMs})
		case TransferInterrupt:
			return handle.ExecuteInterrupt(BulkRequest{Endpoint: req.Endpoint, Data: req.Data, TimeoutMs: req.TimeoutMs})
		case TransferIsochronous:
			return handle.ExecuteIsochronous(IsoRequest{Endpoint: req.Endpoint, Data: req.Data, NumberOfPackets: req.NumberOfPackets, TimeoutMs: req.TimeoutMs})
		default:
			return handle.ExecuteBulk(BulkRequest{Endpoint: req.Endpoint, Data: req.Data, TimeoutMs: req.TimeoutMs})
		}
	})
}

// ExecuteControl executes a control transfer.
func (c *Communicator) ExecuteControl(device DeviceIdentity, iface int, req ControlRequest) (TransferResult, error) {
	return c.Execute(device, iface, TransferControl, TransferRequest{Endpoint: req.Endpoint, Setup: req.Setup, Data: req.Data, TimeoutMs: req.TimeoutMs})
}

// ExecuteBulk executes a bulk transfer.
func (c *Communicator) ExecuteBulk(device DeviceIdentity, iface int, req BulkRequest) (TransferResult, error) {
	return c.Execute(device, iface, TransferBulk, TransferRequest{Endpoint: req.Endpoint, Data: req.Data, TimeoutMs: req.TimeoutMs})
}

// ExecuteInterrupt executes an interrupt transfer. Shares validation and
// request shape with bulk (spec §4.5's table gives them identical rules);
// only the transfer-type tag differs.
func (c *Communicator) ExecuteInterrupt(device DeviceIdentity, iface int, req BulkRequest) (TransferResult, error) {
	return c.Execute(device, iface, TransferInterrupt, TransferRequest{Endpoint: req.Endpoint, Data: req.Data, TimeoutMs: req.TimeoutMs})
}

// ExecuteIsochronous executes an isochronous transfer.
func (c *Communicator) ExecuteIsochronous(device DeviceIdentity, iface int, req IsoRequest) (TransferResult, error) {
	return c.Execute(device, iface, TransferIsochronous, TransferRequest{Endpoint: req.Endpoint, Data: req.Data, NumberOfPackets: req.NumberOfPackets, TimeoutMs: req.TimeoutMs})
}

// acquireForTransfer asserts the claim predicate, resolves the open handle
// for (device, iface), and admits the caller into that interface's
// in-flight semaphore. Per spec
// §5, "backpressure: none at this layer" — the semaphore never blocks; a
// full semaphore surfaces TooManyRequests immediately rather than queuing.
func (c *Communicator) acquireForTransfer(device DeviceIdentity, iface int, ctx usberr.Context) (InterfaceHandle, *semaphore.Weighted, error) {
	if !c.claim.IsClaimed(device) {
		return nil, nil, usberr.NotClaimed(device, ctx, usberr.CodeNotPermitted)
	}
	handle := c.table.lookup(device, iface)
	if handle == nil {
		return nil, nil, usberr.Simple(usberr.KindNotAvailable, usberr.CategoryNotFound, usberr.CodeNotOpen, "interface not open", ctx)
	}
	sem := c.semaphoreFor(device, iface)
	if !sem.TryAcquire(1) {
		return nil, nil, usberr.Simple(usberr.KindTooManyRequests, usberr.CategoryResourceShortage, usberr.CodeBusy, "too many in-flight transfers for this interface", ctx)
	}
	return handle, sem, nil
}

func (c *Communicator) semaphoreFor(device DeviceIdentity, iface int) *semaphore.Weighted {
	key := interfaceKey{device, iface}
	c.semMu.Lock()
	defer c.semMu.Unlock()
	sem, ok := c.sems[key]
	if !ok {
		sem = semaphore.NewWeighted(c.cfg.MaxInFlightPerInterface)
		c.sems[key] = sem
	}
	return sem
}

func (c *Communicator) dropSemaphore(device DeviceIdentity, iface int) {
	key := interfaceKey{device, iface}
	c.semMu.Lock()
	delete(c.sems, key)
	c.semMu.Unlock()
}

type transferOutcome struct {
	result TransferResult
	err    error
}

// runWithTimeout enforces spec §4.5's "the handle must stop the transfer
// and return Timeout within ~1.5x of t_ms" bound from the caller's side:
// it races the handle's synchronous call against t_ms, and on expiry
// cancels the endpoint and returns Timeout immediately rather than
// blocking further on a handle that may never reply (spec §8 P7).
func (c *Communicator) runWithTimeout(kind TransferType, endpoint uint8, timeoutMs int, ctx usberr.Context, handle InterfaceHandle, fn func() (TransferResult, error)) (TransferResult, error) {
	done := make(chan transferOutcome, 1)
	go func() {
		res, err := fn()
		done <- transferOutcome{res, err}
	}()

	select {
	case out := <-done:
		c.recordTransfer(kind, out.err, out.result)
		return out.result, out.err
	case <-time.After(time.Duration(timeoutMs) * time.Millisecond):
		handle.CancelEndpoint(endpoint)
		timeoutErr := usberr.Simple(usberr.KindTimeout, usberr.CategoryTimeout, usberr.CodeTimeout, "transfer timed out", ctx)
		c.recordTransfer(kind, timeoutErr, TransferResult{Status: StatusTimeout})
		return TransferResult{Status: StatusTimeout}, timeoutErr
	}
}

func (c *Communicator) recordTransfer(kind TransferType, err error, result TransferResult) {
	if c.transfersTotal == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	} else if result.Status != StatusCompleted {
		outcome = result.Status.String()
	}
	c.transfersTotal(kind.String(), outcome)
}

// CancelAll aborts every in-flight transfer on (device, iface). A no-op if
// the interface is closed (spec §4.5).
func (c *Communicator) CancelAll(device DeviceIdentity, iface int) {
	handle := c.table.lookup(device, iface)
	if handle == nil {
		return
	}
	handle.CancelAll()
	if c.cancellationsTot != nil {
		c.cancellationsTot()
	}
	_ = level.Info(c.logger).Log("msg", "cancel_all", "device", device, "interface", iface)
}

// CancelEndpoint restricts cancellation to one endpoint on (device, iface).
// A no-op if the interface is closed.
func (c *Communicator) CancelEndpoint(device DeviceIdentity, iface int, endpoint uint8) {
	handle := c.table.lookup(device, iface)
	if handle == nil {
		return
	}
	handle.CancelEndpoint(endpoint)
	if c.cancellationsTot != nil {
		c.cancellationsTot()
	}
	_ = level.Info(c.logger).Log("msg", "cancel_endpoint", "device", device, "interface", iface, "endpoint", endpoint)
}

func (c *Communicator) reportOpenGauge() {
	if c.openInterfaces == nil {
		return
	}
	c.openInterfaces(c.table.openCount())
}
