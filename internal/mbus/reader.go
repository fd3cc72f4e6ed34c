package mbus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// readSettleDelay is the pause between the data request and the reply
// read during a secondary-address read cycle.
const readSettleDelay = 300 * time.Millisecond

// pingRetries is how many extra SND_NKE attempts a primary-address read
// makes before giving up on the handshake.
const pingRetries = 2

// Reader performs request/response read cycles against single devices.
//
// Per-device failure bookkeeping (consecutive failures, offline marking)
// belongs to the orchestrator's registry; the reader only reports success
// or failure for one cycle. The bus-wide circuit breaker is consulted per
// read and fed with transport outcomes.
type Reader struct {
	bus    *Bus
	settle time.Duration
	logger Logger
}

// NewReader creates a reader over the given bus.
func NewReader(bus *Bus) *Reader {
	return &Reader{bus: bus, settle: readSettleDelay, logger: noopLogger{}}
}

// SetLogger sets the logger for read events.
func (r *Reader) SetLogger(logger Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// Read performs one read cycle against the addressed device.
//
// Primary addresses handshake with SND_NKE (bounded retries) then issue
// REQ_UD2 directly. Secondary addresses SELECT first, expect the ACK,
// then issue REQ_UD2 to the network layer address after a settle delay.
//
// A decode failure at any step is a read failure (ErrNoReply or
// ErrFrameDecode), not fatal: the device's failure counter climbs and the
// next poll retries. Transport failures additionally feed the breaker;
// while half-open, any failure resolves the probe so the breaker re-opens
// instead of staying stuck awaiting an outcome.
func (r *Reader) Read(ctx context.Context, address string) (*DeviceData, error) {
	primary := IsPrimaryAddress(address)
	if !primary && !IsSecondaryAddress(address) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("read cancelled: %w", err)
	}
	if !r.bus.CanAttempt() {
		return nil, ErrBreakerOpen
	}

	r.bus.mu.Lock()
	defer r.bus.mu.Unlock()

	var (
		frame Frame
		err   error
	)
	if primary {
		frame, err = r.readPrimary(address)
	} else {
		frame, err = r.readSecondary(address)
	}

	if err != nil {
		r.resolveFailure(err)
		return nil, err
	}

	data, err := ParseDeviceData(frame)
	if err != nil {
		err = fmt.Errorf("parsing response from %s: %w", address, err)
		r.resolveFailure(err)
		return nil, err
	}

	r.bus.RecordSuccess()
	r.logger.Debug("device read",
		"address", address,
		"records", len(data.Records),
	)
	return data, nil
}

// resolveFailure feeds the breaker with a failed read outcome. Transport
// errors always count. A half-open probe counts regardless of the error:
// every granted probe must resolve, or CanAttempt would refuse the whole
// bus forever.
func (r *Reader) resolveFailure(err error) {
	if errors.Is(err, ErrBusUnavailable) || r.bus.BreakerState() == BreakerHalfOpen {
		r.bus.RecordFailure()
	}
}

// readPrimary handshakes with and reads a primary-address device.
func (r *Reader) readPrimary(address string) (Frame, error) {
	n, _ := strconv.Atoi(address)
	addr := byte(n)

	if !r.bus.ping(addr, pingRetries) {
		return Frame{}, fmt.Errorf("%w: no ACK from primary address %s", ErrNoReply, address)
	}

	frame, err := r.bus.requestData(addr)
	if err != nil {
		return Frame{}, err
	}
	if frame.Type != FrameLong {
		return Frame{}, fmt.Errorf("%w: expected data frame from %s", ErrUnexpectedFrame, address)
	}
	return frame, nil
}

// readSecondary selects a device by secondary address and reads it.
func (r *Reader) readSecondary(address string) (Frame, error) {
	reply, err := r.bus.selectMask(address)
	if err != nil {
		return Frame{}, err
	}
	if reply.Type != FrameAck {
		return Frame{}, fmt.Errorf("%w: SELECT for %s answered with frame type %d", ErrUnexpectedFrame, address, reply.Type)
	}

	if err := r.bus.send(EncodeShortFrame(ControlReqUD2, AddressNetworkLayer)); err != nil {
		return Frame{}, err
	}
	time.Sleep(r.settle)

	frame, err := r.bus.readFrame()
	if err != nil {
		return Frame{}, err
	}
	if frame.Type != FrameLong {
		return Frame{}, fmt.Errorf("%w: expected data frame from %s", ErrUnexpectedFrame, address)
	}
	return frame, nil
}
