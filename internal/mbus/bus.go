package mbus

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/goburrow/serial"

	"github.com/nerrad567/mbus-gateway/internal/infrastructure/config"
)

// Exchange timing constants.
const (
	// pingRetryDelay separates ping attempts during normalisation.
	pingRetryDelay = 500 * time.Millisecond

	// interFrameGap is a short pause after sending before expecting the
	// reply, giving slow meters time to turn the line around.
	interFrameGap = 50 * time.Millisecond
)

// Port is the serial connection the bus exchanges frames over.
// Satisfied by goburrow/serial ports and by scripted fakes in tests.
type Port = io.ReadWriteCloser

// Bus owns the serial port and the exclusive-use lock for the physical
// M-Bus line. Only one frame exchange may be in flight at a time: the
// scanner and reader hold the lock for the full duration of a scan or
// read so concurrent operations serialize rather than interleave.
//
// The bus also carries the circuit breaker guarding the line. Transport
// failures feed the breaker; once open, CanAttempt short-circuits all
// attempts until the cooling-off timeout elapses.
type Bus struct {
	cfg config.MBusConfig

	mu   sync.Mutex
	port Port

	// openPort is swappable so tests can script exchanges.
	openPort func() (Port, error)

	breakerMu sync.Mutex
	breaker   Breaker

	// sendGap and pingDelay default to the package constants; tests
	// zero them to run scripted exchanges without real-time waits.
	sendGap   time.Duration
	pingDelay time.Duration

	logger Logger
}

// NewBus creates a bus for the configured serial port. The port itself is
// opened lazily on the first exchange.
func NewBus(cfg config.MBusConfig) *Bus {
	b := &Bus{
		cfg:       cfg,
		sendGap:   interFrameGap,
		pingDelay: pingRetryDelay,
		logger:    noopLogger{},
		breaker: NewBreaker(
			cfg.CircuitBreaker.FailureThreshold,
			time.Duration(cfg.CircuitBreaker.Timeout)*time.Second,
		),
	}
	b.openPort = func() (Port, error) {
		return serial.Open(&serial.Config{
			Address:  cfg.Port,
			BaudRate: cfg.Baudrate,
			DataBits: 8,
			StopBits: 1,
			Parity:   "E", // M-Bus framing is 8E1
			Timeout:  cfg.ReplyTimeout(),
		})
	}
	return b
}

// NewBusWithPort creates a bus bound to an already open port.
// Used by tests with scripted fake ports.
func NewBusWithPort(cfg config.MBusConfig, port Port) *Bus {
	b := NewBus(cfg)
	b.port = port
	b.openPort = func() (Port, error) { return port, nil }
	return b
}

// SetLogger sets the logger for bus-level events.
func (b *Bus) SetLogger(logger Logger) {
	if logger != nil {
		b.logger = logger
	}
}

// Close releases the serial port.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.port == nil {
		return nil
	}
	err := b.port.Close()
	b.port = nil
	if err != nil {
		return fmt.Errorf("closing serial port: %w", err)
	}
	return nil
}

// CanAttempt consults the circuit breaker, applying any due transition.
func (b *Bus) CanAttempt() bool {
	b.breakerMu.Lock()
	defer b.breakerMu.Unlock()

	next, ok := b.breaker.CanAttempt(time.Now())
	if next.State != b.breaker.State {
		b.logger.Info("circuit breaker transition",
			"from", b.breaker.State.String(),
			"to", next.State.String(),
		)
	}
	b.breaker = next
	return ok
}

// RecordSuccess resolves the current bus attempt as successful.
func (b *Bus) RecordSuccess() {
	b.breakerMu.Lock()
	defer b.breakerMu.Unlock()
	b.breaker = b.breaker.RecordSuccess()
}

// RecordFailure resolves the current bus attempt as failed.
func (b *Bus) RecordFailure() {
	b.breakerMu.Lock()
	defer b.breakerMu.Unlock()

	next := b.breaker.RecordFailure(time.Now())
	if next.State == BreakerOpen && b.breaker.State != BreakerOpen {
		b.logger.Warn("circuit breaker opened",
			"failures", next.Failures,
			"timeout", next.Timeout.String(),
		)
	}
	b.breaker = next
}

// BreakerState returns the breaker's current position for status reporting.
func (b *Bus) BreakerState() BreakerState {
	b.breakerMu.Lock()
	defer b.breakerMu.Unlock()
	return b.breaker.State
}

// ensurePort opens the serial port if it is not already open.
// Callers must hold b.mu.
func (b *Bus) ensurePort() error {
	if b.port != nil {
		return nil
	}
	port, err := b.openPort()
	if err != nil {
		return fmt.Errorf("%w: opening %s: %w", ErrBusUnavailable, b.cfg.Port, err)
	}
	b.port = port
	return nil
}

// dropPort discards a port after a transport error so the next exchange
// reopens it. Callers must hold b.mu.
func (b *Bus) dropPort() {
	if b.port != nil {
		b.port.Close() //nolint:errcheck // Best effort after transport error
		b.port = nil
	}
}

// send writes a raw frame to the line. Callers must hold b.mu.
func (b *Bus) send(frame []byte) error {
	if err := b.ensurePort(); err != nil {
		return err
	}
	if _, err := b.port.Write(frame); err != nil {
		b.dropPort()
		return fmt.Errorf("%w: write: %w", ErrBusUnavailable, err)
	}
	time.Sleep(b.sendGap)
	return nil
}

// readFrame reads and decodes one reply frame. Callers must hold b.mu.
//
// Outcomes map onto the scan verdicts: a clean timeout with no bytes is
// ErrNoReply, garbled or partial bytes are ErrFrameDecode (collision
// during a scan), transport errors are ErrBusUnavailable.
func (b *Bus) readFrame() (Frame, error) {
	if err := b.ensurePort(); err != nil {
		return Frame{}, err
	}

	first := make([]byte, 1)
	if err := b.readFull(first); err != nil {
		if isTimeout(err) {
			return Frame{}, ErrNoReply
		}
		b.dropPort()
		return Frame{}, fmt.Errorf("%w: read: %w", ErrBusUnavailable, err)
	}

	switch first[0] {
	case ackByte:
		return Frame{Type: FrameAck}, nil

	case startShort:
		rest := make([]byte, 4)
		if err := b.readFull(rest); err != nil {
			return Frame{}, b.garbled(err)
		}
		return DecodeFrame(append(first, rest...))

	case startLong:
		header := make([]byte, 3)
		if err := b.readFull(header); err != nil {
			return Frame{}, b.garbled(err)
		}
		length := int(header[0])
		body := make([]byte, length+2)
		if err := b.readFull(body); err != nil {
			return Frame{}, b.garbled(err)
		}
		raw := append(append(first, header...), body...)
		return DecodeFrame(raw)

	default:
		// Garbage on the line: simultaneous replies or noise. Drain
		// whatever else arrives within the timeout so the next
		// exchange starts clean.
		b.drain()
		return Frame{}, fmt.Errorf("%w: unexpected first byte 0x%02X", ErrFrameDecode, first[0])
	}
}

// garbled classifies a mid-frame read failure: timeouts mean a partial
// (hence invalid) frame, anything else is a transport error.
func (b *Bus) garbled(err error) error {
	if isTimeout(err) {
		b.drain()
		return fmt.Errorf("%w: partial frame", ErrFrameDecode)
	}
	b.dropPort()
	return fmt.Errorf("%w: read: %w", ErrBusUnavailable, err)
}

// readFull fills buf completely or returns the first read error.
func (b *Bus) readFull(buf []byte) error {
	read := 0
	for read < len(buf) {
		n, err := b.port.Read(buf[read:])
		read += n
		if err != nil {
			if read == len(buf) {
				return nil
			}
			return err
		}
		if n == 0 {
			return serial.ErrTimeout
		}
	}
	return nil
}

// drain consumes any remaining bytes until the line goes quiet.
func (b *Bus) drain() {
	buf := make([]byte, 64)
	for {
		n, err := b.port.Read(buf)
		if err != nil || n == 0 {
			return
		}
	}
}

// isTimeout reports whether a read error is a reply timeout rather than
// a transport failure.
func isTimeout(err error) bool {
	return errors.Is(err, serial.ErrTimeout) || errors.Is(err, io.EOF)
}

// ping sends SND_NKE to an address and waits for the ACK, retrying the
// given number of times. Callers must hold b.mu.
func (b *Bus) ping(address byte, retries int) bool {
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			time.Sleep(b.pingDelay)
		}
		if err := b.send(EncodeShortFrame(ControlSndNke, address)); err != nil {
			return false
		}
		frame, err := b.readFrame()
		if err == nil && frame.Type == FrameAck {
			return true
		}
	}
	return false
}

// normalize initialises the slaves before a scan: SND_NKE to the network
// layer address, falling back to the no-reply broadcast. Best effort,
// the scan continues regardless. Callers must hold b.mu.
func (b *Bus) normalize() {
	if b.ping(AddressNetworkLayer, 2) {
		return
	}
	// No ACK expected on the no-reply broadcast; just fire it.
	if err := b.send(EncodeShortFrame(ControlSndNke, AddressBroadcastNoReply)); err != nil {
		b.logger.Debug("bus normalize failed", "error", err)
	}
}

// requestData sends REQ_UD2 to an address and reads the reply frame.
// Callers must hold b.mu.
func (b *Bus) requestData(address byte) (Frame, error) {
	if err := b.send(EncodeShortFrame(ControlReqUD2, address)); err != nil {
		return Frame{}, err
	}
	return b.readFrame()
}

// selectMask sends a SELECT frame for a secondary address mask and reads
// the reply. Callers must hold b.mu.
func (b *Bus) selectMask(mask string) (Frame, error) {
	frame, err := EncodeSelectFrame(mask)
	if err != nil {
		return Frame{}, err
	}
	if err := b.send(frame); err != nil {
		return Frame{}, err
	}
	return b.readFrame()
}
