package mbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/goburrow/serial"

	"github.com/nerrad567/mbus-gateway/internal/infrastructure/config"
)

// fakePort scripts bus exchanges: SELECT verdicts are looked up by mask,
// primary addresses listed in primaries acknowledge pings and answer data
// requests. Reads drain a pending reply buffer; an empty buffer times out
// like a silent bus.
type fakePort struct {
	script    map[string]string // mask -> "match" or "collision"
	primaries map[byte]bool

	pending     []byte
	selected    bool
	selectCount int
	closed      bool
}

func newFakePort() *fakePort {
	return &fakePort{
		script:    make(map[string]string),
		primaries: make(map[byte]bool),
	}
}

func (f *fakePort) Write(p []byte) (int, error) {
	frame, err := DecodeFrame(p)
	if err != nil {
		return len(p), nil // master never sends garbage; ignore defensively
	}

	switch frame.Type {
	case FrameShort:
		f.handleShort(frame)
	case FrameLong:
		if frame.CI == ciSelectSlave {
			f.handleSelect(frame)
		}
	case FrameAck:
	}
	return len(p), nil
}

func (f *fakePort) handleShort(frame Frame) {
	switch frame.Control {
	case ControlSndNke:
		if f.primaries[frame.Address] {
			f.pending = append(f.pending, ackByte)
		}
	case ControlReqUD2:
		if frame.Address == AddressNetworkLayer && f.selected {
			f.pending = append(f.pending, testDataFrame()...)
		} else if f.primaries[frame.Address] {
			f.pending = append(f.pending, testDataFrame()...)
		}
	}
}

func (f *fakePort) handleSelect(frame Frame) {
	f.selectCount++
	f.selected = false

	mask := maskFromSelectPayload(frame.Payload)
	switch f.script[mask] {
	case "match":
		f.selected = true
		f.pending = append(f.pending, ackByte)
	case "collision":
		// Garbled simultaneous replies.
		f.pending = append(f.pending, 0xAA, 0x55)
	}
}

func (f *fakePort) Read(p []byte) (int, error) {
	if len(f.pending) == 0 {
		return 0, serial.ErrTimeout
	}
	n := copy(p, f.pending)
	f.pending = f.pending[n:]
	return n, nil
}

func (f *fakePort) Close() error {
	f.closed = true
	return nil
}

// maskFromSelectPayload reconstructs the 16-character mask from the
// SELECT payload (id LSB first, then manufacturer, version, medium).
func maskFromSelectPayload(p []byte) string {
	return strings.ToUpper(fmt.Sprintf("%02x%02x%02x%02x%02x%02x%02x%02x",
		p[3], p[2], p[1], p[0], p[5], p[4], p[6], p[7]))
}

// testDataFrame encodes a complete RSP_UD reply with one energy record.
func testDataFrame() []byte {
	payload := buildDataPayload(0x04, 0x06, 0xD2, 0x04, 0x00, 0x00)
	body := append([]byte{0x08, 0x00, 0x72}, payload...)
	length := byte(len(body))
	raw := append([]byte{0x68, length, length, 0x68}, body...)
	return append(raw, checksum(body), 0x16)
}

func testBusConfig() config.MBusConfig {
	return config.MBusConfig{
		Port:           "/dev/null",
		Baudrate:       2400,
		Timeout:        0.1,
		MaxRetries:     3,
		PrimaryScanMin: 1,
		PrimaryScanMax: 0, // primary scan disabled unless a test opts in
		CircuitBreaker: config.CircuitBreakerConfig{
			FailureThreshold: 5,
			Timeout:          300,
		},
	}
}

// newTestBus wires a bus to a fake port with all real-time waits zeroed.
func newTestBus(port *fakePort) *Bus {
	b := NewBusWithPort(testBusConfig(), port)
	b.sendGap = 0
	b.pingDelay = 0
	return b
}

// maskWithPrefix pads a digit prefix to a full 16-character mask.
func maskWithPrefix(prefix string) string {
	return prefix + strings.Repeat("F", secondaryAddressLen-len(prefix))
}

func TestScan_ResolvesCollisionsDownToDevice(t *testing.T) {
	// One device behind the prefix 12345678: every shorter prefix
	// collides, the full prefix matches, everything else is silent.
	port := newFakePort()
	for i := 1; i < 8; i++ {
		port.script[maskWithPrefix("12345678"[:i])] = "collision"
	}
	port.script[maskWithPrefix("12345678")] = "match"

	bus := newTestBus(port)
	scanner := NewScanner(bus, testBusConfig())
	scanner.settle = 0

	discovered, err := scanner.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan() error: %v", err)
	}

	if len(discovered) != 1 || discovered[0] != maskWithPrefix("12345678") {
		t.Errorf("discovered = %v, want [12345678FFFFFFFF]", discovered)
	}

	// Eight positions instantiated, ten digits probed at each.
	if port.selectCount != 80 {
		t.Errorf("select count = %d, want 80", port.selectCount)
	}
}

func TestScan_MultipleDevicesNoDuplicates(t *testing.T) {
	// Two devices sharing the first digit: position 0 collides, the
	// second digit separates them.
	port := newFakePort()
	port.script[maskWithPrefix("1")] = "collision"
	port.script[maskWithPrefix("12")] = "match"
	port.script[maskWithPrefix("15")] = "match"

	bus := newTestBus(port)
	scanner := NewScanner(bus, testBusConfig())
	scanner.settle = 0

	discovered, err := scanner.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan() error: %v", err)
	}

	if len(discovered) != 2 {
		t.Fatalf("discovered = %v, want 2 devices", discovered)
	}
	seen := map[string]bool{}
	for _, addr := range discovered {
		if seen[addr] {
			t.Errorf("duplicate discovery of %s", addr)
		}
		seen[addr] = true
	}
	if !seen[maskWithPrefix("12")] || !seen[maskWithPrefix("15")] {
		t.Errorf("discovered = %v, want 12F... and 15F...", discovered)
	}
}

func TestScan_EmptyBus(t *testing.T) {
	port := newFakePort()
	bus := newTestBus(port)
	scanner := NewScanner(bus, testBusConfig())
	scanner.settle = 0

	discovered, err := scanner.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if len(discovered) != 0 {
		t.Errorf("discovered = %v, want none", discovered)
	}
	// Silence prunes every branch at the first position.
	if port.selectCount != 10 {
		t.Errorf("select count = %d, want 10", port.selectCount)
	}
}

func TestScan_PrimaryAddresses(t *testing.T) {
	port := newFakePort()
	port.primaries[5] = true

	cfg := testBusConfig()
	cfg.PrimaryScanMin = 0
	cfg.PrimaryScanMax = 10

	bus := newTestBus(port)
	scanner := NewScanner(bus, cfg)
	scanner.settle = 0

	discovered, err := scanner.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if len(discovered) != 1 || discovered[0] != "5" {
		t.Errorf("discovered = %v, want [5]", discovered)
	}
}

func TestScan_BreakerOpenShortCircuits(t *testing.T) {
	port := newFakePort()
	bus := newTestBus(port)
	bus.RecordFailure()
	bus.RecordFailure()
	bus.RecordFailure()
	bus.RecordFailure()
	bus.RecordFailure() // threshold 5: breaker opens

	scanner := NewScanner(bus, testBusConfig())
	scanner.settle = 0

	_, err := scanner.Scan(context.Background())
	if !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("Scan() error = %v, want ErrBreakerOpen", err)
	}
	if port.selectCount != 0 {
		t.Errorf("select count = %d, want 0 (no bus I/O through open breaker)", port.selectCount)
	}
}

func TestScan_Cancelled(t *testing.T) {
	port := newFakePort()
	bus := newTestBus(port)
	scanner := NewScanner(bus, testBusConfig())
	scanner.settle = 0

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := scanner.Scan(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Scan() error = %v, want context.Canceled", err)
	}
}
