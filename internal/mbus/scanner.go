package mbus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nerrad567/mbus-gateway/internal/infrastructure/config"
)

// probeSettleDelay is the pause between the data request and the reply
// read during a secondary-address probe, giving the selected slave time
// to assemble its response.
const probeSettleDelay = 500 * time.Millisecond

// wildcardMask is the scan starting point: every position open.
const wildcardMask = "FFFFFFFFFFFFFFFF"

// probeVerdict classifies the outcome of probing one secondary mask.
type probeVerdict int

const (
	// probeNoReply: no device matches this prefix; prune the branch.
	probeNoReply probeVerdict = iota

	// probeMatch: exactly one device matched and answered coherently.
	probeMatch

	// probeCollision: multiple devices share the prefix and replied
	// simultaneously, producing a garbled reply; descend one position.
	probeCollision
)

// scanFrontier is one pending piece of scan work: instantiate digits at
// the given position under the given mask.
type scanFrontier struct {
	pos  int
	mask string
}

// Scanner discovers devices by walking the secondary address space and
// probing a configured primary address range.
type Scanner struct {
	bus    *Bus
	cfg    config.MBusConfig
	settle time.Duration
	logger Logger
}

// NewScanner creates a scanner over the given bus.
func NewScanner(bus *Bus, cfg config.MBusConfig) *Scanner {
	return &Scanner{bus: bus, cfg: cfg, settle: probeSettleDelay, logger: noopLogger{}}
}

// SetLogger sets the logger for scan progress events.
func (s *Scanner) SetLogger(logger Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Scan walks the full secondary address space plus the configured primary
// range and returns the deduplicated set of discovered device addresses.
//
// The bus lock is held for the whole scan; reads queued meanwhile proceed
// afterwards. The circuit breaker is consulted once up front: a scan on
// an open breaker returns ErrBreakerOpen without touching the line.
//
// The secondary walk is a worklist version of the collision-resolution
// tree search: each frontier entry instantiates digits 0-9 at one mask
// position, probing each candidate. A match records the address, a
// collision pushes the candidate one position deeper, silence prunes.
// With 16 positions and decimal digits only, depth is bounded at 16.
func (s *Scanner) Scan(ctx context.Context) ([]string, error) {
	if !s.bus.CanAttempt() {
		return nil, ErrBreakerOpen
	}

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	started := time.Now()
	s.logger.Info("bus scan started")

	s.bus.normalize()

	seen := make(map[string]bool)
	var discovered []string

	record := func(addr string) {
		if !seen[addr] {
			seen[addr] = true
			discovered = append(discovered, addr)
			s.logger.Info("device discovered", "address", addr)
		}
	}

	if err := s.scanSecondary(ctx, record); err != nil {
		s.bus.RecordFailure()
		return discovered, err
	}
	if err := s.scanPrimary(ctx, record); err != nil {
		s.bus.RecordFailure()
		return discovered, err
	}

	s.bus.RecordSuccess()
	s.logger.Info("bus scan completed",
		"devices", len(discovered),
		"duration", time.Since(started).String(),
	)
	return discovered, nil
}

// scanSecondary runs the worklist tree search over the secondary address
// space, invoking record for every matched address.
func (s *Scanner) scanSecondary(ctx context.Context, record func(string)) error {
	stack := []scanFrontier{{pos: 0, mask: wildcardMask}}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		// A fixed digit at this position needs no instantiation; move
		// on to the next open position.
		if f.mask[f.pos] != 'F' {
			if f.pos < secondaryAddressLen-1 {
				stack = append(stack, scanFrontier{pos: f.pos + 1, mask: f.mask})
				continue
			}
			if err := s.probeCandidate(ctx, f.pos, f.mask, record, &stack); err != nil {
				return err
			}
			continue
		}

		for digit := 0; digit <= 9; digit++ {
			candidate := f.mask[:f.pos] + strconv.Itoa(digit) + f.mask[f.pos+1:]
			if err := s.probeCandidate(ctx, f.pos, candidate, record, &stack); err != nil {
				return err
			}
		}
	}
	return nil
}

// probeCandidate probes one instantiated mask and acts on the verdict:
// matches are recorded, collisions descend a position (when one remains).
func (s *Scanner) probeCandidate(ctx context.Context, pos int, mask string, record func(string), stack *[]scanFrontier) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("scan cancelled: %w", err)
	}

	verdict, err := s.probe(mask)
	if err != nil {
		return err
	}

	switch verdict {
	case probeMatch:
		record(mask)
	case probeCollision:
		if pos < secondaryAddressLen-1 {
			*stack = append(*stack, scanFrontier{pos: pos + 1, mask: mask})
		} else {
			// A fully instantiated mask cannot collide; garbage this
			// deep means line noise. Prune.
			s.logger.Debug("collision at full mask ignored", "mask", mask)
		}
	case probeNoReply:
	}
	return nil
}

// probe issues SELECT for the mask then a data request to the network
// layer address and classifies the outcome.
//
// Any reply that is neither clean silence nor a coherent single frame is
// a collision: garbled simultaneous replies from multiple matching
// slaves decode as ErrFrameDecode. Transport errors abort the scan.
func (s *Scanner) probe(mask string) (probeVerdict, error) {
	reply, err := s.bus.selectMask(mask)
	switch {
	case errors.Is(err, ErrNoReply):
		return probeNoReply, nil
	case errors.Is(err, ErrFrameDecode):
		return probeCollision, nil
	case err != nil:
		return probeNoReply, err
	}

	if reply.Type != FrameAck {
		// Multiple slaves acknowledged on top of each other or a slave
		// misbehaved; either way the prefix is ambiguous.
		return probeCollision, nil
	}

	// Exactly one slave believes it is selected; ask it for data.
	if err := s.bus.send(EncodeShortFrame(ControlReqUD2, AddressNetworkLayer)); err != nil {
		return probeNoReply, err
	}
	time.Sleep(s.settle)

	data, err := s.bus.readFrame()
	switch {
	case err == nil && data.Type == FrameLong:
		return probeMatch, nil
	case errors.Is(err, ErrBusUnavailable):
		return probeNoReply, err
	default:
		// ACK on SELECT but no coherent data frame: treat as silence,
		// matching the original probe semantics.
		return probeNoReply, nil
	}
}

// scanPrimary pings each primary address in the configured range. A
// device that acknowledges is discovered under its decimal address.
func (s *Scanner) scanPrimary(ctx context.Context, record func(string)) error {
	if s.cfg.PrimaryScanMax < s.cfg.PrimaryScanMin {
		return nil
	}

	for addr := s.cfg.PrimaryScanMin; addr <= s.cfg.PrimaryScanMax; addr++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("scan cancelled: %w", err)
		}
		if s.bus.ping(byte(addr), 0) {
			record(strconv.Itoa(addr))
		}
	}
	return nil
}
