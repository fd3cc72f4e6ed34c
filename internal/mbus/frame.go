package mbus

import (
	"fmt"
	"strconv"
	"strings"
)

// Link-layer byte values (EN 13757-2).
const (
	// ackByte is the single-byte acknowledgement a slave sends for a
	// clean handshake (SND_NKE, successful SELECT).
	ackByte = 0xE5

	// startShort begins a fixed-length short frame: 10 C A CS 16.
	startShort = 0x10

	// startLong begins a variable-length frame: 68 L L 68 C A CI ... CS 16.
	startLong = 0x68

	// stopByte terminates short and long frames.
	stopByte = 0x16
)

// C-field (control) values.
const (
	// ControlSndNke initialises (normalises) a slave. Answered with ACK.
	ControlSndNke = 0x40

	// ControlReqUD2 requests user data class 2, the standard meter readout.
	ControlReqUD2 = 0x5B

	// ControlSndUD carries user data master-to-slave; used for SELECT.
	ControlSndUD = 0x53

	// controlRspUD marks a slave's data response (direction bit clear,
	// ACD/DFC ignored). Matched with a mask because status bits vary.
	controlRspUD = 0x08
)

// CI-field values.
const (
	// ciSelectSlave selects a slave by secondary address mask.
	ciSelectSlave = 0x52

	// ciVariableData identifies a variable data structure response,
	// LSB-first mode. This is what meters answer REQ_UD2 with.
	ciVariableData = 0x72
)

// Well-known addresses.
const (
	// AddressNetworkLayer targets whichever slave is currently selected
	// by secondary address.
	AddressNetworkLayer = 0xFD

	// AddressBroadcastReply addresses all slaves, all replying (collision
	// by design; only useful on single-device buses).
	AddressBroadcastReply = 0xFE

	// AddressBroadcastNoReply addresses all slaves with none replying.
	AddressBroadcastNoReply = 0xFF

	// MaxPrimaryAddress is the highest assignable primary address.
	MaxPrimaryAddress = 250
)

// secondaryAddressLen is the number of hex digits in a secondary address
// or scan mask: 8 identification + 4 manufacturer + 2 version + 2 medium.
const secondaryAddressLen = 16

// FrameType discriminates decoded frames.
type FrameType int

const (
	// FrameAck is the single-byte acknowledgement.
	FrameAck FrameType = iota

	// FrameShort is a fixed-length control frame (no payload).
	FrameShort

	// FrameLong is a variable-length frame carrying a CI field and payload.
	FrameLong
)

// Frame is a decoded M-Bus link-layer frame.
//
// For FrameAck only Type is meaningful. For FrameShort the Control and
// Address fields are set. FrameLong additionally carries CI and Payload
// (the bytes between CI and the checksum).
type Frame struct {
	Type    FrameType
	Control byte
	Address byte
	CI      byte
	Payload []byte
}

// checksum computes the M-Bus arithmetic checksum: the sum of all bytes
// from the C field through the end of the payload, modulo 256.
func checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return sum
}

// EncodeShortFrame builds a fixed-length short frame for the given control
// and address bytes.
//
// Layout: 10 C A CS 16
func EncodeShortFrame(control, address byte) []byte {
	cs := checksum([]byte{control, address})
	return []byte{startShort, control, address, cs, stopByte}
}

// EncodeSelectFrame builds the SND_UD/SELECT frame matching a secondary
// address mask.
//
// The mask is 16 hex characters: 8 identification digits (decimal 0-9 or
// the wildcard F), then manufacturer (4), version (2) and medium (2), all
// normally wildcarded during a scan. Identification is encoded BCD with
// the least significant byte first; wildcard positions become 0xF nibbles,
// which slaves treat as match-any.
//
// Layout: 68 0B 0B 68 | 53 FD 52 | id(4) man(2) ver(1) med(1) | CS 16
func EncodeSelectFrame(mask string) ([]byte, error) {
	nibbles, err := maskNibbles(mask)
	if err != nil {
		return nil, err
	}

	body := make([]byte, 0, 11)
	body = append(body, ControlSndUD, AddressNetworkLayer, ciSelectSlave)

	// Identification: digits 0-7, BCD, LSB first. "12345678" -> 78 56 34 12.
	for i := 6; i >= 0; i -= 2 {
		body = append(body, nibbles[i]<<4|nibbles[i+1])
	}
	// Manufacturer (LSB first), version, medium.
	body = append(body, nibbles[10]<<4|nibbles[11])
	body = append(body, nibbles[8]<<4|nibbles[9])
	body = append(body, nibbles[12]<<4|nibbles[13])
	body = append(body, nibbles[14]<<4|nibbles[15])

	length := byte(len(body))
	frame := make([]byte, 0, len(body)+6)
	frame = append(frame, startLong, length, length, startLong)
	frame = append(frame, body...)
	frame = append(frame, checksum(body), stopByte)
	return frame, nil
}

// maskNibbles converts a 16-character mask into nibble values, with the
// wildcard F mapping to 0xF.
func maskNibbles(mask string) ([]byte, error) {
	if len(mask) != secondaryAddressLen {
		return nil, fmt.Errorf("%w: mask %q must be %d hex digits", ErrInvalidAddress, mask, secondaryAddressLen)
	}
	nibbles := make([]byte, secondaryAddressLen)
	for i, r := range strings.ToUpper(mask) {
		switch {
		case r >= '0' && r <= '9':
			nibbles[i] = byte(r - '0')
		case r >= 'A' && r <= 'F':
			nibbles[i] = byte(r-'A') + 10
		default:
			return nil, fmt.Errorf("%w: mask %q contains %q", ErrInvalidAddress, mask, r)
		}
	}
	return nibbles, nil
}

// DecodeFrame parses raw bytes into a Frame.
//
// Returns ErrFrameDecode for anything that is not a complete, well-formed
// frame: wrong start or stop bytes, length field mismatch, or checksum
// failure. During scanning the caller interprets that outcome as a
// collision between simultaneous replies.
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, fmt.Errorf("%w: empty", ErrFrameDecode)
	}

	switch data[0] {
	case ackByte:
		if len(data) != 1 {
			return Frame{}, fmt.Errorf("%w: %d trailing bytes after ACK", ErrFrameDecode, len(data)-1)
		}
		return Frame{Type: FrameAck}, nil

	case startShort:
		if len(data) != 5 {
			return Frame{}, fmt.Errorf("%w: short frame length %d, want 5", ErrFrameDecode, len(data))
		}
		if data[4] != stopByte {
			return Frame{}, fmt.Errorf("%w: short frame missing stop byte", ErrFrameDecode)
		}
		if checksum(data[1:3]) != data[3] {
			return Frame{}, fmt.Errorf("%w: short frame checksum mismatch", ErrFrameDecode)
		}
		return Frame{Type: FrameShort, Control: data[1], Address: data[2]}, nil

	case startLong:
		return decodeLongFrame(data)

	default:
		return Frame{}, fmt.Errorf("%w: unknown start byte 0x%02X", ErrFrameDecode, data[0])
	}
}

// decodeLongFrame validates and parses a variable-length frame.
//
// Layout: 68 L L 68 | C A CI payload... | CS 16, where L counts the bytes
// from C through the end of the payload.
func decodeLongFrame(data []byte) (Frame, error) {
	if len(data) < 9 {
		return Frame{}, fmt.Errorf("%w: long frame truncated (%d bytes)", ErrFrameDecode, len(data))
	}
	if data[1] != data[2] {
		return Frame{}, fmt.Errorf("%w: length fields disagree (0x%02X vs 0x%02X)", ErrFrameDecode, data[1], data[2])
	}
	if data[3] != startLong {
		return Frame{}, fmt.Errorf("%w: second start byte 0x%02X", ErrFrameDecode, data[3])
	}

	length := int(data[1])
	if length < 3 {
		return Frame{}, fmt.Errorf("%w: length %d below minimum 3", ErrFrameDecode, length)
	}
	if len(data) != length+6 {
		return Frame{}, fmt.Errorf("%w: frame is %d bytes, length field implies %d", ErrFrameDecode, len(data), length+6)
	}
	if data[len(data)-1] != stopByte {
		return Frame{}, fmt.Errorf("%w: long frame missing stop byte", ErrFrameDecode)
	}

	body := data[4 : 4+length]
	if checksum(body) != data[len(data)-2] {
		return Frame{}, fmt.Errorf("%w: long frame checksum mismatch", ErrFrameDecode)
	}

	payload := make([]byte, length-3)
	copy(payload, body[3:])

	return Frame{
		Type:    FrameLong,
		Control: body[0],
		Address: body[1],
		CI:      body[2],
		Payload: payload,
	}, nil
}

// IsDataResponse reports whether a frame is a slave data response
// (RSP_UD) carrying a variable data structure.
func (f Frame) IsDataResponse() bool {
	return f.Type == FrameLong && f.Control&controlRspUD != 0 && f.CI == ciVariableData
}

// IsPrimaryAddress reports whether addr names a primary address (an
// integer 0-250 in decimal notation).
func IsPrimaryAddress(addr string) bool {
	n, err := strconv.Atoi(addr)
	if err != nil {
		return false
	}
	return n >= 0 && n <= MaxPrimaryAddress && strconv.Itoa(n) == addr
}

// IsSecondaryAddress reports whether addr is a 16 hex-digit secondary
// address. Wildcard F digits are permitted: discovered addresses carry an
// instantiated identification with manufacturer/version/medium left as
// wildcards, and SELECT matches them regardless.
func IsSecondaryAddress(addr string) bool {
	if len(addr) != secondaryAddressLen {
		return false
	}
	for _, r := range addr {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
