// Copyright (c) 2019, Benjamin Shields. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package packet

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// minRequestSize accommodates the opcode (2 bytes) plus a one-byte
// filename, its terminator, a one-byte mode, and its terminator.
const minRequestSize = 6

// Packet is the parsed, typed form of a single TFTP datagram. Exactly one
// of the Req/Data/Ack/Err fields is set, matching Op.
type Packet struct {
	Op   Op
	Req  *Request
	Data *DataBlock
	Ack  *Ack
	Err  *TFTPError
}

// Request is the payload of an RRQ or WRQ packet.
type Request struct {
	Filename string
	Mode     Mode
}

// DataBlock is the payload of a DATA packet.
type DataBlock struct {
	Block   uint16
	Payload []byte
}

// Ack is the payload of an ACK packet.
type Ack struct {
	Block uint16
}

// NewReadRequest encodes an RRQ packet: op(2) filename 0 mode 0.
func NewReadRequest(filename string, mode Mode) []byte {
	return encodeRequest(OpReadRequest, filename, mode)
}

// NewWriteRequest encodes a WRQ packet: op(2) filename 0 mode 0.
func NewWriteRequest(filename string, mode Mode) []byte {
	return encodeRequest(OpWriteRequest, filename, mode)
}

func encodeRequest(op Op, filename string, mode Mode) []byte {
	buf := make([]byte, 2+len(filename)+1+len(mode)+1)
	binary.BigEndian.PutUint16(buf, uint16(op))
	n := 2
	n += copy(buf[n:], filename)
	buf[n] = 0
	n++
	n += copy(buf[n:], mode)
	buf[n] = 0
	return buf
}

// NewData encodes a DATA packet: op(2)=3 block(2) payload. payload must be
// at most MaxDataSize bytes; callers that exceed it get a packet the peer
// will treat as malformed, so the state machine never calls this with an
// oversized chunk.
func NewData(block uint16, payload []byte) []byte {
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint16(buf, uint16(OpData))
	binary.BigEndian.PutUint16(buf[2:], block)
	copy(buf[4:], payload)
	return buf
}

// NewAck encodes an ACK packet: op(2)=4 block(2).
func NewAck(block uint16) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint16(buf, uint16(OpAck))
	binary.BigEndian.PutUint16(buf[2:], block)
	return buf
}

// NewErrorPacket encodes an ERROR packet: op(2)=5 code(2) message 0.
func NewErrorPacket(code uint16, message string) []byte {
	buf := make([]byte, 4+len(message)+1)
	binary.BigEndian.PutUint16(buf, uint16(OpError))
	binary.BigEndian.PutUint16(buf[2:], code)
	n := 4
	n += copy(buf[n:], message)
	buf[n] = 0
	return buf
}

// NewErrorPacketFrom encodes an ERROR packet from a TFTPError value.
func NewErrorPacketFrom(err *TFTPError) []byte {
	return NewErrorPacket(err.Code, err.Message)
}

// Parse decodes a raw datagram into a typed Packet, applying the checks of
// RFC 1350 §5 in order: opcode validity first, then the kind-specific
// framing. Any violation returns ErrMalformed wrapped with the detail that
// tripped it.
func Parse(buf []byte) (Packet, error) {
	if len(buf) < 2 {
		return Packet{}, errors.Wrap(ErrMalformed, "buffer shorter than an opcode")
	}

	op := Op(binary.BigEndian.Uint16(buf[:2]))
	switch op {
	case OpReadRequest, OpWriteRequest:
		req, err := parseRequest(buf)
		if err != nil {
			return Packet{}, err
		}
		return Packet{Op: op, Req: req}, nil
	case OpData:
		data, err := parseData(buf)
		if err != nil {
			return Packet{}, err
		}
		return Packet{Op: op, Data: data}, nil
	case OpAck:
		ack, err := parseAck(buf)
		if err != nil {
			return Packet{}, err
		}
		return Packet{Op: op, Ack: ack}, nil
	case OpError:
		tErr, err := parseError(buf)
		if err != nil {
			return Packet{}, err
		}
		return Packet{Op: op, Err: tErr}, nil
	default:
		return Packet{}, errors.Wrapf(ErrMalformed, "opcode %d is not one of 1..5", uint16(op))
	}
}

// parseRequest decodes the filename/mode pair shared by RRQ and WRQ. Extra
// bytes past the mode's terminator are not tolerated: this core has no
// options extension to hand them to, so their presence is malformed.
func parseRequest(buf []byte) (*Request, error) {
	if len(buf) < minRequestSize {
		return nil, errors.Wrap(ErrMalformed, "request shorter than the minimum RRQ/WRQ framing")
	}
	rest := buf[2:]

	nameEnd := bytes.IndexByte(rest, 0)
	if nameEnd <= 0 {
		return nil, errors.Wrap(ErrMalformed, "missing or empty filename")
	}
	filename := string(rest[:nameEnd])

	rest = rest[nameEnd+1:]
	modeEnd := bytes.IndexByte(rest, 0)
	if modeEnd <= 0 {
		return nil, errors.Wrap(ErrMalformed, "missing or empty mode")
	}
	mode := rest[:modeEnd]

	if modeEnd+1 != len(rest) {
		return nil, errors.Wrap(ErrMalformed, "trailing bytes after mode terminator")
	}

	return &Request{Filename: filename, Mode: Mode(mode)}, nil
}

func parseData(buf []byte) (*DataBlock, error) {
	if len(buf) < 4 {
		return nil, errors.Wrap(ErrMalformed, "data packet shorter than its header")
	}
	payload := buf[4:]
	if len(payload) > MaxDataSize {
		return nil, errors.Wrapf(ErrMalformed, "data payload of %d bytes exceeds %d", len(payload), MaxDataSize)
	}
	block := binary.BigEndian.Uint16(buf[2:4])
	return &DataBlock{Block: block, Payload: payload}, nil
}

func parseAck(buf []byte) (*Ack, error) {
	if len(buf) != 4 {
		return nil, errors.Wrapf(ErrMalformed, "ack packet is %d bytes, want exactly 4", len(buf))
	}
	return &Ack{Block: binary.BigEndian.Uint16(buf[2:4])}, nil
}

func parseError(buf []byte) (*TFTPError, error) {
	if len(buf) < 5 {
		return nil, errors.Wrap(ErrMalformed, "error packet shorter than its minimum framing")
	}
	code := binary.BigEndian.Uint16(buf[2:4])
	msgBytes := buf[4:]
	term := bytes.IndexByte(msgBytes, 0)
	if term < 0 {
		// No terminator: take the remainder as the message rather than
		// reject the packet outright, matching the tolerant behavior the
		// distilled spec calls for when a peer omits the trailing zero.
		return &TFTPError{Code: code, Message: string(msgBytes)}, nil
	}
	return &TFTPError{Code: code, Message: string(msgBytes[:term])}, nil
}
