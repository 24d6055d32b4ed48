// Package dmp implements the Device Management Protocol framing: the fixed
// 8-byte header and the management records carried behind it.
package dmp

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Op defines the operation type.
type Op uint8

// Available operations. Values above WriteResponse do not exist in the
// protocol; a first byte decoding to one marks the payload as non-DMP data.
const (
	OpReadRequest   Op = 0x00
	OpReadResponse  Op = 0x01
	OpWriteRequest  Op = 0x02
	OpWriteResponse Op = 0x03
)

// GroupID defines the management group identifier.
type GroupID uint16

// Management groups used by this transport.
const (
	GroupOSManagement    GroupID = 0
	GroupImageManagement GroupID = 1
)

// CommandID defines the command identifier within a group.
type CommandID uint8

// Image management commands.
const (
	CmdImageState  CommandID = 0
	CmdImageUpload CommandID = 1
)

// HeaderSize defines the size of the header in bytes.
const HeaderSize = 8

// Errors
var (
	ErrInvalidOp = errors.New("dmp: op out of range")
)

// Header defines the fixed header prefixing every DMP frame. Length covers
// the record behind the header, so a full message is HeaderSize + Length
// bytes.
type Header struct {
	Op        Op
	Flags     uint8
	Length    uint16
	GroupID   GroupID
	Sequence  uint8
	CommandID CommandID
}

// MarshalBinary encodes the header to a slice of bytes.
func (h Header) MarshalBinary() ([]byte, error) {
	if h.Op > 0x07 {
		return nil, ErrInvalidOp
	}

	b := make([]byte, HeaderSize)
	b[0] = byte(h.Op) & 0x07
	b[1] = h.Flags
	binary.BigEndian.PutUint16(b[2:4], h.Length)
	binary.BigEndian.PutUint16(b[4:6], uint16(h.GroupID))
	b[6] = h.Sequence
	b[7] = byte(h.CommandID)

	return b, nil
}

// UnmarshalBinary decodes the header from a slice of bytes.
func (h *Header) UnmarshalBinary(data []byte) error {
	if len(data) < HeaderSize {
		return fmt.Errorf("dmp: %d bytes are expected", HeaderSize)
	}

	h.Op = Op(data[0] & 0x07)
	h.Flags = data[1]
	h.Length = binary.BigEndian.Uint16(data[2:4])
	h.GroupID = GroupID(binary.BigEndian.Uint16(data[4:6]))
	h.Sequence = data[6]
	h.CommandID = CommandID(data[7])

	return nil
}

// Valid returns true when the op field holds a defined operation.
func (h Header) Valid() bool {
	return h.Op <= OpWriteResponse
}
