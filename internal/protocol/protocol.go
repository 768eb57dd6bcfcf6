package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

//go:generate go tool stringer -type=OpCode
type OpCode uint32

const (
	// Subscribe: Entry, PID, ID
	OpSubscribe OpCode = 0x01

	// CancelSubscription: Entry, PID, ID
	OpCancelSubscription OpCode = 0x02

	// PauseSubscription: Entry, PID, ID
	OpPauseSubscription OpCode = 0x03

	// ResumeSubscription: Entry, PID, ID
	OpResumeSubscription OpCode = 0x04

	// Notify: Entry, Sequence
	OpNotify OpCode = 0x05

	// 0x06-0x0F: Reserved
)

// RequestSize is the encoded size of an ObserverRequest
const RequestSize = 32

var (
	ErrShortRequest = errors.New("protocol: short observer request")
	ErrUnknownOp    = errors.New("protocol: unknown opcode")
)

// ObserverRequest is the fixed-size record exchanged over the control
// channel. All fields are little-endian on the wire.
//
//	0x00 Op  0x04 Entry  0x08 PID  0x0C reserved  0x10 ID  0x18 Sequence
type ObserverRequest struct {
	Op       OpCode
	Entry    uint32 // registry entry index
	PID      uint32 // sender process
	ID       uint64 // subscription id
	Sequence uint64 // message sequence, OpNotify only
}

// Valid reports whether op is a known opcode
func (op OpCode) Valid() bool {
	return op >= OpSubscribe && op <= OpNotify
}

// AppendBinary appends the encoded request to b
func (r ObserverRequest) AppendBinary(b []byte) ([]byte, error) {
	if !r.Op.Valid() {
		return b, fmt.Errorf("%w: %s", ErrUnknownOp, r.Op)
	}
	b = binary.LittleEndian.AppendUint32(b, uint32(r.Op))
	b = binary.LittleEndian.AppendUint32(b, r.Entry)
	b = binary.LittleEndian.AppendUint32(b, r.PID)
	b = binary.LittleEndian.AppendUint32(b, 0)
	b = binary.LittleEndian.AppendUint64(b, r.ID)
	b = binary.LittleEndian.AppendUint64(b, r.Sequence)
	return b, nil
}

// MarshalBinary implements encoding.BinaryMarshaler
func (r ObserverRequest) MarshalBinary() ([]byte, error) {
	return r.AppendBinary(make([]byte, 0, RequestSize))
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (r *ObserverRequest) UnmarshalBinary(b []byte) error {
	if len(b) < RequestSize {
		return fmt.Errorf("%w: %d bytes", ErrShortRequest, len(b))
	}
	op := OpCode(binary.LittleEndian.Uint32(b[0:]))
	if !op.Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownOp, op)
	}
	r.Op = op
	r.Entry = binary.LittleEndian.Uint32(b[4:])
	r.PID = binary.LittleEndian.Uint32(b[8:])
	r.ID = binary.LittleEndian.Uint64(b[16:])
	r.Sequence = binary.LittleEndian.Uint64(b[24:])
	return nil
}

func (r ObserverRequest) String() string {
	if r.Op == OpNotify {
		return fmt.Sprintf("%s{entry=%d seq=%d}", r.Op, r.Entry, r.Sequence)
	}
	return fmt.Sprintf("%s{entry=%d pid=%d id=%d}", r.Op, r.Entry, r.PID, r.ID)
}
