package dimse

import (
	"errors"
	"fmt"
)

// Peer-initiated association shutdown, reported by ReadMessage.
var (
	ErrPeerReleased = errors.New("association released by peer")
	ErrPeerAborted  = errors.New("association aborted by peer")
)

// DIMSE command field values.
const (
	CStoreRq  uint16 = 0x0001
	CStoreRsp uint16 = 0x8001
	CFindRq   uint16 = 0x0020
	CFindRsp  uint16 = 0x8020
	CMoveRq   uint16 = 0x0021
	CMoveRsp  uint16 = 0x8021
	CEchoRq   uint16 = 0x0030
	CEchoRsp  uint16 = 0x8030
)

// DIMSE status values. Anything outside pending/success/warning surfaces
// as a ProtocolStatusError.
const (
	StatusSuccess        uint16 = 0x0000
	StatusCancel         uint16 = 0xFE00
	StatusPending        uint16 = 0xFF00
	StatusPendingWarning uint16 = 0xFF01

	StatusOutOfResources         uint16 = 0xA700
	StatusDatasetMismatch        uint16 = 0xA900
	StatusCannotUnderstand       uint16 = 0xC000
	StatusMoveDestinationUnknown uint16 = 0xA801
)

// IsPending reports whether a status indicates more responses follow.
func IsPending(status uint16) bool {
	return status == StatusPending || status == StatusPendingWarning
}

// IsWarning reports whether a final status is in the warning class.
func IsWarning(status uint16) bool {
	return status&0xF000 == 0xB000
}

// ConnectionError wraps transport-level failures: dial, association
// negotiation, or mid-exchange socket errors.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolStatusError signals a DIMSE response status outside the
// pending/success/warning classes.
type ProtocolStatusError struct {
	Operation string
	Status    uint16
}

func (e *ProtocolStatusError) Error() string {
	return fmt.Sprintf("%s failed with status 0x%04X", e.Operation, e.Status)
}

// AssociationRejectedError reports an A-ASSOCIATE-RJ from the peer.
type AssociationRejectedError struct {
	Result, Source, Reason byte
}

func (e *AssociationRejectedError) Error() string {
	return fmt.Sprintf("association rejected (result=%d source=%d reason=%d)",
		e.Result, e.Source, e.Reason)
}
