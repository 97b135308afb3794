package dimse

import (
	"encoding/binary"
	"fmt"
)

// Command set tags (group 0000).
const (
	tagCommandGroupLength     uint16 = 0x0000
	tagAffectedSOPClassUID    uint16 = 0x0002
	tagCommandField           uint16 = 0x0100
	tagMessageID              uint16 = 0x0110
	tagMessageIDRespondedTo   uint16 = 0x0120
	tagMoveDestination        uint16 = 0x0600
	tagPriority               uint16 = 0x0700
	tagCommandDataSetType     uint16 = 0x0800
	tagStatus                 uint16 = 0x0900
	tagAffectedSOPInstanceUID uint16 = 0x1000
	tagRemainingSuboperations uint16 = 0x1020
	tagCompletedSuboperations uint16 = 0x1021
	tagFailedSuboperations    uint16 = 0x1022
	tagWarningSuboperations   uint16 = 0x1023
)

const noDataset uint16 = 0x0101

// SubOpCounts are the per-operation progress counters a move responder
// reports. They are merged into hierarchy descriptors for visibility but
// never decide retrieval completion on their own.
type SubOpCounts struct {
	Remaining uint16
	Completed uint16
	Failed    uint16
	Warning   uint16
}

// Message is one DIMSE command set.
type Message struct {
	CommandField           uint16
	MessageID              uint16
	RespondedTo            uint16
	AffectedSOPClassUID    string
	AffectedSOPInstanceUID string
	MoveDestination        string
	Priority               uint16
	Status                 uint16
	HasDataset             bool

	// Move responses only.
	Counts    SubOpCounts
	HasCounts bool
}

// IsResponse reports whether the command field is a response.
func (m *Message) IsResponse() bool { return m.CommandField&0x8000 != 0 }

// Encode serializes the command set, group length element included.
func (m *Message) Encode() []byte {
	o := &Object{}
	if m.AffectedSOPClassUID != "" {
		o.SetString(0x0000, tagAffectedSOPClassUID, m.AffectedSOPClassUID)
	}
	o.SetUint16(0x0000, tagCommandField, m.CommandField)
	if m.IsResponse() {
		o.SetUint16(0x0000, tagMessageIDRespondedTo, m.RespondedTo)
		o.SetUint16(0x0000, tagStatus, m.Status)
	} else {
		o.SetUint16(0x0000, tagMessageID, m.MessageID)
	}
	if m.CommandField == CStoreRq || m.CommandField == CFindRq || m.CommandField == CMoveRq {
		o.SetUint16(0x0000, tagPriority, m.Priority)
	}
	if m.MoveDestination != "" {
		o.SetString(0x0000, tagMoveDestination, m.MoveDestination)
	}
	if m.AffectedSOPInstanceUID != "" {
		o.SetString(0x0000, tagAffectedSOPInstanceUID, m.AffectedSOPInstanceUID)
	}
	if m.HasDataset {
		o.SetUint16(0x0000, tagCommandDataSetType, 0x0000)
	} else {
		o.SetUint16(0x0000, tagCommandDataSetType, noDataset)
	}
	if m.HasCounts {
		o.SetUint16(0x0000, tagRemainingSuboperations, m.Counts.Remaining)
		o.SetUint16(0x0000, tagCompletedSuboperations, m.Counts.Completed)
		o.SetUint16(0x0000, tagFailedSuboperations, m.Counts.Failed)
		o.SetUint16(0x0000, tagWarningSuboperations, m.Counts.Warning)
	}

	body := o.Encode()

	// The group length element precedes everything else.
	out := make([]byte, 0, 12+len(body))
	var hdr [12]byte
	binary.LittleEndian.PutUint16(hdr[0:], 0x0000)
	binary.LittleEndian.PutUint16(hdr[2:], tagCommandGroupLength)
	binary.LittleEndian.PutUint32(hdr[4:], 4)
	binary.LittleEndian.PutUint32(hdr[8:], uint32(len(body)))
	out = append(out, hdr[:]...)
	out = append(out, body...)
	return out
}

// DecodeMessage parses a command set.
func DecodeMessage(data []byte) (*Message, error) {
	o, err := DecodeObject(data)
	if err != nil {
		return nil, fmt.Errorf("bad command set: %w", err)
	}

	m := &Message{}
	var ok bool
	if m.CommandField, ok = o.GetUint16(0x0000, tagCommandField); !ok {
		return nil, fmt.Errorf("command set missing command field")
	}
	m.MessageID, _ = o.GetUint16(0x0000, tagMessageID)
	m.RespondedTo, _ = o.GetUint16(0x0000, tagMessageIDRespondedTo)
	m.AffectedSOPClassUID, _ = o.GetString(0x0000, tagAffectedSOPClassUID)
	m.AffectedSOPInstanceUID, _ = o.GetString(0x0000, tagAffectedSOPInstanceUID)
	m.MoveDestination, _ = o.GetString(0x0000, tagMoveDestination)
	m.Priority, _ = o.GetUint16(0x0000, tagPriority)
	m.Status, _ = o.GetUint16(0x0000, tagStatus)

	dsType, ok := o.GetUint16(0x0000, tagCommandDataSetType)
	m.HasDataset = ok && dsType != noDataset

	if o.Has(0x0000, tagCompletedSuboperations) || o.Has(0x0000, tagRemainingSuboperations) {
		m.HasCounts = true
		m.Counts.Remaining, _ = o.GetUint16(0x0000, tagRemainingSuboperations)
		m.Counts.Completed, _ = o.GetUint16(0x0000, tagCompletedSuboperations)
		m.Counts.Failed, _ = o.GetUint16(0x0000, tagFailedSuboperations)
		m.Counts.Warning, _ = o.GetUint16(0x0000, tagWarningSuboperations)
	}
	return m, nil
}
