package dimse

import (
	"encoding/binary"
	"testing"
)

func TestMessageRoundTripRequest(t *testing.T) {
	req := &Message{
		CommandField:           CStoreRq,
		MessageID:              7,
		AffectedSOPClassUID:    "1.2.840.10008.5.1.4.1.1.2",
		AffectedSOPInstanceUID: "1.2.3.4.5",
		HasDataset:             true,
	}

	decoded, err := DecodeMessage(req.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.CommandField != CStoreRq || decoded.MessageID != 7 {
		t.Errorf("decoded = %+v", decoded)
	}
	if decoded.AffectedSOPClassUID != req.AffectedSOPClassUID {
		t.Errorf("sop class = %q", decoded.AffectedSOPClassUID)
	}
	if decoded.AffectedSOPInstanceUID != req.AffectedSOPInstanceUID {
		t.Errorf("sop instance = %q", decoded.AffectedSOPInstanceUID)
	}
	if !decoded.HasDataset {
		t.Error("dataset announcement lost")
	}
	if decoded.IsResponse() {
		t.Error("request classified as response")
	}
}

func TestMessageRoundTripMoveResponse(t *testing.T) {
	rsp := &Message{
		CommandField:        CMoveRsp,
		RespondedTo:         3,
		AffectedSOPClassUID: StudyRootQueryRetrieveMove,
		Status:              StatusPending,
		HasCounts:           true,
		Counts:              SubOpCounts{Remaining: 5, Completed: 4, Failed: 1, Warning: 0},
	}

	decoded, err := DecodeMessage(rsp.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded.IsResponse() || decoded.RespondedTo != 3 {
		t.Errorf("decoded = %+v", decoded)
	}
	if decoded.Status != StatusPending {
		t.Errorf("status = %04X", decoded.Status)
	}
	if !decoded.HasCounts || decoded.Counts != rsp.Counts {
		t.Errorf("counts = %+v (has=%v)", decoded.Counts, decoded.HasCounts)
	}
	if decoded.HasDataset {
		t.Error("no-dataset response announced a dataset")
	}
}

func TestMessageGroupLength(t *testing.T) {
	m := &Message{CommandField: CEchoRq, MessageID: 1, AffectedSOPClassUID: VerificationSOPClass}
	encoded := m.Encode()

	// First element is the group length covering everything after it.
	if got := binary.LittleEndian.Uint16(encoded[0:]); got != 0x0000 {
		t.Fatalf("first group = %04X", got)
	}
	if got := binary.LittleEndian.Uint16(encoded[2:]); got != 0x0000 {
		t.Fatalf("first element = %04X", got)
	}
	groupLen := binary.LittleEndian.Uint32(encoded[8:])
	if int(groupLen) != len(encoded)-12 {
		t.Errorf("group length = %d, want %d", groupLen, len(encoded)-12)
	}
}

func TestDecodeMessageMissingCommandField(t *testing.T) {
	o := &Object{}
	o.SetUint16(0x0000, tagMessageID, 1)
	if _, err := DecodeMessage(o.Encode()); err == nil {
		t.Error("command set without command field accepted")
	}
}

func TestStatusClassification(t *testing.T) {
	if !IsPending(StatusPending) || !IsPending(StatusPendingWarning) {
		t.Error("pending statuses not recognized")
	}
	if IsPending(StatusSuccess) {
		t.Error("success classified as pending")
	}
	if !IsWarning(0xB000) || IsWarning(StatusSuccess) || IsWarning(0xC001) {
		t.Error("warning classification wrong")
	}
}
