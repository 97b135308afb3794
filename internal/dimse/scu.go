package dimse

import "fmt"

// Echo performs a C-ECHO round trip.
func (a *Assoc) Echo() error {
	pcid, _, ok := a.ContextFor(VerificationSOPClass, "")
	if !ok {
		return &ProtocolStatusError{Operation: "C-ECHO", Status: StatusCannotUnderstand}
	}
	req := &Message{
		CommandField:        CEchoRq,
		MessageID:           a.allocMessageID(),
		AffectedSOPClassUID: VerificationSOPClass,
	}
	if err := a.WriteMessage(pcid, req, nil); err != nil {
		return err
	}
	_, rsp, _, err := a.ReadMessage()
	if err != nil {
		return err
	}
	if rsp.Status != StatusSuccess {
		return &ProtocolStatusError{Operation: "C-ECHO", Status: rsp.Status}
	}
	return nil
}

// Find runs a C-FIND with the given identifier, invoking each for every
// pending match. A non-nil error from each cancels iteration by aborting
// the association.
func (a *Assoc) Find(identifier *Object, each func(*Object) error) error {
	pcid, _, ok := a.ContextFor(StudyRootQueryRetrieveFind, "")
	if !ok {
		return &ProtocolStatusError{Operation: "C-FIND", Status: StatusCannotUnderstand}
	}
	req := &Message{
		CommandField:        CFindRq,
		MessageID:           a.allocMessageID(),
		AffectedSOPClassUID: StudyRootQueryRetrieveFind,
	}
	if err := a.WriteMessage(pcid, req, identifier.Encode()); err != nil {
		return err
	}

	for {
		_, rsp, data, err := a.ReadMessage()
		if err != nil {
			return err
		}
		if rsp.CommandField != CFindRsp {
			return a.wrap(fmt.Errorf("unexpected command 0x%04X in find exchange", rsp.CommandField))
		}
		if !IsPending(rsp.Status) {
			if rsp.Status == StatusSuccess || IsWarning(rsp.Status) {
				return nil
			}
			return &ProtocolStatusError{Operation: "C-FIND", Status: rsp.Status}
		}
		match, err := DecodeObject(data)
		if err != nil {
			return a.wrap(err)
		}
		if err := each(match); err != nil {
			a.Abort()
			return err
		}
	}
}

// Move issues a C-MOVE directing the peer to send the matched instances
// to destAE, invoking onRsp for every response including the final one.
// The peer's sub-operation counters are informational only.
func (a *Assoc) Move(destAE string, identifier *Object, onRsp func(*Message)) error {
	pcid, _, ok := a.ContextFor(StudyRootQueryRetrieveMove, "")
	if !ok {
		return &ProtocolStatusError{Operation: "C-MOVE", Status: StatusCannotUnderstand}
	}
	req := &Message{
		CommandField:        CMoveRq,
		MessageID:           a.allocMessageID(),
		AffectedSOPClassUID: StudyRootQueryRetrieveMove,
		MoveDestination:     destAE,
	}
	if err := a.WriteMessage(pcid, req, identifier.Encode()); err != nil {
		return err
	}

	for {
		_, rsp, _, err := a.ReadMessage()
		if err != nil {
			return err
		}
		if rsp.CommandField != CMoveRsp {
			return a.wrap(fmt.Errorf("unexpected command 0x%04X in move exchange", rsp.CommandField))
		}
		if onRsp != nil {
			onRsp(rsp)
		}
		if IsPending(rsp.Status) {
			continue
		}
		if rsp.Status == StatusSuccess || IsWarning(rsp.Status) {
			return nil
		}
		return &ProtocolStatusError{Operation: "C-MOVE", Status: rsp.Status}
	}
}

// Store sends one dataset, already encoded in the transfer syntax its
// presentation context was accepted with.
func (a *Assoc) Store(sopClassUID, sopInstanceUID, transferSyntax string, dataset []byte) error {
	pcid, _, ok := a.ContextFor(sopClassUID, transferSyntax)
	if !ok {
		return &ProtocolStatusError{Operation: "C-STORE", Status: StatusCannotUnderstand}
	}
	req := &Message{
		CommandField:           CStoreRq,
		MessageID:              a.allocMessageID(),
		AffectedSOPClassUID:    sopClassUID,
		AffectedSOPInstanceUID: sopInstanceUID,
	}
	if err := a.WriteMessage(pcid, req, dataset); err != nil {
		return err
	}
	_, rsp, _, err := a.ReadMessage()
	if err != nil {
		return err
	}
	if rsp.Status != StatusSuccess && !IsWarning(rsp.Status) {
		return &ProtocolStatusError{Operation: "C-STORE", Status: rsp.Status}
	}
	return nil
}
