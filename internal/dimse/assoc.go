package dimse

import (
	"bufio"
	"fmt"
	"net"
	"time"

	"dicom-gateway/internal/dicomfile"
)

// acceptedContext is one successfully negotiated presentation context.
type acceptedContext struct {
	abstractSyntax string
	transferSyntax string
}

// Assoc is an open association. Not safe for concurrent use; the DIMSE
// exchange on one association is strictly sequential.
type Assoc struct {
	conn net.Conn
	r    *bufio.Reader

	calledAE   string
	callingAE  string
	peerMaxPDU uint32
	contexts   map[byte]acceptedContext

	msgTimeout time.Duration
	nextMsgID  uint16
	released   bool
}

// ConnectOptions configures an outbound association.
type ConnectOptions struct {
	CallingAE      string
	CalledAE       string
	PresContexts   []PresContext
	ConnectTimeout time.Duration
	MessageTimeout time.Duration
	MaxPDU         uint32
}

// Connect dials the peer and negotiates an association. At least one
// proposed presentation context must be accepted or the association is
// released and an error returned.
func Connect(addr string, opts ConnectOptions) (*Assoc, error) {
	conn, err := net.DialTimeout("tcp", addr, opts.ConnectTimeout)
	if err != nil {
		return nil, &ConnectionError{Addr: addr, Err: err}
	}

	a := &Assoc{
		conn:       conn,
		r:          bufio.NewReader(conn),
		calledAE:   opts.CalledAE,
		callingAE:  opts.CallingAE,
		msgTimeout: opts.MessageTimeout,
		nextMsgID:  1,
	}

	rq := &AssocParams{
		CalledAE:     opts.CalledAE,
		CallingAE:    opts.CallingAE,
		PresContexts: opts.PresContexts,
		MaxPDU:       opts.MaxPDU,
		ImplClass:    dicomfile.ImplementationClassUID,
		ImplVersion:  dicomfile.ImplementationVersionName,
	}
	a.deadline()
	if err := writePDU(conn, pduAssociateRQ, encodeAssociate(pduAssociateRQ, rq)); err != nil {
		conn.Close()
		return nil, &ConnectionError{Addr: addr, Err: err}
	}

	typ, body, err := readPDU(a.r)
	if err != nil {
		conn.Close()
		return nil, &ConnectionError{Addr: addr, Err: err}
	}
	switch typ {
	case pduAssociateAC:
	case pduAssociateRJ:
		conn.Close()
		if len(body) >= 4 {
			return nil, &AssociationRejectedError{Result: body[1], Source: body[2], Reason: body[3]}
		}
		return nil, &AssociationRejectedError{}
	default:
		conn.Close()
		return nil, &ConnectionError{Addr: addr, Err: fmt.Errorf("unexpected PDU 0x%02X during negotiation", typ)}
	}

	ac, err := decodeAssociate(pduAssociateAC, body)
	if err != nil {
		conn.Close()
		return nil, &ConnectionError{Addr: addr, Err: err}
	}
	a.peerMaxPDU = ac.MaxPDU

	proposed := make(map[byte]string, len(opts.PresContexts))
	for _, pc := range opts.PresContexts {
		proposed[pc.ID] = pc.AbstractSyntax
	}
	a.contexts = make(map[byte]acceptedContext)
	for _, pc := range ac.PresContexts {
		if pc.Result != PresAccepted || len(pc.TransferSyntaxes) == 0 {
			continue
		}
		abstract, ok := proposed[pc.ID]
		if !ok {
			continue
		}
		a.contexts[pc.ID] = acceptedContext{
			abstractSyntax: abstract,
			transferSyntax: pc.TransferSyntaxes[0],
		}
	}
	if len(a.contexts) == 0 {
		a.Release()
		return nil, &ConnectionError{Addr: addr, Err: fmt.Errorf("no presentation context accepted")}
	}
	return a, nil
}

// ContextFor returns an accepted presentation context for the abstract
// syntax, preferring one whose selected transfer syntax matches.
func (a *Assoc) ContextFor(abstractSyntax, transferSyntax string) (byte, string, bool) {
	var fallbackID byte
	var fallbackTS string
	found := false
	for id, ctx := range a.contexts {
		if ctx.abstractSyntax != abstractSyntax {
			continue
		}
		if transferSyntax == "" || ctx.transferSyntax == transferSyntax {
			return id, ctx.transferSyntax, true
		}
		if !found {
			fallbackID, fallbackTS, found = id, ctx.transferSyntax, true
		}
	}
	if transferSyntax != "" {
		// A context for the class exists but not in the requested syntax.
		return fallbackID, fallbackTS, false
	}
	return fallbackID, fallbackTS, found
}

// HasContext reports whether the abstract syntax was accepted in exactly
// the given transfer syntax.
func (a *Assoc) HasContext(abstractSyntax, transferSyntax string) bool {
	for _, ctx := range a.contexts {
		if ctx.abstractSyntax == abstractSyntax && ctx.transferSyntax == transferSyntax {
			return true
		}
	}
	return false
}

func (a *Assoc) deadline() {
	if a.msgTimeout > 0 {
		a.conn.SetDeadline(time.Now().Add(a.msgTimeout))
	}
}

func (a *Assoc) allocMessageID() uint16 {
	id := a.nextMsgID
	a.nextMsgID++
	if a.nextMsgID == 0 {
		a.nextMsgID = 1
	}
	return id
}

// WriteMessage sends a command set and optional dataset on one
// presentation context, fragmenting to the peer's maximum PDU length.
func (a *Assoc) WriteMessage(pcid byte, m *Message, dataset []byte) error {
	m.HasDataset = len(dataset) > 0
	a.deadline()
	if err := writeDataTF(a.conn, pcid, true, m.Encode(), a.peerMaxPDU); err != nil {
		return a.wrap(err)
	}
	if len(dataset) > 0 {
		if err := writeDataTF(a.conn, pcid, false, dataset, a.peerMaxPDU); err != nil {
			return a.wrap(err)
		}
	}
	return nil
}

// ReadMessage assembles the next command set and, when the command
// announces one, its dataset. A release request from the peer is
// acknowledged and reported as ErrPeerReleased; an abort as
// ErrPeerAborted.
func (a *Assoc) ReadMessage() (byte, *Message, []byte, error) {
	var pcid byte
	var command []byte

	assemble := func(want bool) ([]byte, error) {
		var buf []byte
		for {
			a.deadline()
			typ, body, err := readPDU(a.r)
			if err != nil {
				return nil, a.wrap(err)
			}
			switch typ {
			case pduDataTF:
			case pduReleaseRQ:
				writePDU(a.conn, pduReleaseRP, make([]byte, 4))
				a.released = true
				return nil, ErrPeerReleased
			case pduAbort:
				a.released = true
				return nil, ErrPeerAborted
			default:
				return nil, a.wrap(fmt.Errorf("unexpected PDU 0x%02X mid-exchange", typ))
			}

			pdvs, err := parseDataTF(body)
			if err != nil {
				return nil, a.wrap(err)
			}
			for _, p := range pdvs {
				if p.command != want {
					return nil, a.wrap(fmt.Errorf("interleaved PDV streams"))
				}
				pcid = p.pcid
				buf = append(buf, p.data...)
				if p.last {
					return buf, nil
				}
			}
		}
	}

	command, err := assemble(true)
	if err != nil {
		return 0, nil, nil, err
	}
	m, err := DecodeMessage(command)
	if err != nil {
		return 0, nil, nil, a.wrap(err)
	}
	if !m.HasDataset {
		return pcid, m, nil, nil
	}
	data, err := assemble(false)
	if err != nil {
		return 0, nil, nil, err
	}
	return pcid, m, data, nil
}

// Release performs the graceful release handshake and closes the socket.
func (a *Assoc) Release() error {
	defer a.conn.Close()
	if a.released {
		return nil
	}
	a.deadline()
	if err := writePDU(a.conn, pduReleaseRQ, make([]byte, 4)); err != nil {
		return a.wrap(err)
	}
	for {
		typ, _, err := readPDU(a.r)
		if err != nil {
			return a.wrap(err)
		}
		switch typ {
		case pduReleaseRP:
			return nil
		case pduDataTF:
			// Straggler responses during collision are dropped.
		case pduAbort:
			return nil
		default:
			return a.wrap(fmt.Errorf("unexpected PDU 0x%02X during release", typ))
		}
	}
}

// Abort sends an A-ABORT and closes the socket.
func (a *Assoc) Abort() {
	body := make([]byte, 4)
	a.deadline()
	writePDU(a.conn, pduAbort, body)
	a.conn.Close()
}

// Close tears the socket down without protocol ceremony.
func (a *Assoc) Close() error { return a.conn.Close() }

// CallingAE returns the peer-facing calling AE title of this association.
func (a *Assoc) CallingAE() string { return a.callingAE }

func (a *Assoc) wrap(err error) error {
	if err == ErrPeerReleased || err == ErrPeerAborted {
		return err
	}
	return &ConnectionError{Addr: a.conn.RemoteAddr().String(), Err: err}
}
