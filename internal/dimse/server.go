package dimse

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"dicom-gateway/internal/dicomfile"
)

// StoreHandler receives one inbound C-STORE dataset and returns the DIMSE
// status for the response. The dataset bytes are encoded in the transfer
// syntax of the presentation context they arrived on.
type StoreHandler func(callingAE, sopClassUID, sopInstanceUID, transferSyntax string, dataset []byte) uint16

// FindHandler answers one C-FIND request: it returns the pending matches
// for the identifier and the final response status.
type FindHandler func(callingAE string, identifier *Object) ([]*Object, uint16)

// ServerOptions configures the listening application entity.
type ServerOptions struct {
	AETitle        string
	AcceptsClass   func(sopClassUID string) bool
	TransferSyntax []string
	MaxPDU         uint32
	MessageTimeout time.Duration
	OnStore        StoreHandler
	OnFind         FindHandler
	Logger         *slog.Logger
}

// Server accepts associations and services C-ECHO and C-STORE.
type Server struct {
	opts ServerOptions
	ln   net.Listener
	log  *slog.Logger

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// NewServer creates a server; Serve starts it.
func NewServer(opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if len(opts.TransferSyntax) == 0 {
		opts.TransferSyntax = DefaultTransferSyntaxes
	}
	return &Server{
		opts:  opts,
		log:   opts.Logger,
		conns: make(map[net.Conn]struct{}),
	}
}

// Serve listens on addr and blocks until Shutdown closes the listener.
func (s *Server) Serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.track(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			s.handle(conn)
		}()
	}
}

// Shutdown stops accepting, closes open associations and waits for the
// handlers to finish.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.ln != nil {
		s.ln.Close()
	}
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Addr returns the bound listener address, or nil before Serve binds it.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) track(c net.Conn, add bool) {
	s.mu.Lock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
	s.mu.Unlock()
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()

	a := &Assoc{
		conn:       conn,
		r:          bufio.NewReader(conn),
		msgTimeout: s.opts.MessageTimeout,
		nextMsgID:  1,
	}

	callingAE, err := s.negotiate(a)
	if err != nil {
		s.log.Warn("association setup failed", "remote", remote, "error", err)
		return
	}
	s.log.Info("association established", "remote", remote, "calling_ae", callingAE)

	for {
		pcid, m, data, err := a.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, ErrPeerReleased):
				s.log.Info("association released", "remote", remote)
			case errors.Is(err, ErrPeerAborted):
				s.log.Warn("association aborted by peer", "remote", remote)
			default:
				s.log.Warn("association dropped", "remote", remote, "error", err)
			}
			return
		}

		switch m.CommandField {
		case CEchoRq:
			rsp := &Message{
				CommandField:        CEchoRsp,
				RespondedTo:         m.MessageID,
				AffectedSOPClassUID: m.AffectedSOPClassUID,
				Status:              StatusSuccess,
			}
			if err := a.WriteMessage(pcid, rsp, nil); err != nil {
				return
			}

		case CFindRq:
			if err := s.serveFind(a, pcid, callingAE, m, data); err != nil {
				return
			}

		case CStoreRq:
			ctx, ok := a.contexts[pcid]
			status := StatusCannotUnderstand
			if ok && s.opts.OnStore != nil {
				status = s.opts.OnStore(callingAE, m.AffectedSOPClassUID, m.AffectedSOPInstanceUID, ctx.transferSyntax, data)
			}
			rsp := &Message{
				CommandField:           CStoreRsp,
				RespondedTo:            m.MessageID,
				AffectedSOPClassUID:    m.AffectedSOPClassUID,
				AffectedSOPInstanceUID: m.AffectedSOPInstanceUID,
				Status:                 status,
			}
			if err := a.WriteMessage(pcid, rsp, nil); err != nil {
				return
			}

		default:
			s.log.Warn("unsupported command", "remote", remote, "command", fmt.Sprintf("0x%04X", m.CommandField))
			a.Abort()
			return
		}
	}
}

// serveFind streams the handler's matches as pending responses followed by
// the final status.
func (s *Server) serveFind(a *Assoc, pcid byte, callingAE string, m *Message, data []byte) error {
	var matches []*Object
	status := StatusCannotUnderstand
	if s.opts.OnFind != nil {
		if identifier, err := DecodeObject(data); err == nil {
			matches, status = s.opts.OnFind(callingAE, identifier)
		}
	}
	for _, match := range matches {
		rsp := &Message{
			CommandField:        CFindRsp,
			RespondedTo:         m.MessageID,
			AffectedSOPClassUID: m.AffectedSOPClassUID,
			Status:              StatusPending,
		}
		if err := a.WriteMessage(pcid, rsp, match.Encode()); err != nil {
			return err
		}
	}
	final := &Message{
		CommandField:        CFindRsp,
		RespondedTo:         m.MessageID,
		AffectedSOPClassUID: m.AffectedSOPClassUID,
		Status:              status,
	}
	return a.WriteMessage(pcid, final, nil)
}

// negotiate reads the A-ASSOCIATE-RQ and answers with an AC accepting
// verification, find when a handler is configured, and every configured
// storage class, in the first proposed transfer syntax the gateway also
// supports.
func (s *Server) negotiate(a *Assoc) (string, error) {
	typ, body, err := readPDU(a.r)
	if err != nil {
		return "", err
	}
	if typ != pduAssociateRQ {
		return "", fmt.Errorf("expected A-ASSOCIATE-RQ, got PDU 0x%02X", typ)
	}
	rq, err := decodeAssociate(pduAssociateRQ, body)
	if err != nil {
		return "", err
	}

	supported := make(map[string]bool, len(s.opts.TransferSyntax))
	for _, ts := range s.opts.TransferSyntax {
		supported[ts] = true
	}

	a.peerMaxPDU = rq.MaxPDU
	a.contexts = make(map[byte]acceptedContext)
	results := make([]PresContext, 0, len(rq.PresContexts))
	for _, pc := range rq.PresContexts {
		result := PresContext{ID: pc.ID}
		switch {
		case !s.acceptsAbstract(pc.AbstractSyntax):
			result.Result = PresAbstractSyntaxError
		default:
			selected := ""
			for _, ts := range pc.TransferSyntaxes {
				if supported[ts] {
					selected = ts
					break
				}
			}
			if selected == "" {
				result.Result = PresTransferSyntaxError
			} else {
				result.Result = PresAccepted
				result.TransferSyntaxes = []string{selected}
				a.contexts[pc.ID] = acceptedContext{
					abstractSyntax: pc.AbstractSyntax,
					transferSyntax: selected,
				}
			}
		}
		results = append(results, result)
	}

	ac := &AssocParams{
		CalledAE:     rq.CalledAE,
		CallingAE:    rq.CallingAE,
		PresContexts: results,
		MaxPDU:       s.opts.MaxPDU,
		ImplClass:    dicomfile.ImplementationClassUID,
		ImplVersion:  dicomfile.ImplementationVersionName,
	}
	a.deadline()
	if err := writePDU(a.conn, pduAssociateAC, encodeAssociate(pduAssociateAC, ac)); err != nil {
		return "", err
	}
	return rq.CallingAE, nil
}

func (s *Server) acceptsAbstract(uid string) bool {
	switch {
	case uid == VerificationSOPClass:
		return true
	case uid == StudyRootQueryRetrieveFind && s.opts.OnFind != nil:
		return true
	default:
		return s.opts.AcceptsClass != nil && s.opts.AcceptsClass(uid)
	}
}
