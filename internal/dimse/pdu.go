package dimse

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// PDU types.
const (
	pduAssociateRQ byte = 0x01
	pduAssociateAC byte = 0x02
	pduAssociateRJ byte = 0x03
	pduDataTF      byte = 0x04
	pduReleaseRQ   byte = 0x05
	pduReleaseRP   byte = 0x06
	pduAbort       byte = 0x07
)

// Variable item types inside associate PDUs.
const (
	itemApplicationContext byte = 0x10
	itemPresContextRQ      byte = 0x20
	itemPresContextAC      byte = 0x21
	itemAbstractSyntax     byte = 0x30
	itemTransferSyntax     byte = 0x40
	itemUserInfo           byte = 0x50
	itemMaxPDULength       byte = 0x51
	itemImplClassUID       byte = 0x52
	itemImplVersionName    byte = 0x55
)

// Presentation context negotiation results.
const (
	PresAccepted            byte = 0
	PresUserRejection       byte = 1
	PresAbstractSyntaxError byte = 3
	PresTransferSyntaxError byte = 4
)

const (
	protocolVersion = 0x0001
	defaultMaxPDU   = 16384
	maxPDULimit     = 1 << 24
)

// PresContext is one presentation context proposal or result. In an
// accept, TransferSyntaxes holds exactly the selected syntax and
// AbstractSyntax is empty.
type PresContext struct {
	ID               byte
	AbstractSyntax   string
	TransferSyntaxes []string
	Result           byte
}

// AssocParams carries the negotiable content of an A-ASSOCIATE-RQ or AC.
type AssocParams struct {
	CalledAE     string
	CallingAE    string
	PresContexts []PresContext
	MaxPDU       uint32
	ImplClass    string
	ImplVersion  string
}

func padAE(ae string) []byte {
	b := make([]byte, 16)
	for i := range b {
		b[i] = ' '
	}
	copy(b, ae)
	return b
}

func writePDU(w io.Writer, typ byte, body []byte) error {
	hdr := make([]byte, 6)
	hdr[0] = typ
	binary.BigEndian.PutUint32(hdr[2:], uint32(len(body)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

func readPDU(r io.Reader) (byte, []byte, error) {
	hdr := make([]byte, 6)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(hdr[2:])
	if length > maxPDULimit {
		return 0, nil, fmt.Errorf("oversized PDU (%d bytes)", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return hdr[0], body, nil
}

func appendItem(buf []byte, typ byte, value []byte) []byte {
	hdr := []byte{typ, 0x00, 0x00, 0x00}
	binary.BigEndian.PutUint16(hdr[2:], uint16(len(value)))
	buf = append(buf, hdr...)
	return append(buf, value...)
}

func encodeAssociate(typ byte, p *AssocParams) []byte {
	body := make([]byte, 0, 256)
	var u16 [2]byte
	binary.BigEndian.PutUint16(u16[:], protocolVersion)
	body = append(body, u16[:]...)
	body = append(body, 0x00, 0x00)
	body = append(body, padAE(p.CalledAE)...)
	body = append(body, padAE(p.CallingAE)...)
	body = append(body, make([]byte, 32)...)

	body = appendItem(body, itemApplicationContext, []byte(ApplicationContextUID))

	for _, pc := range p.PresContexts {
		var item []byte
		if typ == pduAssociateRQ {
			item = append(item, pc.ID, 0x00, 0x00, 0x00)
			item = appendItem(item, itemAbstractSyntax, []byte(pc.AbstractSyntax))
			for _, ts := range pc.TransferSyntaxes {
				item = appendItem(item, itemTransferSyntax, []byte(ts))
			}
			body = appendItem(body, itemPresContextRQ, item)
		} else {
			item = append(item, pc.ID, 0x00, pc.Result, 0x00)
			ts := ""
			if len(pc.TransferSyntaxes) > 0 {
				ts = pc.TransferSyntaxes[0]
			}
			item = appendItem(item, itemTransferSyntax, []byte(ts))
			body = appendItem(body, itemPresContextAC, item)
		}
	}

	maxPDU := p.MaxPDU
	if maxPDU == 0 {
		maxPDU = defaultMaxPDU
	}
	var user []byte
	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], maxPDU)
	user = appendItem(user, itemMaxPDULength, u32[:])
	if p.ImplClass != "" {
		user = appendItem(user, itemImplClassUID, []byte(p.ImplClass))
	}
	if p.ImplVersion != "" {
		user = appendItem(user, itemImplVersionName, []byte(p.ImplVersion))
	}
	body = appendItem(body, itemUserInfo, user)
	return body
}

func decodeAssociate(typ byte, body []byte) (*AssocParams, error) {
	if len(body) < 68 {
		return nil, fmt.Errorf("short associate PDU (%d bytes)", len(body))
	}
	p := &AssocParams{
		CalledAE:  strings.TrimRight(string(body[4:20]), " \x00"),
		CallingAE: strings.TrimRight(string(body[20:36]), " \x00"),
	}

	pos := 68
	for pos+4 <= len(body) {
		itemType := body[pos]
		length := int(binary.BigEndian.Uint16(body[pos+2:]))
		pos += 4
		if pos+length > len(body) {
			return nil, fmt.Errorf("truncated item 0x%02X", itemType)
		}
		value := body[pos : pos+length]
		pos += length

		switch itemType {
		case itemApplicationContext:
			// Checked by the caller if it cares.
		case itemPresContextRQ, itemPresContextAC:
			pc, err := decodePresContext(itemType, value)
			if err != nil {
				return nil, err
			}
			p.PresContexts = append(p.PresContexts, pc)
		case itemUserInfo:
			if err := decodeUserInfo(value, p); err != nil {
				return nil, err
			}
		}
	}
	_ = typ
	return p, nil
}

func decodePresContext(itemType byte, value []byte) (PresContext, error) {
	var pc PresContext
	if len(value) < 4 {
		return pc, fmt.Errorf("short presentation context item")
	}
	pc.ID = value[0]
	if itemType == itemPresContextAC {
		pc.Result = value[2]
	}
	pos := 4
	for pos+4 <= len(value) {
		sub := value[pos]
		length := int(binary.BigEndian.Uint16(value[pos+2:]))
		pos += 4
		if pos+length > len(value) {
			return pc, fmt.Errorf("truncated sub-item 0x%02X", sub)
		}
		uid := strings.TrimRight(string(value[pos:pos+length]), " \x00")
		pos += length
		switch sub {
		case itemAbstractSyntax:
			pc.AbstractSyntax = uid
		case itemTransferSyntax:
			pc.TransferSyntaxes = append(pc.TransferSyntaxes, uid)
		}
	}
	return pc, nil
}

func decodeUserInfo(value []byte, p *AssocParams) error {
	pos := 0
	for pos+4 <= len(value) {
		sub := value[pos]
		length := int(binary.BigEndian.Uint16(value[pos+2:]))
		pos += 4
		if pos+length > len(value) {
			return fmt.Errorf("truncated user info sub-item 0x%02X", sub)
		}
		v := value[pos : pos+length]
		pos += length
		switch sub {
		case itemMaxPDULength:
			if len(v) == 4 {
				p.MaxPDU = binary.BigEndian.Uint32(v)
			}
		case itemImplClassUID:
			p.ImplClass = strings.TrimRight(string(v), " \x00")
		case itemImplVersionName:
			p.ImplVersion = strings.TrimRight(string(v), " \x00")
		}
	}
	return nil
}

// PDV message control header bits.
const (
	pdvCommand byte = 0x01
	pdvLast    byte = 0x02
)

// writeDataTF fragments one command or data stream across P-DATA-TF PDUs
// honoring the peer's maximum PDU length.
func writeDataTF(w io.Writer, pcid byte, command bool, data []byte, maxPDU uint32) error {
	if maxPDU == 0 {
		maxPDU = defaultMaxPDU
	}
	// PDV header is 6 bytes inside the PDU body.
	chunk := int(maxPDU) - 6
	if chunk < 1 {
		chunk = 1
	}
	for first := true; first || len(data) > 0; first = false {
		n := len(data)
		if n > chunk {
			n = chunk
		}
		ctrl := byte(0)
		if command {
			ctrl |= pdvCommand
		}
		if n == len(data) {
			ctrl |= pdvLast
		}
		body := make([]byte, 6+n)
		binary.BigEndian.PutUint32(body[0:], uint32(n+2))
		body[4] = pcid
		body[5] = ctrl
		copy(body[6:], data[:n])
		if err := writePDU(w, pduDataTF, body); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

type pdv struct {
	pcid    byte
	command bool
	last    bool
	data    []byte
}

func parseDataTF(body []byte) ([]pdv, error) {
	var out []pdv
	pos := 0
	for pos+6 <= len(body) {
		length := int(binary.BigEndian.Uint32(body[pos:]))
		if length < 2 || pos+4+length > len(body) {
			return nil, fmt.Errorf("truncated PDV")
		}
		ctrl := body[pos+5]
		out = append(out, pdv{
			pcid:    body[pos+4],
			command: ctrl&pdvCommand != 0,
			last:    ctrl&pdvLast != 0,
			data:    body[pos+6 : pos+4+length],
		})
		pos += 4 + length
	}
	if pos != len(body) {
		return nil, fmt.Errorf("trailing bytes in P-DATA-TF")
	}
	return out, nil
}
