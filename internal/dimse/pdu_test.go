package dimse

import (
	"bytes"
	"testing"
)

func TestAssociateRoundTrip(t *testing.T) {
	rq := &AssocParams{
		CalledAE:  "ARCHIVE",
		CallingAE: "GATEWAY",
		PresContexts: []PresContext{
			{ID: 1, AbstractSyntax: VerificationSOPClass, TransferSyntaxes: DefaultTransferSyntaxes},
			{ID: 3, AbstractSyntax: StudyRootQueryRetrieveFind, TransferSyntaxes: []string{ImplicitVRLittleEndian}},
		},
		MaxPDU:      32768,
		ImplClass:   "1.2.826.0.1.3680043.10.474.99.1",
		ImplVersion: "DCMGW_1_0",
	}

	decoded, err := decodeAssociate(pduAssociateRQ, encodeAssociate(pduAssociateRQ, rq))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.CalledAE != "ARCHIVE" || decoded.CallingAE != "GATEWAY" {
		t.Errorf("AE titles = %q / %q", decoded.CalledAE, decoded.CallingAE)
	}
	if decoded.MaxPDU != 32768 {
		t.Errorf("max pdu = %d", decoded.MaxPDU)
	}
	if decoded.ImplClass != rq.ImplClass || decoded.ImplVersion != rq.ImplVersion {
		t.Errorf("implementation identifiers = %q / %q", decoded.ImplClass, decoded.ImplVersion)
	}
	if len(decoded.PresContexts) != 2 {
		t.Fatalf("contexts = %d", len(decoded.PresContexts))
	}
	pc := decoded.PresContexts[0]
	if pc.ID != 1 || pc.AbstractSyntax != VerificationSOPClass || len(pc.TransferSyntaxes) != 2 {
		t.Errorf("context 0 = %+v", pc)
	}
}

func TestAssociateAcceptRoundTrip(t *testing.T) {
	ac := &AssocParams{
		CalledAE:  "ARCHIVE",
		CallingAE: "GATEWAY",
		PresContexts: []PresContext{
			{ID: 1, Result: PresAccepted, TransferSyntaxes: []string{ExplicitVRLittleEndian}},
			{ID: 3, Result: PresAbstractSyntaxError, TransferSyntaxes: []string{""}},
		},
	}

	decoded, err := decodeAssociate(pduAssociateAC, encodeAssociate(pduAssociateAC, ac))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded.PresContexts) != 2 {
		t.Fatalf("contexts = %d", len(decoded.PresContexts))
	}
	if decoded.PresContexts[0].Result != PresAccepted ||
		decoded.PresContexts[0].TransferSyntaxes[0] != ExplicitVRLittleEndian {
		t.Errorf("accepted context = %+v", decoded.PresContexts[0])
	}
	if decoded.PresContexts[1].Result != PresAbstractSyntaxError {
		t.Errorf("rejected context = %+v", decoded.PresContexts[1])
	}
}

func TestDataTFFragmentation(t *testing.T) {
	payload := make([]byte, 1000)
	for i := range payload {
		payload[i] = byte(i)
	}

	var buf bytes.Buffer
	// Tiny max PDU forces many fragments.
	if err := writeDataTF(&buf, 5, false, payload, 64); err != nil {
		t.Fatalf("write: %v", err)
	}

	var assembled []byte
	sawLast := false
	for buf.Len() > 0 {
		typ, body, err := readPDU(&buf)
		if err != nil {
			t.Fatalf("read pdu: %v", err)
		}
		if typ != pduDataTF {
			t.Fatalf("pdu type = %02X", typ)
		}
		if len(body) > 64 {
			t.Fatalf("fragment body %d bytes exceeds max pdu", len(body))
		}
		pdvs, err := parseDataTF(body)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		for _, p := range pdvs {
			if sawLast {
				t.Fatal("fragment after last")
			}
			if p.pcid != 5 || p.command {
				t.Fatalf("pdv header = %+v", p)
			}
			assembled = append(assembled, p.data...)
			sawLast = p.last
		}
	}
	if !sawLast {
		t.Fatal("no final fragment")
	}
	if !bytes.Equal(assembled, payload) {
		t.Errorf("reassembled %d bytes, want %d", len(assembled), len(payload))
	}
}

func TestDataTFCommandFlag(t *testing.T) {
	var buf bytes.Buffer
	if err := writeDataTF(&buf, 1, true, []byte{0x01, 0x02}, 0); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, body, err := readPDU(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	pdvs, err := parseDataTF(body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(pdvs) != 1 || !pdvs[0].command || !pdvs[0].last {
		t.Errorf("pdvs = %+v", pdvs)
	}
}

func TestReadPDURejectsOversize(t *testing.T) {
	hdr := []byte{pduDataTF, 0x00, 0xFF, 0xFF, 0xFF, 0xFF}
	if _, _, err := readPDU(bytes.NewReader(hdr)); err == nil {
		t.Error("oversized pdu accepted")
	}
}
