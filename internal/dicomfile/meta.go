package dicomfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// Implementation identifiers reattached to every dataset we persist or
// forward, replacing whatever the sending equipment wrote.
const (
	ImplementationClassUID    = "1.2.826.0.1.3680043.10.474.99.1"
	ImplementationVersionName = "DCMGW_1_0"
)

// FileMeta holds the group-0002 fields the wire layer needs.
type FileMeta struct {
	SOPClassUID    string
	SOPInstanceUID string
	TransferSyntax string
}

// longVRs are the explicit VRs carried with a 4-byte length and 2 reserved
// bytes. Group 0002 is always explicit VR little endian.
var longVRs = map[string]bool{
	"OB": true, "OW": true, "OF": true, "SQ": true, "UT": true, "UN": true,
}

// SplitFileMeta separates the transport-layer file meta group from the
// clinical dataset bytes of a complete DICOM file. The returned dataset
// bytes are still encoded in the file's negotiated transfer syntax and can
// be sent over the wire verbatim.
func SplitFileMeta(raw []byte) (FileMeta, []byte, error) {
	var meta FileMeta

	if len(raw) < 132 || string(raw[128:132]) != "DICM" {
		return meta, nil, fmt.Errorf("missing DICM preamble")
	}

	pos := 132
	for pos+8 <= len(raw) {
		group := binary.LittleEndian.Uint16(raw[pos:])
		elem := binary.LittleEndian.Uint16(raw[pos+2:])
		if group != 0x0002 {
			break
		}

		vr := string(raw[pos+4 : pos+6])
		var valueLen, headerLen int
		if longVRs[vr] {
			if pos+12 > len(raw) {
				return meta, nil, fmt.Errorf("truncated file meta element")
			}
			valueLen = int(binary.LittleEndian.Uint32(raw[pos+8:]))
			headerLen = 12
		} else {
			valueLen = int(binary.LittleEndian.Uint16(raw[pos+6:]))
			headerLen = 8
		}

		end := pos + headerLen + valueLen
		if end > len(raw) {
			return meta, nil, fmt.Errorf("truncated file meta value")
		}
		value := strings.TrimRight(string(raw[pos+headerLen:end]), "\x00 ")

		switch elem {
		case 0x0002:
			meta.SOPClassUID = value
		case 0x0003:
			meta.SOPInstanceUID = value
		case 0x0010:
			meta.TransferSyntax = value
		}
		pos = end
	}

	if meta.TransferSyntax == "" {
		return meta, nil, fmt.Errorf("file meta carries no transfer syntax")
	}
	return meta, raw[pos:], nil
}

// StripStrayMeta removes file meta elements a peer wrongly sent inside the
// clinical payload. Group 0002 is always explicit VR little endian, so it
// can be skipped without knowing the dataset's own syntax.
func StripStrayMeta(data []byte) []byte {
	pos := 0
	for pos+8 <= len(data) {
		if binary.LittleEndian.Uint16(data[pos:]) != 0x0002 {
			break
		}
		vr := string(data[pos+4 : pos+6])
		var valueLen, headerLen int
		if longVRs[vr] {
			if pos+12 > len(data) {
				break
			}
			valueLen = int(binary.LittleEndian.Uint32(data[pos+8:]))
			headerLen = 12
		} else {
			valueLen = int(binary.LittleEndian.Uint16(data[pos+6:]))
			headerLen = 8
		}
		if pos+headerLen+valueLen > len(data) {
			break
		}
		pos += headerLen + valueLen
	}
	return data[pos:]
}

// BuildFileMeta produces a fresh preamble plus group-0002 header carrying
// our own implementation identifiers, suitable for prepending to dataset
// bytes received over the network.
func BuildFileMeta(meta FileMeta) []byte {
	var body bytes.Buffer
	writeMetaElement(&body, 0x0001, "OB", []byte{0x00, 0x01})
	writeMetaElement(&body, 0x0002, "UI", padEven([]byte(meta.SOPClassUID)))
	writeMetaElement(&body, 0x0003, "UI", padEven([]byte(meta.SOPInstanceUID)))
	writeMetaElement(&body, 0x0010, "UI", padEven([]byte(meta.TransferSyntax)))
	writeMetaElement(&body, 0x0012, "UI", padEven([]byte(ImplementationClassUID)))
	writeMetaElement(&body, 0x0013, "SH", padEven([]byte(ImplementationVersionName)))

	var out bytes.Buffer
	out.Write(make([]byte, 128))
	out.WriteString("DICM")
	// File meta group length element.
	groupLen := make([]byte, 4)
	binary.LittleEndian.PutUint32(groupLen, uint32(body.Len()))
	writeMetaElement(&out, 0x0000, "UL", groupLen)
	out.Write(body.Bytes())
	return out.Bytes()
}

func writeMetaElement(buf *bytes.Buffer, elem uint16, vr string, value []byte) {
	var hdr [8]byte
	binary.LittleEndian.PutUint16(hdr[0:], 0x0002)
	binary.LittleEndian.PutUint16(hdr[2:], elem)
	copy(hdr[4:6], vr)

	if longVRs[vr] {
		buf.Write(hdr[:6])
		buf.Write([]byte{0x00, 0x00})
		var length [4]byte
		binary.LittleEndian.PutUint32(length[:], uint32(len(value)))
		buf.Write(length[:])
	} else {
		binary.LittleEndian.PutUint16(hdr[6:], uint16(len(value)))
		buf.Write(hdr[:])
	}
	buf.Write(value)
}

func padEven(b []byte) []byte {
	if len(b)%2 == 1 {
		return append(b, 0x00)
	}
	return b
}
