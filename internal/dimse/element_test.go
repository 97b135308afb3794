package dimse

import (
	"bytes"
	"testing"
)

func TestObjectRoundTrip(t *testing.T) {
	o := &Object{}
	o.SetString(0x0010, 0x0010, "DOE^JANE")
	o.SetString(0x0020, 0x000D, "1.2.840.113619.2.1")
	o.SetUint16(0x0000, 0x0100, 0x8020)

	decoded, err := DecodeObject(o.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v, ok := decoded.GetString(0x0010, 0x0010); !ok || v != "DOE^JANE" {
		t.Errorf("name = %q %v", v, ok)
	}
	if v, ok := decoded.GetString(0x0020, 0x000D); !ok || v != "1.2.840.113619.2.1" {
		t.Errorf("uid = %q %v", v, ok)
	}
	if v, ok := decoded.GetUint16(0x0000, 0x0100); !ok || v != 0x8020 {
		t.Errorf("command = %04X %v", v, ok)
	}
	if decoded.Has(0x0008, 0x0018) {
		t.Error("phantom element present")
	}
}

func TestObjectPadding(t *testing.T) {
	o := &Object{}
	o.SetString(0x0020, 0x000D, "1.2.3") // UID-shaped, odd
	o.SetString(0x0010, 0x0010, "SMITH") // text, odd

	encoded := o.Encode()
	if !bytes.Contains(encoded, []byte("1.2.3\x00")) {
		t.Error("uid value not NUL padded")
	}
	if !bytes.Contains(encoded, []byte("SMITH ")) {
		t.Error("text value not space padded")
	}

	decoded, err := DecodeObject(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	// Padding is stripped on read.
	if v, _ := decoded.GetString(0x0020, 0x000D); v != "1.2.3" {
		t.Errorf("uid = %q", v)
	}
	if v, _ := decoded.GetString(0x0010, 0x0010); v != "SMITH" {
		t.Errorf("name = %q", v)
	}
}

func TestObjectEncodeTagOrder(t *testing.T) {
	o := &Object{}
	o.SetString(0x0020, 0x000D, "1.2")
	o.SetString(0x0008, 0x0050, "ACC1")
	o.SetString(0x0008, 0x0018, "1.3")

	decoded, err := DecodeObject(o.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	var got []element
	got = append(got, decoded.elems...)
	for i := 1; i < len(got); i++ {
		prev, cur := got[i-1], got[i]
		if prev.group > cur.group || (prev.group == cur.group && prev.elem > cur.elem) {
			t.Fatalf("elements out of order: (%04X,%04X) before (%04X,%04X)",
				prev.group, prev.elem, cur.group, cur.elem)
		}
	}
}

func TestDecodeObjectTruncated(t *testing.T) {
	o := &Object{}
	o.SetString(0x0010, 0x0020, "P100")
	encoded := o.Encode()

	if _, err := DecodeObject(encoded[:len(encoded)-2]); err == nil {
		t.Error("truncated value accepted")
	}
	if _, err := DecodeObject(encoded[:5]); err == nil {
		t.Error("truncated header accepted")
	}
}
