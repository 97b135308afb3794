package dimse

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
)

type element struct {
	group uint16
	elem  uint16
	value []byte
}

// Object is a flat attribute set encoded in implicit VR little endian.
// Command sets and find/move identifiers travel this way regardless of
// the syntaxes negotiated for storage contexts.
type Object struct {
	elems []element
}

func (o *Object) find(group, elem uint16) int {
	for i := range o.elems {
		if o.elems[i].group == group && o.elems[i].elem == elem {
			return i
		}
	}
	return -1
}

func (o *Object) set(group, elem uint16, value []byte) {
	if i := o.find(group, elem); i >= 0 {
		o.elems[i].value = value
		return
	}
	o.elems = append(o.elems, element{group: group, elem: elem, value: value})
}

// SetString sets a text value, padded to even length. UID-shaped values
// pad with NUL, everything else with space.
func (o *Object) SetString(group, elem uint16, v string) {
	b := []byte(v)
	if len(b)%2 == 1 {
		if isUIDValue(v) {
			b = append(b, 0x00)
		} else {
			b = append(b, ' ')
		}
	}
	o.set(group, elem, b)
}

// SetUint16 sets a US value.
func (o *Object) SetUint16(group, elem uint16, v uint16) {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	o.set(group, elem, b)
}

// GetString returns a text value with trailing padding trimmed.
func (o *Object) GetString(group, elem uint16) (string, bool) {
	i := o.find(group, elem)
	if i < 0 {
		return "", false
	}
	return strings.TrimRight(string(o.elems[i].value), "\x00 "), true
}

// GetUint16 returns a US value.
func (o *Object) GetUint16(group, elem uint16) (uint16, bool) {
	i := o.find(group, elem)
	if i < 0 || len(o.elems[i].value) < 2 {
		return 0, false
	}
	return binary.LittleEndian.Uint16(o.elems[i].value), true
}

// Has reports element presence.
func (o *Object) Has(group, elem uint16) bool {
	return o.find(group, elem) >= 0
}

// Encode serializes the object in implicit VR little endian, elements in
// ascending tag order as the standard requires.
func (o *Object) Encode() []byte {
	sorted := make([]element, len(o.elems))
	copy(sorted, o.elems)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].group != sorted[j].group {
			return sorted[i].group < sorted[j].group
		}
		return sorted[i].elem < sorted[j].elem
	})

	size := 0
	for _, e := range sorted {
		size += 8 + len(e.value)
	}
	out := make([]byte, 0, size)
	var hdr [8]byte
	for _, e := range sorted {
		binary.LittleEndian.PutUint16(hdr[0:], e.group)
		binary.LittleEndian.PutUint16(hdr[2:], e.elem)
		binary.LittleEndian.PutUint32(hdr[4:], uint32(len(e.value)))
		out = append(out, hdr[:]...)
		out = append(out, e.value...)
	}
	return out
}

// DecodeObject parses an implicit VR little endian attribute set.
func DecodeObject(data []byte) (*Object, error) {
	o := &Object{}
	pos := 0
	for pos+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[pos:])
		elem := binary.LittleEndian.Uint16(data[pos+2:])
		length := int(binary.LittleEndian.Uint32(data[pos+4:]))
		pos += 8
		if length < 0 || pos+length > len(data) {
			return nil, fmt.Errorf("truncated element (%04X,%04X)", group, elem)
		}
		value := make([]byte, length)
		copy(value, data[pos:pos+length])
		o.elems = append(o.elems, element{group: group, elem: elem, value: value})
		pos += length
	}
	if pos != len(data) {
		return nil, fmt.Errorf("trailing bytes after last element")
	}
	return o, nil
}

func isUIDValue(v string) bool {
	if v == "" {
		return false
	}
	for _, r := range v {
		if (r < '0' || r > '9') && r != '.' {
			return false
		}
	}
	return true
}
