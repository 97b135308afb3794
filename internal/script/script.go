package script

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom/pkg/tag"
	"gopkg.in/yaml.v3"
)

// Op is a tag transformation operation. The set is closed: the script
// document is parsed once and dispatch happens on this enum, never on the
// raw operation string.
type Op int

const (
	// OpKeep leaves the element value untouched.
	OpKeep Op = iota
	// OpBlank replaces the value with an empty string.
	OpBlank
	// OpHashUID substitutes the project-scoped anonymized UID.
	OpHashUID
	// OpPatientID substitutes the anonymized patient id.
	OpPatientID
	// OpAccession substitutes the anonymized accession number.
	OpAccession
	// OpShiftDate shifts the date by the patient's deterministic offset.
	OpShiftDate
	// OpQuantize rounds an age-like numeric value to the given width.
	OpQuantize
)

// Rule is one parsed (tag, operation) pair.
type Rule struct {
	Op    Op
	Width int // quantize only
}

// RuleSet maps DICOM tags to their transformation. Any tag absent from the
// set is dropped from the dataset entirely.
type RuleSet map[tag.Tag]Rule

// ScriptError signals a malformed or missing script document. It is fatal
// at project load.
type ScriptError struct {
	Path   string
	Reason string
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("anonymization script %s: %s", e.Path, e.Reason)
}

var quantizeRe = regexp.MustCompile(`^quantize\((\d+)\)$`)

// Load parses the declarative tag script document. Keys are "GGGG,EEEE"
// tag strings; values are operation names (empty means keep verbatim).
func Load(path string) (RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ScriptError{Path: path, Reason: err.Error()}
	}
	return Parse(path, data)
}

// Parse parses script document bytes. Split from Load for testing.
func Parse(path string, data []byte) (RuleSet, error) {
	raw := map[string]string{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ScriptError{Path: path, Reason: fmt.Sprintf("not a tag map: %v", err)}
	}
	if len(raw) == 0 {
		return nil, &ScriptError{Path: path, Reason: "script is empty"}
	}

	rules := make(RuleSet, len(raw))
	for key, opName := range raw {
		t, err := ParseTag(key)
		if err != nil {
			return nil, &ScriptError{Path: path, Reason: err.Error()}
		}
		rule, err := parseOp(opName)
		if err != nil {
			return nil, &ScriptError{Path: path, Reason: fmt.Sprintf("tag %s: %v", key, err)}
		}
		rules[t] = rule
	}
	return rules, nil
}

// ParseTag parses a "GGGG,EEEE" tag key, tolerating parentheses and spaces.
func ParseTag(s string) (tag.Tag, error) {
	cleaned := strings.NewReplacer("(", "", ")", "", " ", "").Replace(s)
	parts := strings.Split(cleaned, ",")
	if len(parts) != 2 {
		return tag.Tag{}, fmt.Errorf("bad tag %q", s)
	}
	group, err := strconv.ParseUint(parts[0], 16, 16)
	if err != nil {
		return tag.Tag{}, fmt.Errorf("bad tag group %q", s)
	}
	elem, err := strconv.ParseUint(parts[1], 16, 16)
	if err != nil {
		return tag.Tag{}, fmt.Errorf("bad tag element %q", s)
	}
	return tag.Tag{Group: uint16(group), Element: uint16(elem)}, nil
}

func parseOp(name string) (Rule, error) {
	name = strings.TrimSpace(name)
	switch name {
	case "", "keep":
		return Rule{Op: OpKeep}, nil
	case "blank":
		return Rule{Op: OpBlank}, nil
	case "uid":
		return Rule{Op: OpHashUID}, nil
	case "patientid":
		return Rule{Op: OpPatientID}, nil
	case "accession":
		return Rule{Op: OpAccession}, nil
	case "shiftdate":
		return Rule{Op: OpShiftDate}, nil
	}
	if m := quantizeRe.FindStringSubmatch(name); m != nil {
		width, err := strconv.Atoi(m[1])
		if err != nil || width <= 0 {
			return Rule{}, fmt.Errorf("bad quantize width %q", name)
		}
		return Rule{Op: OpQuantize, Width: width}, nil
	}
	return Rule{}, fmt.Errorf("unknown operation %q", name)
}
