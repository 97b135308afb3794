package ledger

import (
	"fmt"
	"strconv"
	"strings"

	"dicom-gateway/internal/dicomfile"
	"dicom-gateway/internal/script"

	"github.com/suyashkumar/dicom"
)

// ApplyRules transforms a dataset in place according to the parsed tag
// script. Elements whose tag is absent from the rule set are dropped
// entirely; the file meta group is left for the transport layer to
// rebuild.
func (l *Ledger) ApplyRules(ds *dicomfile.Dataset, realPID, anonPID, anonAcc string) {
	// Drop pass first: SetString replaces elements in ds.Data.Elements, so
	// the retained set must be final before any substitution lands.
	kept := make([]*dicom.Element, 0, len(ds.Data.Elements))
	for _, elem := range ds.Data.Elements {
		if elem.Tag.Group == 0x0002 {
			kept = append(kept, elem)
			continue
		}
		if _, ok := l.rules[elem.Tag]; ok {
			kept = append(kept, elem)
		}
	}
	ds.Data.Elements = kept

	for _, elem := range kept {
		rule, ok := l.rules[elem.Tag]
		if !ok {
			continue // File meta group.
		}

		switch rule.Op {
		case script.OpKeep:
			// Verbatim.
		case script.OpBlank:
			ds.SetString(elem.Tag, "")
		case script.OpHashUID:
			if real := dicomfile.ElementString(elem); real != "" {
				ds.SetString(elem.Tag, l.AnonUIDFor(real))
			}
		case script.OpPatientID:
			ds.SetString(elem.Tag, anonPID)
		case script.OpAccession:
			ds.SetString(elem.Tag, anonAcc)
		case script.OpShiftDate:
			if date := dicomfile.ElementString(elem); date != "" {
				_, shifted := HashDate(date, realPID)
				ds.SetString(elem.Tag, shifted)
			}
		case script.OpQuantize:
			val := dicomfile.ElementString(elem)
			quantized, ok := quantize(val, rule.Width)
			if !ok {
				// Malformed input never aborts a transform; the value
				// passes through unchanged.
				l.log.Warn("could not quantize value",
					"tag", elem.Tag.String(), "value", val, "width", rule.Width)
				continue
			}
			ds.SetString(elem.Tag, quantized)
		}
	}
}

// quantize rounds the numeric prefix of an age-like value down to the
// nearest multiple of width, preserving any unit suffix and re-padding to
// even length per the field's fixed-length convention.
func quantize(val string, width int) (string, bool) {
	if width <= 0 {
		return "", false
	}

	trimmed := strings.TrimSpace(val)
	digits := trimmed
	suffix := ""
	for i, r := range trimmed {
		if r < '0' || r > '9' {
			digits = trimmed[:i]
			suffix = trimmed[i:]
			break
		}
	}
	if digits == "" {
		return "", false
	}

	n, err := strconv.Atoi(digits)
	if err != nil {
		return "", false
	}
	n = (n / width) * width

	out := fmt.Sprintf("%0*d%s", len(digits), n, suffix)
	if len(out)%2 == 1 {
		out = "0" + out
	}
	return out, true
}
