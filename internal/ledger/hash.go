package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"time"
)

// dateShiftPeriodDays bounds the per-patient date offset to roughly ten
// years so shifted dates stay clinically plausible.
const dateShiftPeriodDays = 3652

// defaultShiftedDate is returned for unparseable dates or an empty patient
// id; a recognizable sentinel rather than a leaked real date.
const defaultShiftedDate = "19000101"

const dicomDateLayout = "20060102"

// HashDate deterministically shifts a DICOM date (YYYYMMDD) by an offset
// derived from the real patient id. Every instance of the same study must
// shift identically, so this is pure: the same (date, patientID) always
// yields the same (offset, shifted date).
func HashDate(date, realPatientID string) (int, string) {
	if realPatientID == "" {
		return 0, defaultShiftedDate
	}

	parsed, err := time.Parse(dicomDateLayout, date)
	if err != nil {
		return 0, defaultShiftedDate
	}

	sum := sha256.Sum256([]byte(realPatientID))
	offset := int(binary.BigEndian.Uint64(sum[:8]) % dateShiftPeriodDays)

	shifted := parsed.AddDate(0, 0, -offset)
	return offset, shifted.Format(dicomDateLayout)
}
