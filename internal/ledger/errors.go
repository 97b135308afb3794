package ledger

import (
	"fmt"
	"strings"
)

// MissingIdentifiersError signals a dataset that lacks one of the Study,
// Series or SOP Instance identifiers required for identity capture.
type MissingIdentifiersError struct {
	Missing []string
}

func (e *MissingIdentifiersError) Error() string {
	return fmt.Sprintf("dataset missing identifiers: %s", strings.Join(e.Missing, ", "))
}

// IdentityConflictError signals a study re-sent under a different real
// patient identity. The ledger is left untouched: identities are never
// silently merged.
type IdentityConflictError struct {
	StudyUID        string
	KnownPatientID  string
	IncomingPatient string
}

func (e *IdentityConflictError) Error() string {
	return fmt.Sprintf("study %s already captured for patient %q, re-sent as %q",
		e.StudyUID, e.KnownPatientID, e.IncomingPatient)
}
