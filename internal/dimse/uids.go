package dimse

// The application context defines the DICOM application-level message
// exchange rules.
const ApplicationContextUID = "1.2.840.10008.3.1.1.1"

// Service SOP classes used by the gateway.
const (
	VerificationSOPClass = "1.2.840.10008.1.1"

	StudyRootQueryRetrieveFind = "1.2.840.10008.5.1.4.1.2.2.1"
	StudyRootQueryRetrieveMove = "1.2.840.10008.5.1.4.1.2.2.2"
)

// Transfer syntaxes. Find and move identifiers always travel in the
// default implicit VR little endian syntax.
const (
	ImplicitVRLittleEndian = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
)

// DefaultTransferSyntaxes are proposed for every presentation context in
// addition to any project-configured syntaxes.
var DefaultTransferSyntaxes = []string{
	ExplicitVRLittleEndian,
	ImplicitVRLittleEndian,
}
