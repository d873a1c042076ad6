// Package dimse holds the pieces shared by the adapter's SCP and SCU: UID
// constants, identifier extraction from raw data sets, and DICOM Part-10
// file framing around the bytes that cross the wire.
package dimse

// Transfer syntax UIDs.
const (
	ImplicitVRLittleEndian = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
	ExplicitVRBigEndian    = "1.2.840.10008.1.2.2"
)

// SOP class UIDs the adapter refers to by name.
const (
	VerificationSOPClass = "1.2.840.10008.1.1"
)

// Implementation identification sent in association negotiation.
const (
	ImplementationClassUID    = "1.2.826.0.1.3680043.9.7133.1.1"
	ImplementationVersionName = "DICOMADAPTER100"
)

// IsStorageCategory reports whether an abstract syntax is a storage SOP
// class. Storage classes live under the 1.2.840.10008.5.1.4.1.1 root; a
// handful of private roots are accepted too since the SCP stores anything
// the called AE has not ignored.
func IsStorageCategory(abstractSyntax string) bool {
	if abstractSyntax == VerificationSOPClass {
		return false
	}
	// Query/retrieve, worklist, and print roots are not storage.
	for _, prefix := range []string{
		"1.2.840.10008.5.1.4.1.2", // query/retrieve
		"1.2.840.10008.5.1.4.31",  // modality worklist
		"1.2.840.10008.5.1.1",     // print management
	} {
		if hasUIDPrefix(abstractSyntax, prefix) {
			return false
		}
	}
	return true
}

func hasUIDPrefix(uid, prefix string) bool {
	if len(uid) < len(prefix) {
		return false
	}
	if uid[:len(prefix)] != prefix {
		return false
	}
	return len(uid) == len(prefix) || uid[len(prefix)] == '.'
}
