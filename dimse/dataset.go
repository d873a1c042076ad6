package dimse

import (
	"encoding/binary"
	"strings"

	"github.com/pkg/errors"
)

// Identifiers is the small set of data-set attributes the adapter reads out
// of a received instance. Nothing else in the data set is interpreted.
type Identifiers struct {
	SOPClassUID       string
	SOPInstanceUID    string
	StudyInstanceUID  string
	SeriesInstanceUID string
	PatientID         string
}

type tagRef struct {
	group, element uint16
}

var identifierTags = map[tagRef]struct{}{
	{0x0008, 0x0016}: {}, // SOPClassUID
	{0x0008, 0x0018}: {}, // SOPInstanceUID
	{0x0010, 0x0020}: {}, // PatientID
	{0x0020, 0x000D}: {}, // StudyInstanceUID
	{0x0020, 0x000E}: {}, // SeriesInstanceUID
}

// explicitShortVRs are the VRs using the 2-byte length form in explicit VR
// encodings (PS3.5 §7.1.2). Everything else uses the 4-byte form.
var explicitShortVRs = map[string]bool{
	"AE": true, "AS": true, "AT": true, "CS": true, "DA": true, "DS": true,
	"DT": true, "FL": true, "FD": true, "IS": true, "LO": true, "LT": true,
	"PN": true, "SH": true, "SL": true, "SS": true, "ST": true, "TM": true,
	"UI": true, "UL": true, "US": true,
}

// ExtractIdentifiers scans a raw data set encoded in the given transfer
// syntax and pulls out the identifier attributes. The scan is linear and
// stops once group 0020 is behind us; identifier attributes all live in
// groups 0008 through 0020.
func ExtractIdentifiers(data []byte, transferSyntaxUID string) (Identifiers, error) {
	var ids Identifiers
	explicit := transferSyntaxUID != ImplicitVRLittleEndian
	if transferSyntaxUID == ExplicitVRBigEndian {
		return ids, errors.New("explicit VR big endian data sets are not supported")
	}

	pos := 0
	for pos+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[pos:])
		element := binary.LittleEndian.Uint16(data[pos+2:])
		if group > 0x0020 {
			break
		}

		var valueLen int
		var headerLen int
		undefined := false
		if explicit {
			vr := string(data[pos+4 : pos+6])
			if explicitShortVRs[vr] {
				valueLen = int(binary.LittleEndian.Uint16(data[pos+6:]))
				headerLen = 8
			} else {
				if pos+12 > len(data) {
					return ids, errors.New("truncated explicit VR element header")
				}
				l := binary.LittleEndian.Uint32(data[pos+8:])
				if l == 0xFFFFFFFF {
					undefined = true
				}
				valueLen = int(l)
				headerLen = 12
			}
		} else {
			l := binary.LittleEndian.Uint32(data[pos+4:])
			if l == 0xFFFFFFFF {
				undefined = true
			}
			valueLen = int(l)
			headerLen = 8
		}

		if undefined {
			// Sequences with undefined length would need delimiter
			// tracking; the identifier set never sits inside one, so a
			// data set that front-loads such a sequence is malformed for
			// our purposes.
			return ids, errors.Errorf("undefined-length element (%04x,%04x) before identifier attributes", group, element)
		}
		if pos+headerLen+valueLen > len(data) {
			return ids, errors.Errorf("element (%04x,%04x) overruns the data set", group, element)
		}

		tag := tagRef{group, element}
		if _, wanted := identifierTags[tag]; wanted {
			value := strings.TrimRight(string(data[pos+headerLen:pos+headerLen+valueLen]), "\x00 ")
			switch tag {
			case tagRef{0x0008, 0x0016}:
				ids.SOPClassUID = value
			case tagRef{0x0008, 0x0018}:
				ids.SOPInstanceUID = value
			case tagRef{0x0010, 0x0020}:
				ids.PatientID = value
			case tagRef{0x0020, 0x000D}:
				ids.StudyInstanceUID = value
			case tagRef{0x0020, 0x000E}:
				ids.SeriesInstanceUID = value
			}
		}
		pos += headerLen + valueLen
	}

	if ids.SOPInstanceUID == "" || ids.SOPClassUID == "" {
		return ids, errors.New("data set lacks SOP class or instance UID")
	}
	return ids, nil
}
