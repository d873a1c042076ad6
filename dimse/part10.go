package dimse

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// FileMeta describes the file meta information group written ahead of a raw
// data set to form a DICOM Part-10 file.
type FileMeta struct {
	MediaStorageSOPClassUID    string
	MediaStorageSOPInstanceUID string
	TransferSyntaxUID          string
}

// The file meta group is always explicit VR little endian (PS3.10 §7.1).
func writeMetaElement(buf *bytes.Buffer, element uint16, vr string, value []byte) {
	if len(value)%2 != 0 {
		if vr == "UI" {
			value = append(value, 0x00)
		} else {
			value = append(value, ' ')
		}
	}
	var header [8]byte
	binary.LittleEndian.PutUint16(header[0:], 0x0002)
	binary.LittleEndian.PutUint16(header[2:], element)
	copy(header[4:6], vr)
	binary.LittleEndian.PutUint16(header[6:], uint16(len(value)))
	buf.Write(header[:])
	buf.Write(value)
}

// WritePart10 frames a raw data set as a Part-10 file: 128-byte preamble,
// "DICM" magic, file meta group, then the data set bytes unchanged in their
// original transfer syntax.
func WritePart10(w io.Writer, meta FileMeta, dataSet []byte) error {
	if meta.TransferSyntaxUID == "" {
		return errors.New("file meta lacks a transfer syntax")
	}

	var group bytes.Buffer
	writeMetaElement(&group, 0x0001, "OB", []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x01})
	writeMetaElement(&group, 0x0002, "UI", []byte(meta.MediaStorageSOPClassUID))
	writeMetaElement(&group, 0x0003, "UI", []byte(meta.MediaStorageSOPInstanceUID))
	writeMetaElement(&group, 0x0010, "UI", []byte(meta.TransferSyntaxUID))
	writeMetaElement(&group, 0x0012, "UI", []byte(ImplementationClassUID))
	writeMetaElement(&group, 0x0013, "SH", []byte(ImplementationVersionName))

	var head bytes.Buffer
	head.Write(make([]byte, 128))
	head.WriteString("DICM")
	groupLength := make([]byte, 4)
	binary.LittleEndian.PutUint32(groupLength, uint32(group.Len()))
	writeMetaElement(&head, 0x0000, "UL", groupLength)
	head.Write(group.Bytes())

	if _, err := w.Write(head.Bytes()); err != nil {
		return errors.Wrap(err, "writing file meta")
	}
	if _, err := w.Write(dataSet); err != nil {
		return errors.Wrap(err, "writing data set")
	}
	return nil
}

// ReadPart10 splits a Part-10 file into its file meta information and the
// raw data set bytes that follow it.
func ReadPart10(file []byte) (FileMeta, []byte, error) {
	var meta FileMeta
	if len(file) < 132 || string(file[128:132]) != "DICM" {
		return meta, nil, errors.New("not a DICOM Part-10 file")
	}

	pos := 132
	groupEnd := len(file)
	for pos+8 <= len(file) && pos < groupEnd {
		group := binary.LittleEndian.Uint16(file[pos:])
		if group != 0x0002 {
			break
		}
		element := binary.LittleEndian.Uint16(file[pos+2:])
		vr := string(file[pos+4 : pos+6])

		var valueLen, headerLen int
		switch vr {
		case "OB", "OW", "SQ", "UN", "UT":
			if pos+12 > len(file) {
				return meta, nil, errors.New("truncated file meta element")
			}
			valueLen = int(binary.LittleEndian.Uint32(file[pos+8:]))
			headerLen = 12
		default:
			valueLen = int(binary.LittleEndian.Uint16(file[pos+6:]))
			headerLen = 8
		}
		if pos+headerLen+valueLen > len(file) {
			return meta, nil, errors.New("file meta element overruns the file")
		}
		value := file[pos+headerLen : pos+headerLen+valueLen]

		switch element {
		case 0x0000:
			if valueLen == 4 {
				groupEnd = pos + headerLen + valueLen + int(binary.LittleEndian.Uint32(value))
			}
		case 0x0002:
			meta.MediaStorageSOPClassUID = trimUIDBytes(value)
		case 0x0003:
			meta.MediaStorageSOPInstanceUID = trimUIDBytes(value)
		case 0x0010:
			meta.TransferSyntaxUID = trimUIDBytes(value)
		}
		pos += headerLen + valueLen
	}

	if meta.TransferSyntaxUID == "" {
		return meta, nil, errors.New("file meta lacks a transfer syntax")
	}
	return meta, file[pos:], nil
}

func trimUIDBytes(value []byte) string {
	end := len(value)
	for end > 0 && (value[end-1] == 0x00 || value[end-1] == ' ') {
		end--
	}
	return string(value[:end])
}
