// Package commandset encodes and decodes the DIMSE command sets the adapter
// exchanges: C-ECHO and C-STORE requests and responses (PS3.7 §9). Command
// sets are always implicit VR little endian regardless of the negotiated
// transfer syntax.
package commandset

import (
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/pkg/errors"
)

// Command field values.
const (
	CStoreRQ  uint16 = 0x0001
	CStoreRSP uint16 = 0x8001
	CEchoRQ   uint16 = 0x0030
	CEchoRSP  uint16 = 0x8030
)

// CommandDataSetType values: anything other than Null means a data set
// follows the command set.
const (
	DataSetTypeNull    uint16 = 0x0101
	DataSetTypeNonNull uint16 = 0x0000
)

// Status codes used by the adapter (PS3.7 annex C).
const (
	StatusSuccess              uint16 = 0x0000
	StatusOutOfResources       uint16 = 0xA702
	StatusSOPClassNotSupported uint16 = 0x0122
	StatusProcessingFailure    uint16 = 0x0110
)

// Message is a decoded DIMSE command set.
type Message struct {
	CommandField              uint16
	MessageID                 uint16
	MessageIDBeingRespondedTo uint16
	AffectedSOPClassUID       string
	AffectedSOPInstanceUID    string
	Priority                  uint16
	CommandDataSetType        uint16
	Status                    uint16
}

// HasDataSet reports whether a data set follows this command set.
func (m *Message) HasDataSet() bool {
	return m.CommandDataSetType != DataSetTypeNull
}

// IsResponse reports whether the command field is a response (bit 15 set).
func (m *Message) IsResponse() bool {
	return m.CommandField&0x8000 != 0
}

// Group-0000 element tags (group always 0x0000).
const (
	elemGroupLength          uint16 = 0x0000
	elemAffectedSOPClass     uint16 = 0x0002
	elemCommandField         uint16 = 0x0100
	elemMessageID            uint16 = 0x0110
	elemMessageIDRespondedTo uint16 = 0x0120
	elemPriority             uint16 = 0x0700
	elemDataSetType          uint16 = 0x0800
	elemStatus               uint16 = 0x0900
	elemAffectedSOPInstance  uint16 = 0x1000
)

func writeElement(buf *bytes.Buffer, element uint16, value []byte) {
	var header [8]byte
	binary.LittleEndian.PutUint16(header[0:], 0x0000)
	binary.LittleEndian.PutUint16(header[2:], element)
	binary.LittleEndian.PutUint32(header[4:], uint32(len(value)))
	buf.Write(header[:])
	buf.Write(value)
}

func writeUSElement(buf *bytes.Buffer, element uint16, value uint16) {
	var v [2]byte
	binary.LittleEndian.PutUint16(v[:], value)
	writeElement(buf, element, v[:])
}

func writeUIElement(buf *bytes.Buffer, element uint16, value string) {
	if value == "" {
		return
	}
	b := []byte(value)
	if len(b)%2 != 0 {
		b = append(b, 0x00) // UIDs pad to even length with NUL
	}
	writeElement(buf, element, b)
}

// Encode serializes the command set, group length element included.
func (m *Message) Encode() []byte {
	var body bytes.Buffer
	writeUIElement(&body, elemAffectedSOPClass, m.AffectedSOPClassUID)
	writeUSElement(&body, elemCommandField, m.CommandField)
	if !m.IsResponse() {
		writeUSElement(&body, elemMessageID, m.MessageID)
	} else {
		writeUSElement(&body, elemMessageIDRespondedTo, m.MessageIDBeingRespondedTo)
	}
	if m.CommandField == CStoreRQ {
		writeUSElement(&body, elemPriority, m.Priority)
	}
	writeUSElement(&body, elemDataSetType, m.CommandDataSetType)
	if m.IsResponse() {
		writeUSElement(&body, elemStatus, m.Status)
	}
	writeUIElement(&body, elemAffectedSOPInstance, m.AffectedSOPInstanceUID)

	var out bytes.Buffer
	var groupLength [4]byte
	binary.LittleEndian.PutUint32(groupLength[:], uint32(body.Len()))
	writeElement(&out, elemGroupLength, groupLength[:])
	out.Write(body.Bytes())
	return out.Bytes()
}

// Decode parses a command set from its implicit VR little endian encoding.
func Decode(data []byte) (*Message, error) {
	m := &Message{}
	for len(data) > 0 {
		if len(data) < 8 {
			return nil, errors.New("truncated command element header")
		}
		group := binary.LittleEndian.Uint16(data[0:])
		element := binary.LittleEndian.Uint16(data[2:])
		length := binary.LittleEndian.Uint32(data[4:])
		if len(data) < int(8+length) {
			return nil, errors.Errorf("command element (%04x,%04x) length %d exceeds remaining bytes", group, element, length)
		}
		value := data[8 : 8+length]
		data = data[8+length:]
		if group != 0x0000 {
			// Non-command elements have no business here; skip them.
			continue
		}
		switch element {
		case elemGroupLength:
			// Ignored; the buffer length is authoritative.
		case elemAffectedSOPClass:
			m.AffectedSOPClassUID = trimUID(value)
		case elemCommandField:
			m.CommandField = decodeUS(value)
		case elemMessageID:
			m.MessageID = decodeUS(value)
		case elemMessageIDRespondedTo:
			m.MessageIDBeingRespondedTo = decodeUS(value)
		case elemPriority:
			m.Priority = decodeUS(value)
		case elemDataSetType:
			m.CommandDataSetType = decodeUS(value)
		case elemStatus:
			m.Status = decodeUS(value)
		case elemAffectedSOPInstance:
			m.AffectedSOPInstanceUID = trimUID(value)
		}
	}
	return m, nil
}

func decodeUS(value []byte) uint16 {
	if len(value) < 2 {
		return 0
	}
	return binary.LittleEndian.Uint16(value)
}

func trimUID(value []byte) string {
	return strings.TrimRight(string(value), "\x00 ")
}
