// Package pdu implements the DICOM Upper Layer protocol data units defined
// in PS3.8 §9.3: A-ASSOCIATE-RQ/AC/RJ, P-DATA-TF, A-RELEASE-RQ/RP, and
// A-ABORT, together with the variable items they carry. Multi-byte fields
// are big endian on the wire.
package pdu

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// PDU type bytes (PS3.8 table 9-11 and following).
const (
	TypeAAssociateRQ byte = 0x01
	TypeAAssociateAC byte = 0x02
	TypeAAssociateRJ byte = 0x03
	TypePDataTF      byte = 0x04
	TypeAReleaseRQ   byte = 0x05
	TypeAReleaseRP   byte = 0x06
	TypeAAbort       byte = 0x07
)

// CurrentProtocolVersion is the only protocol version defined by PS3.8.
const CurrentProtocolVersion uint16 = 1

// DICOMApplicationContext is the single application context name defined by
// the standard.
const DICOMApplicationContext = "1.2.840.10008.3.1.1.1"

// MaxPDUSize caps how large a PDU this implementation will read. PDUs are
// held in memory whole, so an absurd length field must not be trusted.
const MaxPDUSize = 16 * 1024 * 1024

// PDU is any upper-layer protocol data unit.
type PDU interface {
	// WritePDU encodes the PDU, header included, to w.
	WritePDU(w io.Writer) error
}

// A-ASSOCIATE-RJ result/source/reason values used by the adapter
// (PS3.8 table 9-21).
const (
	ResultRejectedPermanent = 1
	ResultRejectedTransient = 2

	SourceServiceUser         = 1
	SourceServiceProviderACSE = 2

	ReasonNoReasonGiven          = 1
	ReasonApplicationContext     = 2
	ReasonCallingAENotRecognized = 3
	ReasonCalledAENotRecognized  = 7
)

// Presentation context result values carried in an A-ASSOCIATE-AC
// (PS3.8 table 9-18).
const (
	PresentationAccepted                     byte = 0
	PresentationUserRejected                 byte = 1
	PresentationNoReason                     byte = 2
	PresentationAbstractSyntaxNotSupported   byte = 3
	PresentationTransferSyntaxesNotSupported byte = 4
)

// PresentationContextRQ is one proposed presentation context in an
// A-ASSOCIATE-RQ.
type PresentationContextRQ struct {
	ID               byte
	AbstractSyntax   string
	TransferSyntaxes []string
}

// PresentationContextAC is the acceptor's answer for one proposed context.
type PresentationContextAC struct {
	ID             byte
	Result         byte
	TransferSyntax string
}

// UserInformation carries the user-information sub-items both association
// PDUs share.
type UserInformation struct {
	MaxPDULength              uint32
	ImplementationClassUID    string
	ImplementationVersionName string
	// AsyncOpsInvoked/Performed are zero unless asynchronous operations
	// were negotiated (0 means unlimited per PS3.7 D.3.3.3).
	AsyncOpsInvoked   uint16
	AsyncOpsPerformed uint16
	HasAsyncOps       bool
}

// AAssociateRQ is the association request.
type AAssociateRQ struct {
	ProtocolVersion      uint16
	CalledAETitle        string
	CallingAETitle       string
	ApplicationContext   string
	PresentationContexts []PresentationContextRQ
	UserInformation      UserInformation
}

// AAssociateAC is the association acceptance.
type AAssociateAC struct {
	ProtocolVersion      uint16
	CalledAETitle        string
	CallingAETitle       string
	ApplicationContext   string
	PresentationContexts []PresentationContextAC
	UserInformation      UserInformation
}

// AAssociateRJ is the association rejection.
type AAssociateRJ struct {
	Result byte
	Source byte
	Reason byte
}

// PresentationDataValue is one PDV inside a P-DATA-TF.
type PresentationDataValue struct {
	ContextID byte
	Command   bool
	Last      bool
	Data      []byte
}

// PDataTF carries DIMSE message fragments.
type PDataTF struct {
	Values []PresentationDataValue
}

// AReleaseRQ requests an orderly release.
type AReleaseRQ struct{}

// AReleaseRP confirms an orderly release.
type AReleaseRP struct{}

// AAbort tears the association down.
type AAbort struct {
	Source byte
	Reason byte
}

// padAETitle space-pads an AE title to the 16 bytes the wire format demands.
func padAETitle(aeTitle string) []byte {
	b := make([]byte, 16)
	for i := range b {
		b[i] = ' '
	}
	copy(b, aeTitle)
	return b
}

// TrimAETitle strips the wire padding from an AE title field.
func TrimAETitle(raw []byte) string {
	return strings.TrimRight(string(raw), " \x00")
}

func writeHeader(w io.Writer, pduType byte, body []byte) error {
	header := make([]byte, 6)
	header[0] = pduType
	binary.BigEndian.PutUint32(header[2:], uint32(len(body)))
	if _, err := w.Write(header); err != nil {
		return errors.Wrap(err, "writing PDU header")
	}
	if _, err := w.Write(body); err != nil {
		return errors.Wrap(err, "writing PDU body")
	}
	return nil
}

// item encodes one variable item: type, reserved, 2-byte length, payload.
func item(itemType byte, payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	out[0] = itemType
	binary.BigEndian.PutUint16(out[2:], uint16(len(payload)))
	copy(out[4:], payload)
	return out
}

// subItem is identical in layout to item; kept separate for readability at
// call sites.
func subItem(itemType byte, payload []byte) []byte {
	return item(itemType, payload)
}

// Item type bytes.
const (
	itemApplicationContext    byte = 0x10
	itemPresentationContextRQ byte = 0x20
	itemPresentationContextAC byte = 0x21
	itemAbstractSyntax        byte = 0x30
	itemTransferSyntax        byte = 0x40
	itemUserInformation       byte = 0x50
	itemMaxLength             byte = 0x51
	itemImplementationClass   byte = 0x52
	itemAsyncOperations       byte = 0x53
	itemImplementationVersion byte = 0x55
)

func (u UserInformation) encode() []byte {
	var body bytes.Buffer
	maxLen := make([]byte, 4)
	binary.BigEndian.PutUint32(maxLen, u.MaxPDULength)
	body.Write(subItem(itemMaxLength, maxLen))
	if u.ImplementationClassUID != "" {
		body.Write(subItem(itemImplementationClass, []byte(u.ImplementationClassUID)))
	}
	if u.HasAsyncOps {
		async := make([]byte, 4)
		binary.BigEndian.PutUint16(async, u.AsyncOpsInvoked)
		binary.BigEndian.PutUint16(async[2:], u.AsyncOpsPerformed)
		body.Write(subItem(itemAsyncOperations, async))
	}
	if u.ImplementationVersionName != "" {
		body.Write(subItem(itemImplementationVersion, []byte(u.ImplementationVersionName)))
	}
	return item(itemUserInformation, body.Bytes())
}

func decodeUserInformation(payload []byte) (UserInformation, error) {
	var u UserInformation
	for len(payload) > 0 {
		itemType, body, rest, err := nextItem(payload)
		if err != nil {
			return u, err
		}
		payload = rest
		switch itemType {
		case itemMaxLength:
			if len(body) != 4 {
				return u, errors.New("malformed maximum-length sub-item")
			}
			u.MaxPDULength = binary.BigEndian.Uint32(body)
		case itemImplementationClass:
			u.ImplementationClassUID = string(body)
		case itemImplementationVersion:
			u.ImplementationVersionName = string(body)
		case itemAsyncOperations:
			if len(body) != 4 {
				return u, errors.New("malformed asynchronous-operations sub-item")
			}
			u.HasAsyncOps = true
			u.AsyncOpsInvoked = binary.BigEndian.Uint16(body)
			u.AsyncOpsPerformed = binary.BigEndian.Uint16(body[2:])
		default:
			// Unrecognized user sub-items are ignored.
		}
	}
	return u, nil
}

func nextItem(buf []byte) (itemType byte, body, rest []byte, err error) {
	if len(buf) < 4 {
		return 0, nil, nil, errors.New("truncated item header")
	}
	itemType = buf[0]
	length := int(binary.BigEndian.Uint16(buf[2:]))
	if len(buf) < 4+length {
		return 0, nil, nil, errors.Errorf("item 0x%02x length %d exceeds remaining %d bytes", itemType, length, len(buf)-4)
	}
	return itemType, buf[4 : 4+length], buf[4+length:], nil
}

func associateFixedHeader(version uint16, called, calling string) []byte {
	body := make([]byte, 68)
	binary.BigEndian.PutUint16(body[0:], version)
	copy(body[4:], padAETitle(called))
	copy(body[20:], padAETitle(calling))
	// Bytes 36-67 are reserved.
	return body
}

// WritePDU encodes the A-ASSOCIATE-RQ.
func (p *AAssociateRQ) WritePDU(w io.Writer) error {
	var body bytes.Buffer
	body.Write(associateFixedHeader(p.ProtocolVersion, p.CalledAETitle, p.CallingAETitle))
	appContext := p.ApplicationContext
	if appContext == "" {
		appContext = DICOMApplicationContext
	}
	body.Write(item(itemApplicationContext, []byte(appContext)))
	for _, pc := range p.PresentationContexts {
		var pcBody bytes.Buffer
		pcBody.Write([]byte{pc.ID, 0, 0, 0})
		pcBody.Write(subItem(itemAbstractSyntax, []byte(pc.AbstractSyntax)))
		for _, ts := range pc.TransferSyntaxes {
			pcBody.Write(subItem(itemTransferSyntax, []byte(ts)))
		}
		body.Write(item(itemPresentationContextRQ, pcBody.Bytes()))
	}
	body.Write(p.UserInformation.encode())
	return writeHeader(w, TypeAAssociateRQ, body.Bytes())
}

// WritePDU encodes the A-ASSOCIATE-AC.
func (p *AAssociateAC) WritePDU(w io.Writer) error {
	var body bytes.Buffer
	body.Write(associateFixedHeader(p.ProtocolVersion, p.CalledAETitle, p.CallingAETitle))
	appContext := p.ApplicationContext
	if appContext == "" {
		appContext = DICOMApplicationContext
	}
	body.Write(item(itemApplicationContext, []byte(appContext)))
	for _, pc := range p.PresentationContexts {
		var pcBody bytes.Buffer
		pcBody.Write([]byte{pc.ID, 0, pc.Result, 0})
		pcBody.Write(subItem(itemTransferSyntax, []byte(pc.TransferSyntax)))
		body.Write(item(itemPresentationContextAC, pcBody.Bytes()))
	}
	body.Write(p.UserInformation.encode())
	return writeHeader(w, TypeAAssociateAC, body.Bytes())
}

// WritePDU encodes the A-ASSOCIATE-RJ.
func (p *AAssociateRJ) WritePDU(w io.Writer) error {
	return writeHeader(w, TypeAAssociateRJ, []byte{0, p.Result, p.Source, p.Reason})
}

// WritePDU encodes the P-DATA-TF.
func (p *PDataTF) WritePDU(w io.Writer) error {
	var body bytes.Buffer
	for _, pdv := range p.Values {
		header := make([]byte, 6)
		binary.BigEndian.PutUint32(header[0:], uint32(len(pdv.Data)+2))
		header[4] = pdv.ContextID
		var flags byte
		if pdv.Command {
			flags |= 0x01
		}
		if pdv.Last {
			flags |= 0x02
		}
		header[5] = flags
		body.Write(header)
		body.Write(pdv.Data)
	}
	return writeHeader(w, TypePDataTF, body.Bytes())
}

// WritePDU encodes the A-RELEASE-RQ.
func (p *AReleaseRQ) WritePDU(w io.Writer) error {
	return writeHeader(w, TypeAReleaseRQ, []byte{0, 0, 0, 0})
}

// WritePDU encodes the A-RELEASE-RP.
func (p *AReleaseRP) WritePDU(w io.Writer) error {
	return writeHeader(w, TypeAReleaseRP, []byte{0, 0, 0, 0})
}

// WritePDU encodes the A-ABORT.
func (p *AAbort) WritePDU(w io.Writer) error {
	return writeHeader(w, TypeAAbort, []byte{0, 0, p.Source, p.Reason})
}

// ReadPDU reads and decodes the next PDU from r.
func ReadPDU(r io.Reader) (PDU, error) {
	header := make([]byte, 6)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[2:])
	if length > MaxPDUSize {
		return nil, errors.Errorf("PDU length %d exceeds maximum %d", length, MaxPDUSize)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, errors.Wrap(err, "reading PDU body")
	}

	switch header[0] {
	case TypeAAssociateRQ:
		return decodeAssociateRQ(body)
	case TypeAAssociateAC:
		return decodeAssociateAC(body)
	case TypeAAssociateRJ:
		if len(body) != 4 {
			return nil, errors.New("malformed A-ASSOCIATE-RJ")
		}
		return &AAssociateRJ{Result: body[1], Source: body[2], Reason: body[3]}, nil
	case TypePDataTF:
		return decodePDataTF(body)
	case TypeAReleaseRQ:
		return &AReleaseRQ{}, nil
	case TypeAReleaseRP:
		return &AReleaseRP{}, nil
	case TypeAAbort:
		if len(body) != 4 {
			return nil, errors.New("malformed A-ABORT")
		}
		return &AAbort{Source: body[2], Reason: body[3]}, nil
	default:
		return nil, errors.Errorf("unrecognized PDU type 0x%02x", header[0])
	}
}

func decodeAssociateRQ(body []byte) (*AAssociateRQ, error) {
	if len(body) < 68 {
		return nil, errors.New("truncated A-ASSOCIATE-RQ")
	}
	p := &AAssociateRQ{
		ProtocolVersion: binary.BigEndian.Uint16(body[0:]),
		CalledAETitle:   TrimAETitle(body[4:20]),
		CallingAETitle:  TrimAETitle(body[20:36]),
	}
	rest := body[68:]
	for len(rest) > 0 {
		itemType, payload, remaining, err := nextItem(rest)
		if err != nil {
			return nil, errors.Wrap(err, "decoding A-ASSOCIATE-RQ items")
		}
		rest = remaining
		switch itemType {
		case itemApplicationContext:
			p.ApplicationContext = string(payload)
		case itemPresentationContextRQ:
			pc, err := decodePresentationContextRQ(payload)
			if err != nil {
				return nil, err
			}
			p.PresentationContexts = append(p.PresentationContexts, pc)
		case itemUserInformation:
			u, err := decodeUserInformation(payload)
			if err != nil {
				return nil, err
			}
			p.UserInformation = u
		default:
			// Unrecognized items are ignored.
		}
	}
	return p, nil
}

func decodePresentationContextRQ(payload []byte) (PresentationContextRQ, error) {
	var pc PresentationContextRQ
	if len(payload) < 4 {
		return pc, errors.New("truncated presentation context item")
	}
	pc.ID = payload[0]
	rest := payload[4:]
	for len(rest) > 0 {
		itemType, body, remaining, err := nextItem(rest)
		if err != nil {
			return pc, err
		}
		rest = remaining
		switch itemType {
		case itemAbstractSyntax:
			pc.AbstractSyntax = string(body)
		case itemTransferSyntax:
			pc.TransferSyntaxes = append(pc.TransferSyntaxes, string(body))
		}
	}
	if pc.AbstractSyntax == "" {
		return pc, errors.Errorf("presentation context %d proposes no abstract syntax", pc.ID)
	}
	if len(pc.TransferSyntaxes) == 0 {
		return pc, errors.Errorf("presentation context %d proposes no transfer syntaxes", pc.ID)
	}
	return pc, nil
}

func decodeAssociateAC(body []byte) (*AAssociateAC, error) {
	if len(body) < 68 {
		return nil, errors.New("truncated A-ASSOCIATE-AC")
	}
	p := &AAssociateAC{
		ProtocolVersion: binary.BigEndian.Uint16(body[0:]),
		CalledAETitle:   TrimAETitle(body[4:20]),
		CallingAETitle:  TrimAETitle(body[20:36]),
	}
	rest := body[68:]
	for len(rest) > 0 {
		itemType, payload, remaining, err := nextItem(rest)
		if err != nil {
			return nil, errors.Wrap(err, "decoding A-ASSOCIATE-AC items")
		}
		rest = remaining
		switch itemType {
		case itemApplicationContext:
			p.ApplicationContext = string(payload)
		case itemPresentationContextAC:
			if len(payload) < 4 {
				return nil, errors.New("truncated presentation context reply")
			}
			pc := PresentationContextAC{ID: payload[0], Result: payload[2]}
			inner := payload[4:]
			for len(inner) > 0 {
				itemType, body, remaining, err := nextItem(inner)
				if err != nil {
					return nil, err
				}
				inner = remaining
				if itemType == itemTransferSyntax {
					pc.TransferSyntax = string(body)
				}
			}
			p.PresentationContexts = append(p.PresentationContexts, pc)
		case itemUserInformation:
			u, err := decodeUserInformation(payload)
			if err != nil {
				return nil, err
			}
			p.UserInformation = u
		}
	}
	return p, nil
}

func decodePDataTF(body []byte) (*PDataTF, error) {
	p := &PDataTF{}
	for len(body) > 0 {
		if len(body) < 6 {
			return nil, errors.New("truncated presentation data value")
		}
		length := binary.BigEndian.Uint32(body[0:])
		if length < 2 || len(body) < int(4+length) {
			return nil, errors.New("malformed presentation data value length")
		}
		pdv := PresentationDataValue{
			ContextID: body[4],
			Command:   body[5]&0x01 != 0,
			Last:      body[5]&0x02 != 0,
			Data:      append([]byte(nil), body[6:4+length]...),
		}
		p.Values = append(p.Values, pdv)
		body = body[4+length:]
	}
	if len(p.Values) == 0 {
		return nil, errors.New("P-DATA-TF carries no presentation data values")
	}
	return p, nil
}

// RejectReasonString names the rejection reasons the adapter emits, for logs.
func RejectReasonString(source, reason byte) string {
	if source == SourceServiceUser {
		switch reason {
		case ReasonApplicationContext:
			return "application context not supported"
		case ReasonCallingAENotRecognized:
			return "calling AE not recognized"
		case ReasonCalledAENotRecognized:
			return "called AE not recognized"
		}
	}
	return fmt.Sprintf("source %d reason %d", source, reason)
}
