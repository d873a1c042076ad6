// Package scu implements the outbound DIMSE service class user used by the
// export pipeline: it opens an association to a destination, negotiates one
// presentation context per SOP class, and transmits instances via C-STORE.
package scu

import (
	"bytes"
	"context"
	"fmt"
	"net"

	"github.com/cyverse-de/dicom-adapter/common"
	"github.com/cyverse-de/dicom-adapter/dimse"
	"github.com/cyverse-de/dicom-adapter/dimse/commandset"
	"github.com/cyverse-de/dicom-adapter/dimse/pdu"
	"github.com/cyverse-de/dicom-adapter/model"
	"github.com/pkg/errors"
)

var log = common.Log

// defaultChunkSize bounds PDV fragments when the peer does not state a
// maximum PDU length.
const defaultChunkSize = 64 * 1024

// Proposal is one presentation context to offer during negotiation.
type Proposal struct {
	AbstractSyntax   string
	TransferSyntaxes []string
}

type acceptedContext struct {
	id             byte
	transferSyntax string
}

// Association is an open outbound association. Not safe for concurrent use;
// the export pipeline gives each association to exactly one worker.
type Association struct {
	conn net.Conn

	// Accepted contexts by abstract syntax.
	contexts      map[string][]acceptedContext
	maxPDULength  uint32
	nextMessageID uint16
}

// Connect dials the destination and negotiates an association proposing the
// given presentation contexts. Asynchronous operations are offered as
// unlimited; the peer's answer is accepted either way.
func Connect(ctx context.Context, callingAETitle string, dest model.DestinationAE, proposals []Proposal) (*Association, error) {
	var dialer net.Dialer
	addr := fmt.Sprintf("%s:%d", dest.HostIP, dest.Port)
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &SocketError{Err: errors.Wrapf(err, "dialing %s", addr)}
	}
	assoc, err := Negotiate(conn, callingAETitle, dest.AETitle, proposals)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return assoc, nil
}

// Negotiate runs the association handshake over an existing connection.
func Negotiate(conn net.Conn, callingAETitle, calledAETitle string, proposals []Proposal) (*Association, error) {
	rq := &pdu.AAssociateRQ{
		ProtocolVersion: pdu.CurrentProtocolVersion,
		CalledAETitle:   calledAETitle,
		CallingAETitle:  callingAETitle,
		UserInformation: pdu.UserInformation{
			MaxPDULength:              pdu.MaxPDUSize,
			ImplementationClassUID:    dimse.ImplementationClassUID,
			ImplementationVersionName: dimse.ImplementationVersionName,
			HasAsyncOps:               true,
		},
	}
	// Context ids are odd by definition; the requestor assigns 1, 3, 5, ...
	for i, p := range proposals {
		rq.PresentationContexts = append(rq.PresentationContexts, pdu.PresentationContextRQ{
			ID:               byte(2*i + 1),
			AbstractSyntax:   p.AbstractSyntax,
			TransferSyntaxes: p.TransferSyntaxes,
		})
	}
	if err := rq.WritePDU(conn); err != nil {
		return nil, &SocketError{Err: errors.Wrap(err, "sending A-ASSOCIATE-RQ")}
	}

	reply, err := pdu.ReadPDU(conn)
	if err != nil {
		return nil, &SocketError{Err: errors.Wrap(err, "reading association reply")}
	}
	switch reply := reply.(type) {
	case *pdu.AAssociateAC:
		assoc := &Association{
			conn:         conn,
			contexts:     make(map[string][]acceptedContext),
			maxPDULength: reply.UserInformation.MaxPDULength,
		}
		byID := make(map[byte]string)
		for _, pc := range rq.PresentationContexts {
			byID[pc.ID] = pc.AbstractSyntax
		}
		for _, pc := range reply.PresentationContexts {
			if pc.Result != pdu.PresentationAccepted {
				continue
			}
			abstract := byID[pc.ID]
			assoc.contexts[abstract] = append(assoc.contexts[abstract], acceptedContext{
				id:             pc.ID,
				transferSyntax: pc.TransferSyntax,
			})
		}
		return assoc, nil
	case *pdu.AAssociateRJ:
		return nil, &RejectedError{Result: reply.Result, Source: reply.Source, Reason: reply.Reason}
	case *pdu.AAbort:
		return nil, &AbortedError{Source: reply.Source, Reason: reply.Reason}
	default:
		return nil, errors.Errorf("unexpected %T in reply to A-ASSOCIATE-RQ", reply)
	}
}

// context returns the accepted context for a SOP class and transfer syntax.
func (a *Association) context(sopClassUID, transferSyntaxUID string) (byte, error) {
	for _, c := range a.contexts[sopClassUID] {
		if c.transferSyntax == transferSyntaxUID {
			return c.id, nil
		}
	}
	return 0, errors.Errorf("no accepted presentation context for %s in %s", sopClassUID, transferSyntaxUID)
}

func (a *Association) chunkSize() int {
	if a.maxPDULength == 0 || a.maxPDULength > defaultChunkSize {
		return defaultChunkSize
	}
	// A PDV eats 6 bytes of the PDU budget for its own header.
	return int(a.maxPDULength) - 6
}

// CStore transmits one instance and waits for the response. The data set
// must be encoded in the given transfer syntax. A non-Success status is
// returned as a StatusError.
func (a *Association) CStore(sopClassUID, sopInstanceUID, transferSyntaxUID string, dataSet []byte) error {
	contextID, err := a.context(sopClassUID, transferSyntaxUID)
	if err != nil {
		return err
	}

	a.nextMessageID++
	rq := &commandset.Message{
		CommandField:           commandset.CStoreRQ,
		MessageID:              a.nextMessageID,
		AffectedSOPClassUID:    sopClassUID,
		AffectedSOPInstanceUID: sopInstanceUID,
		CommandDataSetType:     commandset.DataSetTypeNonNull,
	}
	command := &pdu.PDataTF{Values: []pdu.PresentationDataValue{{
		ContextID: contextID,
		Command:   true,
		Last:      true,
		Data:      rq.Encode(),
	}}}
	if err := command.WritePDU(a.conn); err != nil {
		return &SocketError{Err: errors.Wrap(err, "sending C-STORE command")}
	}

	chunk := a.chunkSize()
	for offset := 0; offset < len(dataSet); offset += chunk {
		end := offset + chunk
		if end > len(dataSet) {
			end = len(dataSet)
		}
		p := &pdu.PDataTF{Values: []pdu.PresentationDataValue{{
			ContextID: contextID,
			Last:      end == len(dataSet),
			Data:      dataSet[offset:end],
		}}}
		if err := p.WritePDU(a.conn); err != nil {
			return &SocketError{Err: errors.Wrap(err, "sending C-STORE data set")}
		}
	}

	rsp, err := a.readResponse()
	if err != nil {
		return err
	}
	if rsp.CommandField != commandset.CStoreRSP || rsp.MessageIDBeingRespondedTo != rq.MessageID {
		return errors.Errorf("mismatched C-STORE response for message %d", rq.MessageID)
	}
	if rsp.Status != commandset.StatusSuccess {
		return &StatusError{Status: rsp.Status}
	}
	return nil
}

// readResponse reads P-DATA-TF PDUs until a complete command set arrives.
func (a *Association) readResponse() (*commandset.Message, error) {
	var command bytes.Buffer
	for {
		p, err := pdu.ReadPDU(a.conn)
		if err != nil {
			return nil, &SocketError{Err: errors.Wrap(err, "reading C-STORE response")}
		}
		switch p := p.(type) {
		case *pdu.PDataTF:
			for _, pdv := range p.Values {
				if !pdv.Command {
					continue
				}
				command.Write(pdv.Data)
				if pdv.Last {
					return commandset.Decode(command.Bytes())
				}
			}
		case *pdu.AAbort:
			return nil, &AbortedError{Source: p.Source, Reason: p.Reason}
		default:
			return nil, errors.Errorf("unexpected %T while awaiting a response", p)
		}
	}
}

// Release performs an orderly release and closes the connection.
func (a *Association) Release() error {
	defer a.conn.Close()
	rq := &pdu.AReleaseRQ{}
	if err := rq.WritePDU(a.conn); err != nil {
		return &SocketError{Err: errors.Wrap(err, "sending A-RELEASE-RQ")}
	}
	reply, err := pdu.ReadPDU(a.conn)
	if err != nil {
		return &SocketError{Err: errors.Wrap(err, "reading release reply")}
	}
	if _, ok := reply.(*pdu.AReleaseRP); !ok {
		return errors.Errorf("unexpected %T in reply to A-RELEASE-RQ", reply)
	}
	return nil
}

// Abort tears the association down without waiting for the peer.
func (a *Association) Abort() {
	ab := &pdu.AAbort{Source: 0, Reason: 0}
	if err := ab.WritePDU(a.conn); err != nil {
		log.WithError(err).Debug("sending A-ABORT")
	}
	a.conn.Close()
}
