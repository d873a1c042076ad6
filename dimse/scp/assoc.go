package scp

import (
	"bytes"
	"context"
	"net"
	"time"

	"github.com/cyverse-de/dicom-adapter/dimse"
	"github.com/cyverse-de/dicom-adapter/dimse/commandset"
	"github.com/cyverse-de/dicom-adapter/dimse/pdu"
	"github.com/cyverse-de/dicom-adapter/metrics"
	"github.com/cyverse-de/dicom-adapter/model"
	"github.com/cyverse-de/dicom-adapter/storage"
	"github.com/sirupsen/logrus"
)

// readPollInterval bounds how long a blocking read runs before the handler
// rechecks the cancellation context.
const readPollInterval = time.Second

// association is the per-connection state: Opening, Negotiating,
// Established, then Releasing or Aborting, then Closed.
type association struct {
	server *Server
	conn   net.Conn
	id     uint32
	log    *logrus.Entry

	calledAETitle  string
	callingAETitle string
	canStore       bool

	// Accepted presentation contexts, keyed by context id.
	transferSyntaxes map[byte]string
	abstractSyntaxes map[byte]string
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	a := &association{
		server: s,
		conn:   conn,
		id:     s.counter.next(),
	}
	a.log = log.WithFields(logrus.Fields{
		"association": a.id,
		"remote":      conn.RemoteAddr().String(),
	})
	a.log.Info("association opening")

	accepted, err := a.negotiate()
	if err != nil {
		a.log.WithError(err).Warn("association negotiation failed")
		return
	}
	if !accepted {
		return
	}

	s.trackEstablished()
	a.log.WithFields(logrus.Fields{
		"calledAE":  a.calledAETitle,
		"callingAE": a.callingAETitle,
	}).Info("association established")
	defer func() {
		s.trackClosed()
		a.log.Info("association closed")
	}()

	a.serve(ctx)
}

// negotiate reads the A-ASSOCIATE-RQ and runs the admission checks in
// order. The first failing check rejects the association with its DIMSE
// reason and negotiate returns false. A true return means the A-ASSOCIATE-AC
// has been sent and the association is established.
func (a *association) negotiate() (bool, error) {
	p, err := pdu.ReadPDU(a.conn)
	if err != nil {
		return false, err
	}
	rq, ok := p.(*pdu.AAssociateRQ)
	if !ok {
		a.abort()
		return false, nil
	}
	a.calledAETitle = rq.CalledAETitle
	a.callingAETitle = rq.CallingAETitle
	host := remoteHost(a.conn)

	if a.server.settings.RejectUnknownSources {
		src, err := a.server.registry.GetSourceAE(rq.CallingAETitle, host)
		if err != nil {
			return false, err
		}
		if src == nil {
			a.reject(pdu.ReasonCallingAENotRecognized)
			return false, nil
		}
	}

	localAE, err := a.server.registry.GetLocalAE(rq.CalledAETitle)
	if err != nil {
		return false, err
	}
	if localAE == nil {
		a.reject(pdu.ReasonCalledAENotRecognized)
		return false, nil
	}

	a.transferSyntaxes = make(map[byte]string)
	a.abstractSyntaxes = make(map[byte]string)
	var replies []pdu.PresentationContextAC
	for _, pc := range rq.PresentationContexts {
		reply, appContextReject := a.answerContext(pc)
		if appContextReject {
			a.reject(pdu.ReasonApplicationContext)
			return false, nil
		}
		if reply.Result == pdu.PresentationAccepted {
			a.transferSyntaxes[pc.ID] = reply.TransferSyntax
			a.abstractSyntaxes[pc.ID] = pc.AbstractSyntax
		}
		replies = append(replies, reply)
	}

	// A full staging area still accepts the association; each C-STORE is
	// answered with Resource Limitation instead.
	a.canStore = a.server.space.CanStore()
	if !a.canStore {
		a.log.Warn("staging area below the store watermark; C-STOREs will be refused")
	}

	ac := &pdu.AAssociateAC{
		ProtocolVersion:      pdu.CurrentProtocolVersion,
		CalledAETitle:        rq.CalledAETitle,
		CallingAETitle:       rq.CallingAETitle,
		PresentationContexts: replies,
		UserInformation: pdu.UserInformation{
			MaxPDULength:              pdu.MaxPDUSize,
			ImplementationClassUID:    dimse.ImplementationClassUID,
			ImplementationVersionName: dimse.ImplementationVersionName,
		},
	}
	if err := ac.WritePDU(a.conn); err != nil {
		return false, err
	}
	return true, nil
}

// answerContext produces the acceptor's reply for one proposed presentation
// context. The second return is true only for the Verification-while-disabled
// case, which rejects the whole association.
func (a *association) answerContext(pc pdu.PresentationContextRQ) (pdu.PresentationContextAC, bool) {
	reply := pdu.PresentationContextAC{ID: pc.ID}

	if pc.AbstractSyntax == dimse.VerificationSOPClass {
		if !a.server.settings.VerificationEnabled {
			return reply, true
		}
		for _, proposed := range pc.TransferSyntaxes {
			for _, configured := range a.server.settings.VerificationTransferSyntaxes {
				if proposed == configured {
					reply.Result = pdu.PresentationAccepted
					reply.TransferSyntax = proposed
					return reply, false
				}
			}
		}
		reply.Result = pdu.PresentationTransferSyntaxesNotSupported
		return reply, false
	}

	if !dimse.IsStorageCategory(pc.AbstractSyntax) {
		reply.Result = pdu.PresentationAbstractSyntaxNotSupported
		return reply, false
	}

	// Storage contexts take whatever the peer proposes, except big endian,
	// which the identifier scanner cannot read.
	for _, proposed := range pc.TransferSyntaxes {
		if proposed != dimse.ExplicitVRBigEndian {
			reply.Result = pdu.PresentationAccepted
			reply.TransferSyntax = proposed
			return reply, false
		}
	}
	reply.Result = pdu.PresentationTransferSyntaxesNotSupported
	return reply, false
}

// serve runs the DIMSE message loop until release, abort, connection loss,
// or cancellation. Cancellation is checked between messages only; an
// in-flight C-STORE always gets its response first.
func (a *association) serve(ctx context.Context) {
	var command bytes.Buffer
	var data bytes.Buffer
	var pending *commandset.Message
	var pendingContext byte

	for {
		if ctx.Err() != nil {
			a.log.Info("shutting down; leaving the association")
			return
		}

		a.conn.SetReadDeadline(time.Now().Add(readPollInterval))
		p, err := pdu.ReadPDU(a.conn)
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				continue
			}
			a.log.WithError(err).Debug("association read ended")
			return
		}

		switch p := p.(type) {
		case *pdu.PDataTF:
			for _, pdv := range p.Values {
				if pdv.Command {
					command.Write(pdv.Data)
					if !pdv.Last {
						continue
					}
					msg, err := commandset.Decode(command.Bytes())
					command.Reset()
					if err != nil {
						a.log.WithError(err).Warn("undecodable command set")
						a.abort()
						return
					}
					if msg.HasDataSet() {
						pending = msg
						pendingContext = pdv.ContextID
						data.Reset()
						continue
					}
					a.dispatch(msg, pdv.ContextID, nil)
				} else {
					data.Write(pdv.Data)
					if !pdv.Last || pending == nil {
						continue
					}
					a.dispatch(pending, pendingContext, data.Bytes())
					pending = nil
					data.Reset()
				}
			}
		case *pdu.AReleaseRQ:
			a.log.Info("association releasing")
			rp := &pdu.AReleaseRP{}
			a.conn.SetWriteDeadline(time.Now().Add(readPollInterval))
			rp.WritePDU(a.conn)
			return
		case *pdu.AAbort:
			a.log.WithField("reason", p.Reason).Info("association aborted by peer")
			return
		default:
			a.log.Warnf("unexpected PDU %T mid-association", p)
			a.abort()
			return
		}
	}
}

func (a *association) dispatch(msg *commandset.Message, contextID byte, dataSet []byte) {
	switch msg.CommandField {
	case commandset.CEchoRQ:
		a.respond(contextID, &commandset.Message{
			CommandField:              commandset.CEchoRSP,
			MessageIDBeingRespondedTo: msg.MessageID,
			AffectedSOPClassUID:       msg.AffectedSOPClassUID,
			CommandDataSetType:        commandset.DataSetTypeNull,
			Status:                    commandset.StatusSuccess,
		})
	case commandset.CStoreRQ:
		status := a.handleStore(msg, contextID, dataSet)
		a.respond(contextID, &commandset.Message{
			CommandField:              commandset.CStoreRSP,
			MessageIDBeingRespondedTo: msg.MessageID,
			AffectedSOPClassUID:       msg.AffectedSOPClassUID,
			AffectedSOPInstanceUID:    msg.AffectedSOPInstanceUID,
			CommandDataSetType:        commandset.DataSetTypeNull,
			Status:                    status,
		})
	default:
		a.log.Warnf("unsupported command 0x%04x", msg.CommandField)
		a.respond(contextID, &commandset.Message{
			CommandField:              msg.CommandField | 0x8000,
			MessageIDBeingRespondedTo: msg.MessageID,
			CommandDataSetType:        commandset.DataSetTypeNull,
			Status:                    commandset.StatusSOPClassNotSupported,
		})
	}
}

// handleStore runs one C-STORE: identifier extraction, path computation, and
// hand-off to the AE handler. The returned status is what the peer sees.
func (a *association) handleStore(msg *commandset.Message, contextID byte, dataSet []byte) uint16 {
	if !a.canStore {
		return commandset.StatusOutOfResources
	}
	if dataSet == nil {
		a.log.Warn("C-STORE request without a data set")
		return commandset.StatusProcessingFailure
	}

	transferSyntax := a.transferSyntaxes[contextID]
	ids, err := dimse.ExtractIdentifiers(dataSet, transferSyntax)
	if err != nil {
		a.log.WithError(err).Warn("unable to extract identifiers from C-STORE data set")
		return commandset.StatusProcessingFailure
	}
	if a.server.settings.LogDimseDatasets {
		a.log.WithFields(logrus.Fields{
			"sopInstance": ids.SOPInstanceUID,
			"study":       ids.StudyInstanceUID,
			"series":      ids.SeriesInstanceUID,
			"bytes":       len(dataSet),
		}).Debug("C-STORE data set received")
	}

	info := model.InstanceStorageInfo{
		SopInstanceUID:    ids.SOPInstanceUID,
		StudyInstanceUID:  ids.StudyInstanceUID,
		SeriesInstanceUID: ids.SeriesInstanceUID,
		PatientID:         ids.PatientID,
		SopClassUID:       ids.SOPClassUID,
		CalledAETitle:     a.calledAETitle,
		AssociationID:     a.id,
		StoragePath:       a.server.paths.InstancePath(a.calledAETitle, ids.SOPInstanceUID),
	}
	if err := a.server.handler.HandleInstance(info, dataSet, transferSyntax); err != nil {
		if storage.IsDiskFull(err) {
			a.log.WithError(err).Error("staging area full during C-STORE")
			return commandset.StatusOutOfResources
		}
		a.log.WithError(err).Error("storing C-STORE instance")
		return commandset.StatusProcessingFailure
	}
	metrics.InstancesReceivedTotal.Inc()
	return commandset.StatusSuccess
}

func (a *association) respond(contextID byte, msg *commandset.Message) {
	p := &pdu.PDataTF{
		Values: []pdu.PresentationDataValue{{
			ContextID: contextID,
			Command:   true,
			Last:      true,
			Data:      msg.Encode(),
		}},
	}
	a.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := p.WritePDU(a.conn); err != nil {
		a.log.WithError(err).Warn("writing DIMSE response")
	}
}

func (a *association) reject(reason byte) {
	a.log.WithField("reason", pdu.RejectReasonString(pdu.SourceServiceUser, reason)).Info("association rejected")
	metrics.AssociationsRejectedTotal.WithLabelValues(pdu.RejectReasonString(pdu.SourceServiceUser, reason)).Inc()
	rj := &pdu.AAssociateRJ{
		Result: pdu.ResultRejectedPermanent,
		Source: pdu.SourceServiceUser,
		Reason: reason,
	}
	a.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	rj.WritePDU(a.conn)
}

func (a *association) abort() {
	ab := &pdu.AAbort{Source: pdu.SourceServiceProviderACSE, Reason: 0}
	a.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	ab.WritePDU(a.conn)
}
