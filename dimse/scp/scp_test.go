package scp

import (
	"bytes"
	"context"
	"encoding/binary"
	"math"
	"net"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/cyverse-de/dicom-adapter/dimse"
	"github.com/cyverse-de/dicom-adapter/dimse/commandset"
	"github.com/cyverse-de/dicom-adapter/dimse/pdu"
	"github.com/cyverse-de/dicom-adapter/model"
	"github.com/cyverse-de/dicom-adapter/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ctImageStorage = "1.2.840.10008.5.1.4.1.1.2"

type fakeRegistry struct {
	locals  map[string]*model.LocalAE
	sources map[string]*model.SourceAE
}

func (r *fakeRegistry) GetLocalAE(aeTitle string) (*model.LocalAE, error) {
	return r.locals[aeTitle], nil
}

func (r *fakeRegistry) GetSourceAE(aeTitle, hostIP string) (*model.SourceAE, error) {
	return r.sources[strings.ToLower(aeTitle)+"@"+hostIP], nil
}

type fakeHandler struct {
	mu    sync.Mutex
	calls []model.InstanceStorageInfo
	err   error
}

func (h *fakeHandler) HandleInstance(info model.InstanceStorageInfo, data []byte, transferSyntaxUID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, info)
	return h.err
}

func (h *fakeHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

type fakeSpace struct{ canStore bool }

func (s fakeSpace) CanStore() bool { return s.canStore }

func defaultSettings() Settings {
	return Settings{
		Port:                        11112,
		MaximumNumberOfAssociations: 4,
		VerificationEnabled:         true,
		VerificationTransferSyntaxes: []string{
			dimse.ExplicitVRLittleEndian,
			dimse.ImplicitVRLittleEndian,
		},
	}
}

func newTestServer(settings Settings, registry *fakeRegistry, handler *fakeHandler, space fakeSpace) *Server {
	return New(settings, registry, handler, space, storage.Paths{Root: "/payloads"})
}

// dial runs a handler against the client end of an in-memory connection.
func dial(t *testing.T, s *Server) (net.Conn, chan struct{}) {
	t.Helper()
	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.handleConn(context.Background(), server)
	}()
	t.Cleanup(func() {
		client.Close()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("association handler did not exit")
		}
	})
	return client, done
}

func associate(t *testing.T, client net.Conn, called, calling, abstractSyntax string) *pdu.AAssociateAC {
	t.Helper()
	rq := &pdu.AAssociateRQ{
		ProtocolVersion: pdu.CurrentProtocolVersion,
		CalledAETitle:   called,
		CallingAETitle:  calling,
		PresentationContexts: []pdu.PresentationContextRQ{{
			ID:               1,
			AbstractSyntax:   abstractSyntax,
			TransferSyntaxes: []string{dimse.ImplicitVRLittleEndian},
		}},
		UserInformation: pdu.UserInformation{MaxPDULength: 65536},
	}
	require.NoError(t, rq.WritePDU(client))
	reply, err := pdu.ReadPDU(client)
	require.NoError(t, err)
	ac, ok := reply.(*pdu.AAssociateAC)
	require.True(t, ok, "expected A-ASSOCIATE-AC, got %T", reply)
	return ac
}

func element(group, elem uint16, value string) []byte {
	v := []byte(value)
	if len(v)%2 != 0 {
		v = append(v, 0x00)
	}
	out := make([]byte, 8+len(v))
	binary.LittleEndian.PutUint16(out[0:], group)
	binary.LittleEndian.PutUint16(out[2:], elem)
	binary.LittleEndian.PutUint32(out[4:], uint32(len(v)))
	copy(out[8:], v)
	return out
}

func testDataSet(sopInstanceUID string) []byte {
	var buf bytes.Buffer
	buf.Write(element(0x0008, 0x0016, ctImageStorage))
	buf.Write(element(0x0008, 0x0018, sopInstanceUID))
	buf.Write(element(0x0010, 0x0020, "PID1"))
	buf.Write(element(0x0020, 0x000D, "1.2.3.4"))
	buf.Write(element(0x0020, 0x000E, "1.2.3.4.1"))
	return buf.Bytes()
}

func sendStore(t *testing.T, client net.Conn, sopInstanceUID string) *commandset.Message {
	t.Helper()
	rq := &commandset.Message{
		CommandField:           commandset.CStoreRQ,
		MessageID:              1,
		AffectedSOPClassUID:    ctImageStorage,
		AffectedSOPInstanceUID: sopInstanceUID,
		CommandDataSetType:     commandset.DataSetTypeNonNull,
	}
	p := &pdu.PDataTF{Values: []pdu.PresentationDataValue{
		{ContextID: 1, Command: true, Last: true, Data: rq.Encode()},
		{ContextID: 1, Command: false, Last: true, Data: testDataSet(sopInstanceUID)},
	}}
	require.NoError(t, p.WritePDU(client))

	reply, err := pdu.ReadPDU(client)
	require.NoError(t, err)
	pd, ok := reply.(*pdu.PDataTF)
	require.True(t, ok, "expected P-DATA-TF, got %T", reply)
	rsp, err := commandset.Decode(pd.Values[0].Data)
	require.NoError(t, err)
	return rsp
}

func release(t *testing.T, client net.Conn) {
	t.Helper()
	require.NoError(t, (&pdu.AReleaseRQ{}).WritePDU(client))
	reply, err := pdu.ReadPDU(client)
	require.NoError(t, err)
	_, ok := reply.(*pdu.AReleaseRP)
	assert.True(t, ok, "expected A-RELEASE-RP, got %T", reply)
}

func TestCEcho(t *testing.T) {
	registry := &fakeRegistry{locals: map[string]*model.LocalAE{
		"CLARA1": {Name: "clara", AETitle: "CLARA1"},
	}}
	s := newTestServer(defaultSettings(), registry, &fakeHandler{}, fakeSpace{canStore: true})
	client, _ := dial(t, s)

	ac := associate(t, client, "CLARA1", "PACS", dimse.VerificationSOPClass)
	require.Len(t, ac.PresentationContexts, 1)
	assert.Equal(t, pdu.PresentationAccepted, ac.PresentationContexts[0].Result)

	rq := &commandset.Message{
		CommandField:        commandset.CEchoRQ,
		MessageID:           1,
		AffectedSOPClassUID: dimse.VerificationSOPClass,
		CommandDataSetType:  commandset.DataSetTypeNull,
	}
	p := &pdu.PDataTF{Values: []pdu.PresentationDataValue{
		{ContextID: 1, Command: true, Last: true, Data: rq.Encode()},
	}}
	require.NoError(t, p.WritePDU(client))

	reply, err := pdu.ReadPDU(client)
	require.NoError(t, err)
	pd := reply.(*pdu.PDataTF)
	rsp, err := commandset.Decode(pd.Values[0].Data)
	require.NoError(t, err)
	assert.Equal(t, commandset.CEchoRSP, rsp.CommandField)
	assert.Equal(t, commandset.StatusSuccess, rsp.Status)

	release(t, client)
}

func TestCStoreSuccess(t *testing.T) {
	registry := &fakeRegistry{locals: map[string]*model.LocalAE{
		"CLARA1": {Name: "clara", AETitle: "CLARA1"},
	}}
	handler := &fakeHandler{}
	s := newTestServer(defaultSettings(), registry, handler, fakeSpace{canStore: true})
	client, _ := dial(t, s)

	ac := associate(t, client, "CLARA1", "PACS", ctImageStorage)
	require.Equal(t, pdu.PresentationAccepted, ac.PresentationContexts[0].Result)

	rsp := sendStore(t, client, "1.2.3.4.5")
	assert.Equal(t, commandset.StatusSuccess, rsp.Status)
	release(t, client)

	require.Equal(t, 1, handler.callCount())
	info := handler.calls[0]
	assert.Equal(t, "1.2.3.4.5", info.SopInstanceUID)
	assert.Equal(t, ctImageStorage, info.SopClassUID)
	assert.Equal(t, "CLARA1", info.CalledAETitle)
	assert.Equal(t, "/payloads/CLARA1/1.2.3.4.5.dcm", info.StoragePath)
	assert.NotZero(t, info.AssociationID)
}

func TestRejectUnknownSource(t *testing.T) {
	settings := defaultSettings()
	settings.RejectUnknownSources = true
	registry := &fakeRegistry{
		locals: map[string]*model.LocalAE{
			"CLARA1": {Name: "clara", AETitle: "CLARA1"},
		},
		sources: map[string]*model.SourceAE{
			"pacs@10.0.0.1": {AETitle: "PACS", HostIP: "10.0.0.1"},
		},
	}
	handler := &fakeHandler{}
	s := newTestServer(settings, registry, handler, fakeSpace{canStore: true})
	client, done := dial(t, s)

	rq := &pdu.AAssociateRQ{
		ProtocolVersion: pdu.CurrentProtocolVersion,
		CalledAETitle:   "CLARA1",
		CallingAETitle:  "UNKNOWN",
		PresentationContexts: []pdu.PresentationContextRQ{{
			ID:               1,
			AbstractSyntax:   ctImageStorage,
			TransferSyntaxes: []string{dimse.ImplicitVRLittleEndian},
		}},
	}
	require.NoError(t, rq.WritePDU(client))

	reply, err := pdu.ReadPDU(client)
	require.NoError(t, err)
	rj, ok := reply.(*pdu.AAssociateRJ)
	require.True(t, ok, "expected A-ASSOCIATE-RJ, got %T", reply)
	assert.Equal(t, byte(pdu.SourceServiceUser), rj.Source)
	assert.Equal(t, byte(pdu.ReasonCallingAENotRecognized), rj.Reason)

	<-done
	assert.Zero(t, handler.callCount())
	assert.Zero(t, s.ActiveAssociations())
}

func TestRejectUnknownCalledAE(t *testing.T) {
	registry := &fakeRegistry{locals: map[string]*model.LocalAE{}}
	s := newTestServer(defaultSettings(), registry, &fakeHandler{}, fakeSpace{canStore: true})
	client, _ := dial(t, s)

	rq := &pdu.AAssociateRQ{
		ProtocolVersion: pdu.CurrentProtocolVersion,
		CalledAETitle:   "NOSUCHAE",
		CallingAETitle:  "PACS",
		PresentationContexts: []pdu.PresentationContextRQ{{
			ID:               1,
			AbstractSyntax:   ctImageStorage,
			TransferSyntaxes: []string{dimse.ImplicitVRLittleEndian},
		}},
	}
	require.NoError(t, rq.WritePDU(client))

	reply, err := pdu.ReadPDU(client)
	require.NoError(t, err)
	rj, ok := reply.(*pdu.AAssociateRJ)
	require.True(t, ok)
	assert.Equal(t, byte(pdu.ReasonCalledAENotRecognized), rj.Reason)
}

func TestVerificationDisabledRejectsApplicationContext(t *testing.T) {
	settings := defaultSettings()
	settings.VerificationEnabled = false
	registry := &fakeRegistry{locals: map[string]*model.LocalAE{
		"CLARA1": {Name: "clara", AETitle: "CLARA1"},
	}}
	s := newTestServer(settings, registry, &fakeHandler{}, fakeSpace{canStore: true})
	client, _ := dial(t, s)

	rq := &pdu.AAssociateRQ{
		ProtocolVersion: pdu.CurrentProtocolVersion,
		CalledAETitle:   "CLARA1",
		CallingAETitle:  "PACS",
		PresentationContexts: []pdu.PresentationContextRQ{{
			ID:               1,
			AbstractSyntax:   dimse.VerificationSOPClass,
			TransferSyntaxes: []string{dimse.ImplicitVRLittleEndian},
		}},
	}
	require.NoError(t, rq.WritePDU(client))

	reply, err := pdu.ReadPDU(client)
	require.NoError(t, err)
	rj, ok := reply.(*pdu.AAssociateRJ)
	require.True(t, ok)
	assert.Equal(t, byte(pdu.ReasonApplicationContext), rj.Reason)
}

func TestQueryRetrieveContextNotAccepted(t *testing.T) {
	registry := &fakeRegistry{locals: map[string]*model.LocalAE{
		"CLARA1": {Name: "clara", AETitle: "CLARA1"},
	}}
	s := newTestServer(defaultSettings(), registry, &fakeHandler{}, fakeSpace{canStore: true})
	client, _ := dial(t, s)

	ac := associate(t, client, "CLARA1", "PACS", "1.2.840.10008.5.1.4.1.2.1.1")
	require.Len(t, ac.PresentationContexts, 1)
	assert.Equal(t, pdu.PresentationAbstractSyntaxNotSupported, ac.PresentationContexts[0].Result)
	release(t, client)
}

func TestCannotStoreAnswersOutOfResources(t *testing.T) {
	registry := &fakeRegistry{locals: map[string]*model.LocalAE{
		"CLARA1": {Name: "clara", AETitle: "CLARA1"},
	}}
	handler := &fakeHandler{}
	s := newTestServer(defaultSettings(), registry, handler, fakeSpace{canStore: false})
	client, _ := dial(t, s)

	ac := associate(t, client, "CLARA1", "PACS", ctImageStorage)
	require.Equal(t, pdu.PresentationAccepted, ac.PresentationContexts[0].Result)

	rsp := sendStore(t, client, "1.2.3.4.5")
	assert.Equal(t, commandset.StatusOutOfResources, rsp.Status)
	assert.Zero(t, handler.callCount())
	release(t, client)
}

func TestHandlerDiskFullMapsToOutOfResources(t *testing.T) {
	registry := &fakeRegistry{locals: map[string]*model.LocalAE{
		"CLARA1": {Name: "clara", AETitle: "CLARA1"},
	}}
	handler := &fakeHandler{err: errors.Wrap(syscall.ENOSPC, "writing instance")}
	s := newTestServer(defaultSettings(), registry, handler, fakeSpace{canStore: true})
	client, _ := dial(t, s)

	associate(t, client, "CLARA1", "PACS", ctImageStorage)
	rsp := sendStore(t, client, "1.2.3.4.5")
	assert.Equal(t, commandset.StatusOutOfResources, rsp.Status)
	release(t, client)
}

func TestAssociationCounterWrapsToOne(t *testing.T) {
	c := &associationCounter{last: math.MaxUint32 - 1}
	assert.Equal(t, uint32(math.MaxUint32), c.next())
	assert.Equal(t, uint32(1), c.next())
	assert.Equal(t, uint32(2), c.next())
}

func TestActiveAssociationsReturnsToZero(t *testing.T) {
	registry := &fakeRegistry{locals: map[string]*model.LocalAE{
		"CLARA1": {Name: "clara", AETitle: "CLARA1"},
	}}
	s := newTestServer(defaultSettings(), registry, &fakeHandler{}, fakeSpace{canStore: true})
	client, done := dial(t, s)

	associate(t, client, "CLARA1", "PACS", dimse.VerificationSOPClass)
	assert.Equal(t, 1, s.ActiveAssociations())
	release(t, client)

	<-done
	assert.Zero(t, s.ActiveAssociations())
}
