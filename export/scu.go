package export

import (
	"context"
	"encoding/json"

	"github.com/cyverse-de/dicom-adapter/dimse/scu"
	"github.com/cyverse-de/dicom-adapter/model"
)

// scuParameters is the task parameter blob of the DIMSE agent: the name of a
// configured destination AE.
type scuParameters struct {
	DestinationName string `json:"destinationName"`
}

// DestinationRegistry resolves configured destination AEs by name.
type DestinationRegistry interface {
	GetDestinationAE(name string) (*model.DestinationAE, error)
}

// storeAssociation is the slice of scu.Association the exporter drives.
type storeAssociation interface {
	CStore(sopClassUID, sopInstanceUID, transferSyntaxUID string, dataSet []byte) error
	Release() error
}

// SCUExporter transmits a task's files over one DIMSE association per task,
// one presentation context per SOP class and transfer syntax pair.
type SCUExporter struct {
	callingAETitle string
	destinations   DestinationRegistry

	// Swapped out in tests.
	connect func(ctx context.Context, callingAETitle string, dest model.DestinationAE, proposals []scu.Proposal) (storeAssociation, error)
}

// NewSCUExporter wires a DIMSE exporter calling as the given AE title.
func NewSCUExporter(callingAETitle string, destinations DestinationRegistry) *SCUExporter {
	return &SCUExporter{
		callingAETitle: callingAETitle,
		destinations:   destinations,
		connect: func(ctx context.Context, callingAETitle string, dest model.DestinationAE, proposals []scu.Proposal) (storeAssociation, error) {
			return scu.Connect(ctx, callingAETitle, dest, proposals)
		},
	}
}

// Export resolves the task's destination, opens one association, and sends
// every file. Association-level failures fail every file; per-store failures
// are counted and the association carries on.
func (e *SCUExporter) Export(ctx context.Context, task model.ExportTask, files []File) (int, int, error) {
	var params scuParameters
	if err := json.Unmarshal(task.Parameters, &params); err != nil || params.DestinationName == "" {
		return 0, 0, &PermanentError{Reason: "task parameters name no destination"}
	}
	dest, err := e.destinations.GetDestinationAE(params.DestinationName)
	if err != nil {
		// Repository trouble is transient; fail the files and let the task
		// retry on a later pass.
		log.WithError(err).Errorf("looking up destination %q", params.DestinationName)
		return 0, len(files), nil
	}
	if dest == nil {
		return 0, 0, &PermanentError{Reason: "destination " + params.DestinationName + " is not configured"}
	}
	if len(files) == 0 {
		return 0, 0, nil
	}

	assoc, err := e.connect(ctx, e.callingAETitle, *dest, proposalsFor(files))
	if err != nil {
		log.WithError(err).Errorf("associating with %q (%s): %s", dest.AETitle, dest.HostIP, scu.Classify(err))
		return 0, len(files), nil
	}
	defer func() {
		if err := assoc.Release(); err != nil {
			log.WithError(err).Debugf("releasing association with %q", dest.AETitle)
		}
	}()

	exported, failed := 0, 0
	for _, f := range files {
		if err := assoc.CStore(f.SOPClassUID, f.SOPInstanceUID, f.TransferSyntaxUID, f.DataSet); err != nil {
			log.WithError(err).Errorf("storing %s to %q: %s", f.SOPInstanceUID, dest.AETitle, scu.Classify(err))
			failed++
			continue
		}
		exported++
	}
	return exported, failed, nil
}

// proposalsFor builds one presentation context per distinct SOP class,
// proposing the transfer syntaxes the files are actually encoded in.
func proposalsFor(files []File) []scu.Proposal {
	type key struct{ class, ts string }
	seen := make(map[key]bool)
	byClass := make(map[string]*scu.Proposal)
	var order []string

	for _, f := range files {
		k := key{class: f.SOPClassUID, ts: f.TransferSyntaxUID}
		if seen[k] {
			continue
		}
		seen[k] = true
		p, ok := byClass[f.SOPClassUID]
		if !ok {
			byClass[f.SOPClassUID] = &scu.Proposal{AbstractSyntax: f.SOPClassUID, TransferSyntaxes: []string{f.TransferSyntaxUID}}
			order = append(order, f.SOPClassUID)
			continue
		}
		p.TransferSyntaxes = append(p.TransferSyntaxes, f.TransferSyntaxUID)
	}

	proposals := make([]scu.Proposal, 0, len(order))
	for _, class := range order {
		proposals = append(proposals, *byClass[class])
	}
	return proposals
}
