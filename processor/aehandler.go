package processor

import (
	"bytes"

	"github.com/cyverse-de/dicom-adapter/dimse"
	"github.com/cyverse-de/dicom-adapter/events"
	"github.com/cyverse-de/dicom-adapter/metrics"
	"github.com/cyverse-de/dicom-adapter/model"
	"github.com/cyverse-de/dicom-adapter/storage"
	"github.com/pkg/errors"
)

// AEHandler is the storage arbiter for one local AE: it decides whether an
// accepted instance is persisted, writes it, and publishes the notification
// after the write so no subscriber ever sees a path that does not exist.
type AEHandler struct {
	ae        model.LocalAE
	bus       *events.InstanceBus
	processor Processor
}

// Handle runs the decision rules for one instance. A nil return covers
// stored, ignored-SOP-class drops, and duplicate skips alike; only an
// exhausted write retry surfaces as an error.
func (h *AEHandler) Handle(info model.InstanceStorageInfo, data []byte, transferSyntaxUID string) error {
	entry := log.WithFields(map[string]interface{}{
		"aeTitle":     h.ae.AETitle,
		"sopInstance": info.SopInstanceUID,
	})

	if h.ae.IgnoredSopClasses.Contains(info.SopClassUID) {
		entry.Debugf("dropping instance of ignored SOP class %s", info.SopClassUID)
		return nil
	}

	if storage.Exists(info.StoragePath) && !h.ae.OverwriteSameInstance {
		// Duplicates are counted but not treated as errors; the peer still
		// sees Success.
		entry.Debug("skipping duplicate instance")
		metrics.InstancesSkippedTotal.Inc()
		return nil
	}

	var file bytes.Buffer
	err := dimse.WritePart10(&file, dimse.FileMeta{
		MediaStorageSOPClassUID:    info.SopClassUID,
		MediaStorageSOPInstanceUID: info.SopInstanceUID,
		TransferSyntaxUID:          transferSyntaxUID,
	}, data)
	if err != nil {
		return errors.Wrap(err, "framing instance file")
	}
	if err := storage.SaveInstance(info.StoragePath, file.Bytes()); err != nil {
		return err
	}

	entry.Debug("instance stored")
	h.bus.Publish(info)
	return nil
}
