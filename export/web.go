package export

import (
	"context"
	"encoding/json"

	"github.com/cyverse-de/dicom-adapter/dicomweb"
	"github.com/cyverse-de/dicom-adapter/model"
)

// stowChunkSize is how many files go into one STOW request.
const stowChunkSize = 10

// WebExporter transmits a task's files to a DICOMweb destination via
// STOW-RS. The task parameters carry the destination's connection details.
type WebExporter struct {
	// Swapped out in tests.
	newClient func(details model.ConnectionDetails) (*dicomweb.Client, error)
}

// NewWebExporter wires a DICOMweb exporter.
func NewWebExporter() *WebExporter {
	return &WebExporter{
		newClient: func(details model.ConnectionDetails) (*dicomweb.Client, error) {
			return dicomweb.New(details.URI, dicomweb.NewAuth(details.AuthType, details.AuthID))
		},
	}
}

// Export STOWs the files in chunks. A rejected chunk fails all of its files
// and the remaining chunks are still attempted; a later poll retries the
// whole task if the threshold is crossed.
func (e *WebExporter) Export(ctx context.Context, task model.ExportTask, files []File) (int, int, error) {
	var details model.ConnectionDetails
	if err := json.Unmarshal(task.Parameters, &details); err != nil || details.URI == "" {
		return 0, 0, &PermanentError{Reason: "task parameters name no DICOMweb destination"}
	}
	client, err := e.newClient(details)
	if err != nil {
		return 0, 0, &PermanentError{Reason: "destination URI is invalid: " + err.Error()}
	}

	exported, failed := 0, 0
	for start := 0; start < len(files); start += stowChunkSize {
		end := start + stowChunkSize
		if end > len(files) {
			end = len(files)
		}
		chunk := make([][]byte, 0, end-start)
		for _, f := range files[start:end] {
			chunk = append(chunk, f.Part10)
		}
		if err := client.StoreInstances(ctx, "", chunk); err != nil {
			log.WithError(err).Errorf("storing %d instance(s) to %s", len(chunk), details.URI)
			failed += len(chunk)
			continue
		}
		exported += len(chunk)
	}
	return exported, failed, nil
}
