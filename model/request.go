package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Input metadata detail types recognized by the retrieval engine.
const (
	DetailTypeDicomUID        = "DICOM_UID"
	DetailTypeDicomPatientID  = "DICOM_PATIENT_ID"
	DetailTypeAccessionNumber = "ACCESSION_NUMBER"
)

// Input resource interface kinds.
const (
	ResourceInterfaceAlgorithm = "Algorithm"
	ResourceInterfaceDICOMweb  = "DICOMweb"
)

// RequestedInstance names a single SOP instance within a requested series.
type RequestedInstance struct {
	SOPInstanceUIDs []string `json:"sopInstanceUid"`
}

// RequestedSeries names a series within a requested study, optionally
// narrowed to individual instances.
type RequestedSeries struct {
	SeriesInstanceUID string              `json:"seriesInstanceUid"`
	Instances         []RequestedInstance `json:"instances,omitempty"`
}

// RequestedStudy names a study to retrieve, optionally narrowed to series.
type RequestedStudy struct {
	StudyInstanceUID string            `json:"studyInstanceUid"`
	Series           []RequestedSeries `json:"series,omitempty"`
}

// InputDetails is the typed union selecting what the retrieval engine
// dereferences: explicit UIDs, a patient id, or accession numbers.
type InputDetails struct {
	Type             string           `json:"type" validate:"required,oneof=DICOM_UID DICOM_PATIENT_ID ACCESSION_NUMBER"`
	Studies          []RequestedStudy `json:"studies,omitempty"`
	PatientID        string           `json:"patientId,omitempty"`
	AccessionNumbers []string         `json:"accessionNumber,omitempty"`
}

// InputMetadata wraps the request details.
type InputMetadata struct {
	Details *InputDetails `json:"details" validate:"required"`
}

// ConnectionDetails carries the endpoint and credentials of a retrieval or
// export resource.
type ConnectionDetails struct {
	URI        string `json:"uri"`
	AuthType   string `json:"authType,omitempty"`
	AuthID     string `json:"authId,omitempty"`
	Name       string `json:"name,omitempty"`
	PipelineID string `json:"pipelineId,omitempty"`
}

// RequestResource is a single input or output resource. The Interface field
// discriminates Algorithm entries from DICOMweb retrieval/export entries.
type RequestResource struct {
	Interface         string            `json:"interface" validate:"required"`
	ConnectionDetails ConnectionDetails `json:"connectionDetails"`
}

// InferenceRequest is the ACR-shaped request accepted on the inference API
// and worked off by the retrieval engine.
type InferenceRequest struct {
	TransactionID   string            `json:"transactionID" db:"transaction_id" validate:"required"`
	Priority        uint8             `json:"priority" db:"priority"`
	InputMetadata   *InputMetadata    `json:"inputMetadata" db:"-" validate:"required"`
	InputResources  []RequestResource `json:"inputResources" db:"-" validate:"required,min=2"`
	OutputResources []RequestResource `json:"outputResources,omitempty" db:"-"`
	JobID           string            `json:"jobId,omitempty" db:"job_id"`
	PayloadID       string            `json:"payloadId,omitempty" db:"payload_id"`
	StoragePath     string            `json:"-" db:"storage_path"`
	State           string            `json:"state,omitempty" db:"state"`
	Status          string            `json:"status,omitempty" db:"status"`
	TryCount        int               `json:"-" db:"try_count"`
}

// Algorithm returns the single Algorithm input resource, or nil when the
// request carries none.
func (r *InferenceRequest) Algorithm() *RequestResource {
	for i := range r.InputResources {
		if r.InputResources[i].Interface == ResourceInterfaceAlgorithm {
			return &r.InputResources[i]
		}
	}
	return nil
}

// RetrievalResources returns the input resources the retrieval engine
// dereferences, which is every input resource except the Algorithm entry.
func (r *InferenceRequest) RetrievalResources() []RequestResource {
	var out []RequestResource
	for _, res := range r.InputResources {
		if res.Interface != ResourceInterfaceAlgorithm {
			out = append(out, res)
		}
	}
	return out
}

// RequestBody is the full request document stored alongside the row so the
// retrieval engine can restore resources on retry.
type RequestBody InferenceRequest

// Scan implements sql.Scanner for RequestBody.
func (b *RequestBody) Scan(value interface{}) error {
	raw, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("unsupported RequestBody source type %T", value)
	}
	return json.Unmarshal(raw, b)
}

// Value implements driver.Valuer for RequestBody.
func (b RequestBody) Value() (driver.Value, error) {
	return json.Marshal(b)
}
