// Package model contains the entities shared by the DICOM adapter's
// subsystems: configured application entities, staged instance records,
// inference requests and jobs, and export tasks.
package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// StringSet is a set of strings stored as a JSON array in the database.
type StringSet map[string]bool

// NewStringSet builds a StringSet from a list of members.
func NewStringSet(members ...string) StringSet {
	s := make(StringSet, len(members))
	for _, m := range members {
		s[m] = true
	}
	return s
}

// Contains returns true if the value is a member of the set.
func (s StringSet) Contains(value string) bool {
	return s[value]
}

// Scan implements sql.Scanner for StringSet.
func (s *StringSet) Scan(value interface{}) error {
	b, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("unsupported StringSet source type %T", value)
	}
	var members []string
	if err := json.Unmarshal(b, &members); err != nil {
		return err
	}
	*s = NewStringSet(members...)
	return nil
}

// Value implements driver.Valuer for StringSet.
func (s StringSet) Value() (driver.Value, error) {
	members := make([]string, 0, len(s))
	for m := range s {
		members = append(members, m)
	}
	return json.Marshal(members)
}

// Settings is a string-to-string mapping stored as JSON in the database. It
// carries the per-processor settings of a local application entity.
type Settings map[string]string

// Scan implements sql.Scanner for Settings.
func (s *Settings) Scan(value interface{}) error {
	b, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("unsupported Settings source type %T", value)
	}
	return json.Unmarshal(b, s)
}

// Value implements driver.Valuer for Settings.
func (s Settings) Value() (driver.Value, error) {
	return json.Marshal(s)
}

// LocalAE is a DICOM application entity served by the adapter's SCP. Each
// local AE owns one job processor instance.
type LocalAE struct {
	Name                  string    `json:"name" db:"name"`
	AETitle               string    `json:"aeTitle" db:"ae_title"`
	OverwriteSameInstance bool      `json:"overwriteSameInstance" db:"overwrite_same_instance"`
	IgnoredSopClasses     StringSet `json:"ignoredSopClasses" db:"ignored_sop_classes"`
	ProcessorName         string    `json:"processorName" db:"processor_name"`
	ProcessorSettings     Settings  `json:"processorSettings" db:"processor_settings"`
}

// SourceAE identifies a remote application entity allowed to open
// associations when source rejection is enabled.
type SourceAE struct {
	AETitle string `json:"aeTitle" db:"ae_title"`
	HostIP  string `json:"hostIp" db:"host_ip"`
}

// DestinationAE identifies a DIMSE destination for exported results.
type DestinationAE struct {
	Name    string `json:"name" db:"name"`
	AETitle string `json:"aeTitle" db:"ae_title"`
	HostIP  string `json:"hostIp" db:"host_ip"`
	Port    int    `json:"port" db:"port"`
}

// InstanceStorageInfo describes a single received DICOM instance staged on
// disk. StoragePath is absolute.
type InstanceStorageInfo struct {
	SopInstanceUID    string `json:"sopInstanceUid"`
	StudyInstanceUID  string `json:"studyInstanceUid"`
	SeriesInstanceUID string `json:"seriesInstanceUid"`
	PatientID         string `json:"patientId"`
	SopClassUID       string `json:"sopClassUid"`
	CalledAETitle     string `json:"calledAeTitle"`
	AssociationID     uint32 `json:"associationId"`
	StoragePath       string `json:"storagePath"`
}

// InstanceList is a list of staged instances stored as JSON in the database.
type InstanceList []InstanceStorageInfo

// Scan implements sql.Scanner for InstanceList.
func (l *InstanceList) Scan(value interface{}) error {
	b, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("unsupported InstanceList source type %T", value)
	}
	return json.Unmarshal(b, l)
}

// Value implements driver.Valuer for InstanceList.
func (l InstanceList) Value() (driver.Value, error) {
	return json.Marshal(l)
}

// Inference request lifecycle states.
const (
	RequestStateQueued    = "Queued"
	RequestStateInProcess = "InProcess"
	RequestStateCompleted = "Completed"
)

// Inference request outcome statuses.
const (
	RequestStatusUnknown = "Unknown"
	RequestStatusSuccess = "Success"
	RequestStatusFail    = "Fail"
)

// Inference job states. Transitions are monotone in the order listed; a
// Started job is terminal for this service.
const (
	JobStateCreated          = "Created"
	JobStateMetadataUploaded = "MetadataUploaded"
	JobStatePayloadUploaded  = "PayloadUploaded"
	JobStateStarted          = "Started"
	JobStateFailed           = "Failed"
)

// InferenceJob is one unit of work to be created and started on the job
// platform: a pipeline plus the staged instances forming its payload.
type InferenceJob struct {
	ID         int64        `json:"-" db:"id"`
	JobID      string       `json:"jobId" db:"job_id"`
	PayloadID  string       `json:"payloadId" db:"payload_id"`
	JobName    string       `json:"jobName" db:"job_name"`
	PipelineID string       `json:"pipelineId" db:"pipeline_id"`
	Priority   uint8        `json:"priority" db:"priority"`
	Instances  InstanceList `json:"instances" db:"instances"`
	State      string       `json:"state" db:"state"`
	Retries    int          `json:"retries" db:"retries"`
}

// ExportTask is a unit of export work delivered by the results service. The
// Parameters blob selects the DIMSE destination for SCU agents.
type ExportTask struct {
	TaskID     string          `json:"taskId"`
	JobID      string          `json:"jobId"`
	PayloadID  string          `json:"payloadId"`
	Agent      string          `json:"agent"`
	Parameters json.RawMessage `json:"parameters"`
	URIs       []string        `json:"uris"`
	Retries    int             `json:"retries"`
}

// Platform job priorities.
const (
	PriorityLower     = "Lower"
	PriorityNormal    = "Normal"
	PriorityHigher    = "Higher"
	PriorityImmediate = "Immediate"
)

// PlatformPriority maps a request priority byte to a platform priority. The
// mapping is total over 0..255.
func PlatformPriority(b uint8) string {
	switch {
	case b < 128:
		return PriorityLower
	case b == 128:
		return PriorityNormal
	case b == 255:
		return PriorityImmediate
	default:
		return PriorityHigher
	}
}
