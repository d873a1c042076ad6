package database

import (
	"database/sql"
	"encoding/json"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/cyverse-de/dicom-adapter/model"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return New(sqlx.NewDb(mockDB, "sqlmock")), mock
}

func TestGetLocalAE(t *testing.T) {
	store, mock := newTestStore(t)
	mock.ExpectQuery("FROM local_aes").
		WithArgs("DicomAdapter").
		WillReturnRows(sqlmock.NewRows([]string{"name", "ae_title", "overwrite_same_instance", "ignored_sop_classes", "processor_name", "processor_settings"}).
			AddRow("adapter", "DicomAdapter", true, []byte(`["1.2.840.10008.1.1"]`), "aetitle", []byte(`{"timeout": "5"}`)))

	ae, err := store.GetLocalAE("DicomAdapter")
	require.NoError(t, err)
	require.NotNil(t, ae)
	assert.Equal(t, "adapter", ae.Name)
	assert.True(t, ae.OverwriteSameInstance)
	assert.True(t, ae.IgnoredSopClasses.Contains("1.2.840.10008.1.1"))
	assert.Equal(t, "5", ae.ProcessorSettings["timeout"])
}

func TestGetLocalAEMissing(t *testing.T) {
	store, mock := newTestStore(t)
	mock.ExpectQuery("FROM local_aes").
		WithArgs("GHOST").
		WillReturnError(sql.ErrNoRows)

	ae, err := store.GetLocalAE("GHOST")
	require.NoError(t, err)
	assert.Nil(t, ae)
}

func TestAddLocalAE(t *testing.T) {
	store, mock := newTestStore(t)
	mock.ExpectExec("INSERT INTO local_aes").
		WithArgs("adapter", "DicomAdapter", false, []byte("[]"), "aetitle", []byte("{}")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.AddLocalAE(&model.LocalAE{
		Name:              "adapter",
		AETitle:           "DicomAdapter",
		IgnoredSopClasses: model.NewStringSet(),
		ProcessorName:     "aetitle",
		ProcessorSettings: model.Settings{},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSourceAE(t *testing.T) {
	store, mock := newTestStore(t)
	mock.ExpectQuery("FROM source_aes").
		WithArgs("PACS1", "10.0.0.7").
		WillReturnRows(sqlmock.NewRows([]string{"ae_title", "host_ip"}).AddRow("PACS1", "10.0.0.7"))

	src, err := store.GetSourceAE("PACS1", "10.0.0.7")
	require.NoError(t, err)
	require.NotNil(t, src)
	assert.Equal(t, "PACS1", src.AETitle)
}

func TestGetDestinationAEMissing(t *testing.T) {
	store, mock := newTestStore(t)
	mock.ExpectQuery("FROM destination_aes").
		WithArgs("nowhere").
		WillReturnError(sql.ErrNoRows)

	dest, err := store.GetDestinationAE("nowhere")
	require.NoError(t, err)
	assert.Nil(t, dest)
}

func TestAddRequestForcesQueued(t *testing.T) {
	store, mock := newTestStore(t)
	mock.ExpectExec("INSERT INTO inference_requests").
		WillReturnResult(sqlmock.NewResult(1, 1))

	req := &model.InferenceRequest{
		TransactionID: "txn-1",
		Priority:      128,
		State:         "Completed", // ignored; a new request is always Queued
	}
	require.NoError(t, store.AddRequest(req))
	assert.Equal(t, model.RequestStateQueued, req.State)
	assert.Equal(t, model.RequestStatusUnknown, req.Status)
}

func TestGetRequestRestoresBody(t *testing.T) {
	store, mock := newTestStore(t)

	body, err := json.Marshal(model.RequestBody(model.InferenceRequest{
		InputResources: []model.RequestResource{
			{Interface: model.ResourceInterfaceAlgorithm, ConnectionDetails: model.ConnectionDetails{PipelineID: "pipe-1"}},
		},
	}))
	require.NoError(t, err)

	mock.ExpectQuery("FROM inference_requests").
		WithArgs("txn-1").
		WillReturnRows(sqlmock.NewRows([]string{"transaction_id", "priority", "job_id", "payload_id", "storage_path", "state", "status", "try_count", "body"}).
			AddRow("txn-1", 255, "job-9", "pay-9", "/payloads/txn-1", "InProcess", "Unknown", 2, body))

	req, err := store.GetRequest("txn-1")
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, "txn-1", req.TransactionID)
	assert.Equal(t, uint8(255), req.Priority)
	assert.Equal(t, "job-9", req.JobID)
	assert.Equal(t, 2, req.TryCount)
	require.NotNil(t, req.Algorithm())
	assert.Equal(t, "pipe-1", req.Algorithm().ConnectionDetails.PipelineID)
}

func TestClaimQueuedRequestEmpty(t *testing.T) {
	store, mock := newTestStore(t)
	mock.ExpectQuery("UPDATE inference_requests").
		WillReturnError(sql.ErrNoRows)

	req, err := store.ClaimQueuedRequest()
	require.NoError(t, err)
	assert.Nil(t, req)
}

func TestClaimQueuedRequestBumpsTryCount(t *testing.T) {
	store, mock := newTestStore(t)
	mock.ExpectQuery("UPDATE inference_requests").
		WillReturnRows(sqlmock.NewRows([]string{"transaction_id", "priority", "job_id", "payload_id", "storage_path", "state", "status", "try_count", "body"}).
			AddRow("txn-1", 128, "", "", "", "InProcess", "Unknown", 1, []byte("{}")))

	req, err := store.ClaimQueuedRequest()
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, model.RequestStateInProcess, req.State)
	assert.Equal(t, 1, req.TryCount)
}

func TestAddJobFillsID(t *testing.T) {
	store, mock := newTestStore(t)
	mock.ExpectQuery("INSERT INTO inference_jobs").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

	job := &model.InferenceJob{
		JobID:      "job-9",
		PayloadID:  "pay-9",
		JobName:    "txn-1",
		PipelineID: "pipe-1",
		Priority:   128,
		Instances:  model.InstanceList{{SopInstanceUID: "1.2.3"}},
		State:      model.JobStateCreated,
	}
	require.NoError(t, store.AddJob(job))
	assert.Equal(t, int64(42), job.ID)
}

func TestClaimCreatedJob(t *testing.T) {
	store, mock := newTestStore(t)

	instances, err := json.Marshal(model.InstanceList{{SopInstanceUID: "1.2.3", StoragePath: "/payloads/AE1/1.2.3.dcm"}})
	require.NoError(t, err)

	mock.ExpectQuery("UPDATE inference_jobs").
		WillReturnRows(sqlmock.NewRows([]string{"id", "job_id", "payload_id", "job_name", "pipeline_id", "priority", "instances", "state", "retries"}).
			AddRow(int64(42), "", "", "txn-1", "pipe-1", 128, instances, "Created", 1))

	job, err := store.ClaimCreatedJob()
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, int64(42), job.ID)
	assert.Equal(t, 1, job.Retries)
	require.Len(t, job.Instances, 1)
	assert.Equal(t, "1.2.3", job.Instances[0].SopInstanceUID)
}

func TestUpdateJob(t *testing.T) {
	store, mock := newTestStore(t)
	mock.ExpectExec("UPDATE inference_jobs").
		WithArgs(int64(42), "job-9", "pay-9", "Started").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.UpdateJob(&model.InferenceJob{ID: 42, JobID: "job-9", PayloadID: "pay-9", State: model.JobStateStarted})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
