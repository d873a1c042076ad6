package database

import (
	"database/sql"

	"github.com/cyverse-de/dicom-adapter/model"
)

// requestRow is the persisted shape of an inference request: the scalar
// columns the adapter tracks plus the original request document.
type requestRow struct {
	TransactionID string            `db:"transaction_id"`
	Priority      uint8             `db:"priority"`
	JobID         string            `db:"job_id"`
	PayloadID     string            `db:"payload_id"`
	StoragePath   string            `db:"storage_path"`
	State         string            `db:"state"`
	Status        string            `db:"status"`
	TryCount      int               `db:"try_count"`
	Body          model.RequestBody `db:"body"`
}

func (r *requestRow) toModel() *model.InferenceRequest {
	req := model.InferenceRequest(r.Body)
	req.TransactionID = r.TransactionID
	req.Priority = r.Priority
	req.JobID = r.JobID
	req.PayloadID = r.PayloadID
	req.StoragePath = r.StoragePath
	req.State = r.State
	req.Status = r.Status
	req.TryCount = r.TryCount
	return &req
}

const addRequestQuery = `
	INSERT INTO inference_requests (transaction_id, priority, job_id, payload_id, storage_path, state, status, try_count, body)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
`

// AddRequest persists a newly accepted inference request in state Queued.
func (s *Store) AddRequest(req *model.InferenceRequest) error {
	req.State = model.RequestStateQueued
	req.Status = model.RequestStatusUnknown
	_, err := s.DB.Exec(addRequestQuery,
		req.TransactionID, req.Priority, req.JobID, req.PayloadID, req.StoragePath,
		req.State, req.Status, req.TryCount, model.RequestBody(*req))
	return err
}

const getRequestQuery = `
	SELECT transaction_id, priority, job_id, payload_id, storage_path, state, status, try_count, body
	FROM inference_requests
	WHERE transaction_id = $1;
`

// GetRequest returns the request with the given transaction id, or nil when
// none exists.
func (s *Store) GetRequest(transactionID string) (*model.InferenceRequest, error) {
	row := &requestRow{}
	err := s.DB.QueryRowx(getRequestQuery, transactionID).StructScan(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

const claimRequestQuery = `
	UPDATE inference_requests
	SET state = 'InProcess', try_count = try_count + 1
	WHERE transaction_id = (
		SELECT transaction_id FROM inference_requests
		WHERE state = 'Queued'
		ORDER BY priority DESC, transaction_id
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	)
	RETURNING transaction_id, priority, job_id, payload_id, storage_path, state, status, try_count, body;
`

// ClaimQueuedRequest atomically moves the next Queued request to InProcess
// and returns it. Returns nil when nothing is queued.
func (s *Store) ClaimQueuedRequest() (*model.InferenceRequest, error) {
	row := &requestRow{}
	err := s.DB.QueryRowx(claimRequestQuery).StructScan(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

const updateRequestQuery = `
	UPDATE inference_requests
	SET job_id = $2, payload_id = $3, state = $4, status = $5,
	    storage_path = CASE WHEN storage_path = '' THEN $6 ELSE storage_path END
	WHERE transaction_id = $1;
`

// UpdateRequest records the request's platform identifiers and lifecycle
// fields. A storage path, once set, is never overwritten.
func (s *Store) UpdateRequest(req *model.InferenceRequest) error {
	_, err := s.DB.Exec(updateRequestQuery,
		req.TransactionID, req.JobID, req.PayloadID, req.State, req.Status, req.StoragePath)
	return err
}
