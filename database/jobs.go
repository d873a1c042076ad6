package database

import (
	"database/sql"

	"github.com/cyverse-de/dicom-adapter/model"
)

const addJobQuery = `
	INSERT INTO inference_jobs (job_id, payload_id, job_name, pipeline_id, priority, instances, state, retries)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	RETURNING id;
`

// AddJob persists a new inference job and fills in its row id.
func (s *Store) AddJob(job *model.InferenceJob) error {
	return s.DB.QueryRowx(addJobQuery,
		job.JobID, job.PayloadID, job.JobName, job.PipelineID, job.Priority,
		job.Instances, job.State, job.Retries).Scan(&job.ID)
}

const claimCreatedJobQuery = `
	UPDATE inference_jobs
	SET retries = retries + 1
	WHERE id = (
		SELECT id FROM inference_jobs
		WHERE state = 'Created'
		ORDER BY id
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	)
	RETURNING id, job_id, payload_id, job_name, pipeline_id, priority, instances, state, retries;
`

// ClaimCreatedJob returns the oldest job still in state Created, bumping its
// retry counter. Returns nil when no job is pending.
func (s *Store) ClaimCreatedJob() (*model.InferenceJob, error) {
	job := &model.InferenceJob{}
	err := s.DB.QueryRowx(claimCreatedJobQuery).StructScan(job)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

const updateJobQuery = `
	UPDATE inference_jobs
	SET job_id = $2, payload_id = $3, state = $4
	WHERE id = $1;
`

// UpdateJob records the platform identifiers and state of a job.
func (s *Store) UpdateJob(job *model.InferenceJob) error {
	_, err := s.DB.Exec(updateJobQuery, job.ID, job.JobID, job.PayloadID, job.State)
	return err
}

const getJobQuery = `
	SELECT id, job_id, payload_id, job_name, pipeline_id, priority, instances, state, retries
	FROM inference_jobs
	WHERE job_id = $1;
`

// GetJob returns the job with the given platform job id, or nil when none
// exists.
func (s *Store) GetJob(jobID string) (*model.InferenceJob, error) {
	job := &model.InferenceJob{}
	err := s.DB.QueryRowx(getJobQuery, jobID).StructScan(job)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}
