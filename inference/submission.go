package inference

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/cyverse-de/dicom-adapter/metrics"
	"github.com/cyverse-de/dicom-adapter/model"
	"github.com/cyverse-de/dicom-adapter/platform"
	"github.com/cyverse-de/dicom-adapter/storage"
	"github.com/pkg/errors"
)

// JobRepo is the slice of the job repository the submission service uses.
type JobRepo interface {
	AddJob(job *model.InferenceJob) error
	ClaimCreatedJob() (*model.InferenceJob, error)
	UpdateJob(job *model.InferenceJob) error
}

// JobSubmissionService drives persisted jobs through the platform: create,
// upload the payload files, start. Platform writes are idempotent on the job
// id, so a job may safely be pushed through the sequence more than once; a
// job that fails part way returns to Created and is claimed again later.
type JobSubmissionService struct {
	store      JobRepo
	jobs       platform.Jobs
	payloads   platform.Payloads
	cleanup    *storage.CleanupQueue
	maxRetries int
	poll       time.Duration
}

// NewJobSubmissionService wires a submission service. maxRetries bounds how
// often a failing job is re-claimed before it is marked Failed.
func NewJobSubmissionService(store JobRepo, jobs platform.Jobs, payloads platform.Payloads, cleanup *storage.CleanupQueue, maxRetries int, poll time.Duration) *JobSubmissionService {
	return &JobSubmissionService{
		store:      store,
		jobs:       jobs,
		payloads:   payloads,
		cleanup:    cleanup,
		maxRetries: maxRetries,
		poll:       poll,
	}
}

// Run drains Created jobs until the context is cancelled.
func (s *JobSubmissionService) Run(ctx context.Context) error {
	for {
		job, err := s.store.ClaimCreatedJob()
		if err != nil {
			log.WithError(err).Error("claiming pending job")
		}
		if job != nil {
			s.submitClaimed(ctx, job)
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.poll):
		}
	}
}

// SubmitNow creates the platform job, persists it with its platform
// identifiers, and then pushes it forward. The retrieval engine calls this so
// the request row can record the job and payload ids immediately; a failure
// past persistence leaves the job in Created for the drain loop to finish.
func (s *JobSubmissionService) SubmitNow(ctx context.Context, job *model.InferenceJob) error {
	if err := s.create(ctx, job); err != nil {
		return err
	}
	job.State = model.JobStateCreated
	if err := s.store.AddJob(job); err != nil {
		return errors.Wrap(err, "persisting job")
	}
	if err := s.advance(ctx, job); err != nil {
		log.WithError(err).Warnf("job %q stalled after creation; left queued for retry", job.JobID)
		job.State = model.JobStateCreated
		if uerr := s.store.UpdateJob(job); uerr != nil {
			log.WithError(uerr).Errorf("requeueing job %q", job.JobID)
		}
	}
	return nil
}

// submitClaimed pushes a claimed job forward. On failure the job either goes
// back to Created or, once its retry budget is spent, to Failed.
func (s *JobSubmissionService) submitClaimed(ctx context.Context, job *model.InferenceJob) {
	err := s.process(ctx, job)
	if err == nil {
		return
	}
	log.WithError(err).Errorf("submitting job %d (attempt %d)", job.ID, job.Retries)

	if job.Retries > s.maxRetries {
		job.State = model.JobStateFailed
	} else {
		job.State = model.JobStateCreated
	}
	if uerr := s.store.UpdateJob(job); uerr != nil {
		log.WithError(uerr).Errorf("recording state of job %d", job.ID)
	}
}

func (s *JobSubmissionService) process(ctx context.Context, job *model.InferenceJob) error {
	// A job that failed after creation already carries its platform ids;
	// creating again would orphan a platform job.
	if job.JobID == "" {
		if err := s.create(ctx, job); err != nil {
			return err
		}
		if err := s.store.UpdateJob(job); err != nil {
			return errors.Wrap(err, "recording platform ids")
		}
	}
	return s.advance(ctx, job)
}

func (s *JobSubmissionService) create(ctx context.Context, job *model.InferenceJob) error {
	handle, err := s.jobs.Create(ctx, platform.JobParams{
		PipelineID: job.PipelineID,
		JobName:    model.FixJobName(job.JobName),
		Priority:   model.PlatformPriority(job.Priority),
	})
	if err != nil {
		return errors.Wrapf(err, "creating platform job for pipeline %q", job.PipelineID)
	}
	job.JobID = handle.JobID
	job.PayloadID = handle.PayloadID
	return nil
}

// advance uploads the payload and starts the job, recording each state as it
// is reached. Staged files are queued for deletion only once the job is
// running and owns its payload copies.
func (s *JobSubmissionService) advance(ctx context.Context, job *model.InferenceJob) error {
	job.State = model.JobStateMetadataUploaded
	if err := s.store.UpdateJob(job); err != nil {
		return errors.Wrap(err, "recording job state")
	}

	for _, inst := range job.Instances {
		if err := s.uploadInstance(ctx, job.PayloadID, inst.StoragePath); err != nil {
			return err
		}
	}
	job.State = model.JobStatePayloadUploaded
	if err := s.store.UpdateJob(job); err != nil {
		return errors.Wrap(err, "recording job state")
	}

	if err := s.jobs.Start(ctx, job.JobID); err != nil {
		return errors.Wrapf(err, "starting job %q", job.JobID)
	}
	job.State = model.JobStateStarted
	if err := s.store.UpdateJob(job); err != nil {
		return errors.Wrap(err, "recording job state")
	}

	metrics.JobsSubmittedTotal.Inc()
	log.Infof("started job %q (payload %q) with %d instance(s)", job.JobID, job.PayloadID, len(job.Instances))
	for _, inst := range job.Instances {
		s.cleanup.Push(inst.StoragePath)
	}
	return nil
}

func (s *JobSubmissionService) uploadInstance(ctx context.Context, payloadID, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "opening staged instance %s", path)
	}
	defer f.Close()
	if err := s.payloads.Upload(ctx, payloadID, filepath.Base(path), f); err != nil {
		return errors.Wrapf(err, "uploading %s to payload %q", filepath.Base(path), payloadID)
	}
	return nil
}
