package inference

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cyverse-de/dicom-adapter/model"
	"github.com/cyverse-de/dicom-adapter/platform"
	"github.com/cyverse-de/dicom-adapter/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeJobRepo struct {
	mu     sync.Mutex
	nextID int64
	queue  []*model.InferenceJob
	added  []model.InferenceJob
	states map[int64][]string
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{states: make(map[int64][]string)}
}

func (r *fakeJobRepo) AddJob(job *model.InferenceJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	job.ID = r.nextID
	r.added = append(r.added, *job)
	return nil
}

func (r *fakeJobRepo) ClaimCreatedJob() (*model.InferenceJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return nil, nil
	}
	job := r.queue[0]
	r.queue = r.queue[1:]
	job.Retries++
	return job, nil
}

func (r *fakeJobRepo) UpdateJob(job *model.InferenceJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[job.ID] = append(r.states[job.ID], job.State)
	return nil
}

func (r *fakeJobRepo) history(id int64) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.states[id]...)
}

type upload struct {
	payloadID string
	name      string
	data      []byte
}

type fakePlatform struct {
	mu        sync.Mutex
	createErr error
	startErr  error
	uploadErr error
	created   []platform.JobParams
	started   []string
	uploads   []upload
}

func (p *fakePlatform) Create(ctx context.Context, params platform.JobParams) (platform.JobHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return platform.JobHandle{}, p.createErr
	}
	p.created = append(p.created, params)
	return platform.JobHandle{JobID: "job-77", PayloadID: "payload-77"}, nil
}

func (p *fakePlatform) Start(ctx context.Context, jobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startErr != nil {
		return p.startErr
	}
	p.started = append(p.started, jobID)
	return nil
}

func (p *fakePlatform) Status(ctx context.Context, jobID string) (*platform.JobDetails, error) {
	return &platform.JobDetails{JobID: jobID}, nil
}

func (p *fakePlatform) Upload(ctx context.Context, payloadID, name string, contents io.Reader) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.uploadErr != nil {
		return p.uploadErr
	}
	data, err := io.ReadAll(contents)
	if err != nil {
		return err
	}
	p.uploads = append(p.uploads, upload{payloadID: payloadID, name: name, data: data})
	return nil
}

func (p *fakePlatform) Download(ctx context.Context, payloadID, uri string) ([]byte, error) {
	return nil, errors.New("not used by submission")
}

// stageFiles writes fake staged instances and returns the matching list.
func stageFiles(t *testing.T, names ...string) model.InstanceList {
	t.Helper()
	dir := t.TempDir()
	var list model.InstanceList
	for _, name := range names {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte("dicom:"+name), 0644))
		list = append(list, model.InstanceStorageInfo{
			SopInstanceUID: name,
			StoragePath:    path,
		})
	}
	return list
}

func newTestService(repo *fakeJobRepo, pf *fakePlatform) (*JobSubmissionService, *storage.CleanupQueue) {
	cleanup := storage.NewCleanupQueue()
	return NewJobSubmissionService(repo, pf, pf, cleanup, 1, time.Millisecond), cleanup
}

func TestSubmitNowLifecycle(t *testing.T) {
	repo := newFakeJobRepo()
	pf := &fakePlatform{}
	svc, cleanup := newTestService(repo, pf)

	job := &model.InferenceJob{
		JobName:    "Txn ABC",
		PipelineID: "pipe-1",
		Priority:   255,
		Instances:  stageFiles(t, "1.1.dcm", "2.2.dcm"),
	}
	require.NoError(t, svc.SubmitNow(context.Background(), job))

	require.Len(t, pf.created, 1)
	assert.Equal(t, platform.JobParams{
		PipelineID: "pipe-1",
		JobName:    "txn-abc",
		Priority:   model.PriorityImmediate,
	}, pf.created[0])

	assert.Equal(t, "job-77", job.JobID)
	assert.Equal(t, "payload-77", job.PayloadID)

	// Persisted before anything was uploaded, already carrying its ids.
	require.Len(t, repo.added, 1)
	assert.Equal(t, model.JobStateCreated, repo.added[0].State)
	assert.Equal(t, "job-77", repo.added[0].JobID)

	require.Len(t, pf.uploads, 2)
	assert.Equal(t, "1.1.dcm", pf.uploads[0].name)
	assert.Equal(t, []byte("dicom:1.1.dcm"), pf.uploads[0].data)
	assert.Equal(t, "payload-77", pf.uploads[0].payloadID)

	assert.Equal(t, []string{"job-77"}, pf.started)
	assert.Equal(t, []string{
		model.JobStateMetadataUploaded,
		model.JobStatePayloadUploaded,
		model.JobStateStarted,
	}, repo.history(job.ID))
	assert.Equal(t, 2, cleanup.Len())
}

func TestSubmitNowStartFailureLeavesJobQueued(t *testing.T) {
	repo := newFakeJobRepo()
	pf := &fakePlatform{startErr: errors.New("platform busy")}
	svc, cleanup := newTestService(repo, pf)

	job := &model.InferenceJob{
		JobName:    "txn-1",
		PipelineID: "pipe-1",
		Instances:  stageFiles(t, "1.1.dcm"),
	}
	// The stall is not surfaced; the drain loop owns the retry.
	require.NoError(t, svc.SubmitNow(context.Background(), job))

	history := repo.history(job.ID)
	require.NotEmpty(t, history)
	assert.Equal(t, model.JobStateCreated, history[len(history)-1])
	assert.Equal(t, 0, cleanup.Len())
}

func TestSubmitNowCreateFailureSurfaces(t *testing.T) {
	repo := newFakeJobRepo()
	pf := &fakePlatform{createErr: errors.New("platform down")}
	svc, _ := newTestService(repo, pf)

	job := &model.InferenceJob{JobName: "txn-1", PipelineID: "pipe-1"}
	assert.Error(t, svc.SubmitNow(context.Background(), job))
	assert.Empty(t, repo.added)
}

func TestClaimedJobWithIDsSkipsCreate(t *testing.T) {
	repo := newFakeJobRepo()
	pf := &fakePlatform{}
	svc, _ := newTestService(repo, pf)

	// A job that failed after creation keeps its platform ids; creating again
	// would orphan a platform job.
	job := &model.InferenceJob{
		ID:         5,
		JobID:      "job-55",
		PayloadID:  "payload-55",
		JobName:    "txn-5",
		PipelineID: "pipe-1",
		State:      model.JobStateCreated,
		Retries:    1,
		Instances:  stageFiles(t, "1.1.dcm"),
	}
	svc.submitClaimed(context.Background(), job)

	assert.Empty(t, pf.created)
	assert.Equal(t, []string{"job-55"}, pf.started)
	history := repo.history(5)
	require.NotEmpty(t, history)
	assert.Equal(t, model.JobStateStarted, history[len(history)-1])
}

func TestRetriesExhaustedMarksFailed(t *testing.T) {
	repo := newFakeJobRepo()
	pf := &fakePlatform{startErr: errors.New("platform busy")}
	svc, _ := newTestService(repo, pf)

	job := &model.InferenceJob{
		ID:         7,
		JobName:    "txn-7",
		PipelineID: "pipe-1",
		State:      model.JobStateCreated,
		Retries:    2,
		Instances:  stageFiles(t, "1.1.dcm"),
	}
	svc.submitClaimed(context.Background(), job)

	history := repo.history(7)
	require.NotEmpty(t, history)
	assert.Equal(t, model.JobStateFailed, history[len(history)-1])
}

func TestFailingJobReturnsToCreatedWithinBudget(t *testing.T) {
	repo := newFakeJobRepo()
	pf := &fakePlatform{uploadErr: errors.New("payload service timeout")}
	svc, _ := newTestService(repo, pf)

	job := &model.InferenceJob{
		ID:         8,
		JobName:    "txn-8",
		PipelineID: "pipe-1",
		State:      model.JobStateCreated,
		Retries:    1,
		Instances:  stageFiles(t, "1.1.dcm"),
	}
	svc.submitClaimed(context.Background(), job)

	history := repo.history(8)
	require.NotEmpty(t, history)
	assert.Equal(t, model.JobStateCreated, history[len(history)-1])
}

func TestRunDrainsCreatedJobs(t *testing.T) {
	repo := newFakeJobRepo()
	pf := &fakePlatform{}
	svc, _ := newTestService(repo, pf)

	repo.queue = append(repo.queue, &model.InferenceJob{
		ID:         1,
		JobName:    "txn-1",
		PipelineID: "pipe-1",
		State:      model.JobStateCreated,
		Instances:  stageFiles(t, "1.1.dcm"),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	err := svc.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Equal(t, []string{"job-77"}, pf.started)
	history := repo.history(1)
	require.NotEmpty(t, history)
	assert.Equal(t, model.JobStateStarted, history[len(history)-1])
}
