// Package inference works accepted inference requests to completion: the
// retrieval engine dereferences each request's DICOM resources over
// DICOMweb and stages the instances, and the job submission service pushes
// the resulting jobs onto the execution platform.
package inference

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cyverse-de/dicom-adapter/common"
	"github.com/cyverse-de/dicom-adapter/dicomweb"
	"github.com/cyverse-de/dicom-adapter/dimse"
	"github.com/cyverse-de/dicom-adapter/model"
	"github.com/cyverse-de/dicom-adapter/storage"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

var log = common.Log

// maxRequestTries bounds how often a request whose retrieval hits transient
// errors is requeued before it is failed.
const maxRequestTries = 3

// RequestStore is the slice of the request repository the engine uses.
type RequestStore interface {
	ClaimQueuedRequest() (*model.InferenceRequest, error)
	UpdateRequest(req *model.InferenceRequest) error
}

// Submitter hands a fully staged job to the submission pipeline.
type Submitter interface {
	SubmitNow(ctx context.Context, job *model.InferenceJob) error
}

// ClientFactory builds a DICOMweb client for one resource's connection
// details. Swapped out in tests.
type ClientFactory func(details model.ConnectionDetails) (*dicomweb.Client, error)

func defaultClientFactory(details model.ConnectionDetails) (*dicomweb.Client, error) {
	return dicomweb.New(details.URI, dicomweb.NewAuth(details.AuthType, details.AuthID))
}

// Engine claims queued inference requests one at a time, retrieves their
// instances, and submits one job per request. Restaging is idempotent:
// instances already on disk from an earlier attempt are reused, so a crashed
// or requeued request never downloads the same instance twice.
type Engine struct {
	store     RequestStore
	submitter Submitter
	paths     storage.Paths
	validate  *validator.Validate
	newClient ClientFactory
	poll      time.Duration
}

// NewEngine wires a retrieval engine.
func NewEngine(store RequestStore, submitter Submitter, paths storage.Paths, poll time.Duration) *Engine {
	return &Engine{
		store:     store,
		submitter: submitter,
		paths:     paths,
		validate:  validator.New(),
		newClient: defaultClientFactory,
		poll:      poll,
	}
}

// Run claims and processes requests until the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	for {
		req, err := e.store.ClaimQueuedRequest()
		if err != nil {
			log.WithError(err).Error("claiming queued request")
		}
		if req != nil {
			e.Process(ctx, req)
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.poll):
		}
	}
}

// Process runs one claimed request to a terminal state or requeues it.
func (e *Engine) Process(ctx context.Context, req *model.InferenceRequest) {
	entry := log.WithFields(map[string]interface{}{"transaction": req.TransactionID, "try": req.TryCount})

	if err := ValidateRequest(e.validate, req); err != nil {
		entry.WithError(err).Error("rejecting invalid request")
		e.finish(req, model.RequestStatusFail)
		return
	}

	req.StoragePath = e.paths.RequestDir(req.TransactionID)
	instances, err := e.retrieveAll(ctx, req)
	if err != nil {
		entry.WithError(err).Error("retrieving instances")
		e.requeueOrFail(req)
		return
	}
	if len(instances) == 0 {
		entry.Warn("request matched no instances")
		e.finish(req, model.RequestStatusFail)
		return
	}

	job := &model.InferenceJob{
		JobName:    req.TransactionID,
		PipelineID: req.Algorithm().ConnectionDetails.PipelineID,
		Priority:   req.Priority,
		Instances:  instances,
	}
	if err := e.submitter.SubmitNow(ctx, job); err != nil {
		entry.WithError(err).Error("submitting job")
		e.requeueOrFail(req)
		return
	}

	req.JobID = job.JobID
	req.PayloadID = job.PayloadID
	entry.Infof("request completed with job %q and %d instance(s)", job.JobID, len(instances))
	e.finish(req, model.RequestStatusSuccess)
}

func (e *Engine) finish(req *model.InferenceRequest, status string) {
	req.State = model.RequestStateCompleted
	req.Status = status
	if err := e.store.UpdateRequest(req); err != nil {
		log.WithError(err).Errorf("recording outcome of request %q", req.TransactionID)
	}
}

// requeueOrFail puts a transiently failing request back in the queue until
// its try budget is spent. Files staged so far stay on disk and are reused
// by the next attempt.
func (e *Engine) requeueOrFail(req *model.InferenceRequest) {
	if req.TryCount >= maxRequestTries {
		e.finish(req, model.RequestStatusFail)
		return
	}
	req.State = model.RequestStateQueued
	if err := e.store.UpdateRequest(req); err != nil {
		log.WithError(err).Errorf("requeueing request %q", req.TransactionID)
	}
}

// retrieveAll restores any instances staged by an earlier attempt, then
// dereferences every retrieval resource. Instances are deduplicated by SOP
// instance UID across resources and attempts.
func (e *Engine) retrieveAll(ctx context.Context, req *model.InferenceRequest) (model.InstanceList, error) {
	sink := &instanceSink{
		dir:  req.StoragePath,
		seen: make(map[string]bool),
	}
	if err := sink.restore(); err != nil {
		return nil, err
	}

	details := req.InputMetadata.Details
	for _, res := range req.RetrievalResources() {
		client, err := e.newClient(res.ConnectionDetails)
		if err != nil {
			return nil, errors.Wrapf(err, "resource %q", res.ConnectionDetails.URI)
		}
		switch details.Type {
		case model.DetailTypeDicomUID:
			err = retrieveByUID(ctx, client, details.Studies, sink)
		case model.DetailTypeDicomPatientID:
			err = retrieveByStudyQuery(ctx, client, dicomweb.StudyQuery{PatientID: details.PatientID}, sink)
		case model.DetailTypeAccessionNumber:
			for _, accession := range details.AccessionNumbers {
				if err = retrieveByStudyQuery(ctx, client, dicomweb.StudyQuery{AccessionNumber: accession}, sink); err != nil {
					break
				}
			}
		}
		if err != nil {
			return nil, errors.Wrapf(err, "resource %q", res.ConnectionDetails.URI)
		}
	}
	return sink.list, nil
}

// retrieveByUID walks the requested study tree at the finest granularity
// named: whole studies, whole series, or individual instances.
func retrieveByUID(ctx context.Context, client *dicomweb.Client, studies []model.RequestedStudy, sink *instanceSink) error {
	for _, study := range studies {
		if len(study.Series) == 0 {
			parts, err := client.RetrieveStudy(ctx, study.StudyInstanceUID, nil)
			if err != nil {
				return err
			}
			if err := sink.drain(parts); err != nil {
				return err
			}
			continue
		}
		for _, series := range study.Series {
			sops := sopInstanceUIDs(series.Instances)
			if len(sops) == 0 {
				parts, err := client.RetrieveSeries(ctx, study.StudyInstanceUID, series.SeriesInstanceUID, nil)
				if err != nil {
					return err
				}
				if err := sink.drain(parts); err != nil {
					return err
				}
				continue
			}
			for _, sop := range sops {
				parts, err := client.RetrieveInstance(ctx, study.StudyInstanceUID, series.SeriesInstanceUID, sop, nil)
				if err != nil {
					return err
				}
				if err := sink.drain(parts); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func sopInstanceUIDs(instances []model.RequestedInstance) []string {
	var uids []string
	for _, inst := range instances {
		uids = append(uids, inst.SOPInstanceUIDs...)
	}
	return uids
}

// retrieveByStudyQuery resolves a QIDO query to study UIDs and retrieves
// each matched study in full.
func retrieveByStudyQuery(ctx context.Context, client *dicomweb.Client, query dicomweb.StudyQuery, sink *instanceSink) error {
	results, err := client.QueryStudies(ctx, query)
	if err != nil {
		return err
	}
	defer results.Close()

	var studyUIDs []string
	for {
		var ds dicomweb.DataSet
		err := results.Next(&ds)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if uid := ds.StudyInstanceUID(); uid != "" {
			studyUIDs = append(studyUIDs, uid)
		}
	}

	for _, uid := range studyUIDs {
		parts, err := client.RetrieveStudy(ctx, uid, nil)
		if err != nil {
			return err
		}
		if err := sink.drain(parts); err != nil {
			return err
		}
	}
	return nil
}

// instanceSink stages retrieved instances under one request directory,
// deduplicating by SOP instance UID.
type instanceSink struct {
	dir  string
	seen map[string]bool
	list model.InstanceList
}

// restore scans the request directory for instances staged by an earlier
// attempt. A file that no longer parses is discarded so the download can
// replace it.
func (s *instanceSink) restore() error {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "reading %s", s.dir)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".dcm") {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrapf(err, "reading %s", path)
		}
		info, err := identify(data)
		if err != nil {
			log.WithError(err).Warnf("discarding unreadable staged file %s", path)
			os.Remove(path)
			continue
		}
		info.StoragePath = path
		s.seen[info.SopInstanceUID] = true
		s.list = append(s.list, info)
	}
	if len(s.list) > 0 {
		log.Infof("restored %d staged instance(s) from %s", len(s.list), s.dir)
	}
	return nil
}

// identify reads the identifier attributes back out of a staged Part-10 file.
func identify(file []byte) (model.InstanceStorageInfo, error) {
	var info model.InstanceStorageInfo
	meta, dataSet, err := dimse.ReadPart10(file)
	if err != nil {
		return info, err
	}
	ids, err := dimse.ExtractIdentifiers(dataSet, meta.TransferSyntaxUID)
	if err != nil {
		return info, err
	}
	if ids.SOPInstanceUID == "" {
		ids.SOPInstanceUID = meta.MediaStorageSOPInstanceUID
	}
	if ids.SOPClassUID == "" {
		ids.SOPClassUID = meta.MediaStorageSOPClassUID
	}
	info.SopInstanceUID = ids.SOPInstanceUID
	info.SopClassUID = ids.SOPClassUID
	info.StudyInstanceUID = ids.StudyInstanceUID
	info.SeriesInstanceUID = ids.SeriesInstanceUID
	info.PatientID = ids.PatientID
	return info, nil
}

// drain stages every instance in a WADO response.
func (s *instanceSink) drain(parts *dicomweb.PartReader) error {
	defer parts.Close()
	for {
		inst, err := parts.NextInstance()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := s.save(inst); err != nil {
			return err
		}
	}
}

func (s *instanceSink) save(inst *dicomweb.RetrievedInstance) error {
	if s.seen[inst.SOPInstanceUID] {
		return nil
	}
	path := filepath.Join(s.dir, storage.Sanitize(inst.SOPInstanceUID)+".dcm")
	if err := storage.SaveInstance(path, inst.Data); err != nil {
		return err
	}
	s.seen[inst.SOPInstanceUID] = true
	s.list = append(s.list, model.InstanceStorageInfo{
		SopInstanceUID:    inst.SOPInstanceUID,
		SopClassUID:       inst.SOPClassUID,
		StudyInstanceUID:  inst.StudyInstanceUID,
		SeriesInstanceUID: inst.SeriesInstanceUID,
		PatientID:         inst.PatientID,
		StoragePath:       path,
	})
	return nil
}
