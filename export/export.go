// Package export polls the results service for pending export tasks,
// downloads their artifacts from the payload service, transmits them to
// their destinations via DIMSE C-STORE or DICOMweb STOW, and reports the
// outcome with failure-threshold retry.
package export

import (
	"context"
	"sync"
	"time"

	"github.com/cyverse-de/dicom-adapter/common"
	"github.com/cyverse-de/dicom-adapter/config"
	"github.com/cyverse-de/dicom-adapter/dimse"
	"github.com/cyverse-de/dicom-adapter/metrics"
	"github.com/cyverse-de/dicom-adapter/model"
	"github.com/cyverse-de/dicom-adapter/platform"
)

var log = common.Log

// pendingLimit is how many tasks one poll pass asks the results service for.
const pendingLimit = 10

// Report outcomes, used as the metric label.
const (
	outcomeSuccess = "success"
	outcomeRetry   = "retry"
	outcomeFailure = "failure"
)

// PermanentError marks a task that can never succeed, such as one naming a
// destination that is not configured. It is reported non-retriable and
// dropped.
type PermanentError struct {
	Reason string
}

func (e *PermanentError) Error() string { return e.Reason }

// File is one downloaded artifact ready for transmission: the full Part-10
// bytes for STOW, plus the raw data set and identifiers for C-STORE.
type File struct {
	Name              string
	SOPClassUID       string
	SOPInstanceUID    string
	TransferSyntaxUID string
	Part10            []byte
	DataSet           []byte
}

// parseFile splits a downloaded artifact and reads its identifiers. Anything
// that is not a readable DICOM file is skipped upstream.
func parseFile(name string, data []byte) (File, error) {
	var f File
	meta, dataSet, err := dimse.ReadPart10(data)
	if err != nil {
		return f, err
	}
	ids, err := dimse.ExtractIdentifiers(dataSet, meta.TransferSyntaxUID)
	if err != nil {
		return f, err
	}
	f.Name = name
	f.SOPClassUID = ids.SOPClassUID
	f.SOPInstanceUID = ids.SOPInstanceUID
	if f.SOPClassUID == "" {
		f.SOPClassUID = meta.MediaStorageSOPClassUID
	}
	if f.SOPInstanceUID == "" {
		f.SOPInstanceUID = meta.MediaStorageSOPInstanceUID
	}
	f.TransferSyntaxUID = meta.TransferSyntaxUID
	f.Part10 = data
	f.DataSet = dataSet
	return f, nil
}

// Exporter transmits one task's files. The returned counts cover every file
// handed in; transient transmission problems surface as failed counts, not
// errors. A PermanentError drops the task without retry.
type Exporter interface {
	Export(ctx context.Context, task model.ExportTask, files []File) (exported, failed int, err error)
}

// SpaceChecker gates export passes on available staging space.
type SpaceChecker interface {
	CanExport() bool
}

// Pipeline is one agent's export loop. Each poll pass fetches up to ten
// pending tasks and works them with bounded parallelism; the poll timer
// re-arms only after the whole pass has finished.
type Pipeline struct {
	agent    string
	results  platform.Results
	payloads platform.Payloads
	exporter Exporter
	space    SpaceChecker
	cfg      config.Export
	workers  int
}

// NewPipeline wires an export pipeline for one agent.
func NewPipeline(agent string, results platform.Results, payloads platform.Payloads, exporter Exporter, space SpaceChecker, cfg config.Export, workers int) *Pipeline {
	if workers < 1 {
		workers = 1
	}
	return &Pipeline{
		agent:    agent,
		results:  results,
		payloads: payloads,
		exporter: exporter,
		space:    space,
		cfg:      cfg,
		workers:  workers,
	}
}

// Run polls until the context is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.PollFrequency):
		}
		if !p.space.CanExport() {
			log.Warnf("agent %q skipping export pass, staging space below the export threshold", p.agent)
			continue
		}
		p.pass(ctx)
	}
}

// pass fetches one batch of tasks and works each to a report.
func (p *Pipeline) pass(ctx context.Context) {
	tasks, err := p.results.GetPending(ctx, p.agent, pendingLimit)
	if err != nil {
		log.WithError(err).Errorf("agent %q fetching pending export tasks", p.agent)
		return
	}
	if len(tasks) == 0 {
		return
	}
	log.Infof("agent %q working %d export task(s)", p.agent, len(tasks))

	sem := make(chan struct{}, p.workers)
	var wg sync.WaitGroup
	for _, task := range tasks {
		wg.Add(1)
		sem <- struct{}{}
		go func(task model.ExportTask) {
			defer wg.Done()
			defer func() { <-sem }()
			p.processTask(ctx, task)
		}(task)
	}
	wg.Wait()
}

func (p *Pipeline) processTask(ctx context.Context, task model.ExportTask) {
	entry := log.WithFields(map[string]interface{}{"task": task.TaskID, "agent": p.agent})
	total := len(task.URIs)
	if total == 0 {
		entry.Warn("task has no artifacts; reporting success")
		p.report(ctx, task, false)
		return
	}

	files, downloadFailed := p.download(ctx, task)
	if p.rate(downloadFailed, total) > p.cfg.FailureThreshold {
		entry.Errorf("%d of %d artifact download(s) failed", downloadFailed, total)
		p.report(ctx, task, true)
		return
	}

	exported, sendFailed, err := p.exporter.Export(ctx, task, files)
	if perm, ok := err.(*PermanentError); ok {
		entry.Errorf("dropping task: %s", perm.Reason)
		p.settle(ctx, task, false, outcomeFailure)
		return
	}
	if err != nil {
		entry.WithError(err).Error("exporting task")
		p.report(ctx, task, true)
		return
	}

	failed := downloadFailed + sendFailed
	entry.Infof("exported %d of %d artifact(s), %d failed", exported, total, failed)
	p.report(ctx, task, p.rate(failed, total) > p.cfg.FailureThreshold)
}

func (p *Pipeline) rate(failed, total int) float64 {
	return float64(failed) / float64(total)
}

// download fetches every artifact. I/O failures count against the failure
// threshold; artifacts that are not readable DICOM files are skipped and do
// not count.
func (p *Pipeline) download(ctx context.Context, task model.ExportTask) ([]File, int) {
	var files []File
	failed := 0
	for _, uri := range task.URIs {
		data, err := p.payloads.Download(ctx, task.PayloadID, uri)
		if err != nil {
			log.WithError(err).Errorf("downloading %s from payload %q", uri, task.PayloadID)
			failed++
			continue
		}
		file, err := parseFile(uri, data)
		if err != nil {
			log.WithError(err).Warnf("skipping artifact %s, not a readable DICOM file", uri)
			continue
		}
		files = append(files, file)
	}
	return files, failed
}

// report settles a task: success below the threshold, otherwise a failure
// report that requests a retry while the task's budget lasts.
func (p *Pipeline) report(ctx context.Context, task model.ExportTask, overThreshold bool) {
	switch {
	case !overThreshold:
		p.settle(ctx, task, false, outcomeSuccess)
	case task.Retries < p.cfg.MaximumRetries:
		p.settle(ctx, task, true, outcomeRetry)
	default:
		p.settle(ctx, task, false, outcomeFailure)
	}
}

func (p *Pipeline) settle(ctx context.Context, task model.ExportTask, retry bool, outcome string) {
	var err error
	if outcome == outcomeSuccess {
		err = p.results.ReportSuccess(ctx, task.TaskID)
	} else {
		err = p.results.ReportFailure(ctx, task.TaskID, retry)
	}
	if err != nil {
		log.WithError(err).Errorf("reporting task %q; the results service will redeliver", task.TaskID)
		return
	}
	metrics.ExportReportsTotal.WithLabelValues(outcome).Inc()
}
