package processor

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cyverse-de/dicom-adapter/events"
	"github.com/cyverse-de/dicom-adapter/model"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// AETitleProcessorName is the registry name of the default processor.
const AETitleProcessorName = "aetitle"

// Settings keys recognized by the AE title processor. pipeline-* keys carry
// pipeline ids; every other key is a configuration error.
const (
	settingPriority      = "priority"
	settingTimeout       = "timeout"
	settingJobRetryDelay = "jobRetryDelay"
	settingGroupBy       = "groupBy"
	pipelinePrefix       = "pipeline-"
)

const (
	minTimeoutSeconds    = 5
	defaultTimeout       = minTimeoutSeconds * time.Second
	defaultJobRetryDelay = 30 * time.Second
	defaultGroupByTag    = "0020000D"
	defaultPriorityByte  = 128
)

// priorityBytes maps the enumerated priority names onto the request
// priority byte scale of §4.9's mapping.
var priorityBytes = map[string]uint8{
	"lower":     0,
	"normal":    128,
	"higher":    192,
	"immediate": 255,
}

// groupFields maps the supported groupBy tags to instance fields.
var groupFields = map[string]func(model.InstanceStorageInfo) string{
	"0020000D": func(i model.InstanceStorageInfo) string { return i.StudyInstanceUID },
	"0020000E": func(i model.InstanceStorageInfo) string { return i.SeriesInstanceUID },
	"00100020": func(i model.InstanceStorageInfo) string { return i.PatientID },
}

func init() {
	RegisterKind(AETitleProcessorName, Factory{
		New:              newAETitleProcessor,
		ValidateSettings: validateAETitleSettings,
	})
}

// normalizeTag strips the conventional group,element comma so both
// "0020,000D" and "0020000D" name the same tag.
func normalizeTag(tag string) string {
	return strings.ToUpper(strings.ReplaceAll(tag, ",", ""))
}

func validateAETitleSettings(settings model.Settings) error {
	pipelines := 0
	for key, value := range settings {
		switch {
		case key == settingPriority:
			if _, ok := priorityBytes[strings.ToLower(value)]; !ok {
				return errors.Errorf("priority %q is not one of lower, normal, higher, immediate", value)
			}
		case key == settingTimeout:
			seconds, err := strconv.Atoi(value)
			if err != nil {
				return errors.Errorf("timeout %q is not an integer", value)
			}
			if seconds < minTimeoutSeconds {
				return errors.Errorf("timeout %d is below the minimum of %d seconds", seconds, minTimeoutSeconds)
			}
		case key == settingJobRetryDelay:
			seconds, err := strconv.Atoi(value)
			if err != nil || seconds < 1 {
				return errors.Errorf("jobRetryDelay %q is not a positive integer", value)
			}
		case key == settingGroupBy:
			if _, ok := groupFields[normalizeTag(value)]; !ok {
				return errors.Errorf("groupBy tag %q is not supported", value)
			}
		case strings.HasPrefix(key, pipelinePrefix):
			if value == "" {
				return errors.Errorf("%s has an empty pipeline id", key)
			}
			pipelines++
		default:
			return errors.Errorf("unrecognized setting %q", key)
		}
	}
	if pipelines == 0 {
		return errors.New("at least one pipeline-* setting is required")
	}
	return nil
}

// pipelineRef is one configured pipeline-* entry.
type pipelineRef struct {
	name       string
	pipelineID string
}

// group is one accumulating window.
type group struct {
	instances []model.InstanceStorageInfo
	timer     *time.Timer
}

// AETitleProcessor groups instances of one local AE by a DICOM tag value
// and emits one job per configured pipeline when a group's window expires.
type AETitleProcessor struct {
	aeTitle    string
	priority   uint8
	timeout    time.Duration
	retryDelay time.Duration
	groupBy    func(model.InstanceStorageInfo) string
	pipelines  []pipelineRef
	store      JobStore

	mu     sync.Mutex
	groups map[string]*group
	closed bool

	sub *events.InstanceSubscription
}

func newAETitleProcessor(ae model.LocalAE, deps Deps) (Processor, error) {
	p := &AETitleProcessor{
		aeTitle:    ae.AETitle,
		priority:   defaultPriorityByte,
		timeout:    defaultTimeout,
		retryDelay: defaultJobRetryDelay,
		groupBy:    groupFields[defaultGroupByTag],
		store:      deps.Store,
		groups:     make(map[string]*group),
	}
	for key, value := range ae.ProcessorSettings {
		switch {
		case key == settingPriority:
			p.priority = priorityBytes[strings.ToLower(value)]
		case key == settingTimeout:
			seconds, _ := strconv.Atoi(value)
			p.timeout = time.Duration(seconds) * time.Second
		case key == settingJobRetryDelay:
			seconds, _ := strconv.Atoi(value)
			p.retryDelay = time.Duration(seconds) * time.Second
		case key == settingGroupBy:
			p.groupBy = groupFields[normalizeTag(value)]
		case strings.HasPrefix(key, pipelinePrefix):
			p.pipelines = append(p.pipelines, pipelineRef{name: key, pipelineID: value})
		}
	}
	// Settings iterate in map order; keep job emission deterministic.
	sort.Slice(p.pipelines, func(i, j int) bool { return p.pipelines[i].name < p.pipelines[j].name })

	p.sub = deps.Instances.Subscribe(func(info model.InstanceStorageInfo) {
		if info.CalledAETitle == p.aeTitle {
			p.HandleInstance(info)
		}
	})
	return p, nil
}

// Name returns the processor's registry name.
func (p *AETitleProcessor) Name() string { return AETitleProcessorName }

// AETitle returns the local AE this processor serves.
func (p *AETitleProcessor) AETitle() string { return p.aeTitle }

// HandleInstance adds an instance to its group, opening a new window or
// resetting the running one.
func (p *AETitleProcessor) HandleInstance(info model.InstanceStorageInfo) {
	key := p.groupBy(info)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	g, ok := p.groups[key]
	if !ok {
		g = &group{}
		g.timer = time.AfterFunc(p.timeout, func() { p.emit(key) })
		p.groups[key] = g
	} else {
		g.timer.Reset(p.timeout)
	}
	g.instances = append(g.instances, info)
}

// emit persists one job per pipeline for an expired group. The group stays
// in the map until every job is persisted; on failure the window re-arms
// with the retry delay so the instances are not lost.
func (p *AETitleProcessor) emit(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.groups[key]
	if !ok || p.closed {
		return
	}

	// The random suffix keeps repeated windows of the same group distinct
	// on the platform.
	jobName := model.FixJobName(p.aeTitle + "-" + key + "-" + uuid.NewString()[:8])
	for _, pipeline := range p.pipelines {
		job := &model.InferenceJob{
			JobName:    jobName,
			PipelineID: pipeline.pipelineID,
			Priority:   p.priority,
			Instances:  append(model.InstanceList(nil), g.instances...),
			State:      model.JobStateCreated,
		}
		if err := p.store.AddJob(job); err != nil {
			log.WithError(err).Errorf("persisting job for AE %q group %q; retrying in %s",
				p.aeTitle, key, p.retryDelay)
			g.timer.Reset(p.retryDelay)
			return
		}
	}

	log.Infof("enqueued %d job(s) with %d instance(s) for AE %q group %q",
		len(p.pipelines), len(g.instances), p.aeTitle, key)
	delete(p.groups, key)
}

// Stop detaches from the instance bus and drops any accumulating groups.
func (p *AETitleProcessor) Stop() {
	p.sub.Cancel()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for key, g := range p.groups {
		g.timer.Stop()
		if len(g.instances) > 0 {
			log.Warnf("dropping %d ungrouped instance(s) for AE %q group %q",
				len(g.instances), p.aeTitle, key)
		}
		delete(p.groups, key)
	}
}
