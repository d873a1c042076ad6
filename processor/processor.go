// Package processor owns the path an instance takes after the SCP accepts
// it: the per-AE handler that stages files and publishes notifications, and
// the job processors that group published instances into pipeline jobs.
package processor

import (
	"sync"

	"github.com/cyverse-de/dicom-adapter/common"
	"github.com/cyverse-de/dicom-adapter/events"
	"github.com/cyverse-de/dicom-adapter/model"
	"github.com/pkg/errors"
)

var log = common.Log

// JobStore persists emitted jobs. Implemented by the database store.
type JobStore interface {
	AddJob(job *model.InferenceJob) error
}

// Processor is the capability set a job processor exposes: its registered
// name, the AE it serves, instance intake, and shutdown.
type Processor interface {
	Name() string
	AETitle() string
	HandleInstance(info model.InstanceStorageInfo)
	Stop()
}

// Deps are the collaborators handed to a processor constructor.
type Deps struct {
	Store     JobStore
	Instances *events.InstanceBus
}

// Factory builds processors of one registered kind. ValidateSettings
// enumerates the kind's recognized settings and rejects anything else, so a
// misconfigured AE is refused at registration time.
type Factory struct {
	New              func(ae model.LocalAE, deps Deps) (Processor, error)
	ValidateSettings func(settings model.Settings) error
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// RegisterKind adds a processor kind to the registry. Called from init.
func RegisterKind(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

func lookupKind(name string) (Factory, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	factory, ok := registry[name]
	if !ok {
		return Factory{}, errors.Errorf("unrecognized processor %q", name)
	}
	return factory, nil
}
