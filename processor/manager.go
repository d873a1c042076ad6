package processor

import (
	"sync"

	"github.com/cyverse-de/dicom-adapter/events"
	"github.com/cyverse-de/dicom-adapter/model"
	"github.com/cyverse-de/dicom-adapter/storage"
	"github.com/pkg/errors"
)

// Manager tracks one AEHandler per local AE and keeps the set in step with
// the AE-change bus. It is the SCP's StoreHandler.
type Manager struct {
	paths     storage.Paths
	instances *events.InstanceBus
	store     JobStore

	mu       sync.RWMutex
	handlers map[string]*AEHandler

	changeSub *events.AEChangeSubscription
}

// NewManager returns a manager with no registered AEs.
func NewManager(paths storage.Paths, instances *events.InstanceBus, store JobStore) *Manager {
	return &Manager{
		paths:     paths,
		instances: instances,
		store:     store,
		handlers:  make(map[string]*AEHandler),
	}
}

// Register validates a local AE's processor settings, resets its staging
// subtree, and attaches its processor. A configuration error leaves the AE
// unregistered and everything else running.
func (m *Manager) Register(ae model.LocalAE) error {
	factory, err := lookupKind(ae.ProcessorName)
	if err != nil {
		return err
	}
	if err := factory.ValidateSettings(ae.ProcessorSettings); err != nil {
		return errors.Wrapf(err, "settings of AE %q", ae.AETitle)
	}

	// Instances left over from a previous run are discarded; the jobs that
	// referenced them no longer exist.
	if err := m.paths.ResetAEDir(ae.AETitle); err != nil {
		return err
	}

	proc, err := factory.New(ae, Deps{Store: m.store, Instances: m.instances})
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.handlers[ae.AETitle]; ok {
		existing.processor.Stop()
	}
	m.handlers[ae.AETitle] = &AEHandler{ae: ae, bus: m.instances, processor: proc}
	log.Infof("registered local AE %q with processor %q", ae.AETitle, ae.ProcessorName)
	return nil
}

// Deregister stops the AE's processor and removes its handler.
func (m *Manager) Deregister(aeTitle string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	handler, ok := m.handlers[aeTitle]
	if !ok {
		return
	}
	handler.processor.Stop()
	delete(m.handlers, aeTitle)
	log.Infof("deregistered local AE %q", aeTitle)
}

// Watch keeps the handler set in step with configuration changes.
func (m *Manager) Watch(bus *events.AEChangeBus) {
	m.changeSub = bus.Subscribe(func(change events.AEChange) {
		switch change.Kind {
		case events.AEAdded, events.AEUpdated:
			if err := m.Register(change.AE); err != nil {
				log.WithError(err).Errorf("rejecting local AE %q", change.AE.AETitle)
			}
		case events.AEDeleted:
			m.Deregister(change.AE.AETitle)
		}
	})
}

// Stop detaches from the change bus and stops every processor.
func (m *Manager) Stop() {
	if m.changeSub != nil {
		m.changeSub.Cancel()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for title, handler := range m.handlers {
		handler.processor.Stop()
		delete(m.handlers, title)
	}
}

// HandleInstance routes an accepted instance to its AE's handler.
func (m *Manager) HandleInstance(info model.InstanceStorageInfo, data []byte, transferSyntaxUID string) error {
	m.mu.RLock()
	handler, ok := m.handlers[info.CalledAETitle]
	m.mu.RUnlock()
	if !ok {
		return errors.Errorf("no handler registered for AE %q", info.CalledAETitle)
	}
	return handler.Handle(info, data, transferSyntaxUID)
}
