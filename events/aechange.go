package events

import (
	"sync"

	"github.com/cyverse-de/dicom-adapter/model"
)

// AEChangeKind says what happened to a local application entity.
type AEChangeKind int

// The recognized change kinds.
const (
	AEAdded AEChangeKind = iota
	AEUpdated
	AEDeleted
)

func (k AEChangeKind) String() string {
	switch k {
	case AEAdded:
		return "added"
	case AEUpdated:
		return "updated"
	case AEDeleted:
		return "deleted"
	}
	return "unknown"
}

// AEChange is a single configuration change to a local AE.
type AEChange struct {
	Kind AEChangeKind
	AE   model.LocalAE
}

// AEChangeBus fans local AE configuration changes out to its subscribers.
type AEChangeBus struct {
	mu        sync.RWMutex
	nextToken uint64
	observers map[uint64]func(AEChange)
}

// AEChangeSubscription is the handle returned by Subscribe.
type AEChangeSubscription struct {
	bus   *AEChangeBus
	token uint64
}

// NewAEChangeBus returns an empty bus.
func NewAEChangeBus() *AEChangeBus {
	return &AEChangeBus{
		observers: make(map[uint64]func(AEChange)),
	}
}

// Subscribe registers a callback invoked for every published change.
func (b *AEChangeBus) Subscribe(fn func(AEChange)) *AEChangeSubscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextToken++
	b.observers[b.nextToken] = fn
	return &AEChangeSubscription{bus: b, token: b.nextToken}
}

// Cancel removes the subscription's callback. Cancelling twice is harmless.
func (s *AEChangeSubscription) Cancel() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.observers, s.token)
}

// Publish delivers the change to every current subscriber.
func (b *AEChangeBus) Publish(change AEChange) {
	b.mu.RLock()
	snapshot := make([]func(AEChange), 0, len(b.observers))
	for _, fn := range b.observers {
		snapshot = append(snapshot, fn)
	}
	b.mu.RUnlock()

	for _, fn := range snapshot {
		fn(change)
	}
}
