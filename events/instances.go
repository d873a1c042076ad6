// Package events provides the adapter's in-process publish/subscribe buses:
// one for stored-instance notifications and one for local AE configuration
// changes. Publishers iterate a snapshot of the observer list, so callbacks
// registered or removed during a publish never affect that publish.
package events

import (
	"sync"

	"github.com/cyverse-de/dicom-adapter/model"
)

// InstanceBus fans stored-instance notifications out to its subscribers.
type InstanceBus struct {
	mu        sync.RWMutex
	nextToken uint64
	observers map[uint64]func(model.InstanceStorageInfo)
}

// InstanceSubscription is the handle returned by Subscribe; Cancel removes
// the callback from the bus.
type InstanceSubscription struct {
	bus   *InstanceBus
	token uint64
}

// NewInstanceBus returns an empty bus.
func NewInstanceBus() *InstanceBus {
	return &InstanceBus{
		observers: make(map[uint64]func(model.InstanceStorageInfo)),
	}
}

// Subscribe registers a callback invoked for every published instance.
func (b *InstanceBus) Subscribe(fn func(model.InstanceStorageInfo)) *InstanceSubscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextToken++
	b.observers[b.nextToken] = fn
	return &InstanceSubscription{bus: b, token: b.nextToken}
}

// Cancel removes the subscription's callback. Cancelling twice is harmless.
func (s *InstanceSubscription) Cancel() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.observers, s.token)
}

// Publish delivers the instance to every current subscriber. Callbacks run
// on the publisher's goroutine.
func (b *InstanceBus) Publish(info model.InstanceStorageInfo) {
	b.mu.RLock()
	snapshot := make([]func(model.InstanceStorageInfo), 0, len(b.observers))
	for _, fn := range b.observers {
		snapshot = append(snapshot, fn)
	}
	b.mu.RUnlock()

	for _, fn := range snapshot {
		fn(info)
	}
}
