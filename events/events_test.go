package events

import (
	"testing"

	"github.com/cyverse-de/dicom-adapter/model"
	"github.com/stretchr/testify/assert"
)

func TestInstanceBusDeliversToAllSubscribers(t *testing.T) {
	assert := assert.New(t)

	bus := NewInstanceBus()
	var got1, got2 []string
	bus.Subscribe(func(info model.InstanceStorageInfo) {
		got1 = append(got1, info.SopInstanceUID)
	})
	bus.Subscribe(func(info model.InstanceStorageInfo) {
		got2 = append(got2, info.SopInstanceUID)
	})

	bus.Publish(model.InstanceStorageInfo{SopInstanceUID: "1.2.3"})
	bus.Publish(model.InstanceStorageInfo{SopInstanceUID: "1.2.4"})

	assert.Equal([]string{"1.2.3", "1.2.4"}, got1)
	assert.Equal([]string{"1.2.3", "1.2.4"}, got2)
}

func TestInstanceBusCancelStopsDelivery(t *testing.T) {
	assert := assert.New(t)

	bus := NewInstanceBus()
	var got []string
	sub := bus.Subscribe(func(info model.InstanceStorageInfo) {
		got = append(got, info.SopInstanceUID)
	})

	bus.Publish(model.InstanceStorageInfo{SopInstanceUID: "1.2.3"})
	sub.Cancel()
	bus.Publish(model.InstanceStorageInfo{SopInstanceUID: "1.2.4"})

	assert.Equal([]string{"1.2.3"}, got)

	// Cancelling again must not panic.
	sub.Cancel()
}

func TestInstanceBusSubscribeDuringPublish(t *testing.T) {
	assert := assert.New(t)

	bus := NewInstanceBus()
	var lateCalls int
	bus.Subscribe(func(info model.InstanceStorageInfo) {
		// A subscriber added mid-publish must not see the in-flight event.
		bus.Subscribe(func(model.InstanceStorageInfo) {
			lateCalls++
		})
	})

	bus.Publish(model.InstanceStorageInfo{SopInstanceUID: "1.2.3"})
	assert.Equal(0, lateCalls)
}

func TestAEChangeBusKinds(t *testing.T) {
	assert := assert.New(t)

	bus := NewAEChangeBus()
	var kinds []AEChangeKind
	bus.Subscribe(func(change AEChange) {
		kinds = append(kinds, change.Kind)
	})

	bus.Publish(AEChange{Kind: AEAdded, AE: model.LocalAE{AETitle: "CLARA1"}})
	bus.Publish(AEChange{Kind: AEUpdated, AE: model.LocalAE{AETitle: "CLARA1"}})
	bus.Publish(AEChange{Kind: AEDeleted, AE: model.LocalAE{AETitle: "CLARA1"}})

	assert.Equal([]AEChangeKind{AEAdded, AEUpdated, AEDeleted}, kinds)
	assert.Equal("added", AEAdded.String())
	assert.Equal("deleted", AEDeleted.String())
}
