package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestSanitize(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("1.2.840.10008.1.1", Sanitize("1.2.840.10008.1.1"))
	assert.Equal("CLARA_SCP", Sanitize("CLARA SCP"))
	assert.Equal("a_b_c", Sanitize("a/b\\c"))
	assert.Equal("__", Sanitize("../"))
}

func TestInstancePath(t *testing.T) {
	p := Paths{Root: "/payloads"}
	assert.Equal(t, "/payloads/CLARA1/1.2.3.4.dcm", p.InstancePath("CLARA1", "1.2.3.4"))
	assert.Equal(t, "/payloads/T1", p.RequestDir("T1"))
}

func TestSaveInstanceWritesFile(t *testing.T) {
	assert := assert.New(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "ae", "1.2.3.dcm")
	assert.NoError(SaveInstance(path, []byte("DICM")))

	data, err := os.ReadFile(path)
	assert.NoError(err)
	assert.Equal([]byte("DICM"), data)

	// No partial file left behind.
	_, err = os.Stat(path + ".partial")
	assert.True(os.IsNotExist(err))
}

func TestSaveInstanceOverwrites(t *testing.T) {
	assert := assert.New(t)

	path := filepath.Join(t.TempDir(), "1.2.3.dcm")
	assert.NoError(SaveInstance(path, []byte("one")))
	assert.NoError(SaveInstance(path, []byte("two")))

	data, err := os.ReadFile(path)
	assert.NoError(err)
	assert.Equal([]byte("two"), data)
}

func TestWriteBackoffSchedule(t *testing.T) {
	assert := assert.New(t)

	b := writeBackoff()
	b.Reset()

	var waits []time.Duration
	for {
		next := b.NextBackOff()
		if next == backoff.Stop {
			break
		}
		waits = append(waits, next)
	}
	assert.Equal([]time.Duration{250 * time.Millisecond, 500 * time.Millisecond, 500 * time.Millisecond}, waits)
}

func TestStagedWriteRetriesThreeTimes(t *testing.T) {
	assert := assert.New(t)

	attempts := 0
	op := func() error {
		attempts++
		return errors.New("disk flapping")
	}
	assert.Error(backoff.Retry(op, writeBackoff()))
	assert.Equal(4, attempts, "an initial try plus three retries")
}

func TestResetAEDir(t *testing.T) {
	assert := assert.New(t)

	p := Paths{Root: t.TempDir()}
	stale := p.InstancePath("CLARA1", "1.2.3")
	assert.NoError(SaveInstance(stale, []byte("stale")))

	assert.NoError(p.ResetAEDir("CLARA1"))
	assert.False(Exists(stale))

	// The directory itself must exist again.
	info, err := os.Stat(p.AEDir("CLARA1"))
	assert.NoError(err)
	assert.True(info.IsDir())
}

func TestCleanupQueueFIFO(t *testing.T) {
	assert := assert.New(t)

	q := NewCleanupQueue()
	q.Push("/a")
	q.Push("/b")
	q.Push("/c")

	ctx := context.Background()
	for _, want := range []string{"/a", "/b", "/c"} {
		got, err := q.Take(ctx)
		assert.NoError(err)
		assert.Equal(want, got)
	}
	assert.Equal(0, q.Len())
}

func TestCleanupQueueTakeBlocksUntilPush(t *testing.T) {
	assert := assert.New(t)

	q := NewCleanupQueue()
	got := make(chan string, 1)
	go func() {
		path, err := q.Take(context.Background())
		assert.NoError(err)
		got <- path
	}()

	time.Sleep(10 * time.Millisecond)
	q.Push("/late")

	select {
	case path := <-got:
		assert.Equal("/late", path)
	case <-time.After(time.Second):
		t.Fatal("Take did not return after Push")
	}
}

func TestCleanupQueueTakeHonorsCancellation(t *testing.T) {
	q := NewCleanupQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Take(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReclaimerDeletesQueuedFiles(t *testing.T) {
	assert := assert.New(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "1.2.3.dcm")
	assert.NoError(os.WriteFile(path, []byte("x"), 0644))

	q := NewCleanupQueue()
	r := NewReclaimer(q)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	q.Push(path)
	q.Push(filepath.Join(dir, "missing.dcm")) // succeeds trivially

	assert.Eventually(func() bool { return !Exists(path) }, time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(<-done, context.Canceled)
}

func TestInfoProviderWatermarks(t *testing.T) {
	assert := assert.New(t)

	p := NewInfoProvider("/payloads", 100, 50)
	p.statfs = func(string) (uint64, error) { return 75, nil }

	assert.False(p.CanStore())
	assert.True(p.CanExport())

	p.statfs = func(string) (uint64, error) { return 100, nil }
	assert.True(p.CanStore())
}
