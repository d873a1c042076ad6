// Package storage owns the staging area on disk: path layout, atomic
// instance writes with retry, free-space accounting, and the cleanup queue
// that reclaims files once a job owns them.
package storage

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cyverse-de/dicom-adapter/common"
	"github.com/pkg/errors"
)

var log = common.Log

// Sanitize maps a DICOM identifier to a string safe to use as a path
// component. Anything outside [A-Za-z0-9._-] becomes an underscore.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// Paths computes staging-area locations under the temporary root.
type Paths struct {
	Root string
}

// AEDir returns the staging subtree for a local AE.
func (p Paths) AEDir(calledAETitle string) string {
	return filepath.Join(p.Root, Sanitize(calledAETitle))
}

// InstancePath returns the staging path for one received instance.
func (p Paths) InstancePath(calledAETitle, sopInstanceUID string) string {
	return filepath.Join(p.AEDir(calledAETitle), Sanitize(sopInstanceUID)+".dcm")
}

// RequestDir returns the download root for an inference request.
func (p Paths) RequestDir(transactionID string) string {
	return filepath.Join(p.Root, transactionID)
}

// writeBackoff returns the retry schedule for staged writes: an initial try
// plus three retries, with waits of 250ms, 500ms and 500ms between them.
func writeBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.Multiplier = 2
	b.RandomizationFactor = 0
	return backoff.WithMaxRetries(b, 3)
}

// SaveInstance writes data to path, creating parent directories as needed.
// The write lands in a temporary sibling first and is renamed into place so
// a reader never observes a partial file. Transient I/O failures are retried
// on the staged-write schedule; the last error is returned once the schedule
// is exhausted.
func SaveInstance(path string, data []byte) error {
	op := func() error {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		tmp := path + ".partial"
		if err := os.WriteFile(tmp, data, 0644); err != nil {
			// Leave nothing behind for the next attempt to trip over.
			os.Remove(tmp)
			return err
		}
		return os.Rename(tmp, path)
	}
	if err := backoff.Retry(op, writeBackoff()); err != nil {
		return errors.Wrapf(err, "saving instance to %s", path)
	}
	return nil
}

// Exists reports whether a regular file is present at path.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// ResetAEDir removes and recreates the staging subtree for a local AE. Run
// when a handler is registered; instances left over from a previous process
// are discarded on purpose, since the jobs that referenced them are gone.
func (p Paths) ResetAEDir(calledAETitle string) error {
	dir := p.AEDir(calledAETitle)
	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrapf(err, "removing %s", dir)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "creating %s", dir)
	}
	return nil
}
