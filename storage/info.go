package storage

import (
	stderrors "errors"
	"syscall"

	"github.com/pkg/errors"
)

// InfoProvider reports free space in the staging area against the two
// configured watermarks: one gating inbound C-STOREs and a lower one gating
// export passes.
type InfoProvider struct {
	root           string
	minStoreBytes  uint64
	minExportBytes uint64

	// statfs is swappable for tests.
	statfs func(path string) (uint64, error)
}

// NewInfoProvider returns a provider for the given staging root.
func NewInfoProvider(root string, minStoreBytes, minExportBytes uint64) *InfoProvider {
	return &InfoProvider{
		root:           root,
		minStoreBytes:  minStoreBytes,
		minExportBytes: minExportBytes,
		statfs:         availableBytes,
	}
}

func availableBytes(path string) (uint64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, errors.Wrapf(err, "statfs %s", path)
	}
	return st.Bavail * uint64(st.Bsize), nil
}

// AvailableBytes returns the free space under the staging root.
func (p *InfoProvider) AvailableBytes() (uint64, error) {
	return p.statfs(p.root)
}

// CanStore reports whether there is enough free space to accept C-STOREs.
// A statfs failure counts as full; refusing a store is recoverable, filling
// the disk is not.
func (p *InfoProvider) CanStore() bool {
	avail, err := p.AvailableBytes()
	if err != nil {
		log.WithError(err).Error("unable to read staging free space")
		return false
	}
	return avail >= p.minStoreBytes
}

// CanExport reports whether there is enough free space to run an export pass.
func (p *InfoProvider) CanExport() bool {
	avail, err := p.AvailableBytes()
	if err != nil {
		log.WithError(err).Error("unable to read staging free space")
		return false
	}
	return avail >= p.minExportBytes
}

// IsDiskFull reports whether an I/O error was caused by the filesystem
// running out of space or inodes.
func IsDiskFull(err error) bool {
	return stderrors.Is(err, syscall.ENOSPC) || stderrors.Is(err, syscall.EDQUOT)
}
