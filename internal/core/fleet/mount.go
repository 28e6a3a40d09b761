package fleet

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/dgnsrekt/requests-whaor/internal/core/domain"
	"github.com/dgnsrekt/requests-whaor/internal/errdefs"
)

// MountFile is a rendered file on the host bound read-only into a container.
type MountFile struct {
	source string
	target string
}

// writeMountFile stores data in a fresh file under dir.
func writeMountFile(dir, pattern string, data []byte, target string) (*MountFile, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %w", errdefs.ErrConfigWriteFailed, err)
	}

	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errdefs.ErrConfigWriteFailed, err)
	}
	m := &MountFile{source: f.Name(), target: target}

	if _, err := f.Write(data); err != nil {
		f.Close()
		m.Remove()
		return nil, fmt.Errorf("%w: %w", errdefs.ErrConfigWriteFailed, err)
	}
	if err := f.Close(); err != nil {
		m.Remove()
		return nil, fmt.Errorf("%w: %w", errdefs.ErrConfigWriteFailed, err)
	}
	// The container process does not run as the file owner.
	if err := os.Chmod(m.source, 0o644); err != nil {
		m.Remove()
		return nil, fmt.Errorf("%w: %w", errdefs.ErrConfigWriteFailed, err)
	}
	return m, nil
}

// Source is the host path.
func (m *MountFile) Source() string {
	return m.source
}

// Mount returns the bind mount for the container spec.
func (m *MountFile) Mount() domain.Mount {
	return domain.Mount{Source: m.source, Target: m.target, ReadOnly: true}
}

// Remove deletes the host file. Removing twice is fine.
func (m *MountFile) Remove() error {
	if err := os.Remove(m.source); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
