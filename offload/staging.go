package offload

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// StagingArea hands out uniquely named temporary files inside a private directory.
//
// Images are staged into it before being opened by the process loader, since loaders only open files.
// Files can be released individually, and Close removes whatever is left (including the directory).
// It is safe for concurrent use.
type StagingArea struct {
	mu    sync.Mutex
	dir   string
	files map[string]bool

	// KeepFiles disables the removal of the files, for debugging.
	KeepFiles bool
}

// NewStagingArea creates the private directory under parent (os.TempDir() if empty).
func NewStagingArea(parent string) (*StagingArea, error) {
	dir, err := os.MkdirTemp(parent, "omptarget.")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create staging directory in %q", parent)
	}
	klog.V(2).Infof("staging area created in %q", dir)
	return &StagingArea{dir: dir, files: make(map[string]bool)}, nil
}

// Dir returns the staging directory.
func (s *StagingArea) Dir() string {
	return s.dir
}

// Stage writes contents to a new uniquely named file with the given suffix and returns its path.
// On failure nothing is left behind.
func (s *StagingArea) Stage(contents []byte, suffix string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.files == nil {
		return "", errors.New("staging area already closed")
	}
	path := filepath.Join(s.dir, uuid.NewString()+suffix)
	if err := os.WriteFile(path, contents, 0o700); err != nil {
		_ = os.Remove(path)
		return "", errors.Wrapf(err, "failed to stage %d bytes to %q", len(contents), path)
	}
	s.files[path] = true
	return path, nil
}

// Release removes a staged file. Unknown paths are ignored.
func (s *StagingArea) Release(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.files[path] {
		return
	}
	delete(s.files, path)
	if s.KeepFiles {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		klog.Warningf("failed to remove staged file %q: %v", path, err)
	}
}

// Len returns the number of staged files not yet released.
func (s *StagingArea) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files)
}

// Close removes all staged files and the directory. It is idempotent.
func (s *StagingArea) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.files == nil {
		return nil
	}
	s.files = nil
	if s.KeepFiles {
		klog.Infof("keeping staged files in %q", s.dir)
		return nil
	}
	if err := os.RemoveAll(s.dir); err != nil {
		return errors.Wrapf(err, "failed to remove staging directory %q", s.dir)
	}
	return nil
}
