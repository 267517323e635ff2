package varstore

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// BlobStore is the opaque get/put the persistence backend exposes.
// Put must be atomic: a reader observes either the previous blob or
// the new one, never a torn write.
type BlobStore interface {
	// Get returns the current blob, or ok=false when none has been
	// written yet.
	Get(ctx context.Context) (blob []byte, ok bool, err error)
	Put(ctx context.Context, blob []byte) error
}

// FileBlobStore keeps the blob in a single file and gets atomicity
// from writing a temporary sibling and renaming it over the target.
type FileBlobStore struct {
	fs   afero.Fs
	path string
}

func NewFileBlobStore(fs afero.Fs, path string) *FileBlobStore {
	return &FileBlobStore{fs: fs, path: path}
}

var _ BlobStore = &FileBlobStore{}

func (f *FileBlobStore) Get(ctx context.Context) ([]byte, bool, error) {
	b, err := afero.ReadFile(f.fs, f.path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "could not read %s", f.path)
	}
	return b, true, nil
}

func (f *FileBlobStore) Put(ctx context.Context, blob []byte) error {
	dir := filepath.Dir(f.path)
	tmp, err := afero.TempFile(f.fs, dir, ".varstore-*")
	if err != nil {
		return errors.Wrapf(err, "could not create temporary file in %s", dir)
	}
	name := tmp.Name()
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		f.fs.Remove(name)
		return errors.Wrapf(err, "could not write %s", name)
	}
	if err := tmp.Close(); err != nil {
		f.fs.Remove(name)
		return errors.Wrapf(err, "could not close %s", name)
	}
	if err := f.fs.Rename(name, f.path); err != nil {
		f.fs.Remove(name)
		return errors.Wrapf(err, "could not rename %s over %s", name, f.path)
	}
	return nil
}
