package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Pending writes are staged under this prefix and hidden from List.
const stagingPrefix = ".tmp-"

// Filesystem is a tier backed by one local directory. Objects are staged
// in the same directory and renamed into place when committed.
type Filesystem struct {
	dir string
}

// NewFilesystem opens dir as a tier, creating it when missing.
func NewFilesystem(dir string) (*Filesystem, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", abs, err)
	}
	return &Filesystem{dir: abs}, nil
}

// Root returns the absolute tier directory.
func (f *Filesystem) Root() string {
	return f.dir
}

func (f *Filesystem) Write(ctx context.Context, key string, r io.Reader) error {
	w, err := f.Writer(ctx, key)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Abort()
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return w.Close()
}

func (f *Filesystem) Read(_ context.Context, key string) (io.ReadCloser, error) {
	path, err := f.resolve(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("opening %s: %w", key, err)
	}
	return file, nil
}

// Delete is a no-op for missing keys.
func (f *Filesystem) Delete(_ context.Context, key string) error {
	path, err := f.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", key, err)
	}
	return nil
}

func (f *Filesystem) Exists(ctx context.Context, key string) (bool, error) {
	switch _, err := f.Stat(ctx, key); {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// List returns committed keys in name order. A missing directory lists
// as empty.
func (f *Filesystem) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", f.dir, err)
	}

	var keys []string
	for _, e := range entries {
		if !e.IsDir() && !strings.HasPrefix(e.Name(), stagingPrefix) {
			keys = append(keys, e.Name())
		}
	}
	slices.Sort(keys)
	return keys, nil
}

func (f *Filesystem) Stat(_ context.Context, key string) (Info, error) {
	path, err := f.resolve(key)
	if err != nil {
		return Info{}, err
	}
	fi, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return Info{}, ErrNotFound
	case err != nil:
		return Info{}, fmt.Errorf("stat %s: %w", key, err)
	case fi.IsDir():
		return Info{}, ErrNotFound
	}
	return Info{Key: key, Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

// Writer stages a new object for key. Nothing is visible under key until
// Close succeeds.
func (f *Filesystem) Writer(_ context.Context, key string) (AtomicWriter, error) {
	path, err := f.resolve(key)
	if err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(f.dir, stagingPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("staging %s: %w", key, err)
	}
	return &stagedFile{File: tmp, dst: path}, nil
}

func (f *Filesystem) resolve(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(f.dir, key), nil
}

// ValidateKey rejects anything that is not a plain, visible file name.
func ValidateKey(key string) error {
	if key == "" || key == ".." || strings.HasPrefix(key, ".") ||
		strings.ContainsAny(key, "/\\\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

type stagedFile struct {
	*os.File
	dst  string
	done bool
}

// Close flushes the staged file and renames it over the destination.
func (s *stagedFile) Close() error {
	if s.done {
		return nil
	}
	s.done = true

	err := s.Sync()
	if cerr := s.File.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(s.Name(), s.dst)
	}
	if err != nil {
		_ = os.Remove(s.Name())
		return fmt.Errorf("committing %s: %w", filepath.Base(s.dst), err)
	}
	return nil
}

// Abort drops the staged file.
func (s *stagedFile) Abort() error {
	if s.done {
		return nil
	}
	s.done = true
	_ = s.File.Close()
	return os.Remove(s.Name())
}

var (
	_ Backend       = (*Filesystem)(nil)
	_ WriterBackend = (*Filesystem)(nil)
)
