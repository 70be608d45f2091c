// Package temp makes hierarchical temporary directories on an afero.Fs.
// Staging files for jobs and short-lived credential files all live under one
// TempDir, so there is one place to relocate them.
package temp

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// TempDir is a temporary directory, that may live under other temporary directories.
type TempDir struct {
	Fs  afero.Fs
	Dir string
}

// NewTempDir creates a new directory in dir with prefix. An empty dir means
// the default temp directory.
func NewTempDir(fs afero.Fs, dir, prefix string) (*TempDir, error) {
	p, err := afero.TempDir(fs, dir, prefix)
	if err != nil {
		return nil, err
	}
	return &TempDir{Fs: fs, Dir: p}, nil
}

// TempDirDefault creates a TempDir on the OS filesystem rooted in $TMPDIR.
func TempDirDefault() (*TempDir, error) {
	td, err := NewTempDir(afero.NewOsFs(), "", "hpcgate-tmp-")
	if err != nil {
		return nil, fmt.Errorf("temp.TempDirDefault: %v", err)
	}
	return td, nil
}

// FixedDir creates (if needed) the subdirectory name.
func (d *TempDir) FixedDir(name string) (*TempDir, error) {
	if name == "" || strings.ContainsRune(name, os.PathSeparator) {
		return nil, fmt.Errorf("temp.TempDir.FixedDir: Invalid name %q", name)
	}
	p := filepath.Join(d.Dir, name)
	if err := d.Fs.MkdirAll(p, 0700); err != nil {
		return nil, err
	}
	return &TempDir{Fs: d.Fs, Dir: p}, nil
}

// TempDir creates a new temporary directory under d.
func (d *TempDir) TempDir(prefix string) (*TempDir, error) {
	return NewTempDir(d.Fs, d.Dir, prefix)
}

// TempFile creates a new temporary file under d.
func (d *TempDir) TempFile(prefix string) (afero.File, error) {
	return afero.TempFile(d.Fs, d.Dir, prefix)
}

// WriteSecret writes data to a new owner-only file under d. cleanup
// overwrites the file with zeros and removes it; it is safe to call more than once.
func (d *TempDir) WriteSecret(prefix string, data []byte) (path string, cleanup func() error, err error) {
	f, err := d.TempFile(prefix)
	if err != nil {
		return "", nil, err
	}
	path = f.Name()
	cleanup = func() error {
		if exists, _ := afero.Exists(d.Fs, path); !exists {
			return nil
		}
		if err := afero.WriteFile(d.Fs, path, make([]byte, len(data)), 0600); err != nil {
			d.Fs.Remove(path)
			return err
		}
		return d.Fs.Remove(path)
	}

	if err := d.Fs.Chmod(path, 0600); err != nil {
		f.Close()
		cleanup()
		return "", nil, err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		cleanup()
		return "", nil, err
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, err
	}
	return path, cleanup, nil
}

// Remove deletes d and everything under it.
func (d *TempDir) Remove() error {
	return d.Fs.RemoveAll(d.Dir)
}
