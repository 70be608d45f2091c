package records

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/hpcgate/hpcgate/registry"
)

const recordExt = ".json"

// FileRegistry stores one JSON document per job in a directory. Saves write a
// temp file and rename it over the old record, so a crash never leaves a
// half written record behind. Not durable beyond machine failure.
type FileRegistry struct {
	fs  afero.Fs
	dir string

	// Serializes writers; readers see either the old or the new file.
	mutex sync.Mutex
}

// NewFileRegistry creates dir if it does not exist.
func NewFileRegistry(fs afero.Fs, dir string) (*FileRegistry, error) {
	if dir == "" {
		return nil, errors.New("registry directory is empty")
	}
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "creating registry directory %s", dir)
	}
	return &FileRegistry{fs: fs, dir: dir}, nil
}

func (f *FileRegistry) path(jobID string) (string, error) {
	if jobID == "" || jobID == "." || jobID == ".." || strings.ContainsAny(jobID, `/\`) {
		return "", errors.Errorf("invalid job id %q", jobID)
	}
	return filepath.Join(f.dir, jobID+recordExt), nil
}

func (f *FileRegistry) SaveJobRecord(ctx context.Context, rec *registry.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name, err := f.path(rec.JobID)
	if err != nil {
		return err
	}
	b, err := registry.Encode(rec)
	if err != nil {
		return errors.Wrapf(err, "encoding record for %s", rec.JobID)
	}

	f.mutex.Lock()
	defer f.mutex.Unlock()

	tmp, err := afero.TempFile(f.fs, f.dir, "."+rec.JobID+"-*.tmp")
	if err != nil {
		return errors.Wrapf(err, "saving record for %s", rec.JobID)
	}
	_, err = tmp.Write(b)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = f.fs.Rename(tmp.Name(), name)
	}
	if err != nil {
		f.fs.Remove(tmp.Name())
		return errors.Wrapf(err, "saving record for %s", rec.JobID)
	}
	return nil
}

func (f *FileRegistry) LoadJobRecord(ctx context.Context, jobID string) (*registry.Record, error) {
	name, err := f.path(jobID)
	if err != nil {
		return nil, err
	}
	b, err := afero.ReadFile(f.fs, name)
	if os.IsNotExist(err) {
		return nil, registry.ErrNotFound
	} else if err != nil {
		return nil, errors.Wrapf(err, "loading record for %s", jobID)
	}
	return registry.Decode(b)
}

// ActiveJobs reads every record in the directory. Unreadable records are
// reported as an error rather than skipped.
func (f *FileRegistry) ActiveJobs(ctx context.Context) ([]string, error) {
	infos, err := afero.ReadDir(f.fs, f.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "listing %s", f.dir)
	}
	ids := []string{}
	for _, info := range infos {
		name := info.Name()
		if info.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, recordExt) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := f.LoadJobRecord(ctx, strings.TrimSuffix(name, recordExt))
		if err != nil {
			return nil, err
		}
		if rec.Active() {
			ids = append(ids, rec.JobID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
