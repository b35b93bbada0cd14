package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/flare-foundation/go-flare-common/pkg/logger"
	"github.com/pkg/errors"
	"github.com/psyche-network/training-indexer/pkg/analysis"
)

// FileStore keeps the state in <dir>/<programAddress>.json.
type FileStore struct {
	dir            string
	programAddress string
	kind           analysis.Kind
	maxElapsedTime time.Duration
	now            func() time.Time
}

func NewFileStore(dir, programAddress string, kind analysis.Kind, maxElapsedTime time.Duration) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "cannot create state directory %s", dir)
	}

	return &FileStore{
		dir:            dir,
		programAddress: programAddress,
		kind:           kind,
		maxElapsedTime: maxElapsedTime,
		now:            time.Now,
	}, nil
}

func (fs *FileStore) Path() string {
	return filepath.Join(fs.dir, fs.programAddress+".json")
}

// Load reads the state file. A file that cannot be decoded is moved aside
// as <name>.corrupt-<unix seconds> and indexing starts over.
func (fs *FileStore) Load(context.Context) (*State, error) {
	path := fs.Path()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Infof("no saved state at %s, starting from scratch", path)
		return NewState(fs.programAddress, fs.kind), nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read %s", path)
	}

	state, err := Decode(data)
	if err == nil && (state.ProgramAddress != fs.programAddress || state.Kind != fs.kind) {
		err = errors.Wrapf(ErrCorruptDocument, "document is for %s program %s", state.Kind, state.ProgramAddress)
	}
	if err != nil {
		corrupt := fmt.Sprintf("%s.corrupt-%d", path, fs.now().Unix())
		if renameErr := os.Rename(path, corrupt); renameErr != nil {
			return nil, errors.Wrapf(renameErr, "cannot move aside unreadable state %s", path)
		}

		logger.Errorf("unreadable state %s moved to %s: %v", path, corrupt, err)
		return NewState(fs.programAddress, fs.kind), nil
	}

	return state, nil
}

// Save replaces the state file atomically.
func (fs *FileStore) Save(ctx context.Context, state *State) error {
	data, err := Encode(state)
	if err != nil {
		return err
	}

	return saveWithBackoff(ctx, fs.maxElapsedTime, func(context.Context) error {
		return writeAtomic(fs.Path(), data)
	})
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "cannot create temporary state file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "cannot write temporary state file")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "cannot sync temporary state file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "cannot close temporary state file")
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrap(err, "cannot replace state file")
	}

	if dir, err := os.Open(filepath.Dir(path)); err == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}

	return nil
}
