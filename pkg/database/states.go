package database

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
	"github.com/psyche-network/training-indexer/pkg/analysis"
	"github.com/psyche-network/training-indexer/pkg/checkpoint"
)

// CurrentVersion is the version tag written on the first line of every
// document.
const CurrentVersion = 3

var (
	ErrCorruptDocument = errors.New("corrupt state document")
	ErrFutureVersion   = errors.New("state document was written by a newer version")
)

// State is everything persisted for one program: where indexing stands and
// the analysis of every entity.
type State struct {
	ProgramAddress string                 `json:"programAddress"`
	Kind           analysis.Kind          `json:"kind"`
	Checkpoint     *checkpoint.Checkpoint `json:"checkpoint"`
	DataStore      DataStore              `json:"dataStore"`
}

type DataStore struct {
	Entities map[string]*analysis.Entity `json:"entities"`
}

func NewState(programAddress string, kind analysis.Kind) *State {
	return &State{
		ProgramAddress: programAddress,
		Kind:           kind,
		Checkpoint:     &checkpoint.Checkpoint{},
		DataStore:      DataStore{Entities: make(map[string]*analysis.Entity)},
	}
}

// Capture builds the state to persist. The entities are shared with store,
// so the state must be saved before the store is mutated again.
func Capture(cp *checkpoint.Checkpoint, store *analysis.Store) *State {
	state := NewState(store.ProgramAddress, store.Kind)
	state.Checkpoint = cp.Clone()

	_ = store.View(func(tx analysis.Tx) error {
		state.DataStore.Entities = tx.Entities()
		return nil
	})

	return state
}

// Restore loads the persisted entities into store.
func (s *State) Restore(store *analysis.Store) {
	store.Replace(s.DataStore.Entities)
}

// Encode writes the version tag line followed by the JSON document.
func Encode(state *State) ([]byte, error) {
	doc, err := json.Marshal(state)
	if err != nil {
		return nil, errors.Wrap(err, "cannot encode state")
	}

	var buf bytes.Buffer
	buf.Grow(len(doc) + 4)
	buf.WriteString(strconv.Itoa(CurrentVersion))
	buf.WriteByte('\n')
	buf.Write(doc)

	return buf.Bytes(), nil
}

// Decode reads a document of any known version, migrating it to the
// current one.
func Decode(data []byte) (*State, error) {
	version, doc, err := splitVersion(data)
	if err != nil {
		return nil, err
	}

	return DecodeDocument(version, doc)
}

// DecodeDocument migrates and decodes a document stored apart from its
// version tag.
func DecodeDocument(version int, doc []byte) (*State, error) {
	if version > CurrentVersion {
		return nil, errors.Wrapf(ErrFutureVersion, "version %d", version)
	}

	if version < CurrentVersion {
		migrated, err := migrate(version, doc)
		if err != nil {
			return nil, err
		}
		doc = migrated
	}

	state := new(State)
	if err := json.Unmarshal(doc, state); err != nil {
		return nil, errors.Wrap(ErrCorruptDocument, err.Error())
	}
	if state.ProgramAddress == "" {
		return nil, errors.Wrap(ErrCorruptDocument, "no program address")
	}
	if state.Checkpoint == nil {
		state.Checkpoint = &checkpoint.Checkpoint{}
	}
	if state.DataStore.Entities == nil {
		state.DataStore.Entities = make(map[string]*analysis.Entity)
	}

	return state, nil
}

// splitVersion separates the version tag line. Documents starting directly
// with JSON predate versioning and are version 0.
func splitVersion(data []byte) (int, []byte, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return 0, nil, errors.Wrap(ErrCorruptDocument, "empty document")
	}
	if data[0] == '{' {
		return 0, data, nil
	}

	line, doc, found := bytes.Cut(data, []byte("\n"))
	if !found {
		return 0, nil, errors.Wrap(ErrCorruptDocument, "no version line")
	}

	version, err := strconv.Atoi(string(bytes.TrimSpace(line)))
	if err != nil || version < 0 {
		return 0, nil, errors.Wrapf(ErrCorruptDocument, "bad version tag %q", line)
	}

	return version, doc, nil
}
