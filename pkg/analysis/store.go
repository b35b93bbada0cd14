package analysis

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/psyche-network/training-indexer/pkg/checkpoint"
)

// Store maps account addresses of one program to their analysis. Mutations
// go through Update and are expected from a single indexing goroutine;
// readers such as the HTTP API use View.
type Store struct {
	ProgramAddress string
	Kind           Kind

	mu       sync.RWMutex
	entities map[string]*Entity
}

func NewStore(programAddress string, kind Kind) *Store {
	return &Store{
		ProgramAddress: programAddress,
		Kind:           kind,
		entities:       make(map[string]*Entity),
	}
}

// Tx is the handle passed to Update and View callbacks.
type Tx struct {
	s *Store
}

// Entity returns the analysis of address, creating it on first use.
func (tx Tx) Entity(address string) *Entity {
	e, ok := tx.s.entities[address]
	if !ok {
		e = NewEntity(address, tx.s.Kind)
		tx.s.entities[address] = e
	}

	return e
}

// Insert adds an entity built outside the store, replacing any entity
// already kept under its address.
func (tx Tx) Insert(e *Entity) {
	if e.Kind == "" {
		e.Kind = tx.s.Kind
	}
	e.normalize()
	tx.s.entities[e.Address] = e
}

func (tx Tx) Lookup(address string) (*Entity, bool) {
	e, ok := tx.s.entities[address]
	return e, ok
}

// Addresses returns every known address in lexical order.
func (tx Tx) Addresses() []string {
	addresses := make([]string, 0, len(tx.s.entities))
	for address := range tx.s.entities {
		addresses = append(addresses, address)
	}
	sort.Strings(addresses)

	return addresses
}

func (tx Tx) Len() int {
	return len(tx.s.entities)
}

// FindByIdentifier resolves a run id or pool index, falling back to the
// address itself.
func (tx Tx) FindByIdentifier(id string) (*Entity, bool) {
	if e, ok := tx.s.entities[id]; ok {
		return e, true
	}

	for _, address := range tx.Addresses() {
		e := tx.s.entities[address]
		if e.Identifier == id {
			return e, true
		}
	}

	return nil, false
}

// DirtyEntity is an entity whose snapshot is older than its latest change,
// together with the change ordinal observed when it was listed.
type DirtyEntity struct {
	Address      string
	KnownOrdinal checkpoint.Ordinal
}

func (tx Tx) Dirty() []DirtyEntity {
	var dirty []DirtyEntity
	for _, address := range tx.Addresses() {
		e := tx.s.entities[address]
		if e.NeedsFetch() {
			dirty = append(dirty, DirtyEntity{Address: address, KnownOrdinal: e.LatestKnownChangeOrdinal})
		}
	}

	return dirty
}

func (s *Store) Update(fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return fn(Tx{s: s})
}

func (s *Store) View(fn func(tx Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return fn(Tx{s: s})
}

// Entities returns the underlying map for serialization. Callers must hold
// the store through View or Update.
func (tx Tx) Entities() map[string]*Entity {
	return tx.s.entities
}

// Replace swaps the whole content, used when loading a persisted document.
func (s *Store) Replace(entities map[string]*Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entities == nil {
		entities = make(map[string]*Entity)
	}
	for address, e := range entities {
		e.Address = address
		if e.Kind == "" {
			e.Kind = s.Kind
		}
		e.normalize()
	}

	s.entities = entities
}

// Summary is the list view of one entity.
type Summary struct {
	Address                  string             `json:"address"`
	Identifier               string             `json:"identifier,omitempty"`
	Kind                     Kind               `json:"kind"`
	LatestKnownChangeOrdinal checkpoint.Ordinal `json:"latestKnownChangeOrdinal"`
	Fresh                    bool               `json:"fresh"`
	Parsed                   json.RawMessage    `json:"parsed,omitempty"`
	UpdatedAt                *time.Time         `json:"updatedAt,omitempty"`
}

func (tx Tx) Summaries() []Summary {
	summaries := make([]Summary, 0, len(tx.s.entities))
	for _, address := range tx.Addresses() {
		e := tx.s.entities[address]
		summary := Summary{
			Address:                  address,
			Identifier:               e.Identifier,
			Kind:                     e.Kind,
			LatestKnownChangeOrdinal: e.LatestKnownChangeOrdinal,
			Fresh:                    e.IsFresh(),
		}
		if e.LatestOnchainSnapshot != nil {
			updatedAt := e.LatestOnchainSnapshot.UpdatedAt
			summary.Parsed = e.LatestOnchainSnapshot.Parsed
			summary.UpdatedAt = &updatedAt
		}
		summaries = append(summaries, summary)
	}

	return summaries
}
