package analysis

import (
	"encoding/json"
	"math/big"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/psyche-network/training-indexer/pkg/checkpoint"
)

type Kind string

const (
	KindRun  Kind = "run"
	KindPool Kind = "pool"
)

var ErrNegativeAmount = errors.New("amount must not be negative")

// Instruction is one decoded program instruction. It is also the raw record
// kept in the admin and important histories.
type Instruction struct {
	Name      string             `json:"name"`
	Signature string             `json:"signature"`
	Addresses map[string]string  `json:"addresses"`
	Payload   json.RawMessage    `json:"payload"`
	Ordinal   checkpoint.Ordinal `json:"ordinal"`
	BlockTime time.Time          `json:"blockTime"`
}

// Snapshot is the last decoded on-chain state of an entity.
type Snapshot struct {
	Parsed    json.RawMessage            `json:"parsed"`
	Native    map[string]json.RawMessage `json:"native"`
	UpdatedAt time.Time                  `json:"updatedAt"`
}

type UserActivity struct {
	Ordinal checkpoint.Ordinal `json:"ordinal"`
	Step    uint64             `json:"step"`
}

type Sample struct {
	Ordinal  checkpoint.Ordinal `json:"ordinal"`
	Step     uint64             `json:"step"`
	SumValue float64            `json:"sumValue"`
	NumValue uint64             `json:"numValue"`
	Time     time.Time          `json:"time"`
}

func (s Sample) Average() float64 {
	if s.NumValue == 0 {
		return 0
	}
	return s.SumValue / float64(s.NumValue)
}

// Entity is the analysis of one indexed account, either a training run or a
// mining pool. Pool-only fields stay empty for runs.
type Entity struct {
	Address    string `json:"address"`
	Kind       Kind   `json:"kind"`
	Identifier string `json:"identifier,omitempty"`

	LatestKnownChangeOrdinal checkpoint.Ordinal `json:"latestKnownChangeOrdinal"`
	LatestUpdateFetchOrdinal checkpoint.Ordinal `json:"latestUpdateFetchOrdinal"`
	LatestOnchainSnapshot    *Snapshot          `json:"latestOnchainSnapshot"`

	LastByUser        map[string]UserActivity `json:"lastByUser"`
	SamplesByStatName map[string][]Sample     `json:"samplesByStatName"`
	FinishesOrdinals  []checkpoint.Ordinal    `json:"finishesOrdinals"`
	AdminHistory      []Instruction           `json:"adminHistory"`
	ImportantHistory  []Instruction           `json:"importantHistory"`
	JoinsByUser       map[string]Instruction  `json:"joinsByUser"`

	DepositAmountPerUser map[string]*big.Int `json:"depositAmountPerUser,omitempty"`
	ClaimAmountPerUser   map[string]*big.Int `json:"claimAmountPerUser,omitempty"`
	TotalDepositAmount   *big.Int            `json:"totalDepositAmount,omitempty"`
	TotalClaimAmount     *big.Int            `json:"totalClaimAmount,omitempty"`
}

func NewEntity(address string, kind Kind) *Entity {
	e := &Entity{
		Address:           address,
		Kind:              kind,
		LastByUser:        make(map[string]UserActivity),
		SamplesByStatName: make(map[string][]Sample),
		FinishesOrdinals:  []checkpoint.Ordinal{},
		AdminHistory:      []Instruction{},
		ImportantHistory:  []Instruction{},
		JoinsByUser:       make(map[string]Instruction),
	}

	if kind == KindPool {
		e.DepositAmountPerUser = make(map[string]*big.Int)
		e.ClaimAmountPerUser = make(map[string]*big.Int)
		e.TotalDepositAmount = new(big.Int)
		e.TotalClaimAmount = new(big.Int)
	}

	return e
}

// normalize fills the maps a decoded document may leave nil.
func (e *Entity) normalize() {
	if e.LastByUser == nil {
		e.LastByUser = make(map[string]UserActivity)
	}
	if e.SamplesByStatName == nil {
		e.SamplesByStatName = make(map[string][]Sample)
	}
	if e.FinishesOrdinals == nil {
		e.FinishesOrdinals = []checkpoint.Ordinal{}
	}
	if e.AdminHistory == nil {
		e.AdminHistory = []Instruction{}
	}
	if e.ImportantHistory == nil {
		e.ImportantHistory = []Instruction{}
	}
	if e.JoinsByUser == nil {
		e.JoinsByUser = make(map[string]Instruction)
	}

	if e.Kind == KindPool {
		if e.DepositAmountPerUser == nil {
			e.DepositAmountPerUser = make(map[string]*big.Int)
		}
		if e.ClaimAmountPerUser == nil {
			e.ClaimAmountPerUser = make(map[string]*big.Int)
		}
		if e.TotalDepositAmount == nil {
			e.TotalDepositAmount = new(big.Int)
		}
		if e.TotalClaimAmount == nil {
			e.TotalClaimAmount = new(big.Int)
		}
	}
}

// IsFresh reports whether the cached snapshot reflects every known change.
func (e *Entity) IsFresh() bool {
	return e.LatestOnchainSnapshot != nil && e.LatestUpdateFetchOrdinal == e.LatestKnownChangeOrdinal
}

func (e *Entity) NeedsFetch() bool {
	return e.LatestUpdateFetchOrdinal != e.LatestKnownChangeOrdinal
}

func (e *Entity) RaiseKnownOrdinal(ordinal checkpoint.Ordinal) {
	if ordinal > e.LatestKnownChangeOrdinal {
		e.LatestKnownChangeOrdinal = ordinal
	}
}

// MarkFetched stores a snapshot taken while the known ordinal was
// fetchedAt. Changes that arrived during the fetch keep the entity dirty.
func (e *Entity) MarkFetched(snapshot *Snapshot, fetchedAt checkpoint.Ordinal) {
	e.LatestOnchainSnapshot = snapshot
	if fetchedAt > e.LatestUpdateFetchOrdinal {
		e.LatestUpdateFetchOrdinal = fetchedAt
	}
}

// RecordUser keeps the latest activity of a user, by ordinal.
func (e *Entity) RecordUser(user string, ordinal checkpoint.Ordinal, step uint64) bool {
	prev, ok := e.LastByUser[user]
	if ok && prev.Ordinal >= ordinal {
		return false
	}

	e.LastByUser[user] = UserActivity{Ordinal: ordinal, Step: step}
	return true
}

func (e *Entity) AppendSample(stat string, sample Sample) {
	e.SamplesByStatName[stat] = append(e.SamplesByStatName[stat], sample)
}

// RecordJoin keeps the earliest join of each user. Rewinding delivers older
// instructions after newer ones, so earliest is decided by ordinal.
func (e *Entity) RecordJoin(user string, ix Instruction) bool {
	prev, ok := e.JoinsByUser[user]
	if ok && prev.Ordinal <= ix.Ordinal {
		return false
	}

	e.JoinsByUser[user] = ix
	return true
}

func (e *Entity) AddAdminHistory(ix Instruction) {
	e.AdminHistory = insertInstruction(e.AdminHistory, ix)
}

func (e *Entity) AddImportantHistory(ix Instruction) {
	e.ImportantHistory = insertInstruction(e.ImportantHistory, ix)
}

func (e *Entity) AddFinish(ordinal checkpoint.Ordinal) {
	i := sort.Search(len(e.FinishesOrdinals), func(i int) bool { return e.FinishesOrdinals[i] >= ordinal })
	if i < len(e.FinishesOrdinals) && e.FinishesOrdinals[i] == ordinal {
		return
	}

	e.FinishesOrdinals = append(e.FinishesOrdinals, 0)
	copy(e.FinishesOrdinals[i+1:], e.FinishesOrdinals[i:])
	e.FinishesOrdinals[i] = ordinal
}

func (e *Entity) AddDeposit(user string, amount *big.Int) error {
	if err := e.ensurePool(amount); err != nil {
		return err
	}

	addTo(e.DepositAmountPerUser, user, amount)
	e.TotalDepositAmount.Add(e.TotalDepositAmount, amount)

	return nil
}

func (e *Entity) AddClaim(user string, amount *big.Int) error {
	if err := e.ensurePool(amount); err != nil {
		return err
	}

	addTo(e.ClaimAmountPerUser, user, amount)
	e.TotalClaimAmount.Add(e.TotalClaimAmount, amount)

	return nil
}

func (e *Entity) ensurePool(amount *big.Int) error {
	if e.Kind != KindPool {
		return errors.Errorf("entity %s is a %s, not a pool", e.Address, e.Kind)
	}
	if amount == nil || amount.Sign() < 0 {
		return errors.Wrapf(ErrNegativeAmount, "got %v", amount)
	}

	e.normalize()
	return nil
}

func addTo(m map[string]*big.Int, user string, amount *big.Int) {
	current, ok := m[user]
	if !ok {
		current = new(big.Int)
		m[user] = current
	}
	current.Add(current, amount)
}

// insertInstruction keeps list sorted by ordinal. An instruction already
// present at the same ordinal is not inserted twice.
func insertInstruction(list []Instruction, ix Instruction) []Instruction {
	i := sort.Search(len(list), func(i int) bool { return list[i].Ordinal >= ix.Ordinal })
	if i < len(list) && list[i].Ordinal == ix.Ordinal {
		return list
	}

	list = append(list, Instruction{})
	copy(list[i+1:], list[i:])
	list[i] = ix

	return list
}
