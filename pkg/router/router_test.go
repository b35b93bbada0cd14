package router

import (
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/psyche-network/training-indexer/pkg/aggregate"
	"github.com/psyche-network/training-indexer/pkg/analysis"
	"github.com/psyche-network/training-indexer/pkg/checkpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const run = "run-instance"

func coordinatorIx(name string, slot uint64, payload string, addresses map[string]string) analysis.Instruction {
	if addresses == nil {
		addresses = map[string]string{}
	}
	if _, ok := addresses["coordinator_instance"]; !ok {
		addresses["coordinator_instance"] = run
	}
	if _, ok := addresses["user"]; !ok {
		if _, ok := addresses["authority"]; !ok {
			addresses["authority"] = "owner"
		}
	}

	return analysis.Instruction{
		Name:      name,
		Signature: name + "-sig",
		Addresses: addresses,
		Payload:   json.RawMessage(payload),
		Ordinal:   checkpoint.NewOrdinal(slot, 0, 0),
		BlockTime: time.Unix(int64(slot), 0).UTC(),
	}
}

func witnessIx(slot uint64, user string, step uint64, loss string) analysis.Instruction {
	payload := `{"proof": {"position": 0, "index": 0, "witness": {"0": 1}},
		"metadata": {"step": ` + jsonUint(step) + `, "loss": ` + loss + `, "tokens_per_sec": 100, "efficency": 0.5,
		"evals": {"data": [{"name": "arc", "value": 0.75}, {"name": "", "value": 1}], "len": 1}}}`

	return coordinatorIx("witness", slot, payload, map[string]string{"user": user})
}

func jsonUint(n uint64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestCoordinatorScenario(t *testing.T) {
	r := NewCoordinator()
	store := analysis.NewStore("coordinator", analysis.KindRun)

	for _, ix := range []analysis.Instruction{
		coordinatorIx("init_coordinator", 1, `{"params": {"main_authority": "owner", "join_authority": "owner", "run_id": "llama-1"}}`, nil),
		witnessIx(2, "alice", 10, "2.5"),
		witnessIx(3, "bob", 10, "1.5"),
		witnessIx(4, "alice", 20, "1.0"),
		coordinatorIx("free_coordinator", 5, `{}`, nil),
	} {
		outcome, err := r.Route(store, ix)
		require.NoError(t, err)
		assert.Equal(t, Processed, outcome)
	}

	require.NoError(t, store.View(func(tx analysis.Tx) error {
		e, ok := tx.FindByIdentifier("llama-1")
		require.True(t, ok)

		assert.Equal(t, run, e.Address)
		assert.Equal(t, checkpoint.NewOrdinal(5, 0, 0), e.LatestKnownChangeOrdinal)
		assert.Equal(t, []checkpoint.Ordinal{checkpoint.NewOrdinal(5, 0, 0)}, e.FinishesOrdinals)
		assert.Len(t, e.AdminHistory, 2)
		assert.Equal(t, analysis.UserActivity{Ordinal: checkpoint.NewOrdinal(4, 0, 0), Step: 20}, e.LastByUser["alice"])
		assert.Equal(t, uint64(10), e.LastByUser["bob"].Step)

		loss := e.SamplesByStatName["loss"]
		require.Len(t, loss, 3)
		for _, s := range loss {
			assert.Equal(t, uint64(1), s.NumValue)
		}

		assert.Contains(t, e.SamplesByStatName, "efficiency")
		assert.Contains(t, e.SamplesByStatName, "tokens_per_sec")
		assert.Contains(t, e.SamplesByStatName, "evals/arc")
		assert.Len(t, e.SamplesByStatName, 4)

		compacted := aggregate.Compact(loss, e.FinishesOrdinals, aggregate.DefaultTargetBucketCount)
		require.Len(t, compacted, 2)
		assert.Equal(t, uint64(10), compacted[0].Step)
		assert.Equal(t, 4.0, compacted[0].SumValue)
		assert.Equal(t, uint64(2), compacted[0].NumValue)
		assert.Equal(t, 2.0, compacted[0].Average())
		assert.Equal(t, 1.0, compacted[1].Average())

		return nil
	}))
}

func TestRouteOrdinalIsMonotonic(t *testing.T) {
	r := NewCoordinator()
	store := analysis.NewStore("coordinator", analysis.KindRun)

	// rewinding delivers older instructions after newer ones
	for _, slot := range []uint64{9, 3, 7} {
		_, err := r.Route(store, coordinatorIx("set_paused", slot, `{"paused": true}`, nil))
		require.NoError(t, err)
	}

	require.NoError(t, store.View(func(tx analysis.Tx) error {
		e, ok := tx.Lookup(run)
		require.True(t, ok)
		assert.Equal(t, checkpoint.NewOrdinal(9, 0, 0), e.LatestKnownChangeOrdinal)

		require.Len(t, e.AdminHistory, 3)
		assert.Equal(t, checkpoint.NewOrdinal(3, 0, 0), e.AdminHistory[0].Ordinal)
		assert.Equal(t, checkpoint.NewOrdinal(9, 0, 0), e.AdminHistory[2].Ordinal)
		return nil
	}))
}

func TestWitnessKeepsLatestUserActivity(t *testing.T) {
	r := NewCoordinator()
	store := analysis.NewStore("coordinator", analysis.KindRun)

	for _, ix := range []analysis.Instruction{
		witnessIx(8, "alice", 40, "1.0"),
		witnessIx(6, "alice", 30, "1.0"),
	} {
		_, err := r.Route(store, ix)
		require.NoError(t, err)
	}

	require.NoError(t, store.View(func(tx analysis.Tx) error {
		e, _ := tx.Lookup(run)
		assert.Equal(t, uint64(40), e.LastByUser["alice"].Step)
		assert.Len(t, e.SamplesByStatName["loss"], 2)
		return nil
	}))
}

func TestWitnessDropsNonFiniteValues(t *testing.T) {
	r := NewCoordinator()
	store := analysis.NewStore("coordinator", analysis.KindRun)

	_, err := r.Route(store, witnessIx(2, "alice", 10, `"Infinity"`))
	require.NoError(t, err)
	_, err = r.Route(store, witnessIx(3, "alice", 11, `"NaN"`))
	require.NoError(t, err)

	require.NoError(t, store.View(func(tx analysis.Tx) error {
		e, _ := tx.Lookup(run)
		assert.NotContains(t, e.SamplesByStatName, "loss")
		assert.Len(t, e.SamplesByStatName["tokens_per_sec"], 2)
		return nil
	}))
}

func TestWitnessNotSampled(t *testing.T) {
	r := NewCoordinator()
	store := analysis.NewStore("coordinator", analysis.KindRun)

	ix := coordinatorIx("warmup_witness", 2,
		`{"proof": {"witness": false}, "metadata": {"step": 1, "loss": 3}}`,
		map[string]string{"user": "alice"})
	outcome, err := r.Route(store, ix)
	require.NoError(t, err)
	assert.Equal(t, Processed, outcome)

	require.NoError(t, store.View(func(tx analysis.Tx) error {
		e, ok := tx.Lookup(run)
		require.True(t, ok)
		assert.Empty(t, e.SamplesByStatName)
		assert.Empty(t, e.LastByUser)
		assert.Equal(t, ix.Ordinal, e.LatestKnownChangeOrdinal)
		return nil
	}))
}

func TestMissingRoleLeavesStoreUntouched(t *testing.T) {
	r := NewCoordinator()
	store := analysis.NewStore("coordinator", analysis.KindRun)

	ix := coordinatorIx("set_paused", 2, `{}`, nil)
	delete(ix.Addresses, "coordinator_instance")
	_, err := r.Route(store, ix)
	assert.True(t, errors.Is(err, ErrMissingRole))

	ix = analysis.Instruction{Name: "set_paused", Addresses: map[string]string{"coordinator_instance": run}}
	_, err = r.Route(store, ix)
	assert.True(t, errors.Is(err, ErrMissingRole))

	require.NoError(t, store.View(func(tx analysis.Tx) error {
		assert.Equal(t, 0, tx.Len())
		return nil
	}))
}

func TestFailedProcessorDoesNotRaiseOrdinal(t *testing.T) {
	r := NewCoordinator()
	store := analysis.NewStore("coordinator", analysis.KindRun)

	_, err := r.Route(store, coordinatorIx("set_paused", 2, `{}`, nil))
	require.NoError(t, err)

	_, err = r.Route(store, coordinatorIx("witness", 5, `{"proof": {"witness": true}, "metadata": {}}`, map[string]string{"user": "alice"}))
	assert.True(t, errors.Is(err, ErrMalformed))

	_, err = r.Route(store, coordinatorIx("init_coordinator", 6, `{"params": {}}`, nil))
	assert.True(t, errors.Is(err, ErrMalformed))

	require.NoError(t, store.View(func(tx analysis.Tx) error {
		e, _ := tx.Lookup(run)
		assert.Equal(t, checkpoint.NewOrdinal(2, 0, 0), e.LatestKnownChangeOrdinal)
		assert.Empty(t, e.Identifier)
		assert.Len(t, e.AdminHistory, 1)
		return nil
	}))

	// a failure on a new entity does not leave it behind
	_, err = r.Route(store, analysis.Instruction{
		Name:      "witness",
		Addresses: map[string]string{"coordinator_instance": "other", "user": "alice"},
		Payload:   json.RawMessage(`{"metadata": {"step": 1}}`),
	})
	assert.Error(t, err)
	require.NoError(t, store.View(func(tx analysis.Tx) error {
		assert.Equal(t, 1, tx.Len())
		return nil
	}))
}

func TestMalformedUpdateLeavesRunUntouched(t *testing.T) {
	r := NewCoordinator()
	store := analysis.NewStore("coordinator", analysis.KindRun)

	_, err := r.Route(store, coordinatorIx("set_paused", 1, `{}`, nil))
	require.NoError(t, err)

	_, err = r.Route(store, coordinatorIx("update", 2, `not json`, nil))
	require.True(t, errors.Is(err, ErrMalformed))

	require.NoError(t, store.View(func(tx analysis.Tx) error {
		e, _ := tx.Lookup(run)
		assert.Len(t, e.AdminHistory, 1)
		assert.Empty(t, e.FinishesOrdinals)
		assert.Equal(t, checkpoint.NewOrdinal(1, 0, 0), e.LatestKnownChangeOrdinal)
		return nil
	}))

	// the same instruction routed again once readable is recorded once
	_, err = r.Route(store, coordinatorIx("update", 2, `{"progress": {"step": 0}}`, nil))
	require.NoError(t, err)
	_, err = r.Route(store, coordinatorIx("update", 2, `{"progress": {"step": 0}}`, nil))
	require.NoError(t, err)

	require.NoError(t, store.View(func(tx analysis.Tx) error {
		e, _ := tx.Lookup(run)
		assert.Len(t, e.AdminHistory, 2)
		assert.Len(t, e.FinishesOrdinals, 1)
		assert.Equal(t, checkpoint.NewOrdinal(2, 0, 0), e.LatestKnownChangeOrdinal)
		return nil
	}))
}

func TestUnknownInstructionOnlyTracksChange(t *testing.T) {
	r := NewCoordinator()
	store := analysis.NewStore("coordinator", analysis.KindRun)

	ix := coordinatorIx("something_new", 7, `{}`, nil)
	outcome, err := r.Route(store, ix)
	require.NoError(t, err)
	assert.Equal(t, Ignored, outcome)

	outcome, err = r.Route(store, coordinatorIx("tick", 8, `{}`, nil))
	require.NoError(t, err)
	assert.Equal(t, Processed, outcome)

	require.NoError(t, store.View(func(tx analysis.Tx) error {
		e, ok := tx.Lookup(run)
		require.True(t, ok)
		assert.Equal(t, checkpoint.NewOrdinal(8, 0, 0), e.LatestKnownChangeOrdinal)
		assert.Empty(t, e.AdminHistory)
		return nil
	}))
}

func TestUpdateFinishesOnlyWithProgress(t *testing.T) {
	r := NewCoordinator()
	store := analysis.NewStore("coordinator", analysis.KindRun)

	_, err := r.Route(store, coordinatorIx("update", 3, `{"metadata": null, "config": {"x": 1}, "model": null, "progress": null}`, nil))
	require.NoError(t, err)
	_, err = r.Route(store, coordinatorIx("update", 4, `{"metadata": null, "config": null, "model": null, "progress": {"step": 0}}`, nil))
	require.NoError(t, err)

	require.NoError(t, store.View(func(tx analysis.Tx) error {
		e, _ := tx.Lookup(run)
		assert.Equal(t, []checkpoint.Ordinal{checkpoint.NewOrdinal(4, 0, 0)}, e.FinishesOrdinals)
		assert.Len(t, e.AdminHistory, 2)
		return nil
	}))
}

func TestJoinKeepsEarliest(t *testing.T) {
	r := NewCoordinator()
	store := analysis.NewStore("coordinator", analysis.KindRun)

	for _, slot := range []uint64{9, 4, 6} {
		_, err := r.Route(store, coordinatorIx("join_run", slot, `{}`, map[string]string{"user": "alice", "payer": "relayer"}))
		require.NoError(t, err)
	}

	require.NoError(t, store.View(func(tx analysis.Tx) error {
		e, _ := tx.Lookup(run)
		require.Contains(t, e.JoinsByUser, "alice")
		assert.Equal(t, checkpoint.NewOrdinal(4, 0, 0), e.JoinsByUser["alice"].Ordinal)
		assert.NotContains(t, e.JoinsByUser, "relayer")
		return nil
	}))
}

func poolIx(name string, slot uint64, payload string) analysis.Instruction {
	return analysis.Instruction{
		Name:      name,
		Signature: name + "-sig",
		Addresses: map[string]string{"pool": "pool-address", "payer": "payer", "user": "lender"},
		Payload:   json.RawMessage(payload),
		Ordinal:   checkpoint.NewOrdinal(slot, 0, 0),
	}
}

func TestMiningPool(t *testing.T) {
	r := NewMiningPool()
	store := analysis.NewStore("pool-program", analysis.KindPool)

	huge := "340282366920938463463374607431768211455"
	for _, ix := range []analysis.Instruction{
		poolIx("pool_create", 1, `{"params": {"index": 12}}`),
		poolIx("lender_create", 2, `{}`),
		poolIx("lender_deposit", 3, `{"params": {"collateral_amount": `+huge+`}}`),
		poolIx("lender_deposit", 4, `{"params": {"collateral_amount": 5}}`),
		poolIx("lender_claim", 5, `{"params": {"redeemable_amount": "7"}}`),
	} {
		_, err := r.Route(store, ix)
		require.NoError(t, err)
	}

	_, err := r.Route(store, poolIx("lender_deposit", 6, `{"params": {"collateral_amount": 1.5}}`))
	assert.True(t, errors.Is(err, ErrMalformed))

	_, err = r.Route(store, poolIx("lender_deposit", 6, `{"params": {"collateral_amount": -1}}`))
	assert.True(t, errors.Is(err, analysis.ErrNegativeAmount))

	require.NoError(t, store.View(func(tx analysis.Tx) error {
		e, ok := tx.FindByIdentifier("12")
		require.True(t, ok)

		expected, _ := new(big.Int).SetString(huge, 10)
		expected.Add(expected, big.NewInt(5))
		assert.Equal(t, 0, expected.Cmp(e.TotalDepositAmount))
		assert.Equal(t, 0, expected.Cmp(e.DepositAmountPerUser["lender"]))
		assert.Equal(t, int64(7), e.TotalClaimAmount.Int64())
		assert.Contains(t, e.JoinsByUser, "lender")
		assert.Equal(t, checkpoint.NewOrdinal(5, 0, 0), e.LatestKnownChangeOrdinal)
		return nil
	}))
}

func TestValidate(t *testing.T) {
	r := NewMiningPool()
	assert.NoError(t, r.Validate([]string{
		"pool_create", "pool_update", "pool_extract", "pool_claimable",
		"lender_create", "lender_deposit", "lender_claim", "unrelated",
	}))

	err := r.Validate([]string{"pool_create"})
	assert.True(t, errors.Is(err, ErrUnregisteredIx))
	assert.Contains(t, err.Error(), "lender_claim")

	_, err = New("other")
	assert.Error(t, err)

	coordinator, err := New(analysis.KindRun)
	require.NoError(t, err)
	assert.Equal(t, analysis.KindRun, coordinator.Kind())
}
