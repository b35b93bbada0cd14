package reconcile

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/psyche-network/training-indexer/pkg/analysis"
	"github.com/psyche-network/training-indexer/pkg/chain"
	"github.com/psyche-network/training-indexer/pkg/payload"
)

// Account is a fetched and decoded program account.
type Account struct {
	Address string
	Type    string
	Raw     json.RawMessage
	Fields  map[string]any
}

// Loader fetches and decodes one account.
type Loader func(ctx context.Context, address string) (*Account, error)

// Projector builds the snapshot of the entity kept at address.
type Projector func(ctx context.Context, load Loader, address string) (*analysis.Snapshot, error)

func ProjectorFor(kind analysis.Kind) (Projector, error) {
	switch kind {
	case analysis.KindRun:
		return ProjectRun, nil
	case analysis.KindPool:
		return ProjectPool, nil
	}

	return nil, errors.Errorf("no projector for program kind %q", kind)
}

// field picks the first path present in fields. Text fields are fixed
// size byte strings on chain.
type field struct {
	name  string
	paths []string
	text  bool
}

var instanceFields = []field{
	{"runId", []string{"run_id"}, true},
	{"mainAuthority", []string{"main_authority"}, false},
	{"joinAuthority", []string{"join_authority"}, false},
}

var coordinatorFields = []field{
	{"name", []string{"state.metadata.name"}, true},
	{"description", []string{"state.metadata.description"}, true},
	{"numParameters", []string{"state.metadata.num_parameters"}, false},
	{"runState", []string{"state.coordinator.run_state"}, false},
	{"epoch", []string{"state.coordinator.progress.epoch"}, false},
	{"step", []string{"state.coordinator.progress.step"}, false},
	{"clientVersion", []string{"state.client_version"}, true},
}

var poolFields = []field{
	{"index", []string{"index"}, false},
	{"mainAuthority", []string{"main_authority"}, false},
	{"collateralMint", []string{"collateral_mint"}, false},
	{"maxDepositCollateralAmount", []string{"max_deposit_collateral_amount"}, false},
	{"totalDepositedCollateralAmount", []string{"total_deposited_collateral_amount"}, false},
	{"totalExtractedCollateralAmount", []string{"total_extracted_collateral_amount"}, false},
	{"totalClaimedRedeemableAmount", []string{"total_claimed_redeemable_amount"}, false},
	{"claimingEnabled", []string{"claiming_enabled"}, false},
	{"freeze", []string{"freeze"}, false},
}

func pick(parsed map[string]any, fields map[string]any, wanted []field) {
	for _, f := range wanted {
		for _, path := range f.paths {
			v, ok := payload.Lookup(fields, path)
			if !ok {
				continue
			}
			if f.text {
				if s, isText := payload.Text(v); isText {
					v = s
				}
			}
			parsed[f.name] = v
			break
		}
	}
}

// ProjectRun reads the coordinator instance and the coordinator account it
// points to.
func ProjectRun(ctx context.Context, load Loader, address string) (*analysis.Snapshot, error) {
	instance, err := load(ctx, address)
	if err != nil {
		return nil, err
	}

	parsed := map[string]any{}
	native := map[string]json.RawMessage{"coordinatorInstance": instance.Raw}
	pick(parsed, instance.Fields, instanceFields)

	v, ok := payload.Lookup(instance.Fields, "coordinator_account")
	accountAddress, isText := v.(string)
	if !ok || !isText || accountAddress == "" {
		return nil, errors.Errorf("coordinator instance %s has no coordinator account", address)
	}

	account, err := load(ctx, accountAddress)
	if err != nil {
		return nil, errors.Wrapf(err, "coordinator account %s", accountAddress)
	}
	native["coordinatorAccount"] = account.Raw
	parsed["coordinatorAccount"] = accountAddress
	pick(parsed, account.Fields, coordinatorFields)

	if state, ok := parsed["runState"].(string); ok {
		parsed["paused"] = state == "Paused"
	}
	if clients, ok := payload.Lookup(account.Fields, "state.clients_state.clients"); ok {
		parsed["numClients"] = len(payload.List(clients))
	}
	if clients, ok := payload.Lookup(account.Fields, "state.coordinator.epoch_state.clients"); ok {
		parsed["numEpochClients"] = len(payload.List(clients))
	}

	return snapshot(parsed, native)
}

func ProjectPool(ctx context.Context, load Loader, address string) (*analysis.Snapshot, error) {
	pool, err := load(ctx, address)
	if err != nil {
		return nil, err
	}

	parsed := map[string]any{}
	pick(parsed, pool.Fields, poolFields)

	return snapshot(parsed, map[string]json.RawMessage{"pool": pool.Raw})
}

// closedSnapshot records that the entity's account no longer exists.
func closedSnapshot() (*analysis.Snapshot, error) {
	return snapshot(map[string]any{"closed": true}, map[string]json.RawMessage{})
}

func snapshot(parsed map[string]any, native map[string]json.RawMessage) (*analysis.Snapshot, error) {
	raw, err := json.Marshal(parsed)
	if err != nil {
		return nil, errors.Wrap(err, "cannot encode projection")
	}

	return &analysis.Snapshot{Parsed: raw, Native: native}, nil
}

// isClosed reports whether err says an account of the entity is gone.
func isClosed(err error) bool {
	return errors.Is(err, chain.ErrAccountNotFound)
}
