package router

import (
	"encoding/json"
	"math/big"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/psyche-network/training-indexer/pkg/analysis"
	"github.com/psyche-network/training-indexer/pkg/payload"
)

func Admin(c Context) (Change, error) {
	return func(e *analysis.Entity) error {
		e.AddAdminHistory(c.Instruction)
		return nil
	}, nil
}

func Important(c Context) (Change, error) {
	return func(e *analysis.Entity) error {
		e.AddImportantHistory(c.Instruction)
		return nil
	}, nil
}

// Finish marks the end of a run cycle at the instruction's ordinal.
func Finish(c Context) (Change, error) {
	return func(e *analysis.Entity) error {
		e.AddFinish(c.Ordinal)
		return nil
	}, nil
}

func noChange(*analysis.Entity) error {
	return nil
}

// FinishIf marks the end of a run cycle only when the payload carries a
// value at path. Overwriting a run's progress resets its steps, which starts
// a new lifetime of the run.
func FinishIf(path string) Processor {
	return func(c Context) (Change, error) {
		fields, err := payload.Decode(c.Payload)
		if err != nil {
			return nil, err
		}

		if _, ok := payload.Lookup(fields, path); !ok {
			return noChange, nil
		}

		return Finish(c)
	}
}

// Identity records the human readable identifier found at path, a run id or
// a pool index.
func Identity(path string) Processor {
	return func(c Context) (Change, error) {
		fields, err := payload.Decode(c.Payload)
		if err != nil {
			return nil, err
		}

		v, ok := payload.Lookup(fields, path)
		if !ok {
			return nil, errors.Wrapf(ErrMalformed, "no %s", path)
		}

		var id string
		if n, isNumber := v.(json.Number); isNumber {
			id = n.String()
		} else if id, ok = payload.Text(v); !ok || id == "" {
			return nil, errors.Wrapf(ErrMalformed, "%s is not an identifier", path)
		}

		return func(e *analysis.Entity) error {
			e.Identifier = id
			return nil
		}, nil
	}
}

// Join keeps the earliest join instruction of each participant.
func Join(c Context) (Change, error) {
	return func(e *analysis.Entity) error {
		e.RecordJoin(c.Participant(), c.Instruction)
		return nil
	}, nil
}

func Deposit(path string) Processor {
	return func(c Context) (Change, error) {
		n, err := amountAt(c, path)
		if err != nil {
			return nil, err
		}
		return func(e *analysis.Entity) error {
			return e.AddDeposit(c.Participant(), n)
		}, nil
	}
}

func Claim(path string) Processor {
	return func(c Context) (Change, error) {
		n, err := amountAt(c, path)
		if err != nil {
			return nil, err
		}
		return func(e *analysis.Entity) error {
			return e.AddClaim(c.Participant(), n)
		}, nil
	}
}

func amountAt(c Context, path string) (n *big.Int, err error) {
	fields, err := payload.Decode(c.Payload)
	if err != nil {
		return nil, err
	}

	v, ok := payload.Lookup(fields, path)
	if !ok {
		return nil, errors.Wrapf(ErrMalformed, "no %s", path)
	}

	n, err = payload.Amount(v)
	if err != nil {
		return nil, err
	}
	if n.Sign() < 0 {
		return nil, errors.Wrapf(analysis.ErrNegativeAmount, "%s is %s", path, n)
	}

	return n, nil
}

// Witness records the metrics reported by a sampled witness.
func Witness(c Context) (Change, error) {
	fields, err := payload.Decode(c.Payload)
	if err != nil {
		return nil, err
	}

	proof, _ := fields["proof"].(map[string]any)
	if proof == nil {
		return nil, errors.Wrap(ErrMalformed, "no proof")
	}
	if !isWitness(proof) {
		return noChange, nil
	}

	metadata, _ := fields["metadata"].(map[string]any)
	if metadata == nil {
		return nil, errors.Wrap(ErrMalformed, "no metadata")
	}

	step, ok := payload.Unsigned(metadata["step"])
	if !ok {
		return nil, errors.Wrap(ErrMalformed, "metadata has no step")
	}

	stats := witnessStats(metadata)
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(e *analysis.Entity) error {
		e.RecordUser(c.Participant(), c.Ordinal, step)

		for _, name := range names {
			e.AppendSample(name, analysis.Sample{
				Ordinal:  c.Ordinal,
				Step:     step,
				SumValue: stats[name],
				NumValue: 1,
				Time:     c.BlockTime,
			})
		}

		return nil
	}, nil
}

func isWitness(proof map[string]any) bool {
	for _, key := range []string{"witness", "is_witness", "isWitness"} {
		if v, ok := proof[key]; ok {
			return payload.Truthy(v)
		}
	}
	return false
}

// witnessStats expands witness metadata into one value per scalar field and
// one per named eval. Non-finite values are dropped.
func witnessStats(metadata map[string]any) map[string]float64 {
	stats := make(map[string]float64, len(metadata))

	for key, v := range metadata {
		if key == "step" || key == "evals" || v == nil {
			continue
		}
		if f, ok := payload.Metric(v); ok && payload.IsFinite(f) {
			stats[statName(key)] = f
		}
	}

	for _, item := range payload.List(metadata["evals"]) {
		eval, ok := item.(map[string]any)
		if !ok {
			continue
		}

		name, ok := payload.Text(eval["name"])
		if !ok || name == "" {
			continue
		}
		if f, ok := payload.Metric(eval["value"]); ok && payload.IsFinite(f) {
			stats["evals/"+name] = f
		}
	}

	return stats
}

// statName normalises the misspelt on-chain efficiency field.
func statName(key string) string {
	if key == "efficency" {
		return "efficiency"
	}
	return strings.TrimSpace(key)
}
