package database

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/psyche-network/training-indexer/pkg/payload"
)

// Each migration upgrades a generic document tree by one version.
var migrations = []func(doc map[string]any) error{
	0: migrateV0,
	1: migrateV1,
	2: migrateV2,
}

func migrate(version int, doc []byte) ([]byte, error) {
	tree, err := payload.Decode(doc)
	if err != nil {
		return nil, errors.Wrap(ErrCorruptDocument, err.Error())
	}

	for v := version; v < CurrentVersion; v++ {
		if err := migrations[v](tree); err != nil {
			return nil, errors.Wrapf(err, "migrating version %d", v)
		}
	}

	out, err := json.Marshal(tree)
	if err != nil {
		return nil, errors.Wrap(ErrCorruptDocument, err.Error())
	}

	return out, nil
}

var ordinalKeys = map[string]bool{
	"ordinal":                  true,
	"latestKnownChangeOrdinal": true,
	"latestUpdateFetchOrdinal": true,
	"orderingHigh":             true,
	"orderingLow":              true,
}

// migrateV0 upgrades untagged documents: ordinals were plain JSON numbers and
// entities were kept in separate runs and pools maps.
func migrateV0(doc map[string]any) error {
	stringifyOrdinals(doc)

	dataStore, _ := doc["dataStore"].(map[string]any)
	if dataStore == nil {
		return errors.Wrap(ErrCorruptDocument, "no dataStore")
	}

	entities := map[string]any{}
	for _, group := range []struct{ field, kind string }{{"runs", "run"}, {"pools", "pool"}} {
		members, _ := dataStore[group.field].(map[string]any)
		if len(members) > 0 && doc["kind"] == nil {
			doc["kind"] = group.kind
		}

		for address, v := range members {
			e, ok := v.(map[string]any)
			if !ok {
				return errors.Wrapf(ErrCorruptDocument, "entity %s is not an object", address)
			}
			e["address"] = address
			e["kind"] = group.kind
			entities[address] = e
		}
	}

	if doc["kind"] == nil {
		doc["kind"] = "run"
	}
	doc["dataStore"] = map[string]any{"entities": entities}

	return nil
}

func stringifyOrdinals(v any) {
	switch x := v.(type) {
	case map[string]any:
		for key, inner := range x {
			if n, ok := inner.(json.Number); ok && ordinalKeys[key] {
				x[key] = n.String()
				continue
			}
			if list, ok := inner.([]any); ok && key == "finishesOrdinals" {
				for i, item := range list {
					if n, ok := item.(json.Number); ok {
						list[i] = n.String()
					}
				}
				continue
			}
			stringifyOrdinals(inner)
		}

	case []any:
		for _, inner := range x {
			stringifyOrdinals(inner)
		}
	}
}

// migrateV1 turns point samples into sum and count samples and adds the
// joins map.
func migrateV1(doc map[string]any) error {
	return eachEntity(doc, func(e map[string]any) error {
		stats, _ := e["samplesByStatName"].(map[string]any)
		for name, v := range stats {
			samples, ok := v.([]any)
			if !ok {
				return errors.Wrapf(ErrCorruptDocument, "samples of %s are not a list", name)
			}

			for _, item := range samples {
				s, ok := item.(map[string]any)
				if !ok {
					return errors.Wrapf(ErrCorruptDocument, "sample of %s is not an object", name)
				}
				if value, ok := s["value"]; ok {
					s["sumValue"] = value
					s["numValue"] = json.Number("1")
					delete(s, "value")
				}
				if _, ok := s["time"]; !ok {
					s["time"] = "0001-01-01T00:00:00Z"
				}
			}
		}

		if _, ok := e["joinsByUser"]; !ok {
			e["joinsByUser"] = map[string]any{}
		}

		return nil
	})
}

// migrateV2 marks chunks as still rewindable and writes pool amounts, once
// kept as decimal strings, as exact JSON numbers.
func migrateV2(doc map[string]any) error {
	if cp, ok := doc["checkpoint"].(map[string]any); ok {
		chunks, _ := cp["chunks"].([]any)
		for _, item := range chunks {
			if chunk, ok := item.(map[string]any); ok {
				if _, ok := chunk["rewindExhausted"]; !ok {
					chunk["rewindExhausted"] = false
				}
			}
		}
	}

	return eachEntity(doc, func(e map[string]any) error {
		for _, key := range []string{"totalDepositAmount", "totalClaimAmount"} {
			if v, ok := e[key]; ok && v != nil {
				n, err := exactNumber(v)
				if err != nil {
					return errors.Wrap(err, key)
				}
				e[key] = n
			}
		}

		for _, key := range []string{"depositAmountPerUser", "claimAmountPerUser"} {
			perUser, _ := e[key].(map[string]any)
			for user, v := range perUser {
				n, err := exactNumber(v)
				if err != nil {
					return errors.Wrapf(err, "%s of %s", key, user)
				}
				perUser[user] = n
			}
		}

		return nil
	})
}

func exactNumber(v any) (json.Number, error) {
	n, err := payload.Amount(v)
	if err != nil {
		return "", errors.Wrap(ErrCorruptDocument, err.Error())
	}

	return json.Number(n.String()), nil
}

func eachEntity(doc map[string]any, fn func(e map[string]any) error) error {
	dataStore, _ := doc["dataStore"].(map[string]any)
	entities, _ := dataStore["entities"].(map[string]any)

	for address, v := range entities {
		e, ok := v.(map[string]any)
		if !ok {
			return errors.Wrapf(ErrCorruptDocument, "entity %s is not an object", address)
		}
		if err := fn(e); err != nil {
			return errors.Wrapf(err, "entity %s", address)
		}
	}

	return nil
}
