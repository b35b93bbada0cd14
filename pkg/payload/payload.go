// Package payload reads the generic JSON trees produced when decoding
// instructions and accounts.
package payload

import (
	"bytes"
	"encoding/json"
	"math"
	"math/big"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var ErrMalformed = errors.New("malformed payload")

// Decode reads a JSON object keeping numbers exact.
func Decode(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}
	if payload == nil {
		payload = map[string]any{}
	}

	return payload, nil
}

// Lookup walks a dotted path such as "params.run_id".
func Lookup(payload map[string]any, path string) (any, bool) {
	var current any = payload
	for _, key := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		if current, ok = obj[key]; !ok {
			return nil, false
		}
	}

	return current, current != nil
}

// Metric reads a measured value. Non-finite values are spelled as strings
// by the decoder; they come back with ok set and a non-finite float.
func Metric(v any) (float64, bool) {
	switch x := v.(type) {
	case json.Number:
		f, err := strconv.ParseFloat(string(x), 64)
		return f, err == nil
	case float64:
		return x, true
	case string:
		switch x {
		case "NaN":
			return math.NaN(), true
		case "Infinity", "inf", "+Infinity":
			return math.Inf(1), true
		case "-Infinity", "-inf":
			return math.Inf(-1), true
		}
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	}

	return 0, false
}

func IsFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Amount reads a non-negative integer amount at full precision.
func Amount(v any) (*big.Int, error) {
	var s string
	switch x := v.(type) {
	case json.Number:
		s = string(x)
	case string:
		s = x
	default:
		return nil, errors.Wrapf(ErrMalformed, "amount %v is not an integer", v)
	}

	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, errors.Wrapf(ErrMalformed, "amount %q is not an integer", s)
	}

	return n, nil
}

func Unsigned(v any) (uint64, bool) {
	switch x := v.(type) {
	case json.Number:
		n, err := strconv.ParseUint(string(x), 10, 64)
		return n, err == nil
	case string:
		n, err := strconv.ParseUint(x, 10, 64)
		return n, err == nil
	case float64:
		if x < 0 || x != math.Trunc(x) {
			return 0, false
		}
		return uint64(x), true
	}

	return 0, false
}

// Truthy understands the forms a flag takes in decoded payloads: a bool, a
// number, or a single-field wrapper struct around either.
func Truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case json.Number:
		f, err := x.Float64()
		return err == nil && f != 0
	case float64:
		return x != 0
	case map[string]any:
		if len(x) == 1 {
			for _, inner := range x {
				return Truthy(inner)
			}
		}
	}

	return false
}

// Text reads a name that may be stored as a string or as a fixed size byte
// array padded with zeros, possibly inside a wrapper struct.
func Text(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return strings.TrimRight(x, "\x00"), true

	case []any:
		b := make([]byte, 0, len(x))
		for _, item := range x {
			n, ok := Unsigned(item)
			if !ok || n > 255 {
				return "", false
			}
			if n == 0 {
				break
			}
			b = append(b, byte(n))
		}
		return string(b), true

	case map[string]any:
		if len(x) == 1 {
			for _, inner := range x {
				return Text(inner)
			}
		}
	}

	return "", false
}

// List reads a sequence that may be a plain array or a fixed capacity
// vector encoded as {data, len}.
func List(v any) []any {
	switch x := v.(type) {
	case []any:
		return x

	case map[string]any:
		data, ok := x["data"].([]any)
		if !ok {
			return nil
		}
		if n, ok := Unsigned(x["len"]); ok && n < uint64(len(data)) {
			return data[:n]
		}
		return data
	}

	return nil
}
