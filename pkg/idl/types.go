package idl

import (
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
)

// Type is a type reference inside an IDL: a primitive name or one of the
// vec, option, array and defined wrappers.
type Type struct {
	Primitive string
	Vec       *Type
	Option    *Type
	COption   *Type
	Array     *Type
	Len       int
	Defined   string
}

func (t *Type) UnmarshalJSON(data []byte) error {
	var primitive string
	if err := json.Unmarshal(data, &primitive); err == nil {
		t.Primitive = primitive
		return nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return errors.Wrapf(err, "type %s", string(data))
	}

	switch {
	case obj["vec"] != nil:
		t.Vec = new(Type)
		return json.Unmarshal(obj["vec"], t.Vec)

	case obj["option"] != nil:
		t.Option = new(Type)
		return json.Unmarshal(obj["option"], t.Option)

	case obj["coption"] != nil:
		t.COption = new(Type)
		return json.Unmarshal(obj["coption"], t.COption)

	case obj["array"] != nil:
		var parts []json.RawMessage
		if err := json.Unmarshal(obj["array"], &parts); err != nil || len(parts) != 2 {
			return errors.Errorf("array type %s", string(obj["array"]))
		}

		t.Array = new(Type)
		if err := json.Unmarshal(parts[0], t.Array); err != nil {
			return err
		}
		if err := json.Unmarshal(parts[1], &t.Len); err != nil {
			return errors.Errorf("array length %s is not a constant", string(parts[1]))
		}
		return nil

	case obj["defined"] != nil:
		var name string
		if err := json.Unmarshal(obj["defined"], &name); err == nil {
			t.Defined = name
			return nil
		}

		var ref struct {
			Name     string            `json:"name"`
			Generics []json.RawMessage `json:"generics"`
		}
		if err := json.Unmarshal(obj["defined"], &ref); err != nil {
			return errors.Wrap(err, "defined type")
		}
		if len(ref.Generics) > 0 {
			return errors.Errorf("generic type %s is not supported", ref.Name)
		}
		t.Defined = ref.Name
		return nil
	}

	return errors.Errorf("unsupported type %s", string(data))
}

func (t Type) String() string {
	switch {
	case t.Vec != nil:
		return "vec<" + t.Vec.String() + ">"
	case t.Option != nil:
		return "option<" + t.Option.String() + ">"
	case t.COption != nil:
		return "coption<" + t.COption.String() + ">"
	case t.Array != nil:
		return "array<" + t.Array.String() + ">"
	case t.Defined != "":
		return t.Defined
	}
	return t.Primitive
}

// namedFields reads struct or variant fields. Named fields come back with
// their names, tuple fields are named by position.
func namedFields(raw json.RawMessage) ([]Field, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var named []Field
	if err := json.Unmarshal(raw, &named); err == nil && (len(named) == 0 || named[0].Name != "") {
		return named, nil
	}

	var tuple []Type
	if err := json.Unmarshal(raw, &tuple); err != nil {
		return nil, errors.Wrap(err, "fields")
	}

	fields := make([]Field, len(tuple))
	for i, t := range tuple {
		fields[i] = Field{Name: strconv.Itoa(i), Type: t}
	}

	return fields, nil
}
