package idl

import (
	"encoding/json"
	"math"
	"strconv"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/pkg/errors"
)

// decoder walks Borsh data, or C layout data for zero-copy accounts, driven
// by IDL types.
type decoder struct {
	idl      *IDL
	dec      *bin.Decoder
	zeroCopy bool
}

func newDecoder(idl *IDL, data []byte, zeroCopy bool) *decoder {
	return &decoder{idl: idl, dec: bin.NewBorshDecoder(data), zeroCopy: zeroCopy}
}

func (d *decoder) align(n int) error {
	if !d.zeroCopy || n <= 1 {
		return nil
	}

	if pad := int(d.dec.Position()) % n; pad != 0 {
		return d.dec.SkipBytes(uint(n - pad))
	}

	return nil
}

func (d *decoder) decode(t Type) (any, error) {
	switch {
	case t.Vec != nil:
		if d.zeroCopy {
			return nil, errors.New("vec in zero-copy layout")
		}

		n, err := d.dec.ReadLength()
		if err != nil {
			return nil, err
		}
		return d.decodeSeq(*t.Vec, n)

	case t.Option != nil, t.COption != nil:
		var (
			some bool
			err  error
			elem *Type
		)
		if t.Option != nil {
			some, err = d.dec.ReadOption()
			elem = t.Option
		} else {
			some, err = d.dec.ReadCOption()
			elem = t.COption
		}
		if err != nil || !some {
			return nil, err
		}
		return d.decode(*elem)

	case t.Array != nil:
		if err := d.align(d.alignOf(*t.Array)); err != nil {
			return nil, err
		}
		return d.decodeSeq(*t.Array, t.Len)

	case t.Defined != "":
		def, ok := d.idl.types[t.Defined]
		if !ok {
			return nil, errors.Errorf("undefined type %s", t.Defined)
		}
		return d.decodeDefined(def)
	}

	return d.decodePrimitive(t.Primitive)
}

func (d *decoder) decodeSeq(elem Type, n int) ([]any, error) {
	if n < 0 || n > d.dec.Remaining() {
		return nil, errors.Errorf("sequence length %d exceeds remaining %d bytes", n, d.dec.Remaining())
	}

	out := make([]any, n)
	for i := range out {
		v, err := d.decode(elem)
		if err != nil {
			return nil, errors.Wrapf(err, "element %d", i)
		}
		out[i] = v
	}

	return out, nil
}

func (d *decoder) decodeDefined(def *TypeDef) (any, error) {
	switch def.Type.Kind {
	case "struct":
		fields, err := namedFields(def.Type.Fields)
		if err != nil {
			return nil, errors.Wrapf(err, "type %s", def.Name)
		}

		structAlign := d.alignOfDef(def)
		if err := d.align(structAlign); err != nil {
			return nil, err
		}

		if d.zeroCopy && def.Repr != nil && def.Repr.Packed {
			d.zeroCopy = false
			defer func() { d.zeroCopy = true }()
		}

		out := make(map[string]any, len(fields))
		for _, f := range fields {
			v, err := d.decode(f.Type)
			if err != nil {
				return nil, errors.Wrapf(err, "%s.%s", def.Name, f.Name)
			}
			out[SnakeCase(f.Name)] = v
		}

		// trailing padding
		if err := d.align(structAlign); err != nil {
			return nil, err
		}

		return out, nil

	case "enum":
		tag, err := d.dec.ReadUint8()
		if err != nil {
			return nil, err
		}
		if int(tag) >= len(def.Type.Variants) {
			return nil, errors.Errorf("type %s has no variant %d", def.Name, tag)
		}

		variant := def.Type.Variants[tag]
		fields, err := namedFields(variant.Fields)
		if err != nil {
			return nil, errors.Wrapf(err, "variant %s::%s", def.Name, variant.Name)
		}
		if len(fields) == 0 {
			return variant.Name, nil
		}

		values := make(map[string]any, len(fields))
		for _, f := range fields {
			v, err := d.decode(f.Type)
			if err != nil {
				return nil, errors.Wrapf(err, "%s::%s.%s", def.Name, variant.Name, f.Name)
			}
			values[SnakeCase(f.Name)] = v
		}

		return map[string]any{variant.Name: values}, nil

	case "type":
		if def.Type.Alias == nil {
			return nil, errors.Errorf("type alias %s has no target", def.Name)
		}
		return d.decode(*def.Type.Alias)
	}

	return nil, errors.Errorf("type %s has unsupported kind %q", def.Name, def.Type.Kind)
}

func (d *decoder) decodePrimitive(name string) (any, error) {
	if err := d.align(primitiveSize(name)); err != nil {
		return nil, err
	}

	switch name {
	case "bool":
		return d.dec.ReadBool()
	case "u8":
		return d.dec.ReadUint8()
	case "i8":
		return d.dec.ReadInt8()
	case "u16":
		return d.dec.ReadUint16(bin.LE)
	case "i16":
		return d.dec.ReadInt16(bin.LE)
	case "u32":
		return d.dec.ReadUint32(bin.LE)
	case "i32":
		return d.dec.ReadInt32(bin.LE)
	case "u64":
		return d.dec.ReadUint64(bin.LE)
	case "i64":
		return d.dec.ReadInt64(bin.LE)

	case "u128":
		v, err := d.dec.ReadUint128(bin.LE)
		if err != nil {
			return nil, err
		}
		return v.BigInt(), nil

	case "i128":
		v, err := d.dec.ReadInt128(bin.LE)
		if err != nil {
			return nil, err
		}
		return v.BigInt(), nil

	// Floats are read from their bits, the Borsh reader refuses NaN.
	case "f32":
		bits, err := d.dec.ReadUint32(bin.LE)
		if err != nil {
			return nil, err
		}
		return floatValue(float64(math.Float32frombits(bits)), 32), nil

	case "f64":
		bits, err := d.dec.ReadUint64(bin.LE)
		if err != nil {
			return nil, err
		}
		return floatValue(math.Float64frombits(bits), 64), nil

	case "string":
		return d.dec.ReadString()

	case "bytes":
		return d.dec.ReadByteSlice()

	case "pubkey", "publicKey":
		b, err := d.dec.ReadNBytes(solana.PublicKeyLength)
		if err != nil {
			return nil, err
		}
		return solana.PublicKeyFromBytes(b).String(), nil
	}

	return nil, errors.Errorf("unsupported primitive %q", name)
}

// floatValue keeps the shortest decimal form of finite floats and spells
// non-finite ones as strings, which JSON cannot carry as numbers.
func floatValue(f float64, bitSize int) any {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}

	return json.Number(strconv.FormatFloat(f, 'g', -1, bitSize))
}

func primitiveSize(name string) int {
	switch name {
	case "u16", "i16":
		return 2
	case "u32", "i32", "f32":
		return 4
	// 128-bit integers are 8-byte aligned on the SBF target
	case "u64", "i64", "f64", "u128", "i128":
		return 8
	}
	return 1
}

func (d *decoder) alignOf(t Type) int {
	switch {
	case t.Array != nil:
		return d.alignOf(*t.Array)
	case t.Defined != "":
		if def, ok := d.idl.types[t.Defined]; ok {
			return d.alignOfDef(def)
		}
		return 1
	case t.Vec != nil, t.Option != nil, t.COption != nil:
		return 1
	}
	return primitiveSize(t.Primitive)
}

func (d *decoder) alignOfDef(def *TypeDef) int {
	if !d.zeroCopy || (def.Repr != nil && def.Repr.Packed) {
		return 1
	}

	switch def.Type.Kind {
	case "struct":
		fields, err := namedFields(def.Type.Fields)
		if err != nil {
			return 1
		}

		align := 1
		for _, f := range fields {
			align = max(align, d.alignOf(f.Type))
		}
		return align

	case "type":
		if def.Type.Alias != nil {
			return d.alignOf(*def.Type.Alias)
		}
	}

	return 1
}
