// Package idl decodes instructions and accounts of Anchor programs from the
// program's IDL document.
package idl

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"os"
	"sort"
	"strings"
	"unicode"

	"github.com/pkg/errors"
)

var (
	ErrUnknownInstruction = errors.New("unknown instruction discriminator")
	ErrUnknownAccount     = errors.New("unknown account discriminator")
)

const discriminatorSize = 8

type Discriminator [discriminatorSize]byte

// UnmarshalJSON reads the discriminator as an array of numbers, the way the
// IDL writes it.
func (d *Discriminator) UnmarshalJSON(data []byte) error {
	var values []int
	if err := json.Unmarshal(data, &values); err != nil {
		return errors.Wrap(err, "discriminator")
	}
	if len(values) != discriminatorSize {
		return errors.Errorf("discriminator has %d bytes", len(values))
	}

	for i, v := range values {
		if v < 0 || v > 255 {
			return errors.Errorf("discriminator byte %d out of range", v)
		}
		d[i] = byte(v)
	}

	return nil
}

func (d Discriminator) IsZero() bool {
	return d == Discriminator{}
}

// SighashInstruction is the Anchor discriminator of an instruction.
func SighashInstruction(name string) Discriminator {
	return sighash("global:" + SnakeCase(name))
}

// SighashAccount is the Anchor discriminator of an account type.
func SighashAccount(name string) Discriminator {
	return sighash("account:" + name)
}

func sighash(preimage string) Discriminator {
	var d Discriminator
	sum := sha256.Sum256([]byte(preimage))
	copy(d[:], sum[:discriminatorSize])
	return d
}

type Field struct {
	Name string `json:"name"`
	Type Type   `json:"type"`
}

type AccountItem struct {
	Name     string        `json:"name"`
	Writable bool          `json:"writable"`
	Signer   bool          `json:"signer"`
	Accounts []AccountItem `json:"accounts"`

	// legacy spelling
	IsMut    bool `json:"isMut"`
	IsSigner bool `json:"isSigner"`
}

type InstructionDef struct {
	Name          string        `json:"name"`
	Discriminator Discriminator `json:"discriminator"`
	Accounts      []AccountItem `json:"accounts"`
	Args          []Field       `json:"args"`

	roles []string
}

// Roles are the account names of the instruction in the order the program
// expects the account metas.
func (ix *InstructionDef) Roles() []string {
	return ix.roles
}

type AccountDef struct {
	Name          string        `json:"name"`
	Discriminator Discriminator `json:"discriminator"`

	// legacy IDLs describe the layout inline
	Type *TypeBody `json:"type"`
}

type Repr struct {
	Kind   string `json:"kind"`
	Packed bool   `json:"packed"`
}

type Variant struct {
	Name   string          `json:"name"`
	Fields json.RawMessage `json:"fields"`
}

type TypeBody struct {
	Kind     string          `json:"kind"`
	Fields   json.RawMessage `json:"fields"`
	Variants []Variant       `json:"variants"`
	Alias    *Type           `json:"alias"`
}

type TypeDef struct {
	Name          string   `json:"name"`
	Serialization string   `json:"serialization"`
	Repr          *Repr    `json:"repr"`
	Type          TypeBody `json:"type"`
}

// ZeroCopy reports whether values of this type are laid out in C layout
// rather than Borsh.
func (t *TypeDef) ZeroCopy() bool {
	return strings.HasPrefix(t.Serialization, "bytemuck")
}

type Metadata struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// IDL is a parsed program interface document.
type IDL struct {
	Address      string           `json:"address"`
	Name         string           `json:"name"`
	Metadata     Metadata         `json:"metadata"`
	Instructions []InstructionDef `json:"instructions"`
	Accounts     []AccountDef     `json:"accounts"`
	Types        []TypeDef        `json:"types"`

	instructions map[Discriminator]*InstructionDef
	accounts     map[Discriminator]*AccountDef
	types        map[string]*TypeDef
}

func Load(path string) (*IDL, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading IDL file %s", path)
	}

	idl, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing IDL file %s", path)
	}

	return idl, nil
}

func Parse(data []byte) (*IDL, error) {
	idl := new(IDL)
	if err := json.Unmarshal(data, idl); err != nil {
		return nil, err
	}

	if err := idl.index(); err != nil {
		return nil, err
	}

	return idl, nil
}

func (idl *IDL) index() error {
	idl.types = make(map[string]*TypeDef, len(idl.Types))
	for i := range idl.Types {
		t := &idl.Types[i]
		idl.types[t.Name] = t
	}

	idl.instructions = make(map[Discriminator]*InstructionDef, len(idl.Instructions))
	for i := range idl.Instructions {
		ix := &idl.Instructions[i]
		if ix.Discriminator.IsZero() {
			ix.Discriminator = SighashInstruction(ix.Name)
		}
		ix.Name = SnakeCase(ix.Name)
		ix.roles = flattenAccounts(ix.Accounts, nil)

		if _, ok := idl.instructions[ix.Discriminator]; ok {
			return errors.Errorf("duplicate discriminator for instruction %s", ix.Name)
		}
		idl.instructions[ix.Discriminator] = ix
	}

	idl.accounts = make(map[Discriminator]*AccountDef, len(idl.Accounts))
	for i := range idl.Accounts {
		acc := &idl.Accounts[i]
		if acc.Discriminator.IsZero() {
			acc.Discriminator = SighashAccount(acc.Name)
		}

		if acc.Type != nil {
			if _, ok := idl.types[acc.Name]; !ok {
				idl.Types = append(idl.Types, TypeDef{Name: acc.Name, Type: *acc.Type})
				idl.types = make(map[string]*TypeDef, len(idl.Types))
				for j := range idl.Types {
					idl.types[idl.Types[j].Name] = &idl.Types[j]
				}
			}
		}

		if _, ok := idl.types[acc.Name]; !ok {
			return errors.Errorf("account %s has no type definition", acc.Name)
		}
		idl.accounts[acc.Discriminator] = acc
	}

	return nil
}

func flattenAccounts(items []AccountItem, roles []string) []string {
	for _, item := range items {
		if len(item.Accounts) > 0 {
			roles = flattenAccounts(item.Accounts, roles)
			continue
		}
		roles = append(roles, SnakeCase(item.Name))
	}

	return roles
}

// ProgramName is the program's name as declared in the IDL.
func (idl *IDL) ProgramName() string {
	if idl.Metadata.Name != "" {
		return idl.Metadata.Name
	}
	return idl.Name
}

// InstructionNames lists every instruction of the program, sorted.
func (idl *IDL) InstructionNames() []string {
	names := make([]string, 0, len(idl.Instructions))
	for i := range idl.Instructions {
		names = append(names, idl.Instructions[i].Name)
	}
	sort.Strings(names)

	return names
}

// Instruction looks up an instruction by the discriminator prefix of data.
func (idl *IDL) Instruction(data []byte) (*InstructionDef, bool) {
	if len(data) < discriminatorSize {
		return nil, false
	}

	var d Discriminator
	copy(d[:], data)
	ix, ok := idl.instructions[d]

	return ix, ok
}

// DecodedInstruction is an instruction with its accounts mapped to role names
// and its arguments decoded into JSON.
type DecodedInstruction struct {
	Name      string
	Addresses map[string]string
	Payload   json.RawMessage
}

// DecodeInstruction decodes raw instruction data. accounts are the resolved
// addresses of the instruction's account metas, in order.
func (idl *IDL) DecodeInstruction(data []byte, accounts []string) (*DecodedInstruction, error) {
	ix, ok := idl.Instruction(data)
	if !ok {
		return nil, ErrUnknownInstruction
	}

	addresses := make(map[string]string, len(ix.roles))
	for i, role := range ix.roles {
		if i >= len(accounts) {
			break
		}
		addresses[role] = accounts[i]
	}

	dec := newDecoder(idl, data[discriminatorSize:], false)
	args := make(map[string]any, len(ix.Args))
	for _, arg := range ix.Args {
		v, err := dec.decode(arg.Type)
		if err != nil {
			return nil, errors.Wrapf(err, "decoding %s argument %s", ix.Name, arg.Name)
		}
		args[SnakeCase(arg.Name)] = v
	}

	payload, err := json.Marshal(args)
	if err != nil {
		return nil, errors.Wrapf(err, "encoding %s payload", ix.Name)
	}

	return &DecodedInstruction{Name: ix.Name, Addresses: addresses, Payload: payload}, nil
}

// DecodeAccount decodes account data into its type name and fields.
func (idl *IDL) DecodeAccount(data []byte) (string, json.RawMessage, error) {
	if len(data) < discriminatorSize {
		return "", nil, ErrUnknownAccount
	}

	var d Discriminator
	copy(d[:], data)
	acc, ok := idl.accounts[d]
	if !ok {
		return "", nil, ErrUnknownAccount
	}

	def := idl.types[acc.Name]
	dec := newDecoder(idl, data[discriminatorSize:], def.ZeroCopy())
	v, err := dec.decodeDefined(def)
	if err != nil {
		return "", nil, errors.Wrapf(err, "decoding account %s", acc.Name)
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return "", nil, errors.Wrapf(err, "encoding account %s", acc.Name)
	}

	return acc.Name, raw, nil
}

// SnakeCase converts camelCase names of legacy IDLs. Names that are already
// snake case are returned unchanged.
func SnakeCase(name string) string {
	if strings.ToLower(name) == name {
		return name
	}

	var b bytes.Buffer
	for i, r := range name {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}

	return b.String()
}
