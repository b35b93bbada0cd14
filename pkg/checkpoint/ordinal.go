package checkpoint

import (
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
)

// Ordinal is the causal-order key of an indexed instruction.
//
// Layout: slot (32 bits) | transaction rank within the slot (24 bits) |
// instruction index within the transaction (8 bits). Ranks count up from the
// oldest transaction of the slot, so ordinals grow with chain time.
type Ordinal uint64

const (
	slotShift = 32
	rankShift = 8

	MaxRank             = 1<<24 - 1
	MaxInstructionIndex = 1<<8 - 1
)

func NewOrdinal(slot uint64, rank uint32, instructionIndex int) Ordinal {
	return Ordinal(slot<<slotShift | uint64(rank&MaxRank)<<rankShift | uint64(instructionIndex&MaxInstructionIndex))
}

func (o Ordinal) Slot() uint64 {
	return uint64(o) >> slotShift
}

func (o Ordinal) Rank() uint32 {
	return uint32(uint64(o)>>rankShift) & MaxRank
}

// Instruction returns the ordinal of the index-th instruction of the
// transaction whose base ordinal is o.
func (o Ordinal) Instruction(index int) Ordinal {
	return NewOrdinal(o.Slot(), o.Rank(), index)
}

func (o Ordinal) String() string {
	return strconv.FormatUint(uint64(o), 10)
}

// MarshalJSON writes the ordinal as a decimal string so that consumers
// limited to 53-bit numbers keep full precision.
func (o Ordinal) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

// UnmarshalJSON accepts both the string form and a bare JSON number.
func (o *Ordinal) UnmarshalJSON(data []byte) error {
	var s string
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
	} else {
		s = string(data)
	}

	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return errors.Wrapf(err, "invalid ordinal %q", s)
	}

	*o = Ordinal(v)
	return nil
}

// MarshalText lets ordinals be used as JSON map keys.
func (o Ordinal) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Ordinal) UnmarshalText(text []byte) error {
	v, err := strconv.ParseUint(string(text), 10, 64)
	if err != nil {
		return errors.Wrapf(err, "invalid ordinal %q", string(text))
	}

	*o = Ordinal(v)
	return nil
}
