// fork from github.com/tendermint/tendermint/types/validator_set.go
package types

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/tendermint/tendermint/crypto/merkle"
)

// ValidatorSet is the static-per-epoch ordered registry of validators.
//
// The validators can be fetched by address or index; the index of a validator
// is its ValidatorID and is fixed for the validity period of the set. The set
// also computes the round leader and the quorum threshold, which must be
// identical on every node.
//
// NOTE: Not goroutine-safe.
// NOTE: All get/set to validators should copy the value for safety.
type ValidatorSet struct {
	// NOTE: persisted via reflect, must be exported.
	Validators []*Validator `json:"validators"`
}

// NewValidatorSet initializes a ValidatorSet by copying over the values from
// `valz`, a list of Validators. If valz is nil or empty, the new ValidatorSet
// will have an empty list of Validators.
func NewValidatorSet(valz []*Validator) *ValidatorSet {
	vals := &ValidatorSet{}
	vals.Validators = make([]*Validator, 0, len(valz))
	vals.Validators = append(vals.Validators, valz...)
	return vals
}

func (vals *ValidatorSet) ValidateBasic() error {
	if vals.IsNilOrEmpty() {
		return errors.New("validator set is nil or empty")
	}

	for idx, val := range vals.Validators {
		if err := val.ValidateBasic(); err != nil {
			return fmt.Errorf("invalid validator #%d: %w", idx, err)
		}
	}

	return nil
}

// IsNilOrEmpty returns true if validator set is nil or empty.
func (vals *ValidatorSet) IsNilOrEmpty() bool {
	return vals == nil || len(vals.Validators) == 0
}

// Makes a copy of the validator list.
func validatorListCopy(valsList []*Validator) []*Validator {
	if valsList == nil {
		return nil
	}
	valsCopy := make([]*Validator, len(valsList))
	for i, val := range valsList {
		valsCopy[i] = val.Copy()
	}
	return valsCopy
}

// Copy each validator into a new ValidatorSet.
func (vals *ValidatorSet) Copy() *ValidatorSet {
	return &ValidatorSet{
		Validators: validatorListCopy(vals.Validators),
	}
}

// HasAddress returns true if address given is in the validator set, false -
// otherwise.
func (vals *ValidatorSet) HasAddress(address []byte) bool {
	for _, val := range vals.Validators {
		if bytes.Equal(val.Address, address) {
			return true
		}
	}
	return false
}

// GetByAddress returns the ID of the validator with the given address and the
// validator itself (copy) if found. Otherwise, -1 and nil are returned.
func (vals *ValidatorSet) GetByAddress(address []byte) (id ValidatorID, val *Validator) {
	for idx, val := range vals.Validators {
		if bytes.Equal(val.Address, address) {
			return ValidatorID(idx), val.Copy()
		}
	}
	return -1, nil
}

// GetByIndex returns the validator's address and validator itself (copy) by
// ID. It returns nil values if the ID is out of range.
func (vals *ValidatorSet) GetByIndex(id ValidatorID) (address []byte, val *Validator) {
	if id < 0 || int(id) >= len(vals.Validators) {
		return nil, nil
	}
	val = vals.Validators[id]
	return val.Address, val.Copy()
}

// HasID reports whether the given ID indexes a validator of this set.
func (vals *ValidatorSet) HasID(id ValidatorID) bool {
	return id >= 0 && int(id) < len(vals.Validators)
}

// Size returns the length of the validator set.
func (vals *ValidatorSet) Size() int {
	return len(vals.Validators)
}

// Leader returns the ID of the validator expected to propose at the given
// height and round: round-robin over the registry, seeded by height+round.
// The formula must be identical on all nodes; changing it is a consensus
// break.
//
// Panics if the set is empty, since consensus never starts for a height
// without a loaded registry.
func (vals *ValidatorSet) Leader(height Height, round Round) ValidatorID {
	if len(vals.Validators) == 0 {
		panic("Leader() called on an empty validator set")
	}
	idx := (uint64(height) + uint64(round)) % uint64(len(vals.Validators))
	return ValidatorID(idx)
}

// GetLeader returns a copy of the leader validator for the given height and
// round.
func (vals *ValidatorSet) GetLeader(height Height, round Round) *Validator {
	return vals.Validators[vals.Leader(height, round)].Copy()
}

// QuorumSize returns the vote count required to advance a protocol phase:
// floor(2n/3) + 1.
func (vals *ValidatorSet) QuorumSize() int {
	return len(vals.Validators)*2/3 + 1
}

// Hash returns the merkle root hash built using validators (as leaves) in the
// set.
func (vals *ValidatorSet) Hash() []byte {
	bzs := make([][]byte, len(vals.Validators))
	for i, val := range vals.Validators {
		bzs[i] = val.Bytes()
	}
	return merkle.HashFromByteSlices(bzs)
}

// Iterate will run the given function over the set.
func (vals *ValidatorSet) Iterate(fn func(index int, val *Validator) bool) {
	for i, val := range vals.Validators {
		stop := fn(i, val.Copy())
		if stop {
			break
		}
	}
}

//----------------

// String returns a string representation of ValidatorSet.
//
// See StringIndented.
func (vals *ValidatorSet) String() string {
	return vals.StringIndented("")
}

// StringIndented returns an intended String.
//
// See Validator#String.
func (vals *ValidatorSet) StringIndented(indent string) string {
	if vals == nil {
		return "nil-ValidatorSet"
	}
	var valStrings []string
	vals.Iterate(func(index int, val *Validator) bool {
		valStrings = append(valStrings, val.String())
		return false
	})
	return fmt.Sprintf(`ValidatorSet{
%s  Validators:
%s    %v
%s}`,
		indent,
		indent, strings.Join(valStrings, "\n"+indent+"    "),
		indent)
}

//----------------------------------------

// RandValidatorSet returns a randomized validator set (size: +numValidators+).
//
// EXPOSED FOR TESTING.
func RandValidatorSet(numValidators int) (*ValidatorSet, []PrivValidator) {
	var (
		valz           = make([]*Validator, numValidators)
		privValidators = make([]PrivValidator, numValidators)
	)

	for i := 0; i < numValidators; i++ {
		val, privValidator := RandValidator()
		valz[i] = val
		privValidators[i] = privValidator
	}

	sort.Sort(PrivValidatorsByAddress(privValidators))
	for i, pv := range privValidators {
		pub, err := pv.GetPubKey()
		if err != nil {
			panic(err)
		}
		valz[i] = NewValidator(pub)
	}

	return NewValidatorSet(valz), privValidators
}
