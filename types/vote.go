package types

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// Prevote says its author considers the referenced proposal valid for
// (height, round). LockedRound carries the author's lock so peers can tell a
// free vote from a locked one.
type Prevote struct {
	Validator   ValidatorID
	Height      Height
	Round       Round
	ProposeHash tmbytes.HexBytes
	LockedRound Round
	Signature   []byte

	hash tmbytes.HexBytes
}

func NewPrevote(validator ValidatorID, height Height, round Round,
	proposeHash tmbytes.HexBytes, lockedRound Round) *Prevote {
	return &Prevote{
		Validator:   validator,
		Height:      height,
		Round:       round,
		ProposeHash: proposeHash,
		LockedRound: lockedRound,
	}
}

func (v *Prevote) TypeID() uint16      { return PrevoteType }
func (v *Prevote) Author() ValidatorID { return v.Validator }
func (v *Prevote) signature() []byte   { return v.Signature }

const prevoteFixedSize = 4 + 8 + 4 + HashSize + 4

func (v *Prevote) payload() []byte {
	w := newSegmentWriter(prevoteFixedSize)
	w.PutUint32(uint32(v.Validator))
	w.PutUint64(uint64(v.Height))
	w.PutUint32(uint32(v.Round))
	w.PutHash(v.ProposeHash)
	w.PutUint32(uint32(v.LockedRound))
	return w.Finish()
}

func decodePrevote(payload, sig []byte) (*Prevote, error) {
	r := newSegmentReader(payload, prevoteFixedSize)
	v := &Prevote{
		Validator:   ValidatorID(r.Uint32()),
		Height:      Height(r.Uint64()),
		Round:       Round(r.Uint32()),
		ProposeHash: r.Hash(),
		LockedRound: Round(r.Uint32()),
		Signature:   sig,
	}
	return v, r.Err()
}

// PrevoteSignBytes returns the bytes a validator signs over a prevote.
func PrevoteSignBytes(chainID string, v *Prevote) []byte {
	return signBytes(chainID, PrevoteType, v.payload())
}

func (v *Prevote) SignBytes(chainID string) []byte {
	return PrevoteSignBytes(chainID, v)
}

func (v *Prevote) Hash() tmbytes.HexBytes {
	if v.hash == nil {
		v.hash = messageHash(PrevoteType, v.payload())
	}
	return v.hash
}

func (v *Prevote) ValidateBasic() error {
	if v.Validator < 0 {
		return errors.Wrap(ErrMalformedMessage, "negative validator id")
	}
	if v.Round < RoundFirst {
		return errors.Wrapf(ErrMalformedMessage, "prevote round %d", v.Round)
	}
	if v.LockedRound < RoundNone || v.LockedRound > v.Round {
		return errors.Wrapf(ErrMalformedMessage,
			"prevote locked round %d at round %d", v.LockedRound, v.Round)
	}
	if len(v.ProposeHash) != HashSize {
		return errors.Wrap(ErrMalformedMessage, "prevote propose hash size")
	}
	return nil
}

func (v *Prevote) String() string {
	if v == nil {
		return "nil-Prevote"
	}
	return fmt.Sprintf("Prevote{%v/%v val:%d %v locked:%d}",
		v.Height, v.Round, v.Validator, v.ProposeHash, v.LockedRound)
}

//----------------------------------------
// Precommit

// Precommit commits its author to the block produced by the referenced
// proposal. BlockHash is the hash of the executed block, so a quorum of
// matching precommits certifies both the proposal and the execution result.
type Precommit struct {
	Validator   ValidatorID
	Height      Height
	Round       Round
	ProposeHash tmbytes.HexBytes
	BlockHash   tmbytes.HexBytes
	Time        time.Time
	Signature   []byte

	hash tmbytes.HexBytes
}

func NewPrecommit(validator ValidatorID, height Height, round Round,
	proposeHash, blockHash tmbytes.HexBytes, t time.Time) *Precommit {
	return &Precommit{
		Validator:   validator,
		Height:      height,
		Round:       round,
		ProposeHash: proposeHash,
		BlockHash:   blockHash,
		Time:        t,
	}
}

func (v *Precommit) TypeID() uint16      { return PrecommitType }
func (v *Precommit) Author() ValidatorID { return v.Validator }
func (v *Precommit) signature() []byte   { return v.Signature }

const precommitFixedSize = 4 + 8 + 4 + HashSize + HashSize + 8

func (v *Precommit) payload() []byte {
	w := newSegmentWriter(precommitFixedSize)
	w.PutUint32(uint32(v.Validator))
	w.PutUint64(uint64(v.Height))
	w.PutUint32(uint32(v.Round))
	w.PutHash(v.ProposeHash)
	w.PutHash(v.BlockHash)
	w.PutUint64(uint64(v.Time.UnixNano()))
	return w.Finish()
}

func decodePrecommit(payload, sig []byte) (*Precommit, error) {
	r := newSegmentReader(payload, precommitFixedSize)
	v := &Precommit{
		Validator:   ValidatorID(r.Uint32()),
		Height:      Height(r.Uint64()),
		Round:       Round(r.Uint32()),
		ProposeHash: r.Hash(),
		BlockHash:   r.Hash(),
		Signature:   sig,
	}
	v.Time = time.Unix(0, int64(r.Uint64())).UTC()
	return v, r.Err()
}

// PrecommitSignBytes returns the bytes a validator signs over a precommit.
func PrecommitSignBytes(chainID string, v *Precommit) []byte {
	return signBytes(chainID, PrecommitType, v.payload())
}

func (v *Precommit) SignBytes(chainID string) []byte {
	return PrecommitSignBytes(chainID, v)
}

func (v *Precommit) Hash() tmbytes.HexBytes {
	if v.hash == nil {
		v.hash = messageHash(PrecommitType, v.payload())
	}
	return v.hash
}

func (v *Precommit) ValidateBasic() error {
	if v.Validator < 0 {
		return errors.Wrap(ErrMalformedMessage, "negative validator id")
	}
	if v.Round < RoundFirst {
		return errors.Wrapf(ErrMalformedMessage, "precommit round %d", v.Round)
	}
	if len(v.ProposeHash) != HashSize {
		return errors.Wrap(ErrMalformedMessage, "precommit propose hash size")
	}
	if len(v.BlockHash) != HashSize {
		return errors.Wrap(ErrMalformedMessage, "precommit block hash size")
	}
	return nil
}

func (v *Precommit) String() string {
	if v == nil {
		return "nil-Precommit"
	}
	return fmt.Sprintf("Precommit{%v/%v val:%d %v block:%v}",
		v.Height, v.Round, v.Validator, v.ProposeHash, v.BlockHash)
}
