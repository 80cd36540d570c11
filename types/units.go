package types

import (
	"encoding/binary"
	"fmt"

	"github.com/tendermint/tendermint/crypto/tmhash"
)

// Height identifies a committed block position on the chain. It advances by
// exactly one per commit and never decreases.
type Height int64

// Round identifies a leader-election attempt within a height. The first round
// of every height is 1; round 0 is only used as the "no lock" marker.
type Round int32

// ValidatorID is an index into the ordered validator set, stable for the
// lifetime of the set.
type ValidatorID int32

const (
	// HeightZero is the genesis height; the first proposed block has height 1.
	HeightZero = Height(0)

	// RoundNone marks the absence of a locked round.
	RoundNone = Round(0)

	// RoundFirst is the initial round of every height.
	RoundFirst = Round(1)
)

func (h Height) Int64() int64 { return int64(h) }

func (h Height) Next() Height { return h + 1 }

func (h Height) Bytes() []byte {
	bz := make([]byte, 8)
	binary.LittleEndian.PutUint64(bz, uint64(h))
	return bz
}

func (h Height) Hash() []byte { return tmhash.Sum(h.Bytes()) }

func (h Height) String() string { return fmt.Sprintf("%d", int64(h)) }

func (r Round) Int32() int32 { return int32(r) }

func (r Round) Next() Round { return r + 1 }

func (r Round) String() string { return fmt.Sprintf("%d", int32(r)) }

func (id ValidatorID) String() string { return fmt.Sprintf("%d", int32(id)) }
