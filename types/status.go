package types

import (
	"fmt"

	"github.com/pkg/errors"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// Status is a periodic heartbeat announcing the sender's chain position.
// Peers that see a higher height request the missing blocks.
type Status struct {
	Validator ValidatorID
	Height    Height
	LastHash  tmbytes.HexBytes
	PoolSize  uint64
	Signature []byte

	hash tmbytes.HexBytes
}

func NewStatus(validator ValidatorID, height Height, lastHash tmbytes.HexBytes, poolSize uint64) *Status {
	return &Status{
		Validator: validator,
		Height:    height,
		LastHash:  lastHash,
		PoolSize:  poolSize,
	}
}

func (s *Status) TypeID() uint16      { return StatusType }
func (s *Status) Author() ValidatorID { return s.Validator }
func (s *Status) signature() []byte   { return s.Signature }

const statusFixedSize = 4 + 8 + HashSize + 8

func (s *Status) payload() []byte {
	w := newSegmentWriter(statusFixedSize)
	w.PutUint32(uint32(s.Validator))
	w.PutUint64(uint64(s.Height))
	w.PutHash(s.LastHash)
	w.PutUint64(s.PoolSize)
	return w.Finish()
}

func decodeStatus(payload, sig []byte) (*Status, error) {
	r := newSegmentReader(payload, statusFixedSize)
	s := &Status{
		Validator: ValidatorID(r.Uint32()),
		Height:    Height(r.Uint64()),
		LastHash:  r.Hash(),
		PoolSize:  r.Uint64(),
		Signature: sig,
	}
	return s, r.Err()
}

func (s *Status) SignBytes(chainID string) []byte {
	return signBytes(chainID, StatusType, s.payload())
}

func (s *Status) Hash() tmbytes.HexBytes {
	if s.hash == nil {
		s.hash = messageHash(StatusType, s.payload())
	}
	return s.hash
}

func (s *Status) ValidateBasic() error {
	if s.Validator < 0 {
		return errors.Wrap(ErrMalformedMessage, "negative validator id")
	}
	if len(s.LastHash) != HashSize {
		return errors.Wrap(ErrMalformedMessage, "status last hash size")
	}
	return nil
}

func (s *Status) String() string {
	if s == nil {
		return "nil-Status"
	}
	return fmt.Sprintf("Status{val:%d height:%v last:%v pool:%d}",
		s.Validator, s.Height, s.LastHash, s.PoolSize)
}
