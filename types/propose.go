package types

import (
	"fmt"

	"github.com/pkg/errors"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// Propose is the leader's block proposal for (height, round). It carries
// transaction hashes only; full transactions travel separately and are pulled
// on demand.
type Propose struct {
	Validator ValidatorID
	Height    Height
	Round     Round
	PrevHash  tmbytes.HexBytes
	TxHashes  []tmbytes.HexBytes
	Signature []byte

	hash tmbytes.HexBytes
}

func NewPropose(validator ValidatorID, height Height, round Round,
	prevHash tmbytes.HexBytes, txHashes []tmbytes.HexBytes) *Propose {
	return &Propose{
		Validator: validator,
		Height:    height,
		Round:     round,
		PrevHash:  prevHash,
		TxHashes:  txHashes,
	}
}

func (p *Propose) TypeID() uint16     { return ProposeType }
func (p *Propose) Author() ValidatorID { return p.Validator }
func (p *Propose) signature() []byte  { return p.Signature }

const proposeFixedSize = 4 + 8 + 4 + HashSize + 8

func (p *Propose) payload() []byte {
	w := newSegmentWriter(proposeFixedSize)
	w.PutUint32(uint32(p.Validator))
	w.PutUint64(uint64(p.Height))
	w.PutUint32(uint32(p.Round))
	w.PutHash(p.PrevHash)
	hs := make([][]byte, len(p.TxHashes))
	for i, h := range p.TxHashes {
		hs[i] = h
	}
	w.PutHashList(hs)
	return w.Finish()
}

func decodePropose(payload, sig []byte) (*Propose, error) {
	r := newSegmentReader(payload, proposeFixedSize)
	p := &Propose{
		Validator: ValidatorID(r.Uint32()),
		Height:    Height(r.Uint64()),
		Round:     Round(r.Uint32()),
		PrevHash:  r.Hash(),
		Signature: sig,
	}
	for _, h := range r.HashList() {
		p.TxHashes = append(p.TxHashes, h)
	}
	return p, r.Err()
}

// ProposeSignBytes returns the bytes a validator signs over a proposal.
func ProposeSignBytes(chainID string, p *Propose) []byte {
	return signBytes(chainID, ProposeType, p.payload())
}

func (p *Propose) SignBytes(chainID string) []byte {
	return ProposeSignBytes(chainID, p)
}

// Hash identifies the proposal. Prevotes and precommits reference it.
func (p *Propose) Hash() tmbytes.HexBytes {
	if p.hash == nil {
		p.hash = messageHash(ProposeType, p.payload())
	}
	return p.hash
}

func (p *Propose) ValidateBasic() error {
	if p.Validator < 0 {
		return errors.Wrap(ErrMalformedMessage, "negative validator id")
	}
	if p.Height < HeightZero {
		return errors.Wrap(ErrMalformedMessage, "negative height")
	}
	if p.Round < RoundFirst {
		return errors.Wrapf(ErrMalformedMessage, "propose round %d", p.Round)
	}
	if len(p.PrevHash) != HashSize {
		return errors.Wrap(ErrMalformedMessage, "propose prev hash size")
	}
	seen := make(map[string]struct{}, len(p.TxHashes))
	for _, h := range p.TxHashes {
		if len(h) != HashSize {
			return errors.Wrap(ErrMalformedMessage, "propose tx hash size")
		}
		if _, ok := seen[string(h)]; ok {
			return errors.Wrapf(ErrMalformedMessage, "duplicate tx %v in propose", h)
		}
		seen[string(h)] = struct{}{}
	}
	return nil
}

func (p *Propose) String() string {
	if p == nil {
		return "nil-Propose"
	}
	return fmt.Sprintf("Propose{%v/%v val:%d txs:%d %v}",
		p.Height, p.Round, p.Validator, len(p.TxHashes), p.Hash())
}
