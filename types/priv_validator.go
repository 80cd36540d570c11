package types

import (
	"bytes"
	"fmt"

	"github.com/tendermint/tendermint/crypto"
	"github.com/tendermint/tendermint/crypto/ed25519"
)

// PrivValidator signs consensus messages on behalf of a validator. The file
// backed implementation lives in the privval package; MockPV below is for
// tests.
type PrivValidator interface {
	GetPubKey() (crypto.PubKey, error)

	SignPropose(chainID string, propose *Propose) error
	SignPrevote(chainID string, prevote *Prevote) error
	SignPrecommit(chainID string, precommit *Precommit) error

	// SignBytes signs arbitrary sign-bytes. Used for the non-vote messages
	// (Status, responses, requests) which carry no double-sign hazard.
	SignBytes(signBytes []byte) ([]byte, error)
}

//----------------------------------------
// MockPV

// MockPV implements PrivValidator without any safety or persistence.
// Only use it for testing.
type MockPV struct {
	PrivKey crypto.PrivKey
}

func NewMockPV() MockPV {
	return MockPV{ed25519.GenPrivKey()}
}

func (pv MockPV) GetPubKey() (crypto.PubKey, error) {
	return pv.PrivKey.PubKey(), nil
}

func (pv MockPV) SignPropose(chainID string, propose *Propose) error {
	sig, err := pv.PrivKey.Sign(ProposeSignBytes(chainID, propose))
	if err != nil {
		return err
	}
	propose.Signature = sig
	return nil
}

func (pv MockPV) SignPrevote(chainID string, prevote *Prevote) error {
	sig, err := pv.PrivKey.Sign(PrevoteSignBytes(chainID, prevote))
	if err != nil {
		return err
	}
	prevote.Signature = sig
	return nil
}

func (pv MockPV) SignPrecommit(chainID string, precommit *Precommit) error {
	sig, err := pv.PrivKey.Sign(PrecommitSignBytes(chainID, precommit))
	if err != nil {
		return err
	}
	precommit.Signature = sig
	return nil
}

func (pv MockPV) SignBytes(signBytes []byte) ([]byte, error) {
	return pv.PrivKey.Sign(signBytes)
}

func (pv MockPV) String() string {
	addr, err := pv.GetPubKey()
	if err != nil {
		panic(err)
	}
	return fmt.Sprintf("MockPV{%v}", addr.Address())
}

//----------------------------------------

// PrivValidatorsByAddress sorts priv validators by address, which fixes the
// validator ordering (and therefore IDs) in randomized test sets.
type PrivValidatorsByAddress []PrivValidator

func (pvs PrivValidatorsByAddress) Len() int { return len(pvs) }

func (pvs PrivValidatorsByAddress) Less(i, j int) bool {
	pvi, err := pvs[i].GetPubKey()
	if err != nil {
		panic(err)
	}
	pvj, err := pvs[j].GetPubKey()
	if err != nil {
		panic(err)
	}
	return bytes.Compare(pvi.Address(), pvj.Address()) == -1
}

func (pvs PrivValidatorsByAddress) Swap(i, j int) {
	pvs[i], pvs[j] = pvs[j], pvs[i]
}
