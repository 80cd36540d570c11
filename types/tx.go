package types

import (
	"fmt"

	"github.com/tendermint/tendermint/crypto/merkle"
	"github.com/tendermint/tendermint/crypto/tmhash"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// Tx is an opaque transaction blob. Its meaning is up to the application;
// consensus only ever handles tx hashes and raw bytes.
type Tx []byte

// Hash computes the tmhash digest of the raw transaction bytes. Transactions
// are content-addressed by this hash everywhere in the protocol.
func (tx Tx) Hash() tmbytes.HexBytes {
	return tmhash.Sum(tx)
}

func (tx Tx) Size() int64 {
	return int64(len(tx))
}

func (tx Tx) String() string {
	return fmt.Sprintf("Tx{%X}", tmhash.Sum(tx))
}

type Txs []Tx

// Hash returns the merkle root over the transaction hashes. The root is
// order-sensitive: the same transactions in a different order produce a
// different root.
func (txs Txs) Hash() tmbytes.HexBytes {
	txBzs := make([][]byte, len(txs))
	for i := 0; i < len(txs); i++ {
		txBzs[i] = txs[i].Hash()
	}
	return merkle.HashFromByteSlices(txBzs)
}

// Hashes returns the individual tx hashes, in order.
func (txs Txs) Hashes() []tmbytes.HexBytes {
	hashes := make([]tmbytes.HexBytes, len(txs))
	for i, tx := range txs {
		hashes[i] = tx.Hash()
	}
	return hashes
}

func (txs Txs) TotalSize() int64 {
	var size int64
	for _, tx := range txs {
		size += tx.Size()
	}
	return size
}
