package store

import (
	"bytes"

	"github.com/pkg/errors"

	"bftchain/types"
)

var ErrBadTxFormat = errors.New("tx is not of the form key=value")

// KVApp is the default application: each transaction is "key=value" and sets
// the key in the application database. Execution is deterministic, which is
// all consensus asks of an application.
type KVApp struct{}

func NewKVApp() KVApp { return KVApp{} }

// Execute applies one transaction to the fork. Malformed transactions fail
// identically on every node, so rejecting them keeps execution deterministic.
func (KVApp) Execute(tx types.Tx, fork *Fork) error {
	i := bytes.IndexByte(tx, '=')
	if i <= 0 {
		return errors.Wrapf(ErrBadTxFormat, "%X", tx.Hash())
	}
	fork.Set(appKey(tx[:i]), tx[i+1:])
	return nil
}

// appKey namespaces application keys away from the block store's.
func appKey(key []byte) []byte {
	return append([]byte("app/"), key...)
}
