package store

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/log"
	tmdb "github.com/tendermint/tm-db"
	leveldb "github.com/tendermint/tm-db/goleveldb"

	"bftchain/types"
)

// Key layout:
//
//	b/<blockHash>  -> block encoding
//	h/<height BE>  -> block hash
//	c/<height BE>  -> precommit certificate (raw signed frames)
//	x/<blockHash>  -> the block's transactions
//	t/<txHash>     -> one committed transaction
//	last_height    -> last committed height
//	app/<key>      -> application state (written through Fork)
var lastHeightKey = []byte("last_height")

func NewKVStore(name, dir string, logger log.Logger) (*KVStore, error) {
	db, err := leveldb.NewDB(name, dir)
	if err != nil {
		return nil, errors.Wrap(err, "open block store")
	}
	return NewKVStoreWithDB(db, logger), nil
}

func NewKVStoreWithDB(db tmdb.DB, logger log.Logger) *KVStore {
	kv := &KVStore{db: db, logger: logger, height: -1}
	if bz, err := db.Get(lastHeightKey); err == nil && len(bz) == 8 {
		kv.height = types.Height(binary.BigEndian.Uint64(bz))
	}
	return kv
}

// KVStore persists committed blocks and application state in one tm-db
// database. A block, its certificate, its transactions and the application
// writes it caused go in a single batch, so a crash can never leave a half
// committed height behind.
type KVStore struct {
	db     tmdb.DB
	logger log.Logger

	mtx    sync.RWMutex
	height types.Height // last committed height, -1 before genesis
}

func (kv *KVStore) DB() tmdb.DB { return kv.db }

// NewFork opens an execution overlay over the application state.
func (kv *KVStore) NewFork() *Fork { return NewFork(kv.db) }

// Height returns the last committed height, or -1 for an empty store.
func (kv *KVStore) Height() types.Height {
	kv.mtx.RLock()
	defer kv.mtx.RUnlock()
	return kv.height
}

// SaveBlock commits a block atomically: header, height index, certificate,
// transactions and the execution fork all land in one batch. The genesis
// block has no certificate; every later block must bring one.
func (kv *KVStore) SaveBlock(block *types.Block, txs types.Txs, precommits [][]byte, fork *Fork) error {
	if block == nil {
		return errors.New("cannot save nil block")
	}
	if block.Height > types.HeightZero && len(precommits) == 0 {
		return errors.Errorf("block at height %v has no precommits", block.Height)
	}
	if uint32(len(txs)) != block.NumTxs {
		return errors.Errorf("block declares %d txs, got %d", block.NumTxs, len(txs))
	}

	kv.mtx.Lock()
	defer kv.mtx.Unlock()

	if block.Height != kv.height+1 {
		return errors.Errorf("non-contiguous save: store at %v, block at %v", kv.height, block.Height)
	}

	batch := kv.db.NewBatch()
	defer batch.Close()

	hash := block.Hash()
	if err := batch.Set(blockKey(hash), block.Bytes()); err != nil {
		return err
	}
	if err := batch.Set(heightKey(block.Height), hash); err != nil {
		return err
	}
	if len(precommits) > 0 {
		if err := batch.Set(precommitsKey(block.Height), encodeByteSlices(precommits)); err != nil {
			return err
		}
	}

	rawTxs := make([][]byte, len(txs))
	for i, tx := range txs {
		rawTxs[i] = tx
		if err := batch.Set(txKey(tx.Hash()), tx); err != nil {
			return err
		}
	}
	if err := batch.Set(blockTxsKey(hash), encodeByteSlices(rawTxs)); err != nil {
		return err
	}

	if fork != nil {
		if err := fork.applyTo(batch); err != nil {
			return err
		}
	}

	var hbz [8]byte
	binary.BigEndian.PutUint64(hbz[:], uint64(block.Height))
	if err := batch.Set(lastHeightKey, hbz[:]); err != nil {
		return err
	}

	if err := batch.WriteSync(); err != nil {
		return errors.Wrapf(err, "write block %v", block.Height)
	}
	kv.height = block.Height
	return nil
}

// LoadBlock returns the block with the given hash, or nil.
func (kv *KVStore) LoadBlock(hash []byte) *types.Block {
	bz, err := kv.db.Get(blockKey(hash))
	if err != nil || len(bz) == 0 {
		return nil
	}
	block, err := types.BlockFromBytes(bz)
	if err != nil {
		panic(errors.Wrapf(err, "corrupt block %X in store", hash))
	}
	return block
}

// LoadBlockHash returns the hash of the committed block at height, or nil.
func (kv *KVStore) LoadBlockHash(height types.Height) []byte {
	bz, err := kv.db.Get(heightKey(height))
	if err != nil || len(bz) == 0 {
		return nil
	}
	return bz
}

// LoadBlockByHeight returns the committed block at height, or nil.
func (kv *KVStore) LoadBlockByHeight(height types.Height) *types.Block {
	hash := kv.LoadBlockHash(height)
	if hash == nil {
		return nil
	}
	return kv.LoadBlock(hash)
}

// LoadPrecommits returns the certificate for the block at height as raw
// signed frames, or nil.
func (kv *KVStore) LoadPrecommits(height types.Height) [][]byte {
	bz, err := kv.db.Get(precommitsKey(height))
	if err != nil || len(bz) == 0 {
		return nil
	}
	out, err := decodeByteSlices(bz)
	if err != nil {
		panic(errors.Wrapf(err, "corrupt precommits at height %v", height))
	}
	return out
}

// LoadBlockTxs returns the transactions of the block with the given hash.
func (kv *KVStore) LoadBlockTxs(hash []byte) types.Txs {
	bz, err := kv.db.Get(blockTxsKey(hash))
	if err != nil || bz == nil {
		return nil
	}
	raw, err := decodeByteSlices(bz)
	if err != nil {
		panic(errors.Wrapf(err, "corrupt tx list for block %X", hash))
	}
	txs := make(types.Txs, len(raw))
	for i, b := range raw {
		txs[i] = types.Tx(b)
	}
	return txs
}

// LoadTx returns a committed transaction by hash, or nil.
func (kv *KVStore) LoadTx(hash []byte) types.Tx {
	bz, err := kv.db.Get(txKey(hash))
	if err != nil || len(bz) == 0 {
		return nil
	}
	return types.Tx(bz)
}

// Get reads application state directly, for RPC queries.
func (kv *KVStore) Get(key []byte) ([]byte, error) {
	return kv.db.Get(appKey(key))
}

func (kv *KVStore) Close() error { return kv.db.Close() }

//----------------------------------------

func blockKey(hash []byte) []byte { return append([]byte("b/"), hash...) }

func blockTxsKey(hash []byte) []byte { return append([]byte("x/"), hash...) }

func txKey(hash []byte) []byte { return append([]byte("t/"), hash...) }

func heightKey(height types.Height) []byte {
	key := make([]byte, 2+8)
	copy(key, "h/")
	binary.BigEndian.PutUint64(key[2:], uint64(height))
	return key
}

func precommitsKey(height types.Height) []byte {
	key := make([]byte, 2+8)
	copy(key, "c/")
	binary.BigEndian.PutUint64(key[2:], uint64(height))
	return key
}

func encodeByteSlices(bs [][]byte) []byte {
	size := 4
	for _, b := range bs {
		size += 4 + len(b)
	}
	out := make([]byte, 0, size)
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(len(bs)))
	out = append(out, u32[:]...)
	for _, b := range bs {
		out = appendLenPrefixed(out, b)
	}
	return out
}

func decodeByteSlices(bz []byte) ([][]byte, error) {
	if len(bz) < 4 {
		return nil, errors.New("short byte slice list")
	}
	count := int(binary.LittleEndian.Uint32(bz))
	bz = bz[4:]
	out := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		if len(bz) < 4 {
			return nil, errors.New("truncated byte slice list")
		}
		n := int(binary.LittleEndian.Uint32(bz))
		bz = bz[4:]
		if len(bz) < n {
			return nil, errors.New("truncated byte slice entry")
		}
		item := make([]byte, n)
		copy(item, bz[:n])
		out = append(out, item)
		bz = bz[n:]
	}
	return out, nil
}
