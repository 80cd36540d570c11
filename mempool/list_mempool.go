package mempool

import (
	"container/list"
	"sync"
	"sync/atomic"

	cfg "github.com/tendermint/tendermint/config"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	"github.com/tendermint/tendermint/libs/clist"
	"github.com/tendermint/tendermint/libs/log"

	"bftchain/types"
)

const (
	TxKeySize = 32
)

func NewListMempool(config *cfg.MempoolConfig, height types.Height, options ...ListMempoolOption) *ListMempool {
	mem := &ListMempool{
		height: height.Int64(),
		config: config,
		txs:    clist.New(),
		logger: log.NewNopLogger(),
		metric: newMemMetric(),
	}

	if config.CacheSize > 0 {
		mem.cache = newMapTxCache(config.CacheSize)
	} else {
		mem.cache = nopTxCache{}
	}

	mem.txsAvailable = make(chan struct{}, 1)

	for _, option := range options {
		option(mem)
	}

	return mem
}

// ListMempool keeps transactions in a concurrent linked list in arrival
// order, with a hash index for point lookups. The consensus routine reaps
// from the front, so proposals preserve submission order.
type ListMempool struct {
	// Atomic integers
	height   int64 // the last block Update()'d to
	txsBytes int64 // total size of mempool, in bytes

	txsAvailable         chan struct{} // fires once for each height, when the mempool is not empty
	notifiedTxsAvailable bool

	config *cfg.MempoolConfig

	updateMtx sync.RWMutex
	preCheck  PreCheckFunc

	txs    *clist.CList
	txsMap sync.Map // TxKey(tx) -> *clist.CElement

	// Keep a cache of already-seen txs so a rebroadcast of a committed tx
	// does not re-enter the pool.
	cache txCache

	logger log.Logger
	metric *memMetric
}

type ListMempoolOption func(mempool *ListMempool)

func SetPreCheck(precheck PreCheckFunc) ListMempoolOption {
	return func(mem *ListMempool) {
		mem.preCheck = precheck
	}
}

func (mem *ListMempool) SetLogger(logger log.Logger) {
	mem.logger = logger
}

func (mem *ListMempool) CheckTx(tx types.Tx, txinfo TxInfo) error {
	mem.updateMtx.RLock()
	defer mem.updateMtx.RUnlock()

	if mem.Size() >= mem.config.Size ||
		int64(len(tx))+mem.TxsBytes() > mem.config.MaxTxsBytes {
		return ErrMempoolIsFull{
			NumTxs: mem.Size(), MaxTxs: mem.config.Size,
			TxsBytes: mem.TxsBytes(), MaxBytes: mem.config.MaxTxsBytes,
		}
	}
	if len(tx) > mem.config.MaxTxBytes {
		return ErrTxTooLarge{mem.config.MaxTxBytes, len(tx)}
	}
	if mem.preCheck != nil {
		if err := mem.preCheck(tx); err != nil {
			return ErrPreCheck{err}
		}
	}

	if !mem.cache.Push(tx) {
		return ErrTxInCache
	}
	if _, ok := mem.txsMap.Load(TxKey(tx)); ok {
		return ErrTxInMap
	}

	memTx := &mempoolTx{
		height: atomic.LoadInt64(&mem.height),
		tx:     tx,
	}
	memTx.senders.Store(txinfo.SenderID, struct{}{})

	mem.logger.Debug("added tx", "tx", tx.Hash(), "pool size", mem.Size()+1)
	mem.addTx(memTx)
	mem.notifyTxsAvailable()

	return nil
}

func (mem *ListMempool) ReapTxs(maxBytes int64) types.Txs {
	mem.updateMtx.RLock()
	defer mem.updateMtx.RUnlock()

	var total int64
	txs := make(types.Txs, 0, mem.txs.Len())
	for e := mem.txs.Front(); e != nil; e = e.Next() {
		memTx := e.Value.(*mempoolTx)
		if maxBytes >= 0 && total+memTx.tx.Size() > maxBytes {
			break
		}
		total += memTx.tx.Size()
		txs = append(txs, memTx.tx)
	}
	return txs
}

func (mem *ListMempool) ReapMaxTxs(max int) types.Txs {
	mem.updateMtx.RLock()
	defer mem.updateMtx.RUnlock()

	if max < 0 {
		max = mem.txs.Len()
	}
	txs := make(types.Txs, 0, tmMin(mem.txs.Len(), max))
	for e := mem.txs.Front(); e != nil && len(txs) < max; e = e.Next() {
		memTx := e.Value.(*mempoolTx)
		txs = append(txs, memTx.tx)
	}
	return txs
}

func (mem *ListMempool) GetTx(hash tmbytes.HexBytes) types.Tx {
	var key [TxKeySize]byte
	copy(key[:], hash)
	if e, ok := mem.txsMap.Load(key); ok {
		return e.(*clist.CElement).Value.(*mempoolTx).tx
	}
	return nil
}

func (mem *ListMempool) HasTx(hash tmbytes.HexBytes) bool {
	var key [TxKeySize]byte
	copy(key[:], hash)
	_, ok := mem.txsMap.Load(key)
	return ok
}

func (mem *ListMempool) MissingTxs(hashes []tmbytes.HexBytes) []tmbytes.HexBytes {
	var missing []tmbytes.HexBytes
	for _, h := range hashes {
		if !mem.HasTx(h) {
			missing = append(missing, h)
		}
	}
	return missing
}

// Lock locks the mempool for update. Reaps and checks block until Unlock.
func (mem *ListMempool) Lock() {
	mem.updateMtx.Lock()
}

// Unlock releases the update lock.
func (mem *ListMempool) Unlock() {
	mem.updateMtx.Unlock()
}

func (mem *ListMempool) Update(height types.Height, txs types.Txs) error {
	atomic.StoreInt64(&mem.height, height.Int64())
	mem.notifiedTxsAvailable = false

	for _, tx := range txs {
		// Committed txs stay in the cache: a late rebroadcast is not new.
		mem.cache.Push(tx)
		if e, ok := mem.txsMap.Load(TxKey(tx)); ok {
			mem.removeTx(tx, e.(*clist.CElement))
		}
	}
	mem.updateMetric()
	return nil
}

func (mem *ListMempool) Flush() {
	mem.updateMtx.Lock()
	defer mem.updateMtx.Unlock()

	for e := mem.txs.Front(); e != nil; e = e.Next() {
		mem.txs.Remove(e)
		e.DetachPrev()
	}
	mem.txsMap.Range(func(key, _ interface{}) bool {
		mem.txsMap.Delete(key)
		return true
	})
	atomic.StoreInt64(&mem.txsBytes, 0)
	mem.cache.Reset()
	mem.updateMetric()
}

func (mem *ListMempool) Size() int {
	return mem.txs.Len()
}

func (mem *ListMempool) TxsBytes() int64 {
	return atomic.LoadInt64(&mem.txsBytes)
}

// TxsAvailable fires once per height when txs are ready to be proposed.
func (mem *ListMempool) TxsAvailable() <-chan struct{} {
	return mem.txsAvailable
}

func (mem *ListMempool) notifyTxsAvailable() {
	if mem.Size() == 0 {
		return
	}
	if !mem.notifiedTxsAvailable {
		mem.notifiedTxsAvailable = true
		select {
		case mem.txsAvailable <- struct{}{}:
		default:
		}
	}
}

// addTx appends tx to the list and updates the hash index and byte total.
func (mem *ListMempool) addTx(memTx *mempoolTx) {
	e := mem.txs.PushBack(memTx)
	mem.txsMap.Store(TxKey(memTx.tx), e)
	atomic.AddInt64(&mem.txsBytes, int64(len(memTx.tx)))
	mem.updateMetric()
}

func (mem *ListMempool) removeTx(tx types.Tx, elem *clist.CElement) {
	mem.txs.Remove(elem)
	elem.DetachPrev()
	mem.txsMap.Delete(TxKey(tx))
	atomic.AddInt64(&mem.txsBytes, int64(-len(tx)))
}

func (mem *ListMempool) updateMetric() {
	mem.metric.MarkTxsNum(mem.Size())
	mem.metric.MarkTotalTxsBytes(mem.TxsBytes())
}

// Metric returns the pool's metric set item.
func (mem *ListMempool) Metric() *memMetric {
	return mem.metric
}

func (mem *ListMempool) TxsWaitChan() <-chan struct{} {
	return mem.txs.WaitChan()
}

func (mem *ListMempool) TxsFront() *clist.CElement {
	return mem.txs.Front()
}

func tmMin(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// ------------------------------

type txCache interface {
	Reset()
	Push(tx types.Tx) bool
	Remove(tx types.Tx)
}

// mapTxCache is an LRU of recently seen tx keys.
type mapTxCache struct {
	mtx      sync.Mutex
	size     int
	cacheMap map[[TxKeySize]byte]*list.Element
	list     *list.List
}

func newMapTxCache(cacheSize int) *mapTxCache {
	return &mapTxCache{
		size:     cacheSize,
		cacheMap: make(map[[TxKeySize]byte]*list.Element, cacheSize),
		list:     list.New(),
	}
}

func (cache *mapTxCache) Reset() {
	cache.mtx.Lock()
	cache.cacheMap = make(map[[TxKeySize]byte]*list.Element, cache.size)
	cache.list.Init()
	cache.mtx.Unlock()
}

// Push returns false if tx was already in the cache.
func (cache *mapTxCache) Push(tx types.Tx) bool {
	cache.mtx.Lock()
	defer cache.mtx.Unlock()

	key := TxKey(tx)
	if moved, exists := cache.cacheMap[key]; exists {
		cache.list.MoveToBack(moved)
		return false
	}

	if cache.list.Len() >= cache.size {
		front := cache.list.Front()
		if front != nil {
			frontKey := front.Value.([TxKeySize]byte)
			delete(cache.cacheMap, frontKey)
			cache.list.Remove(front)
		}
	}
	e := cache.list.PushBack(key)
	cache.cacheMap[key] = e
	return true
}

func (cache *mapTxCache) Remove(tx types.Tx) {
	cache.mtx.Lock()
	key := TxKey(tx)
	if e, ok := cache.cacheMap[key]; ok {
		cache.list.Remove(e)
	}
	delete(cache.cacheMap, key)
	cache.mtx.Unlock()
}

type nopTxCache struct{}

func (nopTxCache) Reset()             {}
func (nopTxCache) Push(types.Tx) bool { return true }
func (nopTxCache) Remove(types.Tx)    {}

// ------------------------------

type mempoolTx struct {
	height int64 // height the tx entered the pool at

	tx      types.Tx
	senders sync.Map
}

// Height returns the height for this transaction
func (memTx *mempoolTx) Height() int64 {
	return atomic.LoadInt64(&memTx.height)
}

// ------------------------------

// TxKey is the fixed length array hash used as the key in maps.
func TxKey(tx types.Tx) [TxKeySize]byte {
	var key [TxKeySize]byte
	copy(key[:], tx.Hash())
	return key
}
