package store

import (
	"sort"

	"github.com/tendermint/tendermint/crypto/tmhash"
	tmdb "github.com/tendermint/tm-db"
)

// Fork is an uncommitted overlay over the application database. Execution
// writes land in the patch; reads see the patch first and fall through to the
// database. Nothing touches disk until the fork is merged into a commit
// batch, so a proposal that never commits costs nothing.
type Fork struct {
	db    tmdb.DB
	patch map[string][]byte
}

func NewFork(db tmdb.DB) *Fork {
	return &Fork{
		db:    db,
		patch: make(map[string][]byte),
	}
}

func (f *Fork) Get(key []byte) ([]byte, error) {
	if v, ok := f.patch[string(key)]; ok {
		return v, nil
	}
	return f.db.Get(key)
}

func (f *Fork) Set(key, value []byte) {
	f.patch[string(key)] = value
}

func (f *Fork) Len() int { return len(f.patch) }

// Hash folds the patch into the previous state hash. Entries are visited in
// sorted key order, so any two nodes applying the same transactions to the
// same prior state get the same hash.
func (f *Fork) Hash(prev []byte) []byte {
	keys := make([]string, 0, len(f.patch))
	for k := range f.patch {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := make([]byte, 0, len(prev)+len(keys)*16)
	h = append(h, prev...)
	for _, k := range keys {
		h = appendLenPrefixed(h, []byte(k))
		h = appendLenPrefixed(h, f.patch[k])
	}
	return tmhash.Sum(h)
}

// applyTo stages the patch onto a commit batch.
func (f *Fork) applyTo(batch tmdb.Batch) error {
	keys := make([]string, 0, len(f.patch))
	for k := range f.patch {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := batch.Set([]byte(k), f.patch[k]); err != nil {
			return err
		}
	}
	return nil
}

func appendLenPrefixed(dst, b []byte) []byte {
	dst = append(dst,
		byte(len(b)), byte(len(b)>>8), byte(len(b)>>16), byte(len(b)>>24))
	return append(dst, b...)
}
