package state

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cfg "github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tm-db/memdb"

	"bftchain/mempool"
	"bftchain/store"
	"bftchain/types"
)

const testChainID = "exec-test-chain"

type execTestSetup struct {
	state   State
	privs   []types.PrivValidator
	kv      *store.KVStore
	mem     *mempool.ListMempool
	exec    BlockExecutor
	cleanup func()
}

func newExecSetup(t *testing.T, nVals int) *execTestSetup {
	vals, privs := types.RandValidatorSet(nVals)
	genDoc := &types.GenesisDoc{
		ChainID:     testChainID,
		GenesisTime: time.Now(),
	}
	for i := 0; i < nVals; i++ {
		pub, err := privs[i].GetPubKey()
		require.NoError(t, err)
		genDoc.Validators = append(genDoc.Validators, types.GenesisValidator{
			Address: pub.Address(), PubKey: pub,
		})
	}
	require.NoError(t, genDoc.ValidateAndComplete())

	st, genBlock := MakeGenesisState(genDoc)
	require.Equal(t, vals.Hash(), st.Validators.Hash())

	kv := store.NewKVStoreWithDB(memdb.NewDB(), log.TestingLogger())
	require.NoError(t, kv.SaveBlock(genBlock, nil, nil, nil))

	config := cfg.ResetTestRoot("executor_test")
	mem := mempool.NewListMempool(config.Mempool, 0)
	mem.SetLogger(log.TestingLogger())

	exec := NewBlockExec(kv, store.NewKVApp(), mem)
	exec.SetLogger(log.TestingLogger())

	return &execTestSetup{
		state: st, privs: privs, kv: kv, mem: mem, exec: exec,
		cleanup: func() { os.RemoveAll(config.RootDir) },
	}
}

func (s *execTestSetup) addTxs(t *testing.T, txs ...string) types.Txs {
	out := make(types.Txs, 0, len(txs))
	for _, tx := range txs {
		require.NoError(t, s.mem.CheckTx(types.Tx(tx), mempool.TxInfo{}))
		out = append(out, types.Tx(tx))
	}
	return out
}

func (s *execTestSetup) certify(t *testing.T, block *types.Block, round types.Round,
	ids ...types.ValidatorID) [][]byte {
	var out [][]byte
	for _, id := range ids {
		pc := types.NewPrecommit(id, block.Height, round,
			block.LastBlockHash, block.Hash(), time.Now())
		require.NoError(t, s.privs[id].SignPrecommit(testChainID, pc))
		bz, err := types.EncodeMessage(pc)
		require.NoError(t, err)
		out = append(out, bz)
	}
	return out
}

func TestCreateProposalPreservesPoolOrder(t *testing.T) {
	s := newExecSetup(t, 4)
	defer s.cleanup()

	txs := s.addTxs(t, "a=1", "b=2", "c=3")
	propose, reaped := s.exec.CreateProposal(s.state, 1, 1, 2)

	require.Len(t, reaped, 3)
	require.Len(t, propose.TxHashes, 3)
	for i := range txs {
		assert.Equal(t, txs[i].Hash(), propose.TxHashes[i])
	}
	assert.EqualValues(t, 1, propose.Height)
	assert.EqualValues(t, 2, propose.Validator)
	assert.Equal(t, s.state.LastBlockHash, propose.PrevHash)
}

func TestExecuteProposeDeterministic(t *testing.T) {
	s := newExecSetup(t, 4)
	defer s.cleanup()

	txs := s.addTxs(t, "x=1", "x=2")
	propose, reaped := s.exec.CreateProposal(s.state, 1, 1, 0)

	blockA, _, err := s.exec.ExecutePropose(s.state, propose, reaped)
	require.NoError(t, err)
	blockB, _, err := s.exec.ExecutePropose(s.state, propose, txs)
	require.NoError(t, err)

	assert.Equal(t, blockA.Hash(), blockB.Hash())
	assert.Equal(t, s.state.LastBlockHash, blockA.LastBlockHash)
	assert.EqualValues(t, 2, blockA.NumTxs)
}

func TestExecuteProposeRejectsWrongParent(t *testing.T) {
	s := newExecSetup(t, 4)
	defer s.cleanup()

	txs := s.addTxs(t, "a=1")
	propose := types.NewPropose(0, 1, 1, types.Tx("bogus").Hash(), txs.Hashes())

	_, _, err := s.exec.ExecutePropose(s.state, propose, txs)
	require.Error(t, err)
	assert.IsType(t, ErrInvalidPropose{}, err)
}

func TestExecuteProposeRejectsWrongHeight(t *testing.T) {
	s := newExecSetup(t, 4)
	defer s.cleanup()

	propose := types.NewPropose(0, 5, 1, s.state.LastBlockHash, nil)
	_, _, err := s.exec.ExecutePropose(s.state, propose, nil)
	require.Error(t, err)
	assert.IsType(t, ErrInvalidPropose{}, err)
}

func TestCommitAdvancesState(t *testing.T) {
	s := newExecSetup(t, 4)
	defer s.cleanup()

	txs := s.addTxs(t, "color=blue")
	propose, reaped := s.exec.CreateProposal(s.state, 1, 1, 0)
	block, fork, err := s.exec.ExecutePropose(s.state, propose, reaped)
	require.NoError(t, err)

	precommits := s.certify(t, block, 1, 0, 1, 2)
	newState, err := s.exec.Commit(s.state, block, reaped, precommits, fork)
	require.NoError(t, err)

	assert.EqualValues(t, 1, newState.LastBlockHeight)
	assert.Equal(t, block.Hash(), newState.LastBlockHash)
	assert.Equal(t, block.StateHash, newState.StateHash)
	assert.EqualValues(t, 1, s.kv.Height())

	// committed txs left the pool
	assert.Equal(t, 0, s.mem.Size())
	assert.False(t, s.mem.HasTx(txs[0].Hash()))

	v, err := s.kv.Get([]byte("color"))
	require.NoError(t, err)
	assert.Equal(t, []byte("blue"), v)
}

func TestCommitRejectsThinCertificate(t *testing.T) {
	s := newExecSetup(t, 4)
	defer s.cleanup()

	propose, reaped := s.exec.CreateProposal(s.state, 1, 1, 0)
	block, fork, err := s.exec.ExecutePropose(s.state, propose, reaped)
	require.NoError(t, err)

	precommits := s.certify(t, block, 1, 0, 1)
	newState, err := s.exec.Commit(s.state, block, reaped, precommits, fork)
	require.Error(t, err)
	assert.IsType(t, ErrCommitPrecondition{}, err)

	// nothing moved
	assert.Equal(t, s.state.LastBlockHeight, newState.LastBlockHeight)
	assert.EqualValues(t, 0, s.kv.Height())
}

func TestCommitRejectsDuplicateVoter(t *testing.T) {
	s := newExecSetup(t, 4)
	defer s.cleanup()

	propose, reaped := s.exec.CreateProposal(s.state, 1, 1, 0)
	block, fork, err := s.exec.ExecutePropose(s.state, propose, reaped)
	require.NoError(t, err)

	precommits := s.certify(t, block, 1, 0, 1, 1)
	_, err = s.exec.Commit(s.state, block, reaped, precommits, fork)
	require.Error(t, err)
	assert.IsType(t, ErrCommitPrecondition{}, err)
}

func TestCommitRejectsWrongBlockHash(t *testing.T) {
	s := newExecSetup(t, 4)
	defer s.cleanup()

	propose, reaped := s.exec.CreateProposal(s.state, 1, 1, 0)
	block, fork, err := s.exec.ExecutePropose(s.state, propose, reaped)
	require.NoError(t, err)

	other := types.NewBlock(1, 0, 0, s.state.LastBlockHash,
		make([]byte, types.HashSize), make([]byte, types.HashSize))
	precommits := s.certify(t, other, 1, 0, 1, 2)

	_, err = s.exec.Commit(s.state, block, reaped, precommits, fork)
	require.Error(t, err)
	assert.IsType(t, ErrCommitPrecondition{}, err)
}

func TestCommitRejectsMixedRounds(t *testing.T) {
	s := newExecSetup(t, 4)
	defer s.cleanup()

	propose, reaped := s.exec.CreateProposal(s.state, 1, 1, 0)
	block, fork, err := s.exec.ExecutePropose(s.state, propose, reaped)
	require.NoError(t, err)

	precommits := s.certify(t, block, 1, 0, 1)
	precommits = append(precommits, s.certify(t, block, 2, 2)...)

	_, err = s.exec.Commit(s.state, block, reaped, precommits, fork)
	require.Error(t, err)
	assert.IsType(t, ErrCommitPrecondition{}, err)
}

func TestCommitRejectsForeignSignature(t *testing.T) {
	s := newExecSetup(t, 4)
	defer s.cleanup()

	propose, reaped := s.exec.CreateProposal(s.state, 1, 1, 0)
	block, fork, err := s.exec.ExecutePropose(s.state, propose, reaped)
	require.NoError(t, err)

	// validator 2's vote signed by an outsider key
	outsider := types.NewMockPV()
	pc := types.NewPrecommit(2, 1, 1, block.LastBlockHash, block.Hash(), time.Now())
	require.NoError(t, outsider.SignPrecommit(testChainID, pc))
	bad, err := types.EncodeMessage(pc)
	require.NoError(t, err)

	precommits := s.certify(t, block, 1, 0, 1)
	precommits = append(precommits, bad)

	_, err = s.exec.Commit(s.state, block, reaped, precommits, fork)
	require.Error(t, err)
	assert.IsType(t, ErrCommitPrecondition{}, err)
}
