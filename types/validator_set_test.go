package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeaderRotation(t *testing.T) {
	vals, _ := RandValidatorSet(4)

	// The leader walks the registry round robin over height plus round.
	assert.EqualValues(t, 2, vals.Leader(1, 1))
	assert.EqualValues(t, 3, vals.Leader(1, 2))
	assert.EqualValues(t, 0, vals.Leader(1, 3))
	assert.EqualValues(t, 3, vals.Leader(2, 1))

	// Same slot, same leader, regardless of how it was reached.
	assert.Equal(t, vals.Leader(3, 2), vals.Leader(3, 2))
}

func TestLeaderEveryValidatorGetsATurn(t *testing.T) {
	const n = 7
	vals, _ := RandValidatorSet(n)

	seen := make(map[ValidatorID]bool)
	for r := Round(1); r <= n; r++ {
		seen[vals.Leader(5, r)] = true
	}
	assert.Len(t, seen, n)
}

func TestQuorumSize(t *testing.T) {
	cases := []struct {
		n      int
		quorum int
	}{
		{1, 1},
		{2, 2},
		{3, 3},
		{4, 3},
		{5, 4},
		{6, 5},
		{7, 5},
		{10, 7},
	}
	for _, tc := range cases {
		vals, _ := RandValidatorSet(tc.n)
		assert.Equal(t, tc.quorum, vals.QuorumSize(), "n=%d", tc.n)
	}
}

func TestGetByAddress(t *testing.T) {
	vals, privs := RandValidatorSet(4)

	for i, pv := range privs {
		pub, err := pv.GetPubKey()
		require.NoError(t, err)
		id, val := vals.GetByAddress(pub.Address())
		assert.EqualValues(t, i, id)
		require.NotNil(t, val)
		assert.Equal(t, pub, val.PubKey)
	}

	id, val := vals.GetByAddress(make([]byte, 20))
	assert.EqualValues(t, -1, id)
	assert.Nil(t, val)
}

func TestValidatorSetHashChangesWithMembers(t *testing.T) {
	a, _ := RandValidatorSet(3)
	b, _ := RandValidatorSet(3)
	assert.NotEqual(t, a.Hash(), b.Hash())
	assert.Equal(t, a.Hash(), a.Copy().Hash())
}
