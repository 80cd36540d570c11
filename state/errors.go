package state

import "fmt"

// ErrInvalidPropose means a proposal cannot produce a block on the current
// state.
type ErrInvalidPropose struct {
	Reason string
}

func (e ErrInvalidPropose) Error() string {
	return fmt.Sprintf("invalid propose: %s", e.Reason)
}

// ErrCommitPrecondition means the commit preconditions did not hold: not
// enough precommits, a mismatching vote, or a bad signature. The state is
// left untouched.
type ErrCommitPrecondition struct {
	Reason string
}

func (e ErrCommitPrecondition) Error() string {
	return fmt.Sprintf("commit precondition violated: %s", e.Reason)
}
