package pool

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidBounds     = errors.New("bounds min must be strictly below max")
	ErrInvalidSeedShards = errors.New("seed shard count must be positive")
	ErrInvalidSplitCount = errors.New("split target count must be at least 2")
	ErrSameShard         = errors.New("merge requires two distinct shards")
)

// ErrSplitFailed reports a split that did not commit. The source shard
// is untouched unless Created is non-empty: in that case the source was
// retired and the listed replacement shards exist but are not yet
// registered, which the next reconcile pass completes.
type ErrSplitFailed struct {
	CounterID string
	SourceID  string
	Created   []string
	Err       error
}

func (e *ErrSplitFailed) Error() string {
	return fmt.Sprintf("split of shard %s on counter %s failed: %v", e.SourceID, e.CounterID, e.Err)
}

func (e *ErrSplitFailed) Unwrap() error {
	return e.Err
}

// ErrMergeConflict reports a merge that gave up. Residue is zero unless
// the transfer into the target had landed and could not be compensated
// after the source retire failed; a non-zero Residue means the counter
// reads high by that amount until the merge is retried or the shards
// are inspected by hand.
type ErrMergeConflict struct {
	CounterID string
	SourceID  string
	TargetID  string
	Residue   int64
	Err       error
}

func (e *ErrMergeConflict) Error() string {
	if e.Residue != 0 {
		return fmt.Sprintf("merge of %s into %s on counter %s failed with %d uncompensated: %v",
			e.SourceID, e.TargetID, e.CounterID, e.Residue, e.Err)
	}
	return fmt.Sprintf("merge of %s into %s on counter %s conflicted: %v",
		e.SourceID, e.TargetID, e.CounterID, e.Err)
}

func (e *ErrMergeConflict) Unwrap() error {
	return e.Err
}
