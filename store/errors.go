package store

import (
	"errors"
	"fmt"
)

// ErrKeyNotFound reports a shard or registry record that does not exist.
type ErrKeyNotFound struct {
	Key string
}

func (e *ErrKeyNotFound) Error() string {
	return fmt.Sprintf("key not found: %s", e.Key)
}

// ErrConflict reports a conditional write that lost: the stored version
// token no longer matched the expected one, or a create hit an existing
// record.
type ErrConflict struct {
	Key string
}

func (e *ErrConflict) Error() string {
	return fmt.Sprintf("version conflict on key: %s", e.Key)
}

// ErrShardRetired reports a write against a tombstoned shard. Callers
// treat it like a missing shard and re-resolve membership.
type ErrShardRetired struct {
	ShardID string
}

func (e *ErrShardRetired) Error() string {
	return fmt.Sprintf("shard is retired: %s", e.ShardID)
}

// ErrStoreUnavailable wraps backend transport or engine failures,
// including context deadline expiry surfaced by the backend.
type ErrStoreUnavailable struct {
	Err error
}

func (e *ErrStoreUnavailable) Error() string {
	return fmt.Sprintf("store unavailable: %v", e.Err)
}

func (e *ErrStoreUnavailable) Unwrap() error {
	return e.Err
}

func IsNotFound(err error) bool {
	var target *ErrKeyNotFound
	return errors.As(err, &target)
}

func IsConflict(err error) bool {
	var target *ErrConflict
	return errors.As(err, &target)
}

func IsRetired(err error) bool {
	var target *ErrShardRetired
	return errors.As(err, &target)
}

func IsUnavailable(err error) bool {
	var target *ErrStoreUnavailable
	return errors.As(err, &target)
}
