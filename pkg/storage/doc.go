/*
Package storage persists knobd state.

Two stores live here:

  - FileStore keeps the single active-policy record (PolicyRecord) as JSON in
    a file shared with other processes. Access is serialised with flock(2) on
    a sidecar "<path>.lock" file: readers take a shared lock, writers an
    exclusive one. Locks are attempted non-blocking and retried with backoff;
    when the budget runs out the call fails with ErrLockTimeout. Writes go to
    a temp file in the same directory, are fsynced and renamed into place, so
    the record is never observed half-written.

  - BoltStore keeps the tuner state and the decision history in BoltDB
    (<dataDir>/knobd.db) with two buckets, tuner_state and decisions. It
    satisfies tuner.StateSaver, which is how history_len survives restarts.

# Switching policies

Update holds the exclusive lock for the whole read-modify-write so that a
health check, the apply call and the verification all happen while no other
writer can interleave:

	err := store.Update(ctx, func(cur *types.PolicyRecord) (*types.PolicyRecord, error) {
		if !healthy {
			return nil, errUnhealthy // file untouched
		}
		return &types.PolicyRecord{PolicyName: arm, AppliedAt: now, PreviousPolicyName: prev}, nil
	})

flock locks belong to the open file description, so two FileStores in the
same process exclude each other just like two processes do.

Records read back are validated; a malformed file is reported as an error
rather than replaced with defaults.
*/
package storage
