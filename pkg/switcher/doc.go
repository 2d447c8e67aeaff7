/*
Package switcher implements the health-gated policy switch.

A switch walks a small state machine while holding the exclusive state lock:

	IDLE -> HEALTH_CHECKING -> FETCHING_CURRENT -> APPLYING -> VERIFYING -> COMMITTED
	                 |                 |               |            |
	                 +-----------------+---------------+------------+--> ABORTED

Each abort maps to a process exit code and leaves the persisted record
byte-identical:

	3  health gate reported not ok
	4  current policy could not be fetched
	5  the service rejected the apply
	6  the service does not report the new arm after applying
	7  the state lock could not be acquired

An unknown arm exits with 2 before any lock is taken. A dry run stops after
FETCHING_CURRENT. Every attempt emits exactly one audit line tagged
BANDIT_SELECT, "BANDIT_SELECT (dryrun)" or SELECT_ABORT.
*/
package switcher
