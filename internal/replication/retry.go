package replication

import (
	"errors"

	"github.com/dreamware/replicator/internal/shard"
)

// Decision is what the retry policy wants done with a failed attempt.
type Decision int

const (
	// Fail surfaces the error to the caller.
	Fail Decision = iota
	// RetryAfterStateChange re-resolves routing once a newer cluster state
	// has been published.
	RetryAfterStateChange
	// RetryAfterUnblock waits for a cluster state without the offending
	// blocks.
	RetryAfterUnblock
)

func (d Decision) String() string {
	switch d {
	case RetryAfterStateChange:
		return "retry_after_state_change"
	case RetryAfterUnblock:
		return "retry_after_unblock"
	default:
		return "fail"
	}
}

// RetryPolicy classifies attempt failures.
type RetryPolicy struct{}

// Decide returns how to proceed after err. Failures of the mutation itself
// are never retried, whatever they wrap.
func (RetryPolicy) Decide(err error) Decision {
	var (
		execErr     *PrimaryExecutionError
		staleErr    *StalePrimaryError
		blockedErr  *BlockedError
		mismatchErr *PrimaryMismatchError
		notFoundErr *ShardNotFoundError
		timeoutErr  *TimeoutError
	)
	switch {
	case err == nil:
		return Fail
	case errors.As(err, &execErr), errors.As(err, &staleErr), errors.As(err, &timeoutErr):
		return Fail
	case errors.As(err, &blockedErr):
		if blockedErr.Retryable() {
			return RetryAfterUnblock
		}
		return Fail
	case errors.As(err, &mismatchErr),
		errors.As(err, &notFoundErr),
		errors.Is(err, shard.ErrNotInPrimaryMode),
		errors.Is(err, shard.ErrClosed),
		errors.Is(err, ErrNodeUnreachable):
		return RetryAfterStateChange
	}
	return Fail
}
