package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/replicator/internal/actions"
	"github.com/dreamware/replicator/internal/cluster"
	"github.com/dreamware/replicator/internal/coordinator"
	"github.com/dreamware/replicator/internal/permits"
	"github.com/dreamware/replicator/internal/replication"
	"github.com/dreamware/replicator/internal/shard"
	"github.com/dreamware/replicator/internal/storage"
)

var errShardID = cluster.ShardID{Index: "users", IndexUUID: "u-1", Shard: 2}

// roundTrip encodes err the way the server does and decodes it the way the
// HTTP transport does.
func roundTrip(t *testing.T, err error) (int, error) {
	t.Helper()
	status, env := EncodeError(err)
	data, merr := json.Marshal(env)
	require.NoError(t, merr)
	return status, DecodeError(status, data)
}

func TestErrorRoundTripTyped(t *testing.T) {
	t.Run("blocked", func(t *testing.T) {
		in := &replication.BlockedError{Blocks: []cluster.Block{
			{ID: 4, Description: "index closed", Levels: cluster.BlockLevelAll, Status: http.StatusBadRequest},
		}}
		status, out := roundTrip(t, fmt.Errorf("attempt: %w", in))
		assert.Equal(t, http.StatusBadRequest, status)

		var blocked *replication.BlockedError
		require.ErrorAs(t, out, &blocked)
		assert.Equal(t, in.Blocks, blocked.Blocks)
		assert.False(t, blocked.Retryable())
	})

	t.Run("retryable block", func(t *testing.T) {
		in := &replication.BlockedError{Blocks: []cluster.Block{
			{ID: 1, Description: "no master", Levels: cluster.BlockLevelWrite, Retryable: true},
		}}
		status, out := roundTrip(t, in)
		assert.Equal(t, http.StatusServiceUnavailable, status)
		assert.Equal(t, replication.RetryAfterUnblock, replication.RetryPolicy{}.Decide(out))
	})

	t.Run("shard not found", func(t *testing.T) {
		in := &replication.ShardNotFoundError{ShardID: errShardID, NodeID: "node-2", AllocationID: "a-9"}
		status, out := roundTrip(t, in)
		assert.Equal(t, http.StatusNotFound, status)

		var notFound *replication.ShardNotFoundError
		require.ErrorAs(t, out, &notFound)
		assert.Equal(t, *in, *notFound)
	})

	t.Run("primary mismatch", func(t *testing.T) {
		in := &replication.PrimaryMismatchError{ShardID: errShardID, Expected: "a-1", Actual: "a-2", ExpectedTerm: 3, ActualTerm: 4}
		status, out := roundTrip(t, in)
		assert.Equal(t, http.StatusConflict, status)

		var mismatch *replication.PrimaryMismatchError
		require.ErrorAs(t, out, &mismatch)
		assert.Equal(t, *in, *mismatch)
		assert.Equal(t, replication.RetryAfterStateChange, replication.RetryPolicy{}.Decide(out))
	})

	t.Run("timeout keeps its cause", func(t *testing.T) {
		in := &replication.TimeoutError{Err: permits.ErrTimeout, Op: "acquiring primary permit", ShardID: errShardID}
		status, out := roundTrip(t, in)
		assert.Equal(t, http.StatusGatewayTimeout, status)

		var timeout *replication.TimeoutError
		require.ErrorAs(t, out, &timeout)
		assert.Equal(t, in.Op, timeout.Op)
		assert.Equal(t, errShardID, timeout.ShardID)
		assert.ErrorIs(t, out, permits.ErrTimeout)
	})

	t.Run("primary execution", func(t *testing.T) {
		in := &replication.PrimaryExecutionError{
			Err:         fmt.Errorf("%w: empty key", storage.ErrInvalidOperation),
			ShardID:     errShardID,
			PrimaryTerm: 7,
		}
		status, out := roundTrip(t, in)
		assert.Equal(t, http.StatusBadRequest, status)

		var execErr *replication.PrimaryExecutionError
		require.ErrorAs(t, out, &execErr)
		assert.Equal(t, int64(7), execErr.PrimaryTerm)
		assert.ErrorIs(t, out, storage.ErrInvalidOperation)
		assert.Equal(t, replication.Fail, replication.RetryPolicy{}.Decide(out))
	})

	t.Run("superseded primary", func(t *testing.T) {
		in := &replication.StalePrimaryError{
			Err:         fmt.Errorf("%w: operation term 1, shard term 2", shard.ErrStalePrimaryTerm),
			ShardID:     errShardID,
			PrimaryTerm: 1,
		}
		status, out := roundTrip(t, in)
		assert.Equal(t, http.StatusConflict, status)

		var stale *replication.StalePrimaryError
		require.ErrorAs(t, out, &stale)
		assert.Equal(t, int64(1), stale.PrimaryTerm)
		assert.Equal(t, errShardID, stale.ShardID)
		assert.ErrorIs(t, out, shard.ErrStalePrimaryTerm)
		assert.Equal(t, replication.Fail, replication.RetryPolicy{}.Decide(out))
	})

	t.Run("primary execution without known cause", func(t *testing.T) {
		in := &replication.PrimaryExecutionError{Err: errors.New("disk on fire"), ShardID: errShardID, PrimaryTerm: 1}
		status, out := roundTrip(t, in)
		assert.Equal(t, http.StatusInternalServerError, status)
		assert.Contains(t, out.Error(), "disk on fire")
	})
}

func TestErrorRoundTripSentinels(t *testing.T) {
	tests := []struct {
		sentinel error
		status   int
	}{
		{shard.ErrNotInPrimaryMode, http.StatusConflict},
		{shard.ErrNotReplica, http.StatusConflict},
		{shard.ErrStalePrimaryTerm, http.StatusConflict},
		{shard.ErrClosed, http.StatusServiceUnavailable},
		{permits.ErrTimeout, http.StatusGatewayTimeout},
		{replication.ErrNodeUnreachable, http.StatusBadGateway},
		{replication.ErrUnknownAction, http.StatusBadRequest},
		{storage.ErrInvalidOperation, http.StatusBadRequest},
		{storage.ErrKeyNotFound, http.StatusNotFound},
		{actions.ErrInvalidRequest, http.StatusBadRequest},
		{actions.ErrBlockMissing, http.StatusConflict},
		{actions.ErrUncommittedOperations, http.StatusConflict},
		{coordinator.ErrUnknownIndex, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.sentinel.Error(), func(t *testing.T) {
			in := fmt.Errorf("%w: with detail", tt.sentinel)
			status, out := roundTrip(t, in)
			assert.Equal(t, tt.status, status)
			assert.ErrorIs(t, out, tt.sentinel)
			assert.Equal(t, in.Error(), out.Error())
		})
	}
}

func TestErrorSeveralSentinelsEncodeStably(t *testing.T) {
	err := errors.Join(shard.ErrClosed, fmt.Errorf("primary: %w", shard.ErrNotInPrimaryMode))
	for i := 0; i < 50; i++ {
		status, env := EncodeError(err)
		require.Equal(t, "not_in_primary_mode", env.Error.Kind)
		require.Equal(t, http.StatusConflict, status)
	}
}

func TestErrorUnknown(t *testing.T) {
	status, out := roundTrip(t, errors.New("something odd"))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.EqualError(t, out, "something odd")

	status, env := EncodeError(errors.New("x"))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, KindInternal, env.Error.Kind)
}

func TestDecodeErrorNotAnEnvelope(t *testing.T) {
	err := DecodeError(http.StatusBadGateway, []byte("<html>bad gateway</html>"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")

	err = DecodeError(http.StatusBadRequest, []byte(`{"error":{}}`))
	assert.Contains(t, err.Error(), "status 400")
}
