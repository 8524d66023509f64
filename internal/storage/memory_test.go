package storage

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBackend(t *testing.T) {
	runBackendSuite(t, func(t *testing.T) StorageBackend { return NewMemoryBackend() })
}

func TestMemoryBackendReturnsCopies(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	pol := newPolicy(uuid.New(), uuid.New())
	require.NoError(t, b.CreatePolicy(ctx, pol))
	req := newRequest(pol, uuid.New())
	require.NoError(t, b.InsertRequest(ctx, req))

	got, err := b.GetRequest(ctx, req.ID, false)
	require.NoError(t, err)
	got.Commits[0].NewVersion.BlindIndex = "mutated"
	got.Policy.Approvers[0] = uuid.Nil

	again, err := b.GetRequest(ctx, req.ID, false)
	require.NoError(t, err)
	assert.Equal(t, "idx-a", again.Commits[0].NewVersion.BlindIndex)
	assert.NotEqual(t, uuid.Nil, again.Policy.Approvers[0])
}

func TestMemoryBackendCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b := NewMemoryBackend()
	assert.ErrorIs(t, b.Ping(ctx), context.Canceled)
	_, err := b.GetPolicy(ctx, uuid.New())
	assert.ErrorIs(t, err, context.Canceled)
}
