package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/mcc/pkg/types"
)

func newTestProtocol(t *testing.T) *Protocol {
	t.Helper()
	return NewProtocol(newTestStore(t), "run1")
}

func TestSeedThenReadState(t *testing.T) {
	p := newTestProtocol(t)
	ctx := context.Background()
	points := []types.Point{{0, 0}, {1, 1}, {2, 2}}

	require.NoError(t, p.Seed(ctx, points))

	st, err := p.ReadState(ctx)
	require.NoError(t, err)
	assert.Len(t, st.All, 3)
	assert.Len(t, st.Remaining, 3)
	assert.Empty(t, st.Completed)
	assert.Empty(t, st.InProgress)
}

func TestClaimCompleteLifecycle(t *testing.T) {
	p := newTestProtocol(t)
	ctx := context.Background()
	now := time.Unix(1000, 0)
	points := []types.Point{{0, 0}, {1, 1}}
	require.NoError(t, p.Seed(ctx, points))
	require.NoError(t, p.Register(ctx, "w1", now))

	claimed, err := p.Claim(ctx, "w1", now)
	require.NoError(t, err)

	st, err := p.ReadState(ctx)
	require.NoError(t, err)
	assert.Len(t, st.Remaining, 1)
	assert.Len(t, st.InProgress["w1"].Items, 1)

	require.NoError(t, p.Complete(ctx, "w1", claimed))

	st, err = p.ReadState(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.InProgress["w1"].Items)
	assert.Len(t, st.Completed, 1)
	assert.Equal(t, claimed.Key(), st.Completed[0].Key())
}

func TestClaimReturnsErrQueueEmptyWithoutMutating(t *testing.T) {
	p := newTestProtocol(t)
	ctx := context.Background()
	now := time.Unix(1000, 0)
	require.NoError(t, p.Seed(ctx, nil))
	require.NoError(t, p.Register(ctx, "w1", now))

	_, err := p.Claim(ctx, "w1", now)
	require.ErrorIs(t, err, ErrQueueEmpty)

	st, err := p.ReadState(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.Remaining)
	require.Contains(t, st.InProgress, "w1")
	assert.Empty(t, st.InProgress["w1"].Items)
}

func TestHeartbeatReportsUnregisteredAfterEviction(t *testing.T) {
	p := newTestProtocol(t)
	ctx := context.Background()
	now := time.Unix(1000, 0)
	require.NoError(t, p.Seed(ctx, []types.Point{{0, 0}}))
	require.NoError(t, p.Register(ctx, "w1", now))

	registered, err := p.Heartbeat(ctx, "w1", now.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, registered)

	_, err = p.EvictStalled(ctx, "w1")
	require.NoError(t, err)

	registered, err = p.Heartbeat(ctx, "w1", now.Add(2*time.Second))
	require.NoError(t, err)
	assert.False(t, registered)
}

func TestEvictStalledRequeuesItems(t *testing.T) {
	p := newTestProtocol(t)
	ctx := context.Background()
	now := time.Unix(1000, 0)
	points := []types.Point{{0, 0}, {1, 1}}
	require.NoError(t, p.Seed(ctx, points))
	require.NoError(t, p.Register(ctx, "w1", now))

	_, err := p.Claim(ctx, "w1", now)
	require.NoError(t, err)
	_, err = p.Claim(ctx, "w1", now)
	require.NoError(t, err)

	requeued, err := p.EvictStalled(ctx, "w1")
	require.NoError(t, err)
	assert.Len(t, requeued, 2)

	st, err := p.ReadState(ctx)
	require.NoError(t, err)
	assert.Len(t, st.Remaining, 2)
	assert.NotContains(t, st.InProgress, "w1")
}

func TestFinalizeDeletesAllKeys(t *testing.T) {
	p := newTestProtocol(t)
	ctx := context.Background()
	require.NoError(t, p.Seed(ctx, []types.Point{{0, 0}}))

	require.NoError(t, p.Finalize(ctx))

	st, err := p.ReadState(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.All)
	assert.Empty(t, st.Remaining)
}
