package version

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabCoord/backend/internal/connection"
	"collabCoord/backend/internal/entity"
)

func TestAttempt_Transitions(t *testing.T) {
	a := NewAttempt(3, 2)
	assert.Equal(t, Idle, a.State())

	expected, err := a.Begin()
	require.NoError(t, err)
	assert.Equal(t, int64(3), expected)
	assert.Equal(t, Attempting, a.State())

	// attempting 中不能再 begin
	_, err = a.Begin()
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, a.Resolve(AdvanceResult{Conflict: true, CurrentVersion: 4}))
	assert.Equal(t, ConflictDetected, a.State())
	assert.Equal(t, int64(4), a.Stored())
	assert.Equal(t, int64(3), a.Expected())

	require.NoError(t, a.Retry(4))
	assert.Equal(t, Retrying, a.State())
	assert.Equal(t, 1, a.Retries())

	expected, err = a.Begin()
	require.NoError(t, err)
	assert.Equal(t, int64(4), expected)
	require.NoError(t, a.Resolve(AdvanceResult{CurrentVersion: 5}))
	assert.Equal(t, Applied, a.State())
	assert.Equal(t, int64(5), a.Expected())
	assert.Equal(t, 0, a.Retries())

	assert.ErrorIs(t, a.Abandon(), ErrInvalidTransition)
	assert.ErrorIs(t, a.Retry(6), ErrInvalidTransition)

	// applied 之后可以开始下一次编辑
	_, err = a.Begin()
	require.NoError(t, err)
	require.NoError(t, a.Fail())
	assert.Equal(t, Idle, a.State())
	require.NoError(t, a.Abandon())
	assert.Equal(t, Abandoned, a.State())
	_, err = a.Begin()
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestAttempt_RetryLimit(t *testing.T) {
	a := NewAttempt(0, 1)
	_, _ = a.Begin()
	require.NoError(t, a.Resolve(AdvanceResult{Conflict: true, CurrentVersion: 1}))
	require.NoError(t, a.Retry(1))
	_, _ = a.Begin()
	require.NoError(t, a.Resolve(AdvanceResult{Conflict: true, CurrentVersion: 2}))
	assert.ErrorIs(t, a.Retry(2), ErrRetryLimit)
	assert.Equal(t, Abandoned, a.State())
}

func TestRun_ReconcilesAndApplies(t *testing.T) {
	ctx := context.Background()
	c, _ := newController(connection.StaticGate(true))
	for v := int64(0); v < 2; v++ {
		_, err := c.TryAdvance(ctx, doc, "other", v)
		require.NoError(t, err)
	}

	var seen []int64
	a := NewAttempt(0, 3)
	res, err := Run(ctx, c, doc, "me", a, func(current int64) bool {
		seen = append(seen, current)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, AdvanceResult{CurrentVersion: 3}, res)
	assert.Equal(t, []int64{2}, seen)
	assert.Equal(t, Applied, a.State())
}

func TestRun_Abandons(t *testing.T) {
	ctx := context.Background()
	c, _ := newController(connection.StaticGate(true))
	_, err := c.TryAdvance(ctx, doc, "other", 0)
	require.NoError(t, err)

	a := NewAttempt(0, 0)
	res, err := Run(ctx, c, doc, "me", a, func(int64) bool { return false })
	assert.ErrorIs(t, err, entity.ErrConflict)
	assert.True(t, res.Conflict)
	assert.Equal(t, Abandoned, a.State())

	// 离线：直接出错，回到 idle
	off, _ := newController(connection.StaticGate(false))
	b := NewAttempt(0, 0)
	_, err = Run(ctx, off, doc, "me", b, nil)
	assert.ErrorIs(t, err, entity.ErrSyncUnavailable)
	assert.Equal(t, Idle, b.State())
}
