package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAllowPerOrganization(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := New(2)
	rl.now = func() time.Time { return now }

	require.True(t, rl.Allow("a"))
	require.True(t, rl.Allow("a"))
	require.False(t, rl.Allow("a"))
	require.True(t, rl.Allow("b"))
	require.Equal(t, time.Minute, rl.RetryAfter("a"))

	now = now.Add(30 * time.Second)
	require.False(t, rl.Allow("a"))
	require.Equal(t, 30*time.Second, rl.RetryAfter("a"))

	now = now.Add(30 * time.Second)
	require.True(t, rl.Allow("a"))
	require.Zero(t, rl.RetryAfter("unknown"))
}

func TestDisabledLimiter(t *testing.T) {
	rl := New(0)
	for range 100 {
		require.True(t, rl.Allow("a"))
	}
}
