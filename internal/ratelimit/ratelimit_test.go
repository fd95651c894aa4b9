package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllowRespectsBurst(t *testing.T) {
	l := New(Config{RequestsPerSecond: 1, Burst: 2})
	require.True(t, l.Allow("p1"))
	require.True(t, l.Allow("p1"))
	require.False(t, l.Allow("p1"))
}

func TestAllowTracksPrincipalsIndependently(t *testing.T) {
	l := New(Config{RequestsPerSecond: 1, Burst: 1})
	require.True(t, l.Allow("p1"))
	require.False(t, l.Allow("p1"))
	require.True(t, l.Allow("p2"))
}

func TestDisabledLimiterAlwaysAllows(t *testing.T) {
	l := New(Config{})
	for i := 0; i < 100; i++ {
		require.True(t, l.Allow("p1"))
	}
}

func TestResetRestoresBurst(t *testing.T) {
	l := New(Config{RequestsPerSecond: 1, Burst: 1})
	require.True(t, l.Allow("p1"))
	require.False(t, l.Allow("p1"))
	l.Reset("p1")
	require.True(t, l.Allow("p1"))
}
