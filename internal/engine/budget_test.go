package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBudgetReserveRelease(t *testing.T) {
	t.Parallel()

	b := newBudget(2)
	require.True(t, b.Reserve())
	require.True(t, b.Reserve())
	require.False(t, b.Reserve())

	b.Release()
	require.True(t, b.Reserve())
	require.False(t, b.Reserve())
}

func TestBudgetUnlimited(t *testing.T) {
	t.Parallel()

	b := newBudget(0)
	for i := 0; i < 100; i++ {
		require.True(t, b.Reserve())
	}
}
