package gen

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClamp(t *testing.T) {
	require.Equal(t, 3, Clamp(5, 0, 3))
	require.Equal(t, 0, Clamp(-5, 0, 3))
	require.Equal(t, 2, Clamp(2, 0, 3))
	require.Equal(t, float32(0.5), Clamp(float32(0.5), 0, 1))
}

func TestAbs(t *testing.T) {
	require.Equal(t, 7, Abs(-7))
	require.Equal(t, 7, Abs(7))
	require.Equal(t, float64(1.5), Abs(-1.5))
}

func TestDeleteFromSliceUnordered(t *testing.T) {
	a := []int{1, 2, 3, 4}
	a = DeleteFromSliceUnordered(a, 1)
	require.ElementsMatch(t, []int{1, 3, 4}, a)

	a = []int{1}
	a = DeleteFromSliceUnordered(a, 0)
	require.Empty(t, a)
}
