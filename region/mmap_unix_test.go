//go:build linux || darwin

package region

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMmapExtend(t *testing.T) {
	m, err := NewMmap(1 << 16)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, m.Close())
	}()

	require.GreaterOrEqual(t, m.Capacity(), 1<<16)
	require.Equal(t, 0, m.Len())

	offset, err := m.Extend(4096)
	require.NoError(t, err)
	require.Equal(t, 0, offset)

	// The mapping never moves, so committed bytes stay put across extensions.
	m.Bytes()[100] = 0xEE
	offset, err = m.Extend(4096)
	require.NoError(t, err)
	require.Equal(t, 4096, offset)
	require.Equal(t, byte(0xEE), m.Bytes()[100])
}

func TestMmapExhaustion(t *testing.T) {
	m, err := NewMmap(4096)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, m.Close())
	}()

	_, err = m.Extend(m.Capacity())
	require.NoError(t, err)

	_, err = m.Extend(8)
	require.ErrorIs(t, err, ErrExhausted)

	// A failed extension leaves the region unchanged
	require.Equal(t, m.Capacity(), m.Len())
}

func TestMmapRejectsNonPositiveSize(t *testing.T) {
	_, err := NewMmap(0)
	require.Error(t, err)

	_, err = NewMmap(-4096)
	require.Error(t, err)
}
