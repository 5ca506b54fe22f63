package region

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBufferExtend(t *testing.T) {
	buf := NewBuffer(128)
	require.Equal(t, 0, buf.Len())
	require.Equal(t, 128, buf.Capacity())
	require.Empty(t, buf.Bytes())

	offset, err := buf.Extend(40)
	require.NoError(t, err)
	require.Equal(t, 0, offset)
	require.Equal(t, 40, buf.Len())
	require.Len(t, buf.Bytes(), 40)

	offset, err = buf.Extend(88)
	require.NoError(t, err)
	require.Equal(t, 40, offset)
	require.Equal(t, 128, buf.Len())
}

func TestBufferExhaustion(t *testing.T) {
	buf := NewBuffer(64)

	_, err := buf.Extend(40)
	require.NoError(t, err)

	_, err = buf.Extend(32)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrExhausted)

	// A failed extension leaves the region unchanged
	require.Equal(t, 40, buf.Len())

	offset, err := buf.Extend(24)
	require.NoError(t, err)
	require.Equal(t, 40, offset)
}

func TestBufferOffsetsSurviveExtend(t *testing.T) {
	buf := NewBuffer(64)

	_, err := buf.Extend(16)
	require.NoError(t, err)
	buf.Bytes()[8] = 0xAB

	_, err = buf.Extend(16)
	require.NoError(t, err)
	require.Equal(t, byte(0xAB), buf.Bytes()[8])
}

func TestBufferAt(t *testing.T) {
	backing := make([]byte, 72)
	buf := NewBufferAt(backing)
	require.Equal(t, 72, buf.Capacity())

	_, err := buf.Extend(72)
	require.NoError(t, err)

	_, err = buf.Extend(8)
	require.ErrorIs(t, err, ErrExhausted)
}

func TestBufferNegativeExtend(t *testing.T) {
	buf := NewBuffer(64)

	_, err := buf.Extend(-8)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrExhausted)
}
