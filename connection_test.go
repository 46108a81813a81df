package jobcoord

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConnections_LazyAndMemoized(t *testing.T) {
	s, _, done := newMiniClient(t)
	defer done()

	c, err := NewConnections("redis://"+s.Addr(), nil)
	require.NoError(t, err)

	// No clients yet, so ping has nothing to check.
	require.NoError(t, c.Ping(context.Background()))

	main := c.Main()
	require.Same(t, main, c.Main())
	sub := c.Subscriber()
	require.Same(t, sub, c.Subscriber())
	require.NotSame(t, main, sub)

	require.NoError(t, c.Ping(context.Background()))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}

func TestNewConnections_BadURL(t *testing.T) {
	_, err := NewConnections("://nope", nil)
	require.Error(t, err)
}
