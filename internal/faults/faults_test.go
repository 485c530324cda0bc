package faults

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOfWrapped(t *testing.T) {
	base := errors.New("dial failed")
	f := Transportf(base, "peer %s offline", "x.onion:1")
	wrapped := fmt.Errorf("send: %w", f)

	require.Equal(t, Transport, KindOf(wrapped))
	require.True(t, Retryable(wrapped))
	require.ErrorIs(t, wrapped, base)
	require.Contains(t, wrapped.Error(), "peer x.onion:1 offline")
}

func TestConsensusNotRetryable(t *testing.T) {
	err := Consensusf(nil, "tx malleated")
	require.Equal(t, Consensus, KindOf(err))
	require.False(t, Retryable(err))
	require.Equal(t, Unknown, KindOf(errors.New("plain")))
	require.False(t, Is(nil, Unknown))
}
