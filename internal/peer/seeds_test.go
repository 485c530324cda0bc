package peer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"tradenet/internal/proto"
)

func TestSeedAddressesFiltersByNetworkID(t *testing.T) {
	s := DefaultSeeds()
	got := s.SeedAddresses(false, NetworkTestnet, proto.NodeAddress{}, nil)
	require.Len(t, got, 3)
	for _, a := range got {
		require.Equal(t, 8001, a.Port)
		require.True(t, a.IsOnion())
	}
}

func TestSeedAddressesExcludesSelfAndFailed(t *testing.T) {
	s := DefaultSeeds()
	self := proto.MustParseNodeAddress("127.0.0.1:2002")
	got := s.SeedAddresses(true, NetworkRegtest, self, nil)
	require.Equal(t, []proto.NodeAddress{proto.MustParseNodeAddress("localhost:3002")}, got)

	failed := proto.MustParseNodeAddress("localhost:3002")
	got = s.SeedAddresses(true, NetworkRegtest, proto.NodeAddress{}, &failed)
	require.Equal(t, []proto.NodeAddress{proto.MustParseNodeAddress("localhost:2002")}, got)
	require.True(t, s.IsSeed(failed), "failed seeds stay in the static list")
}

func TestNewSeedsOverride(t *testing.T) {
	s, err := NewSeeds([]string{"127.0.0.1:5002", "127.0.0.1:5001"})
	require.NoError(t, err)
	got := s.SeedAddresses(true, NetworkRegtest, proto.NodeAddress{}, nil)
	require.Equal(t, []proto.NodeAddress{proto.MustParseNodeAddress("127.0.0.1:5002")}, got)

	_, err = NewSeeds([]string{"nope"})
	require.Error(t, err)
}

func TestNetworkID(t *testing.T) {
	id, err := NetworkID("RegTest")
	require.NoError(t, err)
	require.Equal(t, NetworkRegtest, id)
	_, err = NetworkID("moon")
	require.Error(t, err)
}
