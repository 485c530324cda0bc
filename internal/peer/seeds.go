package peer

import (
	"fmt"
	"strings"

	"github.com/samber/lo"

	"tradenet/internal/proto"
)

// Network ids are encoded in the last digit of a seed's port.
const (
	NetworkMainnet = 0
	NetworkTestnet = 1
	NetworkRegtest = 2
)

var onionSeeds = []string{
	"3omjuxn7z73pxoee.onion:8000",
	"j24fxqyghjetgpdx.onion:8000",
	"45367tl6unwec6kw.onion:8000",
	"3omjuxn7z73pxoee.onion:8001",
	"j24fxqyghjetgpdx.onion:8001",
	"45367tl6unwec6kw.onion:8001",
	"3omjuxn7z73pxoee.onion:8002",
	"j24fxqyghjetgpdx.onion:8002",
	"45367tl6unwec6kw.onion:8002",
}

var localSeeds = []string{
	"localhost:2000",
	"localhost:3000",
	"localhost:2001",
	"localhost:3001",
	"localhost:2002",
	"localhost:3002",
}

func NetworkID(name string) (int, error) {
	switch strings.ToLower(name) {
	case "mainnet":
		return NetworkMainnet, nil
	case "testnet":
		return NetworkTestnet, nil
	case "regtest":
		return NetworkRegtest, nil
	default:
		return 0, fmt.Errorf("unknown network %q", name)
	}
}

func portNetworkID(a proto.NodeAddress) int {
	return a.Port % 10
}

// Seeds holds the static seed list. Seeds are never removed from it, failed
// ones are only skipped for the current round.
type Seeds struct {
	onion []proto.NodeAddress
	local []proto.NodeAddress
}

func DefaultSeeds() *Seeds {
	return &Seeds{
		onion: lo.Map(onionSeeds, func(s string, _ int) proto.NodeAddress { return proto.MustParseNodeAddress(s) }),
		local: lo.Map(localSeeds, func(s string, _ int) proto.NodeAddress { return proto.MustParseNodeAddress(s) }),
	}
}

// NewSeeds builds a seed list from an override. Addresses are used for both
// transports.
func NewSeeds(addrs []string) (*Seeds, error) {
	out := make([]proto.NodeAddress, 0, len(addrs))
	for _, s := range addrs {
		a, err := proto.ParseNodeAddress(s)
		if err != nil {
			return nil, fmt.Errorf("seed %q: %w", s, err)
		}
		out = append(out, a)
	}
	return &Seeds{onion: out, local: out}, nil
}

// SeedAddresses returns the seeds valid for networkID on the chosen
// transport, minus self and the optionally failed address.
func (s *Seeds) SeedAddresses(useLocal bool, networkID int, self proto.NodeAddress, failed *proto.NodeAddress) []proto.NodeAddress {
	list := s.onion
	if useLocal {
		list = s.local
	}
	out := lo.Filter(list, func(a proto.NodeAddress, _ int) bool {
		if portNetworkID(a) != networkID || sameNode(a, self) {
			return false
		}
		return failed == nil || a != *failed
	})
	return lo.Uniq(out)
}

func (s *Seeds) IsSeed(a proto.NodeAddress) bool {
	return lo.Contains(s.onion, a) || lo.Contains(s.local, a)
}

// sameNode treats localhost and 127.0.0.1 as the same host.
func sameNode(a, b proto.NodeAddress) bool {
	if a.Port != b.Port {
		return false
	}
	if a.Host == b.Host {
		return true
	}
	return a.IsLocalhost() && b.IsLocalhost()
}
