package proto

import "sort"

type Capability int

const (
	CapSeedNode Capability = iota + 1
	CapMailbox
	CapRefreshTTL
	CapRegistration
	CapDelayedPayout
	CapDisputeNotify
)

// Capabilities is the list of protocol feature flags a node supports. It is
// carried on every capability-aware envelope.
type Capabilities []Capability

func SupportedCapabilities() Capabilities {
	return Capabilities{CapMailbox, CapRefreshTTL, CapRegistration, CapDelayedPayout, CapDisputeNotify}
}

func (c Capabilities) Has(want Capability) bool {
	for _, v := range c {
		if v == want {
			return true
		}
	}
	return false
}

func (c Capabilities) HasAll(want ...Capability) bool {
	for _, w := range want {
		if !c.Has(w) {
			return false
		}
	}
	return true
}

// Normalize drops duplicates and values this node does not know about.
func (c Capabilities) Normalize() Capabilities {
	seen := make(map[Capability]bool, len(c))
	out := make(Capabilities, 0, len(c))
	for _, v := range c {
		if v < CapSeedNode || v > CapDisputeNotify || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (c Capabilities) With(extra ...Capability) Capabilities {
	out := append(Capabilities{}, c...)
	out = append(out, extra...)
	return out.Normalize()
}
