// Package memnet is an in-process Transport for multi-node tests.
package memnet

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"tradenet/internal/faults"
	"tradenet/internal/network"
	"tradenet/internal/proto"
)

var ErrUnreachable = errors.New("unreachable")

// Network is an in-process network. Exchanges call the target's handler
// directly and mirror the QUIC client's error classification.
type Network struct {
	mu       sync.Mutex
	handlers map[string]network.Handler
	down     map[string]bool
	counts   map[string]int
}

func New() *Network {
	return &Network{
		handlers: make(map[string]network.Handler),
		down:     make(map[string]bool),
		counts:   make(map[string]int),
	}
}

func (n *Network) Listen(addr proto.NodeAddress, h network.Handler) {
	n.mu.Lock()
	n.handlers[addr.String()] = h
	delete(n.down, addr.String())
	n.mu.Unlock()
}

// SetDown makes addr unreachable until it is brought back up.
func (n *Network) SetDown(addr proto.NodeAddress, down bool) {
	n.mu.Lock()
	n.down[addr.String()] = down
	n.mu.Unlock()
}

// Count reports how many frames of msgType were delivered.
func (n *Network) Count(msgType string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.counts[msgType]
}

func (n *Network) Transport(from proto.NodeAddress) network.Transport {
	return &memTransport{net: n, from: from}
}

type memTransport struct {
	net  *Network
	from proto.NodeAddress
}

func (t *memTransport) Exchange(ctx context.Context, to proto.NodeAddress, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, faults.Transportf(err, "exchange with %s", to)
	}
	n := t.net
	n.mu.Lock()
	h, ok := n.handlers[to.String()]
	if !ok || n.down[to.String()] {
		n.mu.Unlock()
		return nil, faults.Transportf(ErrUnreachable, "exchange with %s", to)
	}
	if env, err := proto.DecodeEnvelope(payload); err == nil {
		n.counts[env.Type]++
	}
	n.mu.Unlock()

	data := append([]byte(nil), payload...)
	resp, err := h(ctx, data, t.from.Host)
	if err != nil {
		return nil, faults.New(faults.ProtocolViolation, fmt.Sprintf("rejected by %s: %v", to, err))
	}
	return resp, nil
}
