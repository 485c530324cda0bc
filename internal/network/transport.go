// Package network carries framed envelopes between nodes over QUIC. Every
// exchange is one bidirectional stream: the caller writes a frame, closes its
// write side and reads at most one frame back.
package network

import (
	"context"
	"time"

	"tradenet/internal/proto"
)

const (
	maxIdleTimeout       = 60 * time.Second
	keepAlivePeriod      = 15 * time.Second
	handshakeIdleTimeout = 10 * time.Second
	streamRWTimeout      = 20 * time.Second
)

// Transport sends one request frame to addr and returns the reply frame. A
// nil reply with a nil error means the remote accepted the message without
// answering.
type Transport interface {
	Exchange(ctx context.Context, addr proto.NodeAddress, payload []byte) ([]byte, error)
}

// Handler processes one inbound frame. remote is the sender's transport host,
// not its advertised node address.
type Handler func(ctx context.Context, data []byte, remote string) ([]byte, error)
