package network

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	quic "github.com/quic-go/quic-go"

	"tradenet/internal/debuglog"
	"tradenet/internal/faults"
	"tradenet/internal/proto"
)

// handlerErrorCode is sent as the stream reset code when the remote handler
// rejected the request. Such failures are not retried.
const handlerErrorCode quic.StreamErrorCode = 0x10

type ClientOptions struct {
	// Insecure skips server certificate verification.
	Insecure bool
	// CAPath overrides the built-in dev certificate.
	CAPath     string
	MaxRetries int
	// Resolve maps a node address to a dialable host:port. The default dials
	// the address as is.
	Resolve func(proto.NodeAddress) string
}

// Client is the QUIC Transport.
type Client struct {
	pool       *clientPool
	maxRetries int
	resolve    func(proto.NodeAddress) string
	backoff    backoff.Backoff
}

func NewClient(opts ClientOptions) (*Client, error) {
	tlsConf, err := clientTLSConfig(opts.Insecure, opts.CAPath)
	if err != nil {
		return nil, err
	}
	quicConf := &quic.Config{
		MaxIdleTimeout:       maxIdleTimeout,
		KeepAlivePeriod:      keepAlivePeriod,
		HandshakeIdleTimeout: handshakeIdleTimeout,
	}
	c := &Client{
		pool:       newClientPool(clientConnIdle, tlsConf, quicConf),
		maxRetries: opts.MaxRetries,
		resolve:    opts.Resolve,
		backoff:    backoff.Backoff{Min: 100 * time.Millisecond, Max: time.Second, Factor: 2},
	}
	if c.maxRetries <= 0 {
		c.maxRetries = 3
	}
	if c.resolve == nil {
		c.resolve = proto.NodeAddress.String
	}
	return c, nil
}

func (c *Client) Close() {
	c.pool.closeAll("client closed")
}

// Conns reports how many pooled outbound connections are open.
func (c *Client) Conns() int {
	return c.pool.size()
}

func (c *Client) Exchange(ctx context.Context, to proto.NodeAddress, payload []byte) ([]byte, error) {
	addr := c.resolve(to)
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			break
		}
		resp, err := c.exchangeOnce(ctx, addr, payload)
		if err == nil {
			c.pool.resetFailures(addr)
			return resp, nil
		}
		lastErr = err
		if faults.KindOf(err) == faults.ProtocolViolation {
			return nil, err
		}
		debuglog.RateLimitedf("exchange:"+addr, 30*time.Second, "exchange with %s failed: %v", addr, err)
		if !c.wait(ctx, c.pool.recordFailure(addr)) {
			break
		}
	}
	if lastErr == nil {
		lastErr = ctx.Err()
	}
	if lastErr == nil {
		lastErr = errors.New("exchange failed")
	}
	if faults.KindOf(lastErr) == faults.Unknown {
		lastErr = faults.Transportf(lastErr, "exchange with %s", to)
	}
	return nil, lastErr
}

func (c *Client) exchangeOnce(ctx context.Context, addr string, payload []byte) ([]byte, error) {
	conn, err := c.pool.get(ctx, addr)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		c.pool.drop(addr, conn, "open stream failed")
		return nil, err
	}
	if err := writeFrameWithTimeout(stream, streamRWTimeout, payload); err != nil {
		stream.CancelRead(0)
		_ = stream.Close()
		c.pool.drop(addr, conn, "write failed")
		return nil, err
	}
	// Close only shuts our write side, the reply can still be read.
	_ = stream.Close()
	resp, err := readFrameWithTimeout(stream, streamRWTimeout)
	if err != nil {
		var serr *quic.StreamError
		if errors.As(err, &serr) && serr.Remote && serr.ErrorCode == handlerErrorCode {
			c.pool.touch(addr, conn)
			return nil, faults.New(faults.ProtocolViolation, fmt.Sprintf("rejected by %s", addr))
		}
		c.pool.drop(addr, conn, "read failed")
		return nil, err
	}
	c.pool.touch(addr, conn)
	return resp, nil
}

func (c *Client) wait(ctx context.Context, failures int) bool {
	if failures <= 0 {
		return false
	}
	t := time.NewTimer(c.backoff.ForAttempt(float64(failures - 1)))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
