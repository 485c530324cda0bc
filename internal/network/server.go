package network

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	quic "github.com/quic-go/quic-go"

	"tradenet/internal/debuglog"
)

const (
	connLimitCode quic.ApplicationErrorCode = 0x20
)

type ServerOptions struct {
	MaxConnsPerHost   int
	MaxStreamsPerHost int
}

// Server accepts QUIC connections and hands every stream's request frame to
// a Handler.
type Server struct {
	limiter *hostLimiter
	conns   atomic.Int64
	streams atomic.Int64
}

func NewServer(opts ServerOptions) *Server {
	return &Server{limiter: newHostLimiter(opts.MaxConnsPerHost, opts.MaxStreamsPerHost)}
}

func (s *Server) Conns() int64   { return s.conns.Load() }
func (s *Server) Streams() int64 { return s.streams.Load() }

// ListenAndServe blocks until ctx is cancelled or the listener fails. The
// bound address is sent on ready once the listener is up.
func (s *Server) ListenAndServe(ctx context.Context, addr string, ready chan<- net.Addr, handle Handler) error {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return err
	}
	listener, err := quic.ListenAddr(addr, tlsConf, &quic.Config{
		MaxIdleTimeout:       maxIdleTimeout,
		KeepAlivePeriod:      keepAlivePeriod,
		HandshakeIdleTimeout: handshakeIdleTimeout,
	})
	if err != nil {
		return err
	}
	defer listener.Close()
	debuglog.Logf("quic listen ready: %s", listener.Addr())
	if ready != nil {
		ready <- listener.Addr()
	}
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			return err
		}
		host := remoteHost(conn.RemoteAddr())
		if !s.limiter.conns.acquire(host) {
			debuglog.RateLimitedf("connlimit:"+host, time.Minute, "conn limit reached for %s", host)
			_ = conn.CloseWithError(connLimitCode, "too many connections")
			continue
		}
		go s.serveConn(ctx, conn, host, handle)
	}
}

func (s *Server) serveConn(ctx context.Context, conn *quic.Conn, host string, handle Handler) {
	s.conns.Add(1)
	defer func() {
		s.conns.Add(-1)
		s.limiter.conns.release(host)
	}()
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		if !s.limiter.streams.acquire(host) {
			stream.CancelRead(0)
			stream.CancelWrite(0)
			continue
		}
		go s.serveStream(ctx, stream, host, handle)
	}
}

func (s *Server) serveStream(ctx context.Context, stream *quic.Stream, host string, handle Handler) {
	s.streams.Add(1)
	defer func() {
		s.streams.Add(-1)
		s.limiter.streams.release(host)
	}()
	data, err := readFrameWithTimeout(stream, streamRWTimeout)
	if err != nil || len(data) == 0 {
		if err != nil {
			debuglog.Debugf("quic read from %s: %v", host, err)
		}
		stream.CancelWrite(0)
		return
	}
	resp, err := handle(ctx, data, host)
	if err != nil {
		debuglog.Debugf("handler rejected frame from %s: %v", host, err)
		stream.CancelWrite(handlerErrorCode)
		return
	}
	if len(resp) > 0 {
		if err := writeFrameWithTimeout(stream, streamRWTimeout, resp); err != nil {
			debuglog.Debugf("quic write to %s: %v", host, err)
			stream.CancelWrite(0)
			return
		}
	}
	_ = stream.Close()
}

func remoteHost(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
