package network

import (
	"io"
	"time"

	"tradenet/internal/proto"
)

type deadlineWriter interface {
	io.Writer
	SetWriteDeadline(time.Time) error
}

type deadlineReader interface {
	io.Reader
	SetReadDeadline(time.Time) error
}

func writeFrameWithTimeout(w deadlineWriter, timeout time.Duration, payload []byte) error {
	if timeout > 0 {
		_ = w.SetWriteDeadline(time.Now().Add(timeout))
		defer w.SetWriteDeadline(time.Time{})
	}
	return proto.WriteFrame(w, payload)
}

// readFrameWithTimeout returns (nil, nil) when the remote closed the stream
// without writing anything.
func readFrameWithTimeout(r deadlineReader, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		_ = r.SetReadDeadline(time.Now().Add(timeout))
		defer r.SetReadDeadline(time.Time{})
	}
	data, err := proto.ReadFrameWithTypeCap(r, proto.SoftMaxFrameSize, proto.TypeMaxSize)
	if err == io.EOF {
		return nil, nil
	}
	return data, err
}
