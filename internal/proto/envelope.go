package proto

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	MaxFrameSize     = 1 << 20
	SoftMaxFrameSize = 64 << 10
	TypeSniffBytes   = 512

	// MessageVersion is bumped on incompatible wire changes. Peers on another
	// version are dropped at decode time.
	MessageVersion = 1
)

const (
	MsgTypeGetPeersReq       = "get_peers_req"
	MsgTypeGetPeersResp      = "get_peers_resp"
	MsgTypeGetDataReq        = "get_data_req"
	MsgTypeGetDataResp       = "get_data_resp"
	MsgTypeAddData           = "add_data"
	MsgTypeRemoveData        = "remove_data"
	MsgTypeRemoveMailboxData = "remove_mailbox_data"
	MsgTypeRefreshTTL        = "refresh_ttl"
	MsgTypeSealed            = "sealed"
	MsgTypeAck               = "ack"
	MsgTypeCloseConn         = "close_conn"
)

var ErrVersionMismatch = errors.New("message version mismatch")

// Envelope is the outer wire object. Body holds the JSON of the message
// selected by Type.
type Envelope struct {
	Type           string          `json:"type"`
	MessageVersion int             `json:"message_version"`
	Sender         *NodeAddress    `json:"sender,omitempty"`
	Capabilities   Capabilities    `json:"capabilities,omitempty"`
	Body           json.RawMessage `json:"body,omitempty"`
}

func NewEnvelope(msgType string, sender *NodeAddress, caps Capabilities, body any) (Envelope, error) {
	if msgType == "" {
		return Envelope{}, fmt.Errorf("missing msg type")
	}
	env := Envelope{
		Type:           msgType,
		MessageVersion: MessageVersion,
		Sender:         sender,
		Capabilities:   caps,
	}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return Envelope{}, err
		}
		env.Body = raw
	}
	return env, nil
}

func EncodeEnvelope(env Envelope) ([]byte, error) {
	if env.Type == "" {
		return nil, fmt.Errorf("missing msg type")
	}
	if env.MessageVersion == 0 {
		env.MessageVersion = MessageVersion
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	if max := TypeMaxSize(env.Type); max > 0 && len(data) > max {
		return nil, fmt.Errorf("payload too large for type %s", env.Type)
	}
	return data, nil
}

// Marshal builds and encodes an envelope in one step.
func Marshal(msgType string, sender *NodeAddress, caps Capabilities, body any) ([]byte, error) {
	env, err := NewEnvelope(msgType, sender, caps, body)
	if err != nil {
		return nil, err
	}
	return EncodeEnvelope(env)
}

func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("missing msg type")
	}
	if env.MessageVersion != MessageVersion {
		return Envelope{}, fmt.Errorf("%w: got %d want %d", ErrVersionMismatch, env.MessageVersion, MessageVersion)
	}
	return env, nil
}

func (e Envelope) DecodeBody(v any) error {
	if len(e.Body) == 0 {
		return fmt.Errorf("empty body for %s", e.Type)
	}
	return json.Unmarshal(e.Body, v)
}

// TypeMaxSize caps encoded envelopes per message type. Zero means only the
// frame limit applies.
func TypeMaxSize(msgType string) int {
	switch msgType {
	case MsgTypeGetPeersReq, MsgTypeGetPeersResp:
		return 256 << 10
	case MsgTypeAck:
		return 2 << 10
	case MsgTypeRefreshTTL:
		return 4 << 10
	default:
		return 0
	}
}

func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("payload too large")
	}
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out[:4], uint32(len(payload)))
	copy(out[4:], payload)
	return out, nil
}

func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > MaxFrameSize {
		return nil, fmt.Errorf("invalid frame size")
	}
	payload := make([]byte, int(n))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// ReadFrameWithTypeCap reads small frames directly. Frames above softMax are
// only accepted once the type field has been sniffed and typeCap allows it.
func ReadFrameWithTypeCap(r io.Reader, softMax int, typeCap func(string) int) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > MaxFrameSize {
		return nil, fmt.Errorf("invalid frame size")
	}
	if softMax <= 0 || int(n) <= softMax {
		payload := make([]byte, int(n))
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
		return payload, nil
	}

	prefixLen := int(n)
	if prefixLen > TypeSniffBytes {
		prefixLen = TypeSniffBytes
	}
	prefix := make([]byte, prefixLen)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, err
	}
	msgType, ok := extractType(prefix)
	if !ok {
		return nil, fmt.Errorf("message too large for type sniff")
	}
	maxSize := 0
	if typeCap != nil {
		maxSize = typeCap(msgType)
	}
	if maxSize > 0 && int(n) > maxSize {
		return nil, fmt.Errorf("payload too large for type %s", msgType)
	}

	payload := make([]byte, int(n))
	copy(payload, prefix)
	if _, err := io.ReadFull(r, payload[len(prefix):]); err != nil {
		return nil, err
	}
	return payload, nil
}

func WriteFrame(w io.Writer, payload []byte) error {
	frame, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	total := 0
	for total < len(frame) {
		n, err := w.Write(frame[total:])
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("short write")
		}
		total += n
	}
	return nil
}

func extractType(prefix []byte) (string, bool) {
	needle := []byte(`"type"`)
	idx := bytes.Index(prefix, needle)
	if idx == -1 {
		return "", false
	}
	rest := prefix[idx+len(needle):]
	colon := bytes.IndexByte(rest, ':')
	if colon == -1 {
		return "", false
	}
	rest = rest[colon+1:]
	rest = bytes.TrimLeft(rest, " \t\r\n")
	if len(rest) == 0 || rest[0] != '"' {
		return "", false
	}
	rest = rest[1:]
	end := bytes.IndexByte(rest, '"')
	if end == -1 {
		return "", false
	}
	return string(rest[:end]), true
}
