package daemon

import (
	"context"
	"fmt"
	"time"

	"tradenet/internal/debuglog"
	"tradenet/internal/proto"
)

// Handle processes one inbound frame and returns the reply, if any. Storage
// rejections are absorbed here; only undecodable or unknown frames become
// errors, which the transport turns into a stream reset.
func (r *Runner) Handle(_ context.Context, data []byte, remote string) ([]byte, error) {
	env, err := proto.DecodeEnvelope(data)
	if err != nil {
		r.Metrics.IncDropByReason("decode")
		debuglog.RateLimitedf("decode:"+remote, time.Minute, "undecodable frame from %s: %v", remote, err)
		return nil, err
	}
	r.Metrics.IncRecvByType(env.Type)
	sender := validSender(env.Sender)
	r.cm.touch(sender)

	switch env.Type {
	case proto.MsgTypeGetPeersReq:
		return r.cm.handleGetPeers(env)
	case proto.MsgTypeGetDataReq:
		return r.cm.handleGetData(env)
	case proto.MsgTypeAddData:
		var msg proto.AddDataMsg
		if err := env.DecodeBody(&msg); err != nil {
			return nil, r.dropped("decode", err)
		}
		r.Store.Add(msg.Entry, sender)
		return nil, nil
	case proto.MsgTypeRemoveData, proto.MsgTypeRemoveMailboxData:
		var msg proto.RemoveDataMsg
		if err := env.DecodeBody(&msg); err != nil {
			return nil, r.dropped("decode", err)
		}
		r.Store.Remove(msg.Entry, sender)
		return nil, nil
	case proto.MsgTypeRefreshTTL:
		var msg proto.RefreshTTLMsg
		if err := env.DecodeBody(&msg); err != nil {
			return nil, r.dropped("decode", err)
		}
		r.Store.RefreshTTL(msg, sender)
		return nil, nil
	case proto.MsgTypeSealed:
		return r.Messaging.HandleSealed(env)
	case proto.MsgTypeCloseConn:
		r.cm.handleClose(env)
		return nil, nil
	default:
		return nil, r.dropped("unknown_type", fmt.Errorf("unexpected message type %q", env.Type))
	}
}

func (r *Runner) dropped(reason string, err error) error {
	r.Metrics.IncDropByReason(reason)
	return err
}

func validSender(a *proto.NodeAddress) *proto.NodeAddress {
	if a == nil || !a.Valid() {
		return nil
	}
	s := *a
	return &s
}
