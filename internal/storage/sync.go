package storage

import (
	"sort"

	"tradenet/internal/proto"
)

// BuildGetDataRequest lists the payload hashes held locally so the peer only
// ships what is missing.
func (s *Store) BuildGetDataRequest(nonce uint64) proto.GetDataReq {
	s.mu.Lock()
	defer s.mu.Unlock()
	known := make([]proto.Hash, 0, len(s.entries))
	for h := range s.entries {
		known = append(known, h)
	}
	return proto.GetDataReq{Nonce: nonce, KnownHashes: known}
}

// BuildGetDataResponse answers a GetDataReq. Entries the peer already knows
// are skipped, as are payloads whose capability the peer has not announced.
// The newest entries win when the response has to be truncated.
func (s *Store) BuildGetDataResponse(req proto.GetDataReq, peerCaps proto.Capabilities, limit int) proto.GetDataResp {
	if limit <= 0 || limit > MaxGetDataEntries {
		limit = MaxGetDataEntries
	}
	known := make(map[proto.Hash]struct{}, len(req.KnownHashes))
	for _, h := range req.KnownHashes {
		known[h] = struct{}{}
	}

	s.mu.Lock()
	out := make([]proto.ProtectedEntry, 0)
	for h, e := range s.entries {
		if _, ok := known[h]; ok {
			continue
		}
		if c, gated := e.Payload.RequiredCapability(); gated && !peerCaps.Has(c) {
			continue
		}
		out = append(out, e)
	}
	s.mu.Unlock()

	resp := proto.GetDataResp{RequestNonce: req.Nonce}
	if len(out) > limit {
		sort.Slice(out, func(i, j int) bool { return out[i].CreatedMs > out[j].CreatedMs })
		out = out[:limit]
		resp.Truncated = true
	}
	resp.Entries = out
	return resp
}

// ProcessGetDataResponse applies the entries of a sync response. Entries
// obtained by sync are not relayed; the peer that sent them already gossips
// them to its own neighbours.
func (s *Store) ProcessGetDataResponse(resp proto.GetDataResp, sender *proto.NodeAddress) int {
	n := 0
	for _, e := range resp.Entries {
		if s.add(e, sender, false).Accepted {
			n++
		}
	}
	return n
}
