package proto

import "fmt"

const (
	MaxReportedPeers = 1000
	MaxGetPeersSize  = 256 << 10
)

// ReportedPeer is a peer known to the reporter together with the last time
// the reporter saw it alive.
type ReportedPeer struct {
	Address      NodeAddress  `json:"address"`
	LastSeenMs   int64        `json:"last_seen_ms"`
	Capabilities Capabilities `json:"capabilities,omitempty"`
}

type GetPeersReq struct {
	Nonce         uint64         `json:"nonce"`
	ReportedPeers []ReportedPeer `json:"reported_peers,omitempty"`
}

type GetPeersResp struct {
	RequestNonce  uint64         `json:"request_nonce"`
	ReportedPeers []ReportedPeer `json:"reported_peers,omitempty"`
}

// CloseConnMsg tells the remote side why the sender is dropping it.
type CloseConnMsg struct {
	Reason string `json:"reason"`
}

func ValidateReportedPeers(peers []ReportedPeer) error {
	if len(peers) > MaxReportedPeers {
		return fmt.Errorf("too many reported peers: %d", len(peers))
	}
	for _, p := range peers {
		if !p.Address.Valid() {
			return fmt.Errorf("invalid reported peer %q", p.Address.String())
		}
	}
	return nil
}
