package peer

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/raulk/clock"
	"github.com/samber/lo"

	"tradenet/internal/proto"
)

const (
	DefaultCap = proto.MaxReportedPeers
	// MaxPersisted bounds what is written to disk.
	MaxPersisted = 500
	// MaxAge drops reported peers not seen for this long.
	MaxAge = 14 * 24 * time.Hour
	// LiveAge is the window for peers we hand out in exchanges.
	LiveAge = 30 * time.Minute
)

type Persistence interface {
	LoadPeers() ([]proto.ReportedPeer, error)
	SavePeers([]proto.ReportedPeer) error
}

type BookOptions struct {
	Cap         int
	Clock       clock.Clock
	Persistence Persistence
	Logger      *slog.Logger
}

// Book is the set of reported peers learned through exchanges, keyed by
// address.
type Book struct {
	mu    sync.Mutex
	cap   int
	clk   clock.Clock
	store Persistence
	log   *slog.Logger
	peers map[proto.NodeAddress]proto.ReportedPeer
	self  proto.NodeAddress
}

func NewBook(self proto.NodeAddress, opts BookOptions) *Book {
	b := &Book{
		cap:   opts.Cap,
		clk:   opts.Clock,
		store: opts.Persistence,
		log:   opts.Logger,
		peers: make(map[proto.NodeAddress]proto.ReportedPeer),
		self:  self,
	}
	if b.cap <= 0 {
		b.cap = DefaultCap
	}
	if b.clk == nil {
		b.clk = clock.New()
	}
	if b.log == nil {
		b.log = slog.Default()
	}
	return b
}

// Load restores persisted peers, dropping those older than MaxAge.
func (b *Book) Load() error {
	if b.store == nil {
		return nil
	}
	peers, err := b.store.LoadPeers()
	if err != nil {
		return err
	}
	b.Merge(peers)
	return nil
}

// Merge folds reported peers into the book. For an address already known
// the newest lastSeen wins; capabilities follow the winning report.
func (b *Book) Merge(reported []proto.ReportedPeer) int {
	now := b.clk.Now().UnixMilli()
	b.mu.Lock()
	defer b.mu.Unlock()
	changed := 0
	for _, rp := range reported {
		if !rp.Address.Valid() || sameNode(rp.Address, b.self) {
			continue
		}
		if rp.LastSeenMs > now {
			rp.LastSeenMs = now
		}
		if now-rp.LastSeenMs > MaxAge.Milliseconds() {
			continue
		}
		rp.Capabilities = rp.Capabilities.Normalize()
		if cur, ok := b.peers[rp.Address]; ok && cur.LastSeenMs >= rp.LastSeenMs {
			continue
		}
		b.peers[rp.Address] = rp
		changed++
	}
	b.evictLocked()
	return changed
}

// Touch marks addr as seen now, e.g. after a successful exchange.
func (b *Book) Touch(addr proto.NodeAddress, caps proto.Capabilities) {
	b.Merge([]proto.ReportedPeer{{Address: addr, LastSeenMs: b.clk.Now().UnixMilli(), Capabilities: caps}})
}

func (b *Book) Remove(addr proto.NodeAddress) {
	b.mu.Lock()
	delete(b.peers, addr)
	b.mu.Unlock()
}

func (b *Book) Get(addr proto.NodeAddress) (proto.ReportedPeer, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rp, ok := b.peers[addr]
	return rp, ok
}

func (b *Book) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.peers)
}

// List returns all peers, most recently seen first.
func (b *Book) List() []proto.ReportedPeer {
	b.mu.Lock()
	out := lo.Values(b.peers)
	b.mu.Unlock()
	sortNewest(out)
	return out
}

// Sample returns up to n peers seen within LiveAge in random order, for
// answering peer exchange requests.
func (b *Book) Sample(n int) []proto.ReportedPeer {
	cutoff := b.clk.Now().Add(-LiveAge).UnixMilli()
	b.mu.Lock()
	live := lo.Filter(lo.Values(b.peers), func(rp proto.ReportedPeer, _ int) bool {
		return rp.LastSeenMs >= cutoff
	})
	b.mu.Unlock()
	live = lo.Shuffle(live)
	if n > 0 && len(live) > n {
		live = live[:n]
	}
	return live
}

// Candidates returns peers to dial, newest first, excluding skip.
func (b *Book) Candidates(skip func(proto.NodeAddress) bool) []proto.ReportedPeer {
	return lo.Filter(b.List(), func(rp proto.ReportedPeer, _ int) bool {
		return skip == nil || !skip(rp.Address)
	})
}

// Persist writes the newest MaxPersisted peers.
func (b *Book) Persist() error {
	if b.store == nil {
		return nil
	}
	peers := b.List()
	if len(peers) > MaxPersisted {
		peers = peers[:MaxPersisted]
	}
	return b.store.SavePeers(peers)
}

// evictLocked drops expired peers, then the oldest ones beyond cap.
func (b *Book) evictLocked() {
	now := b.clk.Now().UnixMilli()
	for addr, rp := range b.peers {
		if now-rp.LastSeenMs > MaxAge.Milliseconds() {
			delete(b.peers, addr)
		}
	}
	over := len(b.peers) - b.cap
	if over <= 0 {
		return
	}
	all := lo.Values(b.peers)
	sortNewest(all)
	for _, rp := range all[len(all)-over:] {
		delete(b.peers, rp.Address)
	}
	b.log.Debug("evicted reported peers", "count", over, "cap", b.cap)
}

func sortNewest(peers []proto.ReportedPeer) {
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].LastSeenMs != peers[j].LastSeenMs {
			return peers[i].LastSeenMs > peers[j].LastSeenMs
		}
		return peers[i].Address.String() < peers[j].Address.String()
	})
}
