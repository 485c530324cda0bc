package trade

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"tradenet/internal/events"
	"tradenet/internal/proto"
	"tradenet/internal/storage"
)

// OfferState is the local view of an offer seen in the book.
type OfferState string

const (
	OfferUnknown        OfferState = "UNKNOWN"
	OfferOffered        OfferState = "OFFERED"
	OfferAvailable      OfferState = "AVAILABLE"
	OfferNotAvailable   OfferState = "NOT_AVAILABLE"
	OfferOffererOffline OfferState = "OFFERER_OFFLINE"
	OfferRemoved        OfferState = "REMOVED"
)

// RemovedOfferRetention is how long a removed offer stays visible as
// REMOVED before Prune forgets it.
const RemovedOfferRetention = 10 * time.Minute

type Offer struct {
	Payload      proto.OfferPayload
	State        OfferState
	ErrorMessage string

	removedAt time.Time
}

// OfferBook mirrors the offer payloads held in protected storage.
type OfferBook struct {
	store *storage.Store
	pub   events.Publisher
	log   *slog.Logger

	mu     sync.RWMutex
	offers map[string]*Offer
}

func NewOfferBook(store *storage.Store, pub events.Publisher, log *slog.Logger) *OfferBook {
	if pub == nil {
		pub = events.Discard{}
	}
	if log == nil {
		log = slog.Default()
	}
	b := &OfferBook{
		store:  store,
		pub:    pub,
		log:    log.With("component", "offerbook"),
		offers: make(map[string]*Offer),
	}
	for _, e := range store.List(proto.PayloadOffer) {
		b.put(*e.Payload.Offer)
	}
	store.AddListener(b)
	return b
}

func (b *OfferBook) put(p proto.OfferPayload) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.putLocked(p)
}

func (b *OfferBook) putLocked(p proto.OfferPayload) bool {
	if o, ok := b.offers[p.ID]; ok && o.removedAt.IsZero() {
		o.Payload = p
		return false
	}
	b.offers[p.ID] = &Offer{Payload: p, State: OfferOffered}
	return true
}

// held reports whether storage currently holds e's payload. Notifications
// for one offer may arrive out of order, so the book follows storage rather
// than the notification. Callers hold b.mu.
func (b *OfferBook) held(e proto.ProtectedEntry) bool {
	h, err := e.Payload.Hash()
	if err != nil {
		return false
	}
	_, ok := b.store.Get(h)
	return ok
}

func (b *OfferBook) OnAdded(e proto.ProtectedEntry) {
	if e.Payload.Kind != proto.PayloadOffer || e.Payload.Offer == nil {
		return
	}
	b.mu.Lock()
	added := b.held(e) && b.putLocked(*e.Payload.Offer)
	b.mu.Unlock()
	if added {
		b.publish(events.OfferAdded, e.Payload.Offer.ID, OfferOffered, "")
	}
}

func (b *OfferBook) OnRemoved(e proto.ProtectedEntry) {
	if e.Payload.Kind != proto.PayloadOffer || e.Payload.Offer == nil {
		return
	}
	id := e.Payload.Offer.ID
	b.mu.Lock()
	o, ok := b.offers[id]
	if ok && (!o.removedAt.IsZero() || b.held(e)) {
		ok = false
	}
	if ok {
		o.State = OfferRemoved
		o.removedAt = b.store.Clock().Now()
	}
	b.mu.Unlock()
	if ok {
		b.publish(events.OfferRemoved, id, OfferRemoved, "")
	}
}

// Prune forgets offers removed more than RemovedOfferRetention ago and
// returns how many were dropped.
func (b *OfferBook) Prune() int {
	cutoff := b.store.Clock().Now().Add(-RemovedOfferRetention)
	n := 0
	b.mu.Lock()
	for id, o := range b.offers {
		if !o.removedAt.IsZero() && o.removedAt.Before(cutoff) {
			delete(b.offers, id)
			n++
		}
	}
	b.mu.Unlock()
	return n
}

// SetState records the outcome of an availability check.
func (b *OfferBook) SetState(id string, state OfferState, reason string) {
	b.mu.Lock()
	o, ok := b.offers[id]
	if ok {
		o.State = state
		o.ErrorMessage = reason
	}
	b.mu.Unlock()
	if ok {
		b.publish(events.OfferUpdated, id, state, reason)
	}
}

func (b *OfferBook) Get(id string) (Offer, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	o, ok := b.offers[id]
	if !ok {
		return Offer{}, false
	}
	return *o, true
}

func (b *OfferBook) State(id string) OfferState {
	if o, ok := b.Get(id); ok {
		return o.State
	}
	return OfferUnknown
}

// List returns offers still in the book, oldest first.
func (b *OfferBook) List() []Offer {
	b.mu.RLock()
	out := make([]Offer, 0, len(b.offers))
	for _, o := range b.offers {
		if o.removedAt.IsZero() {
			out = append(out, *o)
		}
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Payload.CreatedAt != out[j].Payload.CreatedAt {
			return out[i].Payload.CreatedAt < out[j].Payload.CreatedAt
		}
		return out[i].Payload.ID < out[j].Payload.ID
	})
	return out
}

func (b *OfferBook) publish(kind events.Kind, id string, state OfferState, reason string) {
	ev := events.Event{Kind: kind, OfferID: id, State: string(state), Reason: reason, Time: b.store.Clock().Now()}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := b.pub.Publish(ctx, ev); err != nil {
		b.log.Debug("publish offer event", "offer", id, "err", err)
	}
}
