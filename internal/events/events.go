// Package events provides interfaces for publishing offer-book, trade-phase
// and dispute notifications to presentation or automation clients.
package events

import (
	"context"
	"time"
)

type Kind string

const (
	OfferAdded        Kind = "offer_added"
	OfferRemoved      Kind = "offer_removed"
	OfferUpdated      Kind = "offer_updated"
	TradePhaseChanged Kind = "trade_phase_changed"
	TradeFaulted      Kind = "trade_faulted"
	DisputeOpened     Kind = "dispute_opened"
)

// Event is a single notification. State carries the new offer state or
// trade phase depending on Kind.
type Event struct {
	Kind    Kind      `json:"kind"`
	OfferID string    `json:"offer_id,omitempty"`
	TradeID string    `json:"trade_id,omitempty"`
	State   string    `json:"state,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	Time    time.Time `json:"time"`
}

// Publisher broadcasts events to subscribers
type Publisher interface {
	// Publish sends an event to all subscribers without blocking on slow ones
	Publish(ctx context.Context, ev Event) error

	// Subscribe returns a channel that receives all events
	Subscribe(ctx context.Context) (<-chan Event, error)

	// Close closes the publisher and all subscriptions
	Close() error
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }

func (Discard) Subscribe(context.Context) (<-chan Event, error) {
	return make(chan Event), nil
}

func (Discard) Close() error { return nil }
