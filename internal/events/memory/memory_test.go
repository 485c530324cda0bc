package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"tradenet/internal/events"
)

func TestPublishFanOut(t *testing.T) {
	p := NewInMemoryPublisher(4)
	ctx := context.Background()
	a, err := p.Subscribe(ctx)
	require.NoError(t, err)
	b, err := p.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, p.Publish(ctx, events.Event{Kind: events.OfferAdded, OfferID: "o1"}))
	require.Equal(t, "o1", (<-a).OfferID)
	require.Equal(t, "o1", (<-b).OfferID)

	require.NoError(t, p.Close())
	_, ok := <-a
	require.False(t, ok)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	p := NewInMemoryPublisher(1)
	ctx := context.Background()
	ch, err := p.Subscribe(ctx)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, p.Publish(ctx, events.Event{Kind: events.TradePhaseChanged}))
	}
	require.Len(t, ch, 1)
}
