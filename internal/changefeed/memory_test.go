package changefeed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbeoliero/chatsync/internal/entity"
)

func messageInsert(t *testing.T, id string) RawEvent {
	t.Helper()
	raw, err := NewRawEvent(TableMessages, Insert, &entity.Message{Id: id, ChannelId: "c1"}, nil)
	require.NoError(t, err)
	return raw
}

func TestMemoryBusDelivers(t *testing.T) {
	bus := NewMemoryBus(8)
	ctx := context.Background()

	got := make(chan Event, 4)
	sub, err := bus.Subscribe(ctx, "t", func(_ context.Context, ev Event) { got <- ev })
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, bus.Publish(ctx, "t", messageInsert(t, "m1")))
	require.NoError(t, bus.Publish(ctx, "other", messageInsert(t, "m2")))

	select {
	case ev := <-got:
		assert.Equal(t, "m1", ev.(*MessageEvent).Row().Id)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
	select {
	case ev := <-got:
		t.Fatalf("unexpected event %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusRejectsInvalidPublish(t *testing.T) {
	bus := NewMemoryBus(8)
	err := bus.Publish(context.Background(), "t", RawEvent{EventType: Insert, Table: "unknown"})
	assert.ErrorIs(t, err, ErrUnknownTable)
}

func TestMemoryBusCloseStopsDelivery(t *testing.T) {
	bus := NewMemoryBus(8)
	ctx := context.Background()
	sub, err := bus.Subscribe(ctx, "t", func(context.Context, Event) {})
	require.NoError(t, err)
	assert.Equal(t, 1, bus.SubscriberCount("t"))

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	assert.Equal(t, 0, bus.SubscriberCount("t"))
}

func TestMemoryBusDisconnectReportsError(t *testing.T) {
	bus := NewMemoryBus(8)
	sub, err := bus.Subscribe(context.Background(), "t", func(context.Context, Event) {})
	require.NoError(t, err)

	drop := errors.New("connection reset")
	bus.Disconnect(drop)

	select {
	case err := <-sub.Err():
		assert.Equal(t, drop, err)
	case <-time.After(time.Second):
		t.Fatal("no transport error")
	}
	assert.Equal(t, 0, bus.SubscriberCount("t"))
}

func TestMemoryBusDropsWhenBufferFull(t *testing.T) {
	bus := NewMemoryBus(1)
	ctx := context.Background()

	block := make(chan struct{})
	got := make(chan string, 8)
	sub, err := bus.Subscribe(ctx, "t", func(_ context.Context, ev Event) {
		<-block
		got <- ev.(*MessageEvent).Row().Id
	})
	require.NoError(t, err)
	defer sub.Close()

	// First is taken by the delivery goroutine, second fills the buffer, the rest drop
	require.NoError(t, bus.Publish(ctx, "t", messageInsert(t, "m1")))
	time.Sleep(20 * time.Millisecond)
	for _, id := range []string{"m2", "m3", "m4"} {
		require.NoError(t, bus.Publish(ctx, "t", messageInsert(t, id)))
	}
	close(block)

	var ids []string
	timeout := time.After(200 * time.Millisecond)
loop:
	for {
		select {
		case id := <-got:
			ids = append(ids, id)
		case <-timeout:
			break loop
		}
	}
	assert.Equal(t, []string{"m1", "m2"}, ids)
}

func TestMemoryBusClosed(t *testing.T) {
	bus := NewMemoryBus(1)
	require.NoError(t, bus.Close())
	_, err := bus.Subscribe(context.Background(), "t", func(context.Context, Event) {})
	assert.ErrorIs(t, err, ErrBusClosed)
}
