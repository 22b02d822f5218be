package changefeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRealtime acks subscriptions, then pushes every frame sent on events
func fakeRealtime(t *testing.T, events <-chan Frame, published chan<- Frame) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		switch f.Type {
		case FrameSubscribe:
			if f.Topic == "denied" {
				_ = conn.WriteJSON(Frame{Type: FrameError, Error: "forbidden"})
				return
			}
			_ = conn.WriteJSON(Frame{Type: FrameAck, Topic: f.Topic})
			for ev := range events {
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			}
		case FramePublish:
			published <- f
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketBusSubscribe(t *testing.T) {
	events := make(chan Frame, 4)
	srv := fakeRealtime(t, events, nil)
	defer srv.Close()

	bus := NewWebSocketBus(WebSocketConfig{URL: wsURL(srv)})
	got := make(chan Event, 4)
	sub, err := bus.Subscribe(context.Background(), "chatsync:channel.c1", func(_ context.Context, ev Event) { got <- ev })
	require.NoError(t, err)
	defer sub.Close()

	raw := messageInsert(t, "m1")
	events <- Frame{Type: FrameEvent, Topic: "chatsync:channel.c1", Payload: &raw}
	events <- Frame{Type: FrameEvent, Payload: &RawEvent{EventType: Insert, Table: "unknown"}}
	raw2 := messageInsert(t, "m2")
	events <- Frame{Type: FrameEvent, Payload: &raw2}

	for _, want := range []string{"m1", "m2"} {
		select {
		case ev := <-got:
			assert.Equal(t, want, ev.(*MessageEvent).Row().Id)
		case <-time.After(time.Second):
			t.Fatalf("event %s not delivered", want)
		}
	}

	// Server hang-up surfaces as a transport error
	close(events)
	select {
	case err := <-sub.Err():
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("no transport error after server close")
	}
}

func TestWebSocketBusSubscribeRejected(t *testing.T) {
	srv := fakeRealtime(t, make(chan Frame), nil)
	defer srv.Close()

	bus := NewWebSocketBus(WebSocketConfig{URL: wsURL(srv)})
	_, err := bus.Subscribe(context.Background(), "denied", func(context.Context, Event) {})
	assert.Error(t, err)
}

func TestWebSocketBusPublish(t *testing.T) {
	published := make(chan Frame, 1)
	srv := fakeRealtime(t, nil, published)
	defer srv.Close()

	bus := NewWebSocketBus(WebSocketConfig{URL: wsURL(srv)})
	defer bus.Close()

	require.NoError(t, bus.Publish(context.Background(), "chatsync:messages", messageInsert(t, "m1")))
	select {
	case f := <-published:
		assert.Equal(t, FramePublish, f.Type)
		assert.Equal(t, "chatsync:messages", f.Topic)
		require.NotNil(t, f.Payload)
		assert.Equal(t, TableMessages, f.Payload.Table)
	case <-time.After(time.Second):
		t.Fatal("publish not received")
	}
}
