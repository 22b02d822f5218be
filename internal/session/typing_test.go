package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbeoliero/chatsync/internal/changefeed"
	"github.com/mbeoliero/chatsync/internal/entity"
	"github.com/mbeoliero/chatsync/internal/fanout"
	"github.com/mbeoliero/chatsync/internal/service"
	"github.com/mbeoliero/chatsync/pkg/errcode"
)

type typingLog struct {
	mu    sync.Mutex
	kinds []changefeed.EventType
}

func (l *typingLog) handle(_ context.Context, ev changefeed.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.kinds = append(l.kinds, ev.Type())
}

func (l *typingLog) seen() []changefeed.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]changefeed.EventType(nil), l.kinds...)
}

func (f *fixture) typists(t *testing.T) [][]string {
	t.Helper()
	var out [][]string
	for _, x := range f.pusher.of(PushTyping) {
		out = append(out, x.(*TypingUpdate).UserIds)
	}
	return out
}

func TestTypingIsThrottledAndStoppedBySend(t *testing.T) {
	f := newFixture(t)
	f.deps.Events = service.NewEventPublisher(f.bus)
	events := &typingLog{}
	sub, err := f.bus.Subscribe(context.Background(), changefeed.TypingTopic("c1"), events.handle)
	require.NoError(t, err)
	defer sub.Close()

	f.start(t)
	assert.ErrorIs(t, f.session.Typing(context.Background(), "c1"), errcode.ErrInvalidParam, "channel is not open")

	f.openChannel(t, "c1")
	f.active(t, fanout.TargetOpenChannel)
	require.NoError(t, f.session.Typing(context.Background(), "c1"))
	require.NoError(t, f.session.Typing(context.Background(), "c1"))
	_, err = f.session.Send(context.Background(), SendRequest{ChannelId: "c1", Content: "hi"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(events.seen()) == 2 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []changefeed.EventType{changefeed.Insert, changefeed.Delete}, events.seen())
	assert.Empty(t, f.pusher.of(PushTyping), "own typing is not shown")
}

func TestTypingOfOthersExpires(t *testing.T) {
	f := newFixture(t)
	f.deps.TypingTTL = 100 * time.Millisecond
	f.start(t)
	f.openChannel(t, "c1")
	f.active(t, fanout.TargetOpenChannel)

	topic := changefeed.TypingTopic("c1")
	f.publish(t, topic, changefeed.TableTyping, changefeed.Insert, &entity.Typing{ChannelId: "c1", UserId: "u2", At: 1}, nil)
	require.Eventually(t, func() bool { return len(f.typists(t)) == 1 }, waitFor, tick)
	assert.Equal(t, []string{"u2"}, f.typists(t)[0])

	require.Eventually(t, func() bool { return len(f.typists(t)) == 2 }, waitFor, tick)
	assert.Empty(t, f.typists(t)[1])
}

func TestStoppedTypingAndSwitchClearTypists(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.openChannel(t, "c1")
	f.active(t, fanout.TargetOpenChannel)

	topic := changefeed.TypingTopic("c1")
	f.publish(t, topic, changefeed.TableTyping, changefeed.Insert, &entity.Typing{ChannelId: "c1", UserId: "u2", At: 1}, nil)
	f.publish(t, topic, changefeed.TableTyping, changefeed.Insert, &entity.Typing{ChannelId: "c1", UserId: "u3", At: 1}, nil)
	f.publish(t, topic, changefeed.TableTyping, changefeed.Delete, nil, &entity.Typing{ChannelId: "c1", UserId: "u2", At: 2})
	require.Eventually(t, func() bool { return len(f.typists(t)) == 3 }, waitFor, tick)
	assert.Equal(t, [][]string{{"u2"}, {"u2", "u3"}, {"u3"}}, f.typists(t))

	f.openChannel(t, "c2")
	require.Eventually(t, func() bool { return len(f.typists(t)) == 4 }, waitFor, tick)
	last := f.pusher.of(PushTyping)[3].(*TypingUpdate)
	assert.Equal(t, "c1", last.ChannelId)
	assert.Empty(t, last.UserIds)
}
