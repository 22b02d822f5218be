package session

import (
	"context"
	"sort"
	"time"

	"github.com/mbeoliero/chatsync/internal/changefeed"
	"github.com/mbeoliero/chatsync/internal/entity"
	"github.com/mbeoliero/chatsync/pkg/errcode"
)

// typingState is the typing activity of the open channel
type typingState struct {
	channelId string
	// expires maps each typing user to when they stop showing, in unix millis
	expires map[string]int64
	stop    func() bool
	epoch   int

	// sentIn and sentAt throttle the events this session publishes
	sentIn string
	sentAt int64
	// outbox keeps published events in order, one in flight at a time
	outbox     []typingPublish
	publishing bool
}

type typingPublish struct {
	kind changefeed.EventType
	row  *entity.Typing
}

// TypingUpdate lists who is typing in the open channel
type TypingUpdate struct {
	ChannelId string   `json:"channel_id"`
	UserIds   []string `json:"user_ids"`
}

// Typing announces that the user is typing in the open channel. Events closer than
// the typing interval are dropped.
func (s *Session) Typing(ctx context.Context, channelId string) error {
	if channelId == "" {
		return errcode.ErrInvalidParam
	}
	var err error
	callErr := s.loop.Call(ctx, func() {
		if s.router.OpenChannel() != channelId {
			err = errcode.ErrInvalidParam
			return
		}
		now := s.deps.Now()
		t := &s.typing
		if t.sentIn == channelId && now-t.sentAt < s.deps.TypingInterval.Milliseconds() {
			return
		}
		t.sentIn, t.sentAt = channelId, now
		s.publishTyping(changefeed.Insert, channelId, now)
	})
	if callErr != nil {
		return callErr
	}
	return err
}

// stopTyping tells the channel the user stopped typing, if it was told otherwise
func (s *Session) stopTyping(channelId string) {
	t := &s.typing
	if t.sentIn != channelId {
		return
	}
	t.sentIn, t.sentAt = "", 0
	s.publishTyping(changefeed.Delete, channelId, s.deps.Now())
}

func (s *Session) publishTyping(kind changefeed.EventType, channelId string, at int64) {
	if s.deps.Events == nil {
		return
	}
	t := &s.typing
	t.outbox = append(t.outbox, typingPublish{kind: kind, row: &entity.Typing{ChannelId: channelId, UserId: s.userId, At: at}})
	if !t.publishing {
		s.flushTyping()
	}
}

func (s *Session) flushTyping() {
	t := &s.typing
	if len(t.outbox) == 0 || s.closed {
		t.publishing = false
		return
	}
	next := t.outbox[0]
	t.outbox = t.outbox[1:]
	t.publishing = true
	s.deps.Async(func() {
		s.deps.Events.Typing(s.ctx, next.kind, next.row)
		s.loop.Post(s.flushTyping)
	})
}

// TypingChanged implements fanout.Delegate
func (s *Session) TypingChanged(ev *changefeed.TypingEvent) {
	row := ev.Row()
	t := &s.typing
	if t.channelId != row.ChannelId {
		s.resetTyping(row.ChannelId)
	}

	switch ev.Kind {
	case changefeed.Insert:
		_, known := t.expires[row.UserId]
		t.expires[row.UserId] = s.deps.Now() + s.deps.TypingTTL.Milliseconds()
		if t.stop == nil {
			s.scheduleTypingExpiry()
		}
		if known {
			return
		}
	case changefeed.Delete:
		if _, ok := t.expires[row.UserId]; !ok {
			return
		}
		delete(t.expires, row.UserId)
	}
	s.pushTyping()
}

// resetTyping forgets the typists of the previous channel, pushing an empty list
// if there were any
func (s *Session) resetTyping(channelId string) {
	t := &s.typing
	s.cancelTypingExpiry()
	had := len(t.expires) > 0
	prev := t.channelId
	t.channelId = channelId
	t.expires = make(map[string]int64)
	if had && prev != "" {
		s.pusher.Push(PushTyping, &TypingUpdate{ChannelId: prev, UserIds: []string{}})
	}
}

func (s *Session) cancelTypingExpiry() {
	t := &s.typing
	t.epoch++
	if t.stop != nil {
		t.stop()
		t.stop = nil
	}
}

// scheduleTypingExpiry wakes the loop when the earliest typist expires
func (s *Session) scheduleTypingExpiry() {
	t := &s.typing
	var next int64
	for _, at := range t.expires {
		if next == 0 || at < next {
			next = at
		}
	}
	if next == 0 {
		return
	}
	delay := next - s.deps.Now()
	if delay < 0 {
		delay = 0
	}
	epoch := t.epoch
	t.stop = s.deps.After(time.Duration(delay)*time.Millisecond, func() {
		s.loop.Post(func() {
			if s.closed || t.epoch != epoch {
				return
			}
			t.stop = nil
			s.expireTyping()
		})
	})
}

func (s *Session) expireTyping() {
	t := &s.typing
	t.epoch++
	now := s.deps.Now()
	changed := false
	for userId, at := range t.expires {
		if at <= now {
			delete(t.expires, userId)
			changed = true
		}
	}
	s.scheduleTypingExpiry()
	if changed {
		s.pushTyping()
	}
}

func (s *Session) pushTyping() {
	t := &s.typing
	ids := make([]string, 0, len(t.expires))
	for userId := range t.expires {
		ids = append(ids, userId)
	}
	sort.Strings(ids)
	s.pusher.Push(PushTyping, &TypingUpdate{ChannelId: t.channelId, UserIds: ids})
}
