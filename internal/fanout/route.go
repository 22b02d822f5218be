package fanout

import (
	"github.com/mbeoliero/kit/log"

	"github.com/mbeoliero/chatsync/internal/changefeed"
	"github.com/mbeoliero/chatsync/internal/entity"
	"github.com/mbeoliero/chatsync/internal/reconcile"
)

// OnChangeEvent is the single entry point for feed events. Duplicate deliveries from
// overlapping topics are expected; every downstream update is idempotent.
func (r *Router) OnChangeEvent(ev changefeed.Event) {
	if r.closed {
		return
	}
	r.opts.Metrics.EventRouted(ev.Table(), string(ev.Type()))

	switch e := ev.(type) {
	case *changefeed.MessageEvent:
		r.onMessage(e)
	case *changefeed.ReactionEvent:
		r.onReaction(e)
	case *changefeed.MemberEvent:
		r.onMember(e)
	case *changefeed.NotificationEvent:
		r.onNotification(e)
	case *changefeed.ChannelEvent:
		r.onChannel(e)
	case *changefeed.TypingEvent:
		r.onTyping(e)
	default:
		log.Warn("fanout: unrouted event, table=%s", ev.Table())
	}
}

func (r *Router) onMessage(e *changefeed.MessageEvent) {
	switch e.Kind {
	case changefeed.Insert:
		if e.New.UserId == r.opts.UserId {
			r.opts.Metrics.SelfEventDropped()
			return
		}
		r.onMessageVisible(e.New, true)
	case changefeed.Update:
		// A scheduled message going out arrives as an update clearing scheduled_at
		if e.Old != nil && e.Old.ScheduledAt != nil && e.New.ScheduledAt == nil {
			r.onMessageVisible(e.New, e.New.UserId != r.opts.UserId)
			return
		}
		r.opts.Cache.ApplyRemoteUpdate(e.New.Id, reconcile.Patch{
			Content:  &e.New.Content,
			IsEdited: &e.New.IsEdited,
			IsPinned: &e.New.IsPinned,
		})
	case changefeed.Delete:
		if !r.opts.Cache.ApplyRemoteDelete(e.Old.Id) {
			log.Debug("fanout: delete for message not in view, id=%s", e.Old.Id)
		}
		r.opts.Engine.Forget(r.opts.UserId, e.Old.ChannelId, e.Old.Id)
	}
}

// onMessageVisible handles a message that just became visible to the channel
func (r *Router) onMessageVisible(msg *entity.Message, countUnread bool) {
	if msg.IsScheduledAfter(r.opts.Now()) {
		return
	}
	open := r.OpenChannel() == msg.ChannelId

	if countUnread {
		if open {
			r.opts.Engine.AdvanceCursor(r.ctx, r.opts.UserId, msg.ChannelId, msg.CreatedAt)
		} else {
			r.opts.Engine.Observe(r.opts.UserId, msg.ChannelId, msg.Id, msg.UserId, msg.CreatedAt)
		}
	}

	if !msg.IsReply() {
		if open {
			r.fetchInsert(TargetOpenChannel, msg.Id)
		}
		return
	}

	parentId := msg.ParentIdValue()
	if open {
		r.opts.Cache.RecordReply(parentId, msg.Id)
	}
	if ch, parent := r.OpenThread(); ch == msg.ChannelId && parent == parentId {
		r.fetchInsert(TargetOpenThread, msg.Id)
	}
}

func (r *Router) onReaction(e *changefeed.ReactionEvent) {
	row := e.Row()
	info := entity.ReactionInfo{Id: row.Id, UserId: row.UserId, Emoji: row.Emoji}
	switch e.Kind {
	case changefeed.Insert:
		r.opts.Cache.ApplyReactionInsert(row.MessageId, info)
	case changefeed.Delete:
		r.opts.Cache.ApplyReactionDelete(row.MessageId, info)
	}
}

func (r *Router) onMember(e *changefeed.MemberEvent) {
	row := e.Row()
	if row.UserId == r.opts.UserId {
		switch e.Kind {
		case changefeed.Insert:
			r.opts.Engine.Join(row.UserId, row.ChannelId, row.LastViewedAt)
		case changefeed.Update:
			r.opts.Engine.SyncCursor(row.UserId, row.ChannelId, row.LastViewedAt)
		case changefeed.Delete:
			r.loseChannel(row.ChannelId)
		}
	}
	if r.opts.Delegate != nil {
		r.opts.Delegate.MembershipChanged(e)
	}
}

func (r *Router) onNotification(e *changefeed.NotificationEvent) {
	row := e.Row()
	if row.RecipientId != r.opts.UserId || r.opts.Inbox == nil {
		return
	}
	switch e.Kind {
	case changefeed.Insert:
		r.opts.Inbox.Receive(row)
	case changefeed.Update:
		r.opts.Inbox.ApplyRemoteUpdate(row)
	case changefeed.Delete:
		r.opts.Inbox.ApplyRemoteDelete(row)
	}
}

func (r *Router) onChannel(e *changefeed.ChannelEvent) {
	if e.Kind == changefeed.Delete {
		r.loseChannel(e.Old.Id)
	}
	if r.opts.Delegate != nil {
		r.opts.Delegate.ChannelChanged(e)
	}
}

// loseChannel drops every trace of a channel the user can no longer see
func (r *Router) loseChannel(channelId string) {
	r.opts.Engine.Drop(r.opts.UserId, channelId)
	if r.OpenChannel() == channelId {
		r.Unwatch(TargetOpenChannel)
	}
	r.opts.Cache.Purge(channelId)
}

func (r *Router) onTyping(e *changefeed.TypingEvent) {
	row := e.Row()
	if row.UserId == r.opts.UserId {
		r.opts.Metrics.SelfEventDropped()
		return
	}
	if row.ChannelId != r.OpenChannel() || r.opts.Delegate == nil {
		return
	}
	r.opts.Delegate.TypingChanged(e)
}
