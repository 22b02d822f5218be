package service

import (
	"context"

	"github.com/mbeoliero/kit/log"

	"github.com/mbeoliero/chatsync/internal/changefeed"
	"github.com/mbeoliero/chatsync/internal/entity"
)

// EventPublisher emits row changes to the topics each table is carried on. A failed
// publish is logged and never fails the action that produced it.
type EventPublisher struct {
	pub changefeed.Publisher
}

// NewEventPublisher creates an EventPublisher; a nil publisher drops everything
func NewEventPublisher(pub changefeed.Publisher) *EventPublisher {
	return &EventPublisher{pub: pub}
}

func (p *EventPublisher) publish(ctx context.Context, table string, kind changefeed.EventType, newRow, oldRow interface{}, topics ...string) {
	if p == nil || p.pub == nil {
		return
	}
	raw, err := changefeed.NewRawEvent(table, kind, newRow, oldRow)
	if err != nil {
		log.CtxError(ctx, "encode change event failed: table=%s, error=%v", table, err)
		return
	}
	for _, topic := range topics {
		if err := p.pub.Publish(ctx, topic, raw); err != nil {
			log.CtxWarn(ctx, "publish change event failed: topic=%s, table=%s, type=%s, error=%v", topic, table, kind, err)
		}
	}
}

// Message publishes to the broad messages topic and the channel topic
func (p *EventPublisher) Message(ctx context.Context, kind changefeed.EventType, newRow, oldRow *entity.Message) {
	row := newRow
	if row == nil {
		row = oldRow
	}
	p.publish(ctx, changefeed.TableMessages, kind, rowOrNil(newRow), rowOrNil(oldRow),
		changefeed.MessagesTopic(), changefeed.ChannelTopic(row.ChannelId))
}

// Reaction publishes to the channel topic of the reacted message
func (p *EventPublisher) Reaction(ctx context.Context, kind changefeed.EventType, channelId string, newRow, oldRow *entity.Reaction) {
	p.publish(ctx, changefeed.TableReactions, kind, rowOrNil(newRow), rowOrNil(oldRow), changefeed.ChannelTopic(channelId))
}

// Member publishes to the topic of the member's user
func (p *EventPublisher) Member(ctx context.Context, kind changefeed.EventType, newRow, oldRow *entity.ChannelMember) {
	row := newRow
	if row == nil {
		row = oldRow
	}
	p.publish(ctx, changefeed.TableChannelMembers, kind, rowOrNil(newRow), rowOrNil(oldRow), changefeed.UserTopic(row.UserId))
}

// Notification publishes to the recipient's topic
func (p *EventPublisher) Notification(ctx context.Context, kind changefeed.EventType, n *entity.Notification) {
	var newRow, oldRow interface{}
	if kind == changefeed.Delete {
		oldRow = n
	} else {
		newRow = n
	}
	p.publish(ctx, changefeed.TableNotifications, kind, newRow, oldRow, changefeed.UserTopic(n.RecipientId))
}

// Channel publishes channel settings changes
func (p *EventPublisher) Channel(ctx context.Context, kind changefeed.EventType, newRow, oldRow *entity.Channel) {
	p.publish(ctx, changefeed.TableChannels, kind, rowOrNil(newRow), rowOrNil(oldRow), changefeed.ChannelsTopic())
}

// Typing publishes typing activity to the typing topic of its channel
func (p *EventPublisher) Typing(ctx context.Context, kind changefeed.EventType, t *entity.Typing) {
	var newRow, oldRow interface{}
	if kind == changefeed.Delete {
		oldRow = t
	} else {
		newRow = t
	}
	p.publish(ctx, changefeed.TableTyping, kind, newRow, oldRow, changefeed.TypingTopic(t.ChannelId))
}

// rowOrNil keeps typed nil pointers out of the interface so they are omitted
func rowOrNil[T any](row *T) interface{} {
	if row == nil {
		return nil
	}
	return row
}
