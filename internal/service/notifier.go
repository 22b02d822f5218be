package service

import (
	"context"

	"github.com/mbeoliero/kit/log"

	"github.com/mbeoliero/chatsync/internal/changefeed"
	"github.com/mbeoliero/chatsync/internal/entity"
	"github.com/mbeoliero/chatsync/internal/notify"
	"github.com/mbeoliero/chatsync/pkg/constant"
)

// Recorder persists a notification, returning nil when it was suppressed or already
// recorded. *notify.Aggregator implements it.
type Recorder interface {
	Record(ctx context.Context, ev notify.Event) (*entity.Notification, error)
}

type notifier struct {
	rec    Recorder
	events *EventPublisher
}

// send records one notification and publishes it to the recipient. Failures are
// logged; a missing notification never fails the action behind it.
func (n notifier) send(ctx context.Context, ev notify.Event) {
	if n.rec == nil {
		return
	}
	created, err := n.rec.Record(ctx, ev)
	if err != nil {
		log.CtxWarn(ctx, "record notification failed: type=%s, recipient_id=%s, resource_id=%s, error=%v", ev.Type, ev.RecipientId, ev.ResourceId, err)
		return
	}
	if created != nil {
		n.events.Notification(ctx, changefeed.Insert, created)
	}
}

// aboutMessage notifies every recipient about msg
func (n notifier) aboutMessage(ctx context.Context, typ, actorId string, msg *entity.Message, recipients ...string) {
	for _, id := range recipients {
		n.send(ctx, notify.Event{
			Type:         typ,
			ActorId:      actorId,
			RecipientId:  id,
			ResourceId:   msg.Id,
			ResourceType: constant.ResourceMessage,
			ChannelId:    msg.ChannelId,
		})
	}
}

// aboutChannel notifies every recipient about a channel
func (n notifier) aboutChannel(ctx context.Context, typ, actorId, channelId string, recipients ...string) {
	for _, id := range recipients {
		n.send(ctx, notify.Event{
			Type:         typ,
			ActorId:      actorId,
			RecipientId:  id,
			ResourceId:   channelId,
			ResourceType: constant.ResourceChannel,
			ChannelId:    channelId,
		})
	}
}
