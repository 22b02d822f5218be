package service

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/mbeoliero/kit/log"

	"github.com/mbeoliero/chatsync/internal/changefeed"
	"github.com/mbeoliero/chatsync/internal/repository"
)

const scheduledBatch = 100

// ScheduledPublisher releases scheduled messages once their time has come. A released
// message gets created_at = now and goes out as an update clearing scheduled_at.
type ScheduledPublisher struct {
	msgRepo  *repository.MessageRepo
	messages *MessageService
	events   *EventPublisher
	cron     string

	now func() time.Time
}

// NewScheduledPublisher creates a ScheduledPublisher ticking on a cron expression
func NewScheduledPublisher(repos *repository.Repositories, messages *MessageService, events *EventPublisher, cronExpr string) (*ScheduledPublisher, error) {
	if cronExpr == "" {
		cronExpr = "* * * * *"
	}
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid scheduled cron expression: %s", cronExpr)
	}
	return &ScheduledPublisher{
		msgRepo:  repos.Message,
		messages: messages,
		events:   events,
		cron:     cronExpr,
		now:      time.Now,
	}, nil
}

// NextRun returns the first tick strictly after t
func (p *ScheduledPublisher) NextRun(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(p.cron, t, false)
}

// Run publishes due messages on every tick until ctx is done
func (p *ScheduledPublisher) Run(ctx context.Context) {
	log.Info("scheduled publisher started, cron=%s", p.cron)
	for {
		next, err := p.NextRun(p.now())
		wait := time.Until(next)
		if err != nil {
			log.Warn("compute next scheduled tick failed: cron=%s, error=%v", p.cron, err)
			wait = 30 * time.Second
		}

		select {
		case <-ctx.Done():
			log.Info("scheduled publisher stopped")
			return
		case <-time.After(wait):
		}

		if err == nil {
			if _, err := p.PublishDue(ctx); err != nil {
				log.CtxWarn(ctx, "publish scheduled messages failed: %v", err)
			}
		}
	}
}

// PublishDue releases every message whose schedule has passed, returning how many
// this call published
func (p *ScheduledPublisher) PublishDue(ctx context.Context) (int, error) {
	published := 0
	for {
		now := p.now().UnixMilli()
		due, err := p.msgRepo.ListDue(ctx, now, scheduledBatch)
		if err != nil {
			return published, err
		}
		batch := 0
		for _, msg := range due {
			ok, err := p.msgRepo.PublishScheduled(ctx, msg.Id, now)
			if err != nil {
				log.CtxWarn(ctx, "publish scheduled message failed: id=%s, error=%v", msg.Id, err)
				continue
			}
			if !ok {
				continue
			}

			updated := *msg
			updated.ScheduledAt = nil
			updated.CreatedAt = now
			updated.UpdatedAt = now
			p.events.Message(ctx, changefeed.Update, &updated, msg)
			p.messages.notifyPosted(ctx, &updated)
			batch++
		}
		published += batch
		if len(due) < scheduledBatch || batch == 0 {
			break
		}
	}
	if published > 0 {
		log.CtxInfo(ctx, "scheduled messages published: count=%d", published)
	}
	return published, nil
}
