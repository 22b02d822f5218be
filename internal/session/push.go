package session

import (
	"github.com/mbeoliero/chatsync/internal/changefeed"
	"github.com/mbeoliero/chatsync/internal/entity"
	"github.com/mbeoliero/chatsync/internal/fanout"
	"github.com/mbeoliero/chatsync/internal/reconcile"
)

// PushKind names what a push carries
type PushKind string

const (
	PushView         PushKind = "view"
	PushUnread       PushKind = "unread"
	PushNotification PushKind = "notification"
	PushInbox        PushKind = "inbox"
	PushState        PushKind = "subscription_state"
	PushSendFailed   PushKind = "send_failed"
	PushAccessLost   PushKind = "access_lost"
	PushMembership   PushKind = "membership"
	PushChannel      PushKind = "channel"
	PushError        PushKind = "error"
	PushTyping       PushKind = "typing"
)

// Pusher delivers updates to the client of a session. It must not block and must be
// safe for concurrent use.
type Pusher interface {
	Push(kind PushKind, data interface{})
}

// PusherFunc adapts a func to Pusher
type PusherFunc func(kind PushKind, data interface{})

func (f PusherFunc) Push(kind PushKind, data interface{}) { f(kind, data) }

// EntryView is one message as the client renders it
type EntryView struct {
	LocalId string                `json:"local_id,omitempty"`
	Status  reconcile.Status      `json:"status"`
	Record  *entity.MessageRecord `json:"record"`
}

// ViewUpdate is the full state of one message list after a change
type ViewUpdate struct {
	ChannelId string      `json:"channel_id"`
	ParentId  string      `json:"parent_id,omitempty"`
	HasMore   bool        `json:"has_more"`
	Entries   []EntryView `json:"entries"`
}

func newViewUpdate(key reconcile.Key, v reconcile.View) *ViewUpdate {
	u := &ViewUpdate{
		ChannelId: key.ChannelId,
		ParentId:  key.ParentId,
		HasMore:   !v.Loaded || v.HasMore,
		Entries:   make([]EntryView, 0, len(v.Entries)),
	}
	for _, e := range v.Entries {
		u.Entries = append(u.Entries, EntryView{LocalId: e.LocalId, Status: e.Status, Record: e.Record})
	}
	return u
}

// StateUpdate reports a subscription state change. Degraded is set while the target
// waits to reconnect, so the client can show that live updates are paused.
type StateUpdate struct {
	Target    fanout.TargetKind `json:"target"`
	ChannelId string            `json:"channel_id,omitempty"`
	ParentId  string            `json:"parent_id,omitempty"`
	State     fanout.State      `json:"state"`
	Degraded  bool              `json:"degraded"`
	Error     string            `json:"error,omitempty"`
}

// SendFailed reports an envelope that moved to error and may be retried
type SendFailed struct {
	LocalId string `json:"local_id"`
	Code    int    `json:"code"`
	Error   string `json:"error"`
}

// AccessLost reports a channel the user can no longer see
type AccessLost struct {
	ChannelId string `json:"channel_id"`
}

// MembershipUpdate mirrors a membership row change of the user
type MembershipUpdate struct {
	Kind   changefeed.EventType  `json:"kind"`
	Member *entity.ChannelMember `json:"member"`
}

// ChannelUpdate mirrors a channel settings change
type ChannelUpdate struct {
	Kind    changefeed.EventType `json:"kind"`
	Channel *entity.Channel      `json:"channel"`
}

// InboxSnapshot is the loaded notification inbox, newest first
type InboxSnapshot struct {
	Unread        int                    `json:"unread"`
	Notifications []*entity.Notification `json:"notifications"`
}

// ErrorUpdate reports a failed background operation
type ErrorUpdate struct {
	Op    string `json:"op"`
	Code  int    `json:"code"`
	Error string `json:"error"`
}
