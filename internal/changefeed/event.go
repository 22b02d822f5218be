package changefeed

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mbeoliero/chatsync/internal/entity"
)

// EventType is the kind of row change
type EventType string

// Row change kinds
const (
	Insert EventType = "insert"
	Update EventType = "update"
	Delete EventType = "delete"
)

// Tables carried by the feed
const (
	TableMessages       = "messages"
	TableReactions      = "reactions"
	TableChannelMembers = "channel_members"
	TableNotifications  = "notifications"
	TableChannels       = "channels"

	// TableTyping is not a stored table: insert means started typing, delete stopped
	TableTyping = "typing"
)

var (
	ErrUnknownTable     = errors.New("changefeed: unknown table")
	ErrUnknownEventType = errors.New("changefeed: unknown event type")
	ErrMissingRow       = errors.New("changefeed: missing row for event type")
)

// RawEvent is the wire shape of a row change
type RawEvent struct {
	EventType EventType       `json:"event_type"`
	Table     string          `json:"table"`
	New       json.RawMessage `json:"new,omitempty"`
	Old       json.RawMessage `json:"old,omitempty"`
}

// Event is a decoded row change. The concrete type is one of MessageEvent,
// ReactionEvent, MemberEvent, NotificationEvent, ChannelEvent or TypingEvent.
type Event interface {
	Table() string
	Type() EventType
}

// MessageEvent is a change on the messages table
type MessageEvent struct {
	Kind EventType
	New  *entity.Message
	Old  *entity.Message
}

func (e *MessageEvent) Table() string   { return TableMessages }
func (e *MessageEvent) Type() EventType { return e.Kind }

// Row returns the new row, or the old one for deletes
func (e *MessageEvent) Row() *entity.Message {
	if e.New != nil {
		return e.New
	}
	return e.Old
}

// ReactionEvent is a change on the reactions table
type ReactionEvent struct {
	Kind EventType
	New  *entity.Reaction
	Old  *entity.Reaction
}

func (e *ReactionEvent) Table() string   { return TableReactions }
func (e *ReactionEvent) Type() EventType { return e.Kind }

// Row returns the new row, or the old one for deletes
func (e *ReactionEvent) Row() *entity.Reaction {
	if e.New != nil {
		return e.New
	}
	return e.Old
}

// MemberEvent is a change on the channel_members table
type MemberEvent struct {
	Kind EventType
	New  *entity.ChannelMember
	Old  *entity.ChannelMember
}

func (e *MemberEvent) Table() string   { return TableChannelMembers }
func (e *MemberEvent) Type() EventType { return e.Kind }

// Row returns the new row, or the old one for deletes
func (e *MemberEvent) Row() *entity.ChannelMember {
	if e.New != nil {
		return e.New
	}
	return e.Old
}

// NotificationEvent is a change on the notifications table
type NotificationEvent struct {
	Kind EventType
	New  *entity.Notification
	Old  *entity.Notification
}

func (e *NotificationEvent) Table() string   { return TableNotifications }
func (e *NotificationEvent) Type() EventType { return e.Kind }

// Row returns the new row, or the old one for deletes
func (e *NotificationEvent) Row() *entity.Notification {
	if e.New != nil {
		return e.New
	}
	return e.Old
}

// ChannelEvent is a change on the channels table
type ChannelEvent struct {
	Kind EventType
	New  *entity.Channel
	Old  *entity.Channel
}

func (e *ChannelEvent) Table() string   { return TableChannels }
func (e *ChannelEvent) Type() EventType { return e.Kind }

// Row returns the new row, or the old one for deletes
func (e *ChannelEvent) Row() *entity.Channel {
	if e.New != nil {
		return e.New
	}
	return e.Old
}

// TypingEvent is typing activity of a user in a channel
type TypingEvent struct {
	Kind EventType
	New  *entity.Typing
	Old  *entity.Typing
}

func (e *TypingEvent) Table() string   { return TableTyping }
func (e *TypingEvent) Type() EventType { return e.Kind }

// Row returns the new row, or the old one for deletes
func (e *TypingEvent) Row() *entity.Typing {
	if e.New != nil {
		return e.New
	}
	return e.Old
}

// Decode parses and validates a wire payload
func Decode(data []byte) (Event, error) {
	var raw RawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("changefeed: decode envelope: %w", err)
	}
	return DecodeRaw(raw)
}

// DecodeRaw validates a raw event and converts it to its typed form
func DecodeRaw(raw RawEvent) (Event, error) {
	kind := EventType(strings.ToLower(string(raw.EventType)))
	switch kind {
	case Insert, Update, Delete:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, raw.EventType)
	}

	switch raw.Table {
	case TableMessages:
		e := &MessageEvent{Kind: kind}
		if err := decodeRows(raw, kind, &e.New, &e.Old); err != nil {
			return nil, err
		}
		if e.Row().Id == "" {
			return nil, fmt.Errorf("%w: message without id", ErrMissingRow)
		}
		return e, nil
	case TableReactions:
		e := &ReactionEvent{Kind: kind}
		if err := decodeRows(raw, kind, &e.New, &e.Old); err != nil {
			return nil, err
		}
		if e.Row().MessageId == "" {
			return nil, fmt.Errorf("%w: reaction without message_id", ErrMissingRow)
		}
		return e, nil
	case TableChannelMembers:
		e := &MemberEvent{Kind: kind}
		if err := decodeRows(raw, kind, &e.New, &e.Old); err != nil {
			return nil, err
		}
		if e.Row().ChannelId == "" || e.Row().UserId == "" {
			return nil, fmt.Errorf("%w: membership without channel_id or user_id", ErrMissingRow)
		}
		return e, nil
	case TableNotifications:
		e := &NotificationEvent{Kind: kind}
		if err := decodeRows(raw, kind, &e.New, &e.Old); err != nil {
			return nil, err
		}
		if e.Row().Id == "" {
			return nil, fmt.Errorf("%w: notification without id", ErrMissingRow)
		}
		return e, nil
	case TableChannels:
		e := &ChannelEvent{Kind: kind}
		if err := decodeRows(raw, kind, &e.New, &e.Old); err != nil {
			return nil, err
		}
		if e.Row().Id == "" {
			return nil, fmt.Errorf("%w: channel without id", ErrMissingRow)
		}
		return e, nil
	case TableTyping:
		e := &TypingEvent{Kind: kind}
		if kind == Update {
			return nil, fmt.Errorf("%w: %q on typing", ErrUnknownEventType, raw.EventType)
		}
		if err := decodeRows(raw, kind, &e.New, &e.Old); err != nil {
			return nil, err
		}
		if e.Row().ChannelId == "" || e.Row().UserId == "" {
			return nil, fmt.Errorf("%w: typing without channel_id or user_id", ErrMissingRow)
		}
		return e, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, raw.Table)
	}
}

// decodeRows fills newRow and oldRow, requiring the row each kind depends on:
// new for insert and update, old for delete.
func decodeRows[T any](raw RawEvent, kind EventType, newRow, oldRow **T) error {
	if len(raw.New) > 0 && string(raw.New) != "null" {
		var v T
		if err := json.Unmarshal(raw.New, &v); err != nil {
			return fmt.Errorf("changefeed: decode %s new row: %w", raw.Table, err)
		}
		*newRow = &v
	}
	if len(raw.Old) > 0 && string(raw.Old) != "null" {
		var v T
		if err := json.Unmarshal(raw.Old, &v); err != nil {
			return fmt.Errorf("changefeed: decode %s old row: %w", raw.Table, err)
		}
		*oldRow = &v
	}

	if kind == Delete && *oldRow == nil {
		return fmt.Errorf("%w: %s %s", ErrMissingRow, raw.Table, kind)
	}
	if kind != Delete && *newRow == nil {
		return fmt.Errorf("%w: %s %s", ErrMissingRow, raw.Table, kind)
	}
	return nil
}

// NewRawEvent builds a wire event from typed rows; nil rows are omitted
func NewRawEvent(table string, kind EventType, newRow, oldRow interface{}) (RawEvent, error) {
	raw := RawEvent{EventType: kind, Table: table}
	if newRow != nil {
		b, err := json.Marshal(newRow)
		if err != nil {
			return raw, err
		}
		raw.New = b
	}
	if oldRow != nil {
		b, err := json.Marshal(oldRow)
		if err != nil {
			return raw, err
		}
		raw.Old = b
	}
	return raw, nil
}
