package changefeed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbeoliero/chatsync/internal/entity"
)

func TestDecodeMessageInsert(t *testing.T) {
	ev, err := Decode([]byte(`{"event_type":"INSERT","table":"messages","new":{"id":"m1","channel_id":"c1","user_id":"u1","content":"hi","created_at":10}}`))
	require.NoError(t, err)

	msg, ok := ev.(*MessageEvent)
	require.True(t, ok)
	assert.Equal(t, Insert, msg.Type())
	assert.Equal(t, TableMessages, msg.Table())
	assert.Equal(t, "m1", msg.Row().Id)
	assert.Equal(t, "c1", msg.New.ChannelId)
	assert.Nil(t, msg.Old)
}

func TestDecodeDeleteUsesOldRow(t *testing.T) {
	ev, err := Decode([]byte(`{"event_type":"delete","table":"reactions","old":{"id":"r1","message_id":"m1","user_id":"u1","emoji":"👍"}}`))
	require.NoError(t, err)

	re := ev.(*ReactionEvent)
	assert.Nil(t, re.New)
	assert.Equal(t, "r1", re.Row().Id)
	assert.Equal(t, "👍", re.Row().Emoji)
}

func TestDecodeRejectsUnknownTable(t *testing.T) {
	_, err := Decode([]byte(`{"event_type":"insert","table":"profiles","new":{"id":"p1"}}`))
	assert.ErrorIs(t, err, ErrUnknownTable)
}

func TestDecodeRejectsUnknownEventType(t *testing.T) {
	_, err := Decode([]byte(`{"event_type":"truncate","table":"messages"}`))
	assert.ErrorIs(t, err, ErrUnknownEventType)
}

func TestDecodeRejectsMissingRows(t *testing.T) {
	cases := []string{
		`{"event_type":"insert","table":"messages"}`,
		`{"event_type":"delete","table":"messages","new":{"id":"m1"}}`,
		`{"event_type":"insert","table":"messages","new":{"channel_id":"c1"}}`,
		`{"event_type":"insert","table":"channel_members","new":{"channel_id":"c1"}}`,
		`{"event_type":"update","table":"notifications","new":null}`,
	}
	for _, c := range cases {
		_, err := Decode([]byte(c))
		assert.ErrorIs(t, err, ErrMissingRow, c)
	}
}

func TestDecodeTyping(t *testing.T) {
	ev, err := Decode([]byte(`{"event_type":"insert","table":"typing","new":{"channel_id":"c1","user_id":"u2","at":10}}`))
	require.NoError(t, err)
	typing := ev.(*TypingEvent)
	assert.Equal(t, TableTyping, typing.Table())
	assert.Equal(t, "u2", typing.Row().UserId)

	_, err = Decode([]byte(`{"event_type":"update","table":"typing","new":{"channel_id":"c1","user_id":"u2"}}`))
	assert.ErrorIs(t, err, ErrUnknownEventType)

	_, err = Decode([]byte(`{"event_type":"insert","table":"typing","new":{"channel_id":"c1"}}`))
	assert.ErrorIs(t, err, ErrMissingRow)
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{"event_type":`))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"event_type":"insert","table":"channels","new":{"id":5}}`))
	assert.Error(t, err)
}

func TestNewRawEventRoundTrip(t *testing.T) {
	parent := "m0"
	raw, err := NewRawEvent(TableMessages, Update,
		&entity.Message{Id: "m1", ChannelId: "c1", ParentId: &parent},
		&entity.Message{Id: "m1", ChannelId: "c1"})
	require.NoError(t, err)

	ev, err := DecodeRaw(raw)
	require.NoError(t, err)
	msg := ev.(*MessageEvent)
	assert.True(t, msg.New.IsReply())
	assert.False(t, msg.Old.IsReply())
}

func TestTopics(t *testing.T) {
	assert.Equal(t, "chatsync:channel.c1", ChannelTopic("c1"))
	assert.Equal(t, "chatsync:user.u1", UserTopic("u1"))
	assert.Equal(t, "chatsync:messages", MessagesTopic())
	assert.Equal(t, "chatsync:channels", ChannelsTopic())
}
