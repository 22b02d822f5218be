package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbeoliero/chatsync/internal/entity"
)

func TestCacheSendFailRetryScenario(t *testing.T) {
	c := NewCache()
	key := ChannelKey("c")
	c.PrependPage(key, []*entity.MessageRecord{record("m0", 1)}, 50)

	var notified int
	cancel := c.Subscribe(func(k Key, _ View) {
		assert.Equal(t, key, k)
		notified++
	})
	defer cancel()

	preview := &countingResource{}
	c.AppendOptimistic(key, NewEnvelope("temp-1", record("", 10), &SendPayload{ChannelId: "c", Content: "photo"}, []Resource{preview}))
	require.NoError(t, c.Fail("temp-1"))

	env, gotKey, ok := c.Envelope("temp-1")
	require.True(t, ok)
	assert.Equal(t, key, gotKey)
	assert.Equal(t, StatusError, env.Status)
	assert.Equal(t, 0, preview.released)

	env, err := c.Retry("temp-1")
	require.NoError(t, err)
	assert.Equal(t, "photo", env.Payload.Content)

	require.NoError(t, c.Confirm("temp-1", record("m1", 10)))
	assert.Equal(t, 1, preview.released)

	v, _ := c.View(key)
	assert.Equal(t, []string{"m0", "m1"}, ids(v))
	assert.Equal(t, 4, notified)

	assert.ErrorIs(t, c.Confirm("temp-1", record("m1", 10)), ErrEnvelopeNotFound)
	assert.Equal(t, 1, preview.released)
}

func TestCacheRemoteInsertOnlyIntoOpenViews(t *testing.T) {
	c := NewCache()
	assert.False(t, c.ApplyRemoteInsert(record("m1", 1)), "no view for the channel")

	c.PrependPage(ChannelKey("c"), nil, 50)
	assert.True(t, c.ApplyRemoteInsert(record("m1", 1)))
	assert.False(t, c.ApplyRemoteInsert(record("m1", 1)))

	reply := record("r1", 2)
	reply.ParentId = "m1"
	assert.False(t, c.ApplyRemoteInsert(reply), "thread is not open")

	c.PrependPage(ThreadKey("c", "m1"), nil, 50)
	assert.True(t, c.ApplyRemoteInsert(reply))
	assert.True(t, c.RecordReply("m1", "r1"))
	assert.False(t, c.RecordReply("m1", "r1"))

	v, _ := c.View(ChannelKey("c"))
	assert.Equal(t, 1, v.Entries[0].Record.ReplyCount)
}

func TestCacheUpdateAndDeleteAcrossViews(t *testing.T) {
	c := NewCache()
	parent := record("p", 1)
	c.PrependPage(ChannelKey("c"), []*entity.MessageRecord{parent}, 50)
	c.PrependPage(ThreadKey("c", "p"), []*entity.MessageRecord{parent}, 50)

	pinned := true
	assert.True(t, c.ApplyRemoteUpdate("p", Patch{IsPinned: &pinned}))
	for _, key := range c.Keys() {
		v, _ := c.View(key)
		assert.True(t, v.Entries[0].Record.IsPinned)
	}

	assert.True(t, c.ApplyRemoteDelete("p"))
	assert.False(t, c.ApplyRemoteDelete("p"))
}

func TestCacheReactionToggleTwice(t *testing.T) {
	c := NewCache()
	c.PrependPage(ChannelKey("c"), []*entity.MessageRecord{record("m1", 1)}, 50)

	assert.True(t, c.ToggleLocalReaction("m1", "u", "👍"))
	assert.False(t, c.ToggleLocalReaction("m1", "u", "👍"))
	assert.False(t, c.ToggleLocalReaction("missing", "u", "👍"))

	v, _ := c.View(ChannelKey("c"))
	assert.Empty(t, v.Entries[0].Record.Reactions)

	c.ToggleLocalReaction("m1", "u", "👍")
	c.ApplyReactionInsert("m1", entity.ReactionInfo{Id: "r1", UserId: "u", Emoji: "👍"})
	v, _ = c.View(ChannelKey("c"))
	require.Len(t, v.Entries[0].Record.Reactions, 1)
	assert.Equal(t, "r1", v.Entries[0].Record.Reactions[0].Id)

	assert.True(t, c.ApplyReactionDelete("m1", entity.ReactionInfo{Id: "r1", UserId: "u", Emoji: "👍"}))
}

func TestCacheCloseKeepsEnvelopes(t *testing.T) {
	c := NewCache()
	key := ChannelKey("c")
	c.PrependPage(key, []*entity.MessageRecord{record("m1", 1)}, 50)
	c.AppendOptimistic(key, NewEnvelope("temp-1", record("", 2), nil, nil))

	c.Close(key)
	v, ok := c.View(key)
	require.True(t, ok)
	assert.Equal(t, []string{"temp-1"}, ids(v))
	assert.True(t, c.HasMore(key))

	c.Reset(key, []*entity.MessageRecord{record("m1", 1)}, 50)
	v, _ = c.View(key)
	assert.Equal(t, []string{"m1", "temp-1"}, ids(v))
	assert.Equal(t, "m1", c.OldestCursor(key))
	assert.False(t, c.HasMore(key))

	require.NoError(t, c.Confirm("temp-1", record("m2", 2)))
	c.Close(key)
	_, ok = c.View(key)
	assert.False(t, ok)
}

func TestCachePurgeReleasesEnvelopes(t *testing.T) {
	c := NewCache()
	preview := &countingResource{}
	c.AppendOptimistic(ChannelKey("c"), NewEnvelope("temp-1", record("", 2), nil, []Resource{preview}))

	c.Purge("c")
	assert.Equal(t, 1, preview.released)
	_, _, ok := c.Envelope("temp-1")
	assert.False(t, ok)
	assert.ErrorIs(t, c.Fail("temp-1"), ErrEnvelopeNotFound)
}
