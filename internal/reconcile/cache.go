package reconcile

import (
	"github.com/mbeoliero/kit/log"

	"github.com/mbeoliero/chatsync/internal/entity"
)

// Key identifies a view: a channel timeline when ParentId is empty, a thread otherwise
type Key struct {
	ChannelId string
	ParentId  string
}

// ChannelKey returns the timeline key of a channel
func ChannelKey(channelId string) Key {
	return Key{ChannelId: channelId}
}

// ThreadKey returns the key of a thread
func ThreadKey(channelId, parentId string) Key {
	return Key{ChannelId: channelId, ParentId: parentId}
}

// KeyOf returns the view a record belongs to
func KeyOf(rec *entity.MessageRecord) Key {
	return Key{ChannelId: rec.ChannelId, ParentId: rec.ParentId}
}

// Cache holds the merged views of one session. It is the only writer of optimistic
// state and performs no network calls. Not safe for concurrent use.
type Cache struct {
	views       map[Key]View
	locals      map[string]Key
	subscribers map[int]func(Key, View)
	nextSub     int
}

// NewCache creates an empty Cache
func NewCache() *Cache {
	return &Cache{
		views:       make(map[Key]View),
		locals:      make(map[string]Key),
		subscribers: make(map[int]func(Key, View)),
	}
}

// Subscribe registers fn for view changes and returns its cancel func
func (c *Cache) Subscribe(fn func(Key, View)) func() {
	id := c.nextSub
	c.nextSub++
	c.subscribers[id] = fn
	return func() { delete(c.subscribers, id) }
}

// View returns the current view of key
func (c *Cache) View(key Key) (View, bool) {
	v, ok := c.views[key]
	return v, ok
}

// Keys returns every key with a view
func (c *Cache) Keys() []Key {
	keys := make([]Key, 0, len(c.views))
	for k := range c.views {
		keys = append(keys, k)
	}
	return keys
}

func (c *Cache) set(key Key, v View, eff Effects) {
	c.views[key] = v
	for _, r := range eff.Release {
		r.Release()
	}
	for _, fn := range c.subscribers {
		fn(key, v)
	}
}

// AppendOptimistic adds or replaces the envelope in key's view
func (c *Cache) AppendOptimistic(key Key, env *Entry) {
	v, eff := AppendOptimistic(c.views[key], env)
	c.locals[env.LocalId] = key
	c.set(key, v, eff)
}

// Envelope returns the envelope with localId and its view key
func (c *Cache) Envelope(localId string) (*Entry, Key, bool) {
	key, ok := c.locals[localId]
	if !ok {
		return nil, Key{}, false
	}
	e, ok := c.views[key].FindLocal(localId)
	return e, key, ok
}

// Confirm reconciles an envelope with the server record
func (c *Cache) Confirm(localId string, rec *entity.MessageRecord) error {
	key, ok := c.locals[localId]
	if !ok {
		return ErrEnvelopeNotFound
	}
	v, eff, err := Confirm(c.views[key], localId, rec)
	if err != nil {
		return err
	}
	delete(c.locals, localId)
	c.set(key, v, eff)
	return nil
}

// Fail marks an envelope as errored
func (c *Cache) Fail(localId string) error {
	key, ok := c.locals[localId]
	if !ok {
		return ErrEnvelopeNotFound
	}
	v, err := Fail(c.views[key], localId)
	if err != nil {
		return err
	}
	c.set(key, v, Effects{})
	return nil
}

// Retry moves an errored envelope back to pending and returns it for resubmission
func (c *Cache) Retry(localId string) (*Entry, error) {
	key, ok := c.locals[localId]
	if !ok {
		return nil, ErrEnvelopeNotFound
	}
	v, env, err := Retry(c.views[key], localId)
	if err != nil {
		return nil, err
	}
	c.set(key, v, Effects{})
	return env, nil
}

// Discard drops an unconfirmed envelope
func (c *Cache) Discard(localId string) error {
	key, ok := c.locals[localId]
	if !ok {
		return ErrEnvelopeNotFound
	}
	v, eff, err := Discard(c.views[key], localId)
	if err != nil {
		return err
	}
	delete(c.locals, localId)
	c.set(key, v, eff)
	return nil
}

// ApplyRemoteInsert merges a server record into its view when that view exists
func (c *Cache) ApplyRemoteInsert(rec *entity.MessageRecord) bool {
	key := KeyOf(rec)
	v, ok := c.views[key]
	if !ok {
		return false
	}
	nv, inserted := ApplyRemoteInsert(v, rec)
	if !inserted {
		log.Debug("reconcile: duplicate insert ignored, message_id=%s", rec.Id)
		return false
	}
	c.set(key, nv, Effects{})
	return true
}

// ApplyRemoteUpdate patches the record in every view holding it
func (c *Cache) ApplyRemoteUpdate(id string, p Patch) bool {
	changed := false
	for key, v := range c.views {
		if nv, ok := ApplyRemoteUpdate(v, id, p); ok {
			c.set(key, nv, Effects{})
			changed = true
		}
	}
	return changed
}

// ApplyRemoteDelete removes the record from every view holding it
func (c *Cache) ApplyRemoteDelete(id string) bool {
	removed := false
	for key, v := range c.views {
		if nv, eff, ok := ApplyRemoteDelete(v, id); ok {
			c.set(key, nv, eff)
			removed = true
		}
	}
	return removed
}

// ApplyReactionInsert adds a reaction wherever the message is shown
func (c *Cache) ApplyReactionInsert(messageId string, r entity.ReactionInfo) bool {
	return c.eachWith(messageId, func(v View) (View, bool) { return ApplyReactionInsert(v, messageId, r) })
}

// ApplyReactionDelete removes a reaction wherever the message is shown
func (c *Cache) ApplyReactionDelete(messageId string, r entity.ReactionInfo) bool {
	return c.eachWith(messageId, func(v View) (View, bool) { return ApplyReactionDelete(v, messageId, r) })
}

// ToggleLocalReaction flips a reaction ahead of the server and returns whether it is
// now present. A message not in any view returns false.
func (c *Cache) ToggleLocalReaction(messageId, userId, emoji string) bool {
	present := false
	for key, v := range c.views {
		if _, ok := v.Find(messageId); !ok {
			continue
		}
		var nv View
		nv, present = ToggleLocalReaction(v, messageId, userId, emoji)
		c.set(key, nv, Effects{})
	}
	return present
}

// RecordReply bumps the reply count of the parent once per reply
func (c *Cache) RecordReply(parentId, replyId string) bool {
	return c.eachWith(parentId, func(v View) (View, bool) { return RecordReply(v, parentId, replyId) })
}

func (c *Cache) eachWith(id string, fn func(View) (View, bool)) bool {
	changed := false
	for key, v := range c.views {
		if _, ok := v.Find(id); !ok {
			continue
		}
		if nv, ok := fn(v); ok || !sameEntries(v, nv) {
			c.set(key, nv, Effects{})
			changed = changed || ok
		}
	}
	return changed
}

func sameEntries(a, b View) bool {
	if len(a.Entries) != len(b.Entries) {
		return false
	}
	for i := range a.Entries {
		if a.Entries[i] != b.Entries[i] {
			return false
		}
	}
	return true
}

// PrependPage merges an older page into key's view, creating the view if needed
func (c *Cache) PrependPage(key Key, batch []*entity.MessageRecord, pageSize int) {
	c.set(key, PrependPage(c.views[key], batch, pageSize), Effects{})
}

// Reset replaces the server records of key with a fresh page, keeping envelopes
func (c *Cache) Reset(key Key, fresh []*entity.MessageRecord, pageSize int) {
	c.set(key, Resync(c.views[key], fresh, pageSize), Effects{})
}

// OldestCursor returns the backward pagination anchor of key
func (c *Cache) OldestCursor(key Key) string {
	return OldestCursor(c.views[key])
}

// HasMore reports whether older records may exist for key
func (c *Cache) HasMore(key Key) bool {
	v, ok := c.views[key]
	return !ok || !v.Loaded || v.HasMore
}

// Close forgets the server records of key. Unconfirmed envelopes stay so an in-flight
// send can still be confirmed or retried.
func (c *Cache) Close(key Key) {
	v, ok := c.views[key]
	if !ok {
		return
	}
	kept := Unconfirmed(v)
	if len(kept.Entries) == 0 {
		delete(c.views, key)
		return
	}
	c.views[key] = kept
}

// Purge drops every view of a channel and releases the resources of its envelopes,
// used when access to the channel is lost
func (c *Cache) Purge(channelId string) {
	for key, v := range c.views {
		if key.ChannelId != channelId {
			continue
		}
		for _, e := range v.Entries {
			if e.LocalId != "" {
				delete(c.locals, e.LocalId)
			}
			for _, r := range e.Resources {
				r.Release()
			}
		}
		delete(c.views, key)
	}
}
