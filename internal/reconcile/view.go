package reconcile

import (
	"errors"

	"github.com/mbeoliero/chatsync/internal/entity"
)

// Status is the reconciliation state of an entry
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusError     Status = "error"
)

var (
	ErrEnvelopeNotFound = errors.New("reconcile: envelope not found")
	ErrNotRetriable     = errors.New("reconcile: envelope is not in error state")
)

// Resource is a transient handle owned by an envelope. Release must be safe to call
// once; the cache never calls it twice.
type Resource interface {
	Release() bool
}

// SendPayload is what a retry resubmits
type SendPayload struct {
	ChannelId   string
	ParentId    string
	Content     string
	ScheduledAt *int64
}

// Entry is one message of a view. Optimistic entries carry a LocalId; entries
// that only ever came from the server have none.
type Entry struct {
	LocalId   string
	Status    Status
	Record    *entity.MessageRecord
	Payload   *SendPayload
	Resources []Resource
}

// NewEnvelope builds a pending optimistic entry. The record id is the local id
// until the server assigns a durable one.
func NewEnvelope(localId string, rec *entity.MessageRecord, payload *SendPayload, resources []Resource) *Entry {
	rec = rec.Clone()
	rec.Id = localId
	return &Entry{LocalId: localId, Status: StatusPending, Record: rec, Payload: payload, Resources: resources}
}

// Id returns the canonical id of the entry
func (e *Entry) Id() string {
	return e.Record.Id
}

// IsLocal reports whether the server has not yet acknowledged the entry
func (e *Entry) IsLocal() bool {
	return e.Status != StatusConfirmed
}

func (e *Entry) withRecord(rec *entity.MessageRecord) *Entry {
	c := *e
	c.Record = rec
	return &c
}

// View is the ordered message list of one channel or thread. Views are values:
// every function below returns a new View and never mutates its input.
type View struct {
	Entries []*Entry
	HasMore bool
	Loaded  bool

	// replies tracks which reply ids were counted per parent
	replies map[string]map[string]struct{}
}

// Patch is a partial update of a record
type Patch struct {
	Content  *string
	IsEdited *bool
	IsPinned *bool
}

// Effects lists side effects the caller must perform after a transition
type Effects struct {
	Release []Resource
}

func (v View) clone() View {
	c := v
	c.Entries = append([]*Entry(nil), v.Entries...)
	return c
}

func (v View) indexOfId(id string) int {
	for i, e := range v.Entries {
		if e.Record.Id == id {
			return i
		}
	}
	return -1
}

func (v View) indexOfLocal(localId string) int {
	if localId == "" {
		return -1
	}
	for i, e := range v.Entries {
		if e.LocalId == localId {
			return i
		}
	}
	return -1
}

// Find returns the entry with the given canonical id
func (v View) Find(id string) (*Entry, bool) {
	if i := v.indexOfId(id); i >= 0 {
		return v.Entries[i], true
	}
	return nil, false
}

// FindLocal returns the entry with the given local id
func (v View) FindLocal(localId string) (*Entry, bool) {
	if i := v.indexOfLocal(localId); i >= 0 {
		return v.Entries[i], true
	}
	return nil, false
}

// insertSorted places e after the last entry not newer than it, so equal
// timestamps keep arrival order and kept slots are not disturbed.
func (v *View) insertSorted(e *Entry) {
	at := len(v.Entries)
	for at > 0 && v.Entries[at-1].Record.CreatedAt > e.Record.CreatedAt {
		at--
	}
	v.Entries = append(v.Entries, nil)
	copy(v.Entries[at+1:], v.Entries[at:])
	v.Entries[at] = e
}

func (v *View) removeAt(i int) *Entry {
	e := v.Entries[i]
	v.Entries = append(v.Entries[:i], v.Entries[i+1:]...)
	return e
}

// AppendOptimistic adds a pending envelope. An envelope with the same local id is
// replaced in place, releasing any of its resources the new one does not keep.
func AppendOptimistic(v View, env *Entry) (View, Effects) {
	nv := v.clone()
	if i := nv.indexOfLocal(env.LocalId); i >= 0 {
		old := nv.Entries[i]
		nv.Entries[i] = env
		return nv, Effects{Release: dropped(old.Resources, env.Resources)}
	}
	nv.insertSorted(env)
	return nv, Effects{}
}

func dropped(old, kept []Resource) []Resource {
	var out []Resource
	for _, r := range old {
		found := false
		for _, k := range kept {
			if r == k {
				found = true
				break
			}
		}
		if !found {
			out = append(out, r)
		}
	}
	return out
}

// Confirm swaps the envelope for the authoritative record in the same slot. Any other
// entry already carrying the durable id is removed, and the envelope's resources are
// released. Returns ErrEnvelopeNotFound when the local id is unknown.
func Confirm(v View, localId string, rec *entity.MessageRecord) (View, Effects, error) {
	i := v.indexOfLocal(localId)
	if i < 0 {
		return v, Effects{}, ErrEnvelopeNotFound
	}

	nv := v.clone()
	env := nv.Entries[i]
	nv.Entries[i] = &Entry{LocalId: localId, Status: StatusConfirmed, Record: rec.Clone()}

	for j := len(nv.Entries) - 1; j >= 0; j-- {
		if j != i && nv.Entries[j].Record.Id == rec.Id {
			nv.removeAt(j)
		}
	}
	return nv, Effects{Release: env.Resources}, nil
}

// Fail marks the envelope as errored, keeping content and resources for retry
func Fail(v View, localId string) (View, error) {
	i := v.indexOfLocal(localId)
	if i < 0 {
		return v, ErrEnvelopeNotFound
	}
	env := v.Entries[i]
	if env.Status == StatusConfirmed {
		return v, nil
	}
	nv := v.clone()
	c := *env
	c.Status = StatusError
	nv.Entries[i] = &c
	return nv, nil
}

// Retry moves an errored envelope back to pending
func Retry(v View, localId string) (View, *Entry, error) {
	i := v.indexOfLocal(localId)
	if i < 0 {
		return v, nil, ErrEnvelopeNotFound
	}
	if v.Entries[i].Status != StatusError {
		return v, nil, ErrNotRetriable
	}
	nv := v.clone()
	c := *nv.Entries[i]
	c.Status = StatusPending
	nv.Entries[i] = &c
	return nv, &c, nil
}

// Discard removes an unconfirmed envelope and releases its resources
func Discard(v View, localId string) (View, Effects, error) {
	i := v.indexOfLocal(localId)
	if i < 0 {
		return v, Effects{}, ErrEnvelopeNotFound
	}
	if v.Entries[i].Status == StatusConfirmed {
		return v, Effects{}, ErrNotRetriable
	}
	nv := v.clone()
	env := nv.removeAt(i)
	return nv, Effects{Release: env.Resources}, nil
}

// ApplyRemoteInsert adds a server record unless its id is already present
func ApplyRemoteInsert(v View, rec *entity.MessageRecord) (View, bool) {
	if v.indexOfId(rec.Id) >= 0 {
		return v, false
	}
	nv := v.clone()
	nv.insertSorted(&Entry{Status: StatusConfirmed, Record: rec.Clone()})
	return nv, true
}

// ApplyRemoteUpdate patches a record; missing ids are ignored
func ApplyRemoteUpdate(v View, id string, p Patch) (View, bool) {
	i := v.indexOfId(id)
	if i < 0 {
		return v, false
	}
	rec := v.Entries[i].Record.Clone()
	if p.Content != nil {
		rec.Content = *p.Content
	}
	if p.IsEdited != nil {
		rec.IsEdited = *p.IsEdited
	}
	if p.IsPinned != nil {
		rec.IsPinned = *p.IsPinned
	}
	nv := v.clone()
	nv.Entries[i] = nv.Entries[i].withRecord(rec)
	return nv, true
}

// ApplyRemoteDelete removes a record; missing ids are ignored
func ApplyRemoteDelete(v View, id string) (View, Effects, bool) {
	i := v.indexOfId(id)
	if i < 0 {
		return v, Effects{}, false
	}
	nv := v.clone()
	e := nv.removeAt(i)
	return nv, Effects{Release: e.Resources}, true
}

// ApplyReactionInsert adds a reaction unless the same id or (user, emoji) exists.
// A local placeholder for the same (user, emoji) adopts the server id.
func ApplyReactionInsert(v View, messageId string, r entity.ReactionInfo) (View, bool) {
	i := v.indexOfId(messageId)
	if i < 0 {
		return v, false
	}
	rec := v.Entries[i].Record
	for k, existing := range rec.Reactions {
		if r.Id != "" && existing.Id == r.Id {
			return v, false
		}
		if existing.UserId == r.UserId && existing.Emoji == r.Emoji {
			if existing.Id != "" || r.Id == "" {
				return v, false
			}
			nrec := rec.Clone()
			nrec.Reactions[k].Id = r.Id
			nv := v.clone()
			nv.Entries[i] = nv.Entries[i].withRecord(nrec)
			return nv, false
		}
	}
	nrec := rec.Clone()
	nrec.Reactions = append(nrec.Reactions, r)
	nv := v.clone()
	nv.Entries[i] = nv.Entries[i].withRecord(nrec)
	return nv, true
}

// ApplyReactionDelete removes a reaction matched by id, or by (user, emoji) when
// the id is unknown
func ApplyReactionDelete(v View, messageId string, r entity.ReactionInfo) (View, bool) {
	i := v.indexOfId(messageId)
	if i < 0 {
		return v, false
	}
	rec := v.Entries[i].Record
	for k, existing := range rec.Reactions {
		if (r.Id != "" && existing.Id == r.Id) || (existing.UserId == r.UserId && existing.Emoji == r.Emoji) {
			nrec := rec.Clone()
			nrec.Reactions = append(nrec.Reactions[:k], nrec.Reactions[k+1:]...)
			nv := v.clone()
			nv.Entries[i] = nv.Entries[i].withRecord(nrec)
			return nv, true
		}
	}
	return v, false
}

// ToggleLocalReaction flips (user, emoji) on a message ahead of the server.
// Returns whether the reaction is now present.
func ToggleLocalReaction(v View, messageId, userId, emoji string) (View, bool) {
	i := v.indexOfId(messageId)
	if i < 0 {
		return v, false
	}
	if v.Entries[i].Record.HasReaction(userId, emoji) {
		nv, _ := ApplyReactionDelete(v, messageId, entity.ReactionInfo{UserId: userId, Emoji: emoji})
		return nv, false
	}
	nv, _ := ApplyReactionInsert(v, messageId, entity.ReactionInfo{UserId: userId, Emoji: emoji})
	return nv, true
}

// RecordReply counts a reply against its parent once per reply id
func RecordReply(v View, parentId, replyId string) (View, bool) {
	i := v.indexOfId(parentId)
	if i < 0 {
		return v, false
	}
	if _, seen := v.replies[parentId][replyId]; seen {
		return v, false
	}

	nv := v.clone()
	nv.replies = make(map[string]map[string]struct{}, len(v.replies)+1)
	for k, set := range v.replies {
		nv.replies[k] = set
	}
	set := make(map[string]struct{}, len(v.replies[parentId])+1)
	for id := range v.replies[parentId] {
		set[id] = struct{}{}
	}
	set[replyId] = struct{}{}
	nv.replies[parentId] = set

	rec := nv.Entries[i].Record.Clone()
	rec.ReplyCount++
	nv.Entries[i] = nv.Entries[i].withRecord(rec)
	return nv, true
}

// PrependPage merges an older batch. A batch smaller than pageSize means there is
// nothing older left.
func PrependPage(v View, batch []*entity.MessageRecord, pageSize int) View {
	nv := v.clone()
	for _, rec := range batch {
		if nv.indexOfId(rec.Id) >= 0 {
			continue
		}
		nv.insertSorted(&Entry{Status: StatusConfirmed, Record: rec.Clone()})
	}
	nv.HasMore = len(batch) >= pageSize
	nv.Loaded = true
	return nv
}

// OldestCursor returns the id of the oldest server-known record, the anchor for the
// next backward page
func OldestCursor(v View) string {
	for _, e := range v.Entries {
		if e.Status == StatusConfirmed {
			return e.Record.Id
		}
	}
	return ""
}

// Resync replaces every server record with the fresh page while keeping unconfirmed
// envelopes. Replies counted before are forgotten since counts come fresh.
func Resync(v View, fresh []*entity.MessageRecord, pageSize int) View {
	nv := View{}
	for _, e := range v.Entries {
		if e.IsLocal() {
			nv.Entries = append(nv.Entries, e)
		}
	}
	return PrependPage(nv, fresh, pageSize)
}

// Unconfirmed returns only the envelopes still waiting on the server
func Unconfirmed(v View) View {
	nv := View{}
	for _, e := range v.Entries {
		if e.IsLocal() {
			nv.Entries = append(nv.Entries, e)
		}
	}
	return nv
}
