package repository

// CursorStore is the persistent side of read cursors: stored membership cursors plus
// the unread queries over messages
type CursorStore struct {
	*MemberRepo
	*MessageRepo
}

// Cursors returns the cursor store backed by these repositories
func (r *Repositories) Cursors() *CursorStore {
	return &CursorStore{MemberRepo: r.Member, MessageRepo: r.Message}
}
