package session

import (
	"context"
	"errors"
	"sync"

	"github.com/mbeoliero/kit/log"

	"github.com/mbeoliero/chatsync/internal/changefeed"
	"github.com/mbeoliero/chatsync/internal/entity"
	"github.com/mbeoliero/chatsync/internal/fanout"
	"github.com/mbeoliero/chatsync/internal/reconcile"
	"github.com/mbeoliero/chatsync/internal/service"
	"github.com/mbeoliero/chatsync/internal/unread"
	"github.com/mbeoliero/chatsync/internal/upload"
	"github.com/mbeoliero/chatsync/pkg/constant"
	"github.com/mbeoliero/chatsync/pkg/errcode"
	"github.com/mbeoliero/chatsync/pkg/idgen"
)

// Session is one connected client of a user. It owns the user's cursor engine, view
// cache and feed router for that client; all of them live on the session loop.
type Session struct {
	id     string
	userId string
	deps   Deps
	pusher Pusher

	loop   *Loop
	ctx    context.Context
	cancel context.CancelFunc

	engine *unread.Engine
	cache  *reconcile.Cache
	router *fanout.Router

	reactions map[reactionKey]int
	typing    typingState

	unsubs    []func()
	closed    bool
	closeOnce sync.Once
}

// New creates a session; Start subscribes it
func New(id, userId string, deps Deps, pusher Pusher) *Session {
	d := deps.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:     id,
		userId: userId,
		deps:   d,
		pusher: pusher,
		loop:   NewLoop(d.QueueSize),
		ctx:    ctx,
		cancel: cancel,
		cache:  reconcile.NewCache(),

		reactions: make(map[reactionKey]int),
	}

	var store unread.CursorStore = d.Cursors
	if d.Events != nil && store != nil {
		store = announcingCursors{CursorStore: store, events: d.Events}
	}
	var marker unread.ChannelNotificationMarker
	if d.Notifications != nil {
		marker = d.Notifications
	}
	s.engine = unread.NewEngine(store, marker, unread.Options{MaxTracked: d.MaxTracked, Async: d.Async, Now: d.Now})

	s.router = fanout.NewRouter(fanout.Options{
		UserId:       userId,
		Source:       d.Source,
		Fetcher:      d.Messages,
		Cache:        s.cache,
		Engine:       s.engine,
		Inbox:        inboxSink(d),
		Delegate:     s,
		Metrics:      d.Metrics,
		Post:         s.loop.Post,
		Async:        d.Async,
		Now:          d.Now,
		Backoff:      d.Backoff,
		FetchTimeout: d.FetchTimeout,
	})
	return s
}

func inboxSink(d Deps) fanout.NotificationSink {
	if d.Inbox == nil {
		return nil
	}
	return d.Inbox
}

// Id returns the session id
func (s *Session) Id() string { return s.id }

// UserId returns the owning user
func (s *Session) UserId() string { return s.userId }

// Start wires the push subscriptions and watches the sidebar scope
func (s *Session) Start(ctx context.Context) error {
	return s.loop.Call(ctx, func() {
		s.unsubs = append(s.unsubs,
			s.cache.Subscribe(func(key reconcile.Key, v reconcile.View) {
				s.pusher.Push(PushView, newViewUpdate(key, v))
			}),
			s.engine.Subscribe(func(c unread.Change) {
				s.pusher.Push(PushUnread, c)
			}),
		)
		s.router.WatchSidebar()
	})
}

// Close tears the session down and releases every staged attachment it still holds
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		_ = s.loop.Call(context.Background(), func() {
			s.closed = true
			s.cancelTypingExpiry()
			s.router.Close()
			for _, fn := range s.unsubs {
				fn()
			}
			for _, key := range s.cache.Keys() {
				s.cache.Purge(key.ChannelId)
			}
		})
		s.cancel()
		s.loop.Stop()
	})
}

// Done is closed once the session stopped
func (s *Session) Done() <-chan struct{} {
	return s.loop.Done()
}

func (s *Session) pageSize() int {
	if n := s.deps.Messages.PageSize(); n > 0 {
		return n
	}
	return constant.DefaultPageSize
}

func (s *Session) pushError(op string, err error) {
	code := errcode.ErrInternalServer.Code
	if e, ok := errcode.As(err); ok {
		code = e.Code
	}
	s.pusher.Push(PushError, &ErrorUpdate{Op: op, Code: code, Error: err.Error()})
}

// SendRequest is a message composed on the client
type SendRequest struct {
	ChannelId   string
	ParentId    string
	Content     string
	ScheduledAt *int64
	Files       []upload.File
}

// SendResult names the optimistic entry of a send, or the stored record of a
// scheduled message which never enters a view before it goes out
type SendResult struct {
	LocalId string                `json:"local_id,omitempty"`
	Record  *entity.MessageRecord `json:"record,omitempty"`
}

// Send validates a message, shows it optimistically and submits it in the
// background. A rejected message never appears in a view.
func (s *Session) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	sreq := &service.SendMessageRequest{
		ChannelId:   req.ChannelId,
		ParentId:    req.ParentId,
		Content:     req.Content,
		ScheduledAt: req.ScheduledAt,
	}
	for _, f := range req.Files {
		sreq.Attachments = append(sreq.Attachments, entity.AttachmentInfo{FileName: f.Name, FileType: f.Type, FileSize: int64(len(f.Data))})
	}
	if err := s.deps.Messages.CheckSend(ctx, s.userId, sreq); err != nil {
		return nil, err
	}

	previews, err := s.stage(req.Files)
	if err != nil {
		return nil, err
	}

	if req.ScheduledAt != nil && *req.ScheduledAt > s.deps.Now() {
		rec, err := s.submit(ctx, sreq, previews)
		upload.ReleaseAll(previews)
		if err != nil {
			return nil, err
		}
		return &SendResult{Record: rec}, nil
	}

	localId := idgen.NewTempId()
	payload := &reconcile.SendPayload{ChannelId: req.ChannelId, ParentId: req.ParentId, Content: req.Content}
	rec := &entity.MessageRecord{
		ChannelId:   req.ChannelId,
		AuthorId:    s.userId,
		Content:     req.Content,
		Type:        constant.MsgTypeRegular,
		ParentId:    req.ParentId,
		Attachments: previewAttachments(previews),
		Reactions:   []entity.ReactionInfo{},
		CreatedAt:   s.deps.Now(),
	}
	env := reconcile.NewEnvelope(localId, rec, payload, resources(previews))

	err = s.loop.Call(ctx, func() {
		s.cache.AppendOptimistic(viewKey(req.ChannelId, req.ParentId), env)
		s.stopTyping(req.ChannelId)
		s.deliver(localId, payload, previews)
	})
	if err != nil {
		upload.ReleaseAll(previews)
		return nil, err
	}
	return &SendResult{LocalId: localId}, nil
}

func viewKey(channelId, parentId string) reconcile.Key {
	if parentId != "" {
		return reconcile.ThreadKey(channelId, parentId)
	}
	return reconcile.ChannelKey(channelId)
}

func (s *Session) stage(files []upload.File) ([]*upload.Preview, error) {
	if len(files) == 0 {
		return nil, nil
	}
	if s.deps.Staging == nil {
		return nil, errcode.ErrUploadFailed
	}
	previews := make([]*upload.Preview, 0, len(files))
	for _, f := range files {
		p, err := s.deps.Staging.Stage(f)
		if err != nil {
			upload.ReleaseAll(previews)
			log.CtxWarn(s.ctx, "stage attachment failed: user_id=%s, name=%s, error=%v", s.userId, f.Name, err)
			return nil, errcode.ErrUploadFailed
		}
		previews = append(previews, p)
	}
	return previews, nil
}

func previewAttachments(previews []*upload.Preview) []entity.AttachmentInfo {
	atts := make([]entity.AttachmentInfo, 0, len(previews))
	for _, p := range previews {
		f := p.File()
		atts = append(atts, entity.AttachmentInfo{FileName: f.Name, FileType: f.Type, FileSize: f.Size, ContentHash: f.Hash})
	}
	return atts
}

func resources(previews []*upload.Preview) []reconcile.Resource {
	out := make([]reconcile.Resource, 0, len(previews))
	for _, p := range previews {
		out = append(out, p)
	}
	return out
}

func previewsOf(res []reconcile.Resource) []*upload.Preview {
	out := make([]*upload.Preview, 0, len(res))
	for _, r := range res {
		if p, ok := r.(*upload.Preview); ok {
			out = append(out, p)
		}
	}
	return out
}

// submit uploads staged attachments and stores the message
func (s *Session) submit(ctx context.Context, req *service.SendMessageRequest, previews []*upload.Preview) (*entity.MessageRecord, error) {
	if len(previews) > 0 {
		atts, err := s.deps.Staging.UploadAll(ctx, s.deps.Storage, previews)
		if err != nil {
			log.CtxWarn(ctx, "upload attachments failed: user_id=%s, error=%v", s.userId, err)
			return nil, errcode.ErrUploadFailed
		}
		req.Attachments = atts
	}
	return s.deps.Messages.Send(ctx, s.userId, req)
}

// deliver submits an envelope off the loop and reconciles the outcome on it
func (s *Session) deliver(localId string, p *reconcile.SendPayload, previews []*upload.Preview) {
	req := &service.SendMessageRequest{ChannelId: p.ChannelId, ParentId: p.ParentId, Content: p.Content, ScheduledAt: p.ScheduledAt}
	s.deps.Async(func() {
		rec, err := s.submit(s.ctx, req, previews)
		s.loop.Post(func() {
			if s.closed {
				return
			}
			if err != nil {
				if ferr := s.cache.Fail(localId); ferr != nil {
					log.CtxDebug(s.ctx, "send failed for gone envelope: local_id=%s", localId)
					return
				}
				code := errcode.ErrSendFailed.Code
				if e, ok := errcode.As(err); ok {
					code = e.Code
				}
				s.pusher.Push(PushSendFailed, &SendFailed{LocalId: localId, Code: code, Error: err.Error()})
				return
			}
			if cerr := s.cache.Confirm(localId, rec); cerr != nil {
				log.CtxDebug(s.ctx, "confirm for gone envelope: local_id=%s, id=%s", localId, rec.Id)
				return
			}
			if rec.ParentId != "" {
				s.cache.RecordReply(rec.ParentId, rec.Id)
			}
		})
	})
}

func envelopeError(err error) error {
	switch {
	case errors.Is(err, reconcile.ErrEnvelopeNotFound):
		return errcode.ErrEnvelopeNotFound
	case errors.Is(err, reconcile.ErrNotRetriable):
		return errcode.ErrEnvelopeNotRetried
	}
	return err
}

// Retry resubmits a failed envelope with its original payload and staged files
func (s *Session) Retry(ctx context.Context, localId string) error {
	var err error
	if cerr := s.loop.Call(ctx, func() {
		env, rerr := s.cache.Retry(localId)
		if rerr != nil {
			err = envelopeError(rerr)
			return
		}
		s.deliver(localId, env.Payload, previewsOf(env.Resources))
	}); cerr != nil {
		return cerr
	}
	return err
}

// Discard drops an unconfirmed envelope and releases its staged files
func (s *Session) Discard(ctx context.Context, localId string) error {
	var err error
	if cerr := s.loop.Call(ctx, func() {
		if derr := s.cache.Discard(localId); derr != nil {
			err = envelopeError(derr)
		}
	}); cerr != nil {
		return cerr
	}
	return err
}

// reactionKey names one reaction of the user; server toggles for a key run one at
// a time
type reactionKey struct {
	messageId string
	emoji     string
}

// ToggleReaction flips the user's reaction ahead of the server and rolls it back
// when the server refuses. Toggles made while a server call is in flight are folded
// into at most one follow-up call.
func (s *Session) ToggleReaction(ctx context.Context, messageId, emoji string) error {
	if messageId == "" || emoji == "" {
		return errcode.ErrInvalidParam
	}
	return s.loop.Call(ctx, func() {
		s.cache.ToggleLocalReaction(messageId, s.userId, emoji)
		key := reactionKey{messageId: messageId, emoji: emoji}
		if flips, busy := s.reactions[key]; busy {
			s.reactions[key] = flips + 1
			return
		}
		s.reactions[key] = 0
		s.sendReaction(key)
	})
}

// sendReaction runs one server toggle for key; called on the loop
func (s *Session) sendReaction(key reactionKey) {
	s.deps.Async(func() {
		res, err := s.deps.Messages.ToggleReaction(s.ctx, s.userId, key.messageId, key.emoji)
		s.loop.Post(func() {
			if s.closed {
				return
			}
			flips := s.reactions[key]
			if err != nil {
				delete(s.reactions, key)
				// the view is ahead of the server by this call plus the folded flips
				if flips%2 == 0 {
					s.cache.ToggleLocalReaction(key.messageId, s.userId, key.emoji)
				}
				s.pushError("toggle_reaction", err)
				return
			}
			if flips%2 == 1 {
				s.reactions[key] = 0
				s.sendReaction(key)
				return
			}
			delete(s.reactions, key)
			if res.Added {
				s.cache.ApplyReactionInsert(key.messageId, res.Reaction)
			} else {
				s.cache.ApplyReactionDelete(key.messageId, res.Reaction)
			}
		})
	})
}

// OpenChannel makes channelId the open channel, dropping the previous one
func (s *Session) OpenChannel(ctx context.Context, channelId string) error {
	if channelId == "" {
		return errcode.ErrInvalidParam
	}
	return s.loop.Call(ctx, func() {
		prev := s.router.OpenChannel()
		if prev == channelId {
			return
		}
		s.closeViews(prev)
		s.stopTyping(prev)
		s.resetTyping(channelId)
		s.router.WatchChannel(channelId)
	})
}

// CloseChannel closes the open channel and its thread
func (s *Session) CloseChannel(ctx context.Context) error {
	return s.loop.Call(ctx, func() {
		prev := s.router.OpenChannel()
		s.closeViews(prev)
		s.stopTyping(prev)
		s.resetTyping("")
		s.router.Unwatch(fanout.TargetOpenChannel)
	})
}

func (s *Session) closeViews(channelId string) {
	if ch, parent := s.router.OpenThread(); parent != "" {
		s.cache.Close(reconcile.ThreadKey(ch, parent))
	}
	if channelId != "" {
		s.cache.Close(reconcile.ChannelKey(channelId))
	}
}

// OpenThread opens the replies of parentId
func (s *Session) OpenThread(ctx context.Context, channelId, parentId string) error {
	if channelId == "" || parentId == "" {
		return errcode.ErrInvalidParam
	}
	return s.loop.Call(ctx, func() {
		ch, parent := s.router.OpenThread()
		if ch == channelId && parent == parentId {
			return
		}
		if parent != "" {
			s.cache.Close(reconcile.ThreadKey(ch, parent))
		}
		s.router.WatchThread(channelId, parentId)
	})
}

// CloseThread closes the open thread
func (s *Session) CloseThread(ctx context.Context) error {
	return s.loop.Call(ctx, func() {
		if ch, parent := s.router.OpenThread(); parent != "" {
			s.cache.Close(reconcile.ThreadKey(ch, parent))
		}
		s.router.Unwatch(fanout.TargetOpenThread)
	})
}

// LoadOlder fetches the page before the oldest loaded message of the open channel
func (s *Session) LoadOlder(ctx context.Context, channelId string) error {
	var err error
	if cerr := s.loop.Call(ctx, func() {
		if s.router.OpenChannel() != channelId {
			err = errcode.ErrInvalidParam
			return
		}
		key := reconcile.ChannelKey(channelId)
		if !s.cache.HasMore(key) {
			return
		}
		before := s.cache.OldestCursor(key)
		s.router.Go(fanout.TargetOpenChannel, func(ctx context.Context) func() {
			batch, err := s.deps.Messages.Page(ctx, s.userId, channelId, before)
			if err != nil {
				return func() { s.pushError("load_older", err) }
			}
			return func() { s.cache.PrependPage(key, batch, s.pageSize()) }
		})
	}); cerr != nil {
		return cerr
	}
	return err
}

// MarkRead moves the channel's read cursor to now
func (s *Session) MarkRead(ctx context.Context, channelId string) error {
	if channelId == "" {
		return errcode.ErrInvalidParam
	}
	return s.loop.Call(ctx, func() {
		s.engine.MarkRead(s.ctx, s.userId, channelId, s.deps.Now())
	})
}

// ResubscribeNow retries a target waiting in error-backoff without waiting for the delay
func (s *Session) ResubscribeNow(ctx context.Context, kind fanout.TargetKind) (bool, error) {
	var ok bool
	err := s.loop.Call(ctx, func() {
		if _, known := targetKinds[kind]; known {
			ok = s.router.Retry(kind)
		}
	})
	return ok, err
}

var targetKinds = map[fanout.TargetKind]struct{}{
	fanout.TargetSidebar:     {},
	fanout.TargetOpenChannel: {},
	fanout.TargetOpenThread:  {},
}

// Counts returns the unread count of every tracked channel
func (s *Session) Counts(ctx context.Context) (map[string]int, error) {
	var counts map[string]int
	err := s.loop.Call(ctx, func() { counts = s.engine.Counts(s.userId) })
	return counts, err
}

// View returns the current state of a message list
func (s *Session) View(ctx context.Context, channelId, parentId string) (*ViewUpdate, error) {
	var out *ViewUpdate
	err := s.loop.Call(ctx, func() {
		key := viewKey(channelId, parentId)
		if v, ok := s.cache.View(key); ok {
			out = newViewUpdate(key, v)
		}
	})
	return out, err
}

// State returns the subscription state of a target
func (s *Session) State(ctx context.Context, kind fanout.TargetKind) (fanout.State, error) {
	state := fanout.StateUnsubscribed
	err := s.loop.Call(ctx, func() {
		if _, known := targetKinds[kind]; known {
			state = s.router.State(kind)
		}
	})
	return state, err
}

// SetNotificationRead flips the read flag of one notification
func (s *Session) SetNotificationRead(ctx context.Context, id string, isRead bool) error {
	if s.deps.Notifications == nil {
		return errcode.ErrNotificationNotFound
	}
	return s.deps.Notifications.SetRead(ctx, s.userId, id, isRead)
}

// MarkAllNotificationsRead marks every notification of the user read
func (s *Session) MarkAllNotificationsRead(ctx context.Context) int {
	if s.deps.Notifications == nil {
		return 0
	}
	return s.deps.Notifications.MarkAllRead(ctx, s.userId)
}

func (s *Session) pushInbox() {
	if s.deps.Inbox == nil {
		return
	}
	s.pusher.Push(PushInbox, &InboxSnapshot{Unread: s.deps.Inbox.Unread(s.userId), Notifications: s.deps.Inbox.List(s.userId)})
}

// Resync implements fanout.Delegate
func (s *Session) Resync(t fanout.Target, reconnect bool) {
	log.CtxDebug(s.ctx, "resync target: user_id=%s, target=%s, channel_id=%s, reconnect=%v", s.userId, t.Kind, t.ChannelId, reconnect)
	switch t.Kind {
	case fanout.TargetSidebar:
		s.resyncSidebar()
	case fanout.TargetOpenChannel:
		s.resyncChannel(t.ChannelId)
	case fanout.TargetOpenThread:
		s.resyncThread(t.ChannelId, t.ParentId)
	}
}

// resyncSidebar reloads every cursor and the notification inbox
func (s *Session) resyncSidebar() {
	s.router.Go(fanout.TargetSidebar, func(ctx context.Context) func() {
		if s.deps.Inbox != nil {
			if err := s.deps.Inbox.Load(ctx, s.userId); err != nil {
				log.CtxWarn(ctx, "load notifications failed: user_id=%s, error=%v", s.userId, err)
			}
		}
		ids, err := s.deps.Members.ListChannelIds(ctx, s.userId)
		if err != nil {
			log.CtxWarn(ctx, "list channels failed: user_id=%s, error=%v", s.userId, err)
			return func() { s.pushError("resync", err) }
		}
		snaps := make([]*unread.Snapshot, 0, len(ids))
		for _, id := range ids {
			snap, err := s.engine.LoadSnapshot(ctx, s.userId, id)
			if err != nil {
				log.CtxWarn(ctx, "load unread snapshot failed: user_id=%s, channel_id=%s, error=%v", s.userId, id, err)
				continue
			}
			snaps = append(snaps, snap)
		}
		return func() {
			member := make(map[string]struct{}, len(ids))
			for _, id := range ids {
				member[id] = struct{}{}
			}
			for ch := range s.engine.Counts(s.userId) {
				if _, ok := member[ch]; !ok {
					s.engine.Drop(s.userId, ch)
				}
			}
			for _, snap := range snaps {
				s.engine.Install(snap)
			}
			s.pushInbox()
		}
	})
}

func (s *Session) resyncChannel(channelId string) {
	s.router.Go(fanout.TargetOpenChannel, func(ctx context.Context) func() {
		recs, err := s.deps.Messages.Page(ctx, s.userId, channelId, "")
		if err != nil {
			return func() { s.openFailed(fanout.TargetOpenChannel, channelId, err) }
		}
		return func() {
			s.cache.Reset(reconcile.ChannelKey(channelId), recs, s.pageSize())
			s.engine.MarkRead(s.ctx, s.userId, channelId, s.deps.Now())
		}
	})
}

func (s *Session) resyncThread(channelId, parentId string) {
	s.router.Go(fanout.TargetOpenThread, func(ctx context.Context) func() {
		recs, err := s.deps.Messages.Thread(ctx, s.userId, parentId)
		if err != nil {
			return func() { s.openFailed(fanout.TargetOpenThread, channelId, err) }
		}
		// a thread loads whole, so the page is never full
		return func() { s.cache.Reset(reconcile.ThreadKey(channelId, parentId), recs, len(recs)+1) }
	})
}

// openFailed handles a target whose initial load was refused
func (s *Session) openFailed(kind fanout.TargetKind, channelId string, err error) {
	if !errcode.IsPermissionDenial(err) {
		log.CtxWarn(s.ctx, "load view failed: user_id=%s, target=%s, channel_id=%s, error=%v", s.userId, kind, channelId, err)
		s.pushError(string(kind), err)
		return
	}
	s.router.Unwatch(kind)
	if kind == fanout.TargetOpenChannel {
		s.cache.Purge(channelId)
		s.pusher.Push(PushAccessLost, &AccessLost{ChannelId: channelId})
		return
	}
	s.pushError(string(kind), err)
}

// StateChanged implements fanout.Delegate
func (s *Session) StateChanged(t fanout.Target, state fanout.State, err error) {
	u := &StateUpdate{
		Target:    t.Kind,
		ChannelId: t.ChannelId,
		ParentId:  t.ParentId,
		State:     state,
		Degraded:  state == fanout.StateErrorBackoff,
	}
	if err != nil {
		u.Error = err.Error()
	}
	s.pusher.Push(PushState, u)
}

// MembershipChanged implements fanout.Delegate
func (s *Session) MembershipChanged(ev *changefeed.MemberEvent) {
	row := ev.Row()
	if row.UserId != s.userId {
		return
	}
	s.pusher.Push(PushMembership, &MembershipUpdate{Kind: ev.Kind, Member: row})
	if ev.Kind == changefeed.Delete {
		s.pusher.Push(PushAccessLost, &AccessLost{ChannelId: row.ChannelId})
	}
}

// ChannelChanged implements fanout.Delegate
func (s *Session) ChannelChanged(ev *changefeed.ChannelEvent) {
	row := ev.Row()
	s.pusher.Push(PushChannel, &ChannelUpdate{Kind: ev.Kind, Channel: row})
	if ev.Kind == changefeed.Delete {
		s.pusher.Push(PushAccessLost, &AccessLost{ChannelId: row.Id})
	}
}
