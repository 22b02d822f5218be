package service

import (
	"context"
	"strings"
	"time"

	"github.com/mbeoliero/kit/log"
	"gorm.io/gorm"

	"github.com/mbeoliero/chatsync/internal/changefeed"
	"github.com/mbeoliero/chatsync/internal/config"
	"github.com/mbeoliero/chatsync/internal/entity"
	"github.com/mbeoliero/chatsync/internal/notify"
	"github.com/mbeoliero/chatsync/internal/repository"
	"github.com/mbeoliero/chatsync/pkg/constant"
	"github.com/mbeoliero/chatsync/pkg/errcode"
	"github.com/mbeoliero/chatsync/pkg/idgen"
)

// MessageService handles message-related business logic
type MessageService struct {
	msgRepo      *repository.MessageRepo
	reactionRepo *repository.ReactionRepo
	prefRepo     *repository.PreferenceRepo
	memberRepo   *repository.MemberRepo
	repos        *repository.Repositories
	access       access
	events       *EventPublisher
	notifier     notifier

	pageSize   int
	editWindow time.Duration
	now        func() int64
}

// NewMessageService creates a new MessageService
func NewMessageService(repos *repository.Repositories, events *EventPublisher, rec Recorder, chat config.ChatConfig) *MessageService {
	s := &MessageService{
		msgRepo:      repos.Message,
		reactionRepo: repos.Reaction,
		prefRepo:     repos.Preference,
		memberRepo:   repos.Member,
		repos:        repos,
		access:       newAccess(repos),
		events:       events,
		notifier:     notifier{rec: rec, events: events},
		pageSize:     chat.PageSize,
		editWindow:   chat.EditWindow,
		now:          entity.NowUnixMilli,
	}
	if s.pageSize <= 0 {
		s.pageSize = constant.DefaultPageSize
	}
	if s.editWindow <= 0 {
		s.editWindow = constant.DefaultEditWindow
	}
	return s
}

// PageSize returns the number of messages per history page
func (s *MessageService) PageSize() int {
	return s.pageSize
}

// SendMessageRequest represents send message request
type SendMessageRequest struct {
	ChannelId   string                  `json:"channel_id"`
	ParentId    string                  `json:"parent_id,omitempty"`
	Content     string                  `json:"content"`
	ScheduledAt *int64                  `json:"scheduled_at,omitempty"`
	Attachments []entity.AttachmentInfo `json:"attachments,omitempty"`
}

func (r *SendMessageRequest) validate() error {
	if r.ChannelId == "" {
		return errcode.ErrInvalidParam
	}
	if strings.TrimSpace(r.Content) == "" && len(r.Attachments) == 0 {
		return errcode.ErrMessageEmpty
	}
	return nil
}

// CheckSend runs every rejection Send would apply before anything is written, so a
// client can refuse a message before showing it
func (s *MessageService) CheckSend(ctx context.Context, senderId string, req *SendMessageRequest) error {
	if err := req.validate(); err != nil {
		return err
	}
	_, err := s.checkSend(ctx, senderId, req)
	return err
}

func (s *MessageService) checkSend(ctx context.Context, senderId string, req *SendMessageRequest) (*entity.Message, error) {
	isReply := req.ParentId != ""
	if _, err := s.access.postable(ctx, senderId, req.ChannelId, isReply); err != nil {
		return nil, err
	}
	if !isReply {
		return nil, nil
	}
	parent, err := s.msgRepo.GetById(ctx, req.ParentId)
	if err != nil {
		log.CtxError(ctx, "get parent message failed: parent_id=%s, error=%v", req.ParentId, err)
		return nil, errcode.ErrInternalServer
	}
	if parent == nil || parent.ChannelId != req.ChannelId || parent.IsReply() {
		return nil, errcode.ErrMessageNotFound
	}
	return parent, nil
}

// Send creates a message. Scheduled messages stay hidden and notify nobody until the
// scheduled publisher releases them.
func (s *MessageService) Send(ctx context.Context, senderId string, req *SendMessageRequest) (*entity.MessageRecord, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	parent, err := s.checkSend(ctx, senderId, req)
	if err != nil {
		return nil, err
	}

	id, err := idgen.NextID()
	if err != nil {
		return nil, errcode.ErrSendFailed.Wrap(err)
	}
	now := s.now()
	msg := &entity.Message{
		Id:        id,
		ChannelId: req.ChannelId,
		UserId:    senderId,
		Content:   req.Content,
		Type:      constant.MsgTypeRegular,
		CreatedAt: now,
	}
	if parent != nil {
		msg.ParentId = &parent.Id
	}
	if req.ScheduledAt != nil && *req.ScheduledAt > now {
		at := *req.ScheduledAt
		msg.ScheduledAt = &at
	}

	attachments := make([]*entity.Attachment, 0, len(req.Attachments))
	for _, a := range req.Attachments {
		attId, err := idgen.NextID()
		if err != nil {
			return nil, errcode.ErrSendFailed.Wrap(err)
		}
		attachments = append(attachments, &entity.Attachment{
			Id:          attId,
			FileName:    a.FileName,
			FileType:    a.FileType,
			FileSize:    a.FileSize,
			Url:         a.Url,
			ContentHash: a.ContentHash,
		})
	}

	err = s.repos.Transaction(ctx, func(tx *gorm.DB) error {
		return s.msgRepo.Create(ctx, tx, msg, attachments)
	})
	if err != nil {
		log.CtxError(ctx, "send message failed: channel_id=%s, sender_id=%s, error=%v", req.ChannelId, senderId, err)
		return nil, errcode.ErrSendFailed
	}

	s.events.Message(ctx, changefeed.Insert, msg, nil)
	if msg.ScheduledAt == nil {
		// The sender has read their own message
		if err := s.memberRepo.SaveCursor(ctx, senderId, msg.ChannelId, msg.CreatedAt); err != nil {
			log.CtxWarn(ctx, "advance sender cursor failed: channel_id=%s, error=%v", msg.ChannelId, err)
		}
		s.notifyPosted(ctx, msg)
	}

	rec, err := s.msgRepo.GetRecord(ctx, msg.Id)
	if err != nil || rec == nil {
		log.CtxWarn(ctx, "load sent message failed: id=%s, error=%v", msg.Id, err)
		rec = msg.ToMessageRecord(nil, attachments, nil, 0)
	}

	log.CtxInfo(ctx, "message sent: id=%s, channel_id=%s, sender_id=%s, scheduled=%t", msg.Id, msg.ChannelId, senderId, msg.ScheduledAt != nil)
	return rec, nil
}

// notifyPosted sends MENTION and REPLY notifications for a message that became visible
func (s *MessageService) notifyPosted(ctx context.Context, msg *entity.Message) {
	mentioned := notify.MentionRecipients(msg.Content, msg.UserId)
	s.notifier.aboutMessage(ctx, constant.NotifyMention, msg.UserId, msg, mentioned...)

	if !msg.IsReply() {
		return
	}
	parent, err := s.msgRepo.GetById(ctx, msg.ParentIdValue())
	if err != nil || parent == nil {
		log.CtxWarn(ctx, "load thread parent failed: parent_id=%s, error=%v", msg.ParentIdValue(), err)
		return
	}
	participants, err := s.msgRepo.ThreadParticipantIds(ctx, parent.Id)
	if err != nil {
		log.CtxWarn(ctx, "load thread participants failed: parent_id=%s, error=%v", parent.Id, err)
		return
	}
	recipients := notify.ReplyRecipients(parent.UserId, participants, msg.UserId, mentioned)
	s.notifier.aboutMessage(ctx, constant.NotifyReply, msg.UserId, msg, recipients...)
}

// systemMessage builds a SYSTEM message row; the caller creates it in its transaction
func (s *MessageService) systemMessage(channelId, userId, content string) (*entity.Message, error) {
	id, err := idgen.NextID()
	if err != nil {
		return nil, err
	}
	return &entity.Message{
		Id:        id,
		ChannelId: channelId,
		UserId:    userId,
		Content:   content,
		Type:      constant.MsgTypeSystem,
		CreatedAt: s.now(),
	}, nil
}

func (s *MessageService) load(ctx context.Context, id string) (*entity.Message, error) {
	msg, err := s.msgRepo.GetById(ctx, id)
	if err != nil {
		log.CtxError(ctx, "get message failed: id=%s, error=%v", id, err)
		return nil, errcode.ErrInternalServer
	}
	if msg == nil {
		return nil, errcode.ErrMessageNotFound
	}
	return msg, nil
}

// Edit replaces the content of the caller's own message within the edit window
func (s *MessageService) Edit(ctx context.Context, userId, messageId, content string) error {
	if strings.TrimSpace(content) == "" {
		return errcode.ErrMessageEmpty
	}
	msg, err := s.load(ctx, messageId)
	if err != nil {
		return err
	}
	if msg.UserId != userId {
		return errcode.ErrNotMessageAuthor
	}
	if time.Duration(s.now()-msg.CreatedAt)*time.Millisecond > s.editWindow {
		return errcode.ErrEditWindowExpired
	}

	if err := s.msgRepo.Update(ctx, nil, messageId, map[string]interface{}{"content": content, "is_edited": true}); err != nil {
		log.CtxError(ctx, "edit message failed: id=%s, error=%v", messageId, err)
		return errcode.ErrInternalServer
	}

	updated := *msg
	updated.Content = content
	updated.IsEdited = true
	s.events.Message(ctx, changefeed.Update, &updated, msg)
	return nil
}

// Delete removes a message with its thread. Authors may delete their own messages,
// workspace owners and admins any message.
func (s *MessageService) Delete(ctx context.Context, userId, messageId string) error {
	msg, err := s.load(ctx, messageId)
	if err != nil {
		return err
	}
	if msg.UserId != userId {
		channel, err := s.access.channel(ctx, msg.ChannelId)
		if err != nil {
			return err
		}
		role, err := s.access.role(ctx, channel.WorkspaceId, userId)
		if err != nil {
			return err
		}
		if !CanDelete(msg.UserId, userId, role) {
			return errcode.ErrDeleteDenied
		}
	}
	return s.remove(ctx, msg)
}

func (s *MessageService) remove(ctx context.Context, msg *entity.Message) error {
	var replyIds []string
	err := s.repos.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		replyIds, err = s.msgRepo.Delete(ctx, tx, msg.Id)
		return err
	})
	if err != nil {
		log.CtxError(ctx, "delete message failed: id=%s, error=%v", msg.Id, err)
		return errcode.ErrInternalServer
	}

	s.events.Message(ctx, changefeed.Delete, nil, msg)
	for _, id := range replyIds {
		s.events.Message(ctx, changefeed.Delete, nil, &entity.Message{Id: id, ChannelId: msg.ChannelId, ParentId: &msg.Id})
	}
	log.CtxInfo(ctx, "message deleted: id=%s, replies=%d", msg.Id, len(replyIds))
	return nil
}

// Pin pins a message to its channel. Pinning a pinned message is a no-op.
func (s *MessageService) Pin(ctx context.Context, userId, messageId string) error {
	msg, err := s.load(ctx, messageId)
	if err != nil {
		return err
	}
	if err := s.access.requireMember(ctx, msg.ChannelId, userId); err != nil {
		return err
	}

	created := false
	err = s.repos.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		created, err = s.msgRepo.AddPin(ctx, tx, &entity.PinnedMessage{ChannelId: msg.ChannelId, MessageId: msg.Id, PinnedBy: userId})
		if err != nil || !created {
			return err
		}
		return s.msgRepo.Update(ctx, tx, msg.Id, map[string]interface{}{"is_pinned": true})
	})
	if err != nil {
		log.CtxError(ctx, "pin message failed: id=%s, error=%v", messageId, err)
		return errcode.ErrInternalServer
	}
	if !created {
		log.CtxDebug(ctx, "message already pinned: id=%s", messageId)
		return nil
	}

	updated := *msg
	updated.IsPinned = true
	s.events.Message(ctx, changefeed.Update, &updated, msg)
	s.notifier.aboutMessage(ctx, constant.NotifyPin, userId, msg, msg.UserId)
	return nil
}

// Unpin removes a pin. Unpinning a message that is not pinned is a no-op.
func (s *MessageService) Unpin(ctx context.Context, userId, messageId string) error {
	msg, err := s.load(ctx, messageId)
	if err != nil {
		return err
	}
	if err := s.access.requireMember(ctx, msg.ChannelId, userId); err != nil {
		return err
	}

	removed := false
	err = s.repos.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		removed, err = s.msgRepo.RemovePin(ctx, tx, msg.Id)
		if err != nil || !removed {
			return err
		}
		return s.msgRepo.Update(ctx, tx, msg.Id, map[string]interface{}{"is_pinned": false})
	})
	if err != nil {
		log.CtxError(ctx, "unpin message failed: id=%s, error=%v", messageId, err)
		return errcode.ErrInternalServer
	}
	if !removed {
		return nil
	}

	updated := *msg
	updated.IsPinned = false
	s.events.Message(ctx, changefeed.Update, &updated, msg)
	return nil
}

// Pinned lists the pinned messages of a channel
func (s *MessageService) Pinned(ctx context.Context, userId, channelId string) ([]*entity.MessageRecord, error) {
	if err := s.access.requireMember(ctx, channelId, userId); err != nil {
		return nil, err
	}
	msgs, err := s.msgRepo.ListPinned(ctx, channelId)
	if err != nil {
		log.CtxError(ctx, "list pinned failed: channel_id=%s, error=%v", channelId, err)
		return nil, errcode.ErrInternalServer
	}
	return s.records(ctx, msgs)
}

// ReactionResult is the state of a reaction after a toggle
type ReactionResult struct {
	Added    bool                `json:"added"`
	Reaction entity.ReactionInfo `json:"reaction"`
}

// ToggleReaction adds the caller's reaction or removes it when present. A concurrent
// duplicate insert means the reaction already exists.
func (s *MessageService) ToggleReaction(ctx context.Context, userId, messageId, emoji string) (*ReactionResult, error) {
	if emoji == "" {
		return nil, errcode.ErrInvalidParam
	}
	msg, err := s.load(ctx, messageId)
	if err != nil {
		return nil, err
	}

	existing, err := s.reactionRepo.Find(ctx, messageId, userId, emoji)
	if err != nil {
		log.CtxError(ctx, "find reaction failed: message_id=%s, error=%v", messageId, err)
		return nil, errcode.ErrInternalServer
	}
	if existing != nil {
		removed, err := s.reactionRepo.Remove(ctx, existing.Id)
		if err != nil {
			log.CtxError(ctx, "remove reaction failed: id=%s, error=%v", existing.Id, err)
			return nil, errcode.ErrInternalServer
		}
		if removed {
			s.events.Reaction(ctx, changefeed.Delete, msg.ChannelId, nil, existing)
		}
		return &ReactionResult{Reaction: entity.ReactionInfo{Id: existing.Id, UserId: userId, Emoji: emoji}}, nil
	}

	id, err := idgen.NextID()
	if err != nil {
		return nil, errcode.ErrInternalServer.Wrap(err)
	}
	reaction := &entity.Reaction{Id: id, MessageId: messageId, UserId: userId, Emoji: emoji, CreatedAt: s.now()}
	created, err := s.reactionRepo.Add(ctx, reaction)
	if err != nil {
		log.CtxError(ctx, "add reaction failed: message_id=%s, error=%v", messageId, err)
		return nil, errcode.ErrInternalServer
	}
	if !created {
		log.CtxDebug(ctx, "reaction already exists: message_id=%s, user_id=%s, emoji=%s", messageId, userId, emoji)
		if existing, err = s.reactionRepo.Find(ctx, messageId, userId, emoji); err == nil && existing != nil {
			reaction = existing
		}
		return &ReactionResult{Added: true, Reaction: entity.ReactionInfo{Id: reaction.Id, UserId: userId, Emoji: emoji}}, nil
	}

	s.events.Reaction(ctx, changefeed.Insert, msg.ChannelId, reaction, nil)
	s.notifier.aboutMessage(ctx, constant.NotifyReaction, userId, msg, msg.UserId)
	return &ReactionResult{Added: true, Reaction: entity.ReactionInfo{Id: reaction.Id, UserId: userId, Emoji: emoji}}, nil
}

// Bookmark saves a message for the caller; saving twice is a no-op
func (s *MessageService) Bookmark(ctx context.Context, userId, messageId string) error {
	if _, err := s.load(ctx, messageId); err != nil {
		return err
	}
	if _, err := s.prefRepo.AddBookmark(ctx, userId, messageId); err != nil {
		log.CtxError(ctx, "add bookmark failed: message_id=%s, error=%v", messageId, err)
		return errcode.ErrInternalServer
	}
	return nil
}

// Unbookmark removes a saved message; removing a missing bookmark is a no-op
func (s *MessageService) Unbookmark(ctx context.Context, userId, messageId string) error {
	if _, err := s.prefRepo.RemoveBookmark(ctx, userId, messageId); err != nil {
		log.CtxError(ctx, "remove bookmark failed: message_id=%s, error=%v", messageId, err)
		return errcode.ErrInternalServer
	}
	return nil
}

// Bookmarks lists the caller's saved messages, newest first
func (s *MessageService) Bookmarks(ctx context.Context, userId string) ([]*entity.MessageRecord, error) {
	msgs, err := s.prefRepo.BookmarkedMessages(ctx, userId)
	if err != nil {
		log.CtxError(ctx, "list bookmarks failed: user_id=%s, error=%v", userId, err)
		return nil, errcode.ErrInternalServer
	}
	return s.records(ctx, msgs)
}

// GetRecord loads the full record of a message, nil when it is gone
func (s *MessageService) GetRecord(ctx context.Context, id string) (*entity.MessageRecord, error) {
	return s.msgRepo.GetRecord(ctx, id)
}

// GetById loads a message the caller may see
func (s *MessageService) GetById(ctx context.Context, userId, id string) (*entity.MessageRecord, error) {
	msg, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg.IsScheduledAfter(s.now()) && msg.UserId != userId {
		return nil, errcode.ErrMessageNotFound
	}
	if err := s.canRead(ctx, userId, msg.ChannelId); err != nil {
		return nil, err
	}
	records, err := s.records(ctx, []*entity.Message{msg})
	if err != nil {
		return nil, err
	}
	return records[0], nil
}

// canRead allows anyone in public channels and members in private ones
func (s *MessageService) canRead(ctx context.Context, userId, channelId string) error {
	channel, err := s.access.channel(ctx, channelId)
	if err != nil {
		return err
	}
	if channel.IsPrivate() {
		return s.access.requireMember(ctx, channelId, userId)
	}
	return nil
}

// Page returns one page of visible top-level history older than beforeId
func (s *MessageService) Page(ctx context.Context, userId, channelId, beforeId string) ([]*entity.MessageRecord, error) {
	if err := s.canRead(ctx, userId, channelId); err != nil {
		return nil, err
	}
	msgs, err := s.msgRepo.PageBefore(ctx, channelId, beforeId, s.pageSize, s.now())
	if err != nil {
		log.CtxError(ctx, "page messages failed: channel_id=%s, before_id=%s, error=%v", channelId, beforeId, err)
		return nil, errcode.ErrInternalServer
	}
	return s.records(ctx, msgs)
}

// Thread returns the visible replies of a parent message
func (s *MessageService) Thread(ctx context.Context, userId, parentId string) ([]*entity.MessageRecord, error) {
	parent, err := s.load(ctx, parentId)
	if err != nil {
		return nil, err
	}
	if err := s.canRead(ctx, userId, parent.ChannelId); err != nil {
		return nil, err
	}
	msgs, err := s.msgRepo.Thread(ctx, parentId, s.now())
	if err != nil {
		log.CtxError(ctx, "load thread failed: parent_id=%s, error=%v", parentId, err)
		return nil, errcode.ErrInternalServer
	}
	return s.records(ctx, msgs)
}

// Scheduled lists the caller's pending scheduled messages in a channel or thread
func (s *MessageService) Scheduled(ctx context.Context, userId, channelId, parentId string) ([]*entity.MessageRecord, error) {
	msgs, err := s.msgRepo.ListScheduled(ctx, userId, s.now())
	if err != nil {
		log.CtxError(ctx, "list scheduled failed: user_id=%s, error=%v", userId, err)
		return nil, errcode.ErrInternalServer
	}
	filtered := msgs[:0]
	for _, m := range msgs {
		if (channelId == "" || m.ChannelId == channelId) && m.ParentIdValue() == parentId {
			filtered = append(filtered, m)
		}
	}
	return s.records(ctx, filtered)
}

// CancelScheduled deletes one of the caller's scheduled messages before it goes out
func (s *MessageService) CancelScheduled(ctx context.Context, userId, messageId string) error {
	msg, err := s.load(ctx, messageId)
	if err != nil {
		return err
	}
	if msg.UserId != userId {
		return errcode.ErrNotMessageAuthor
	}
	if !msg.IsScheduledAfter(s.now()) {
		return errcode.ErrAlreadySent
	}
	return s.remove(ctx, msg)
}

// Forward reposts a message into another channel with attribution
func (s *MessageService) Forward(ctx context.Context, userId, messageId, targetChannelId string) (*entity.MessageRecord, error) {
	rec, err := s.GetById(ctx, userId, messageId)
	if err != nil {
		return nil, err
	}
	author := rec.AuthorName
	if author == "" {
		author = rec.AuthorId
	}
	return s.Send(ctx, userId, &SendMessageRequest{
		ChannelId:   targetChannelId,
		Content:     "<p><em>Forwarded from @" + author + "</em></p>" + rec.Content,
		Attachments: rec.Attachments,
	})
}

func (s *MessageService) records(ctx context.Context, msgs []*entity.Message) ([]*entity.MessageRecord, error) {
	records, err := s.msgRepo.Records(ctx, msgs)
	if err != nil {
		log.CtxError(ctx, "resolve message records failed: error=%v", err)
		return nil, errcode.ErrInternalServer
	}
	return records, nil
}
