package service

import (
	"context"
	"strings"

	"github.com/mbeoliero/kit/log"
	"gorm.io/gorm"

	"github.com/mbeoliero/chatsync/internal/changefeed"
	"github.com/mbeoliero/chatsync/internal/entity"
	"github.com/mbeoliero/chatsync/internal/repository"
	"github.com/mbeoliero/chatsync/internal/unread"
	"github.com/mbeoliero/chatsync/pkg/constant"
	"github.com/mbeoliero/chatsync/pkg/errcode"
	"github.com/mbeoliero/chatsync/pkg/idgen"
)

// ChannelService handles channel membership, read state and settings
type ChannelService struct {
	channelRepo *repository.ChannelRepo
	memberRepo  *repository.MemberRepo
	msgRepo     *repository.MessageRepo
	prefRepo    *repository.PreferenceRepo
	userRepo    *repository.UserRepo
	repos       *repository.Repositories
	access      access
	messages    *MessageService
	events      *EventPublisher
	notifier    notifier
	marker      unread.ChannelNotificationMarker

	now func() int64
}

// NewChannelService creates a new ChannelService. marker clears channel
// notifications when a channel is read.
func NewChannelService(repos *repository.Repositories, messages *MessageService, events *EventPublisher, rec Recorder, marker unread.ChannelNotificationMarker) *ChannelService {
	return &ChannelService{
		channelRepo: repos.Channel,
		memberRepo:  repos.Member,
		msgRepo:     repos.Message,
		prefRepo:    repos.Preference,
		userRepo:    repos.User,
		repos:       repos,
		access:      newAccess(repos),
		messages:    messages,
		events:      events,
		notifier:    notifier{rec: rec, events: events},
		marker:      marker,
		now:         entity.NowUnixMilli,
	}
}

// CreateChannelRequest represents channel creation request
type CreateChannelRequest struct {
	WorkspaceId       string `json:"workspace_id"`
	Name              string `json:"name"`
	Description       string `json:"description,omitempty"`
	Type              string `json:"type,omitempty"`
	PostingPermission string `json:"posting_permission,omitempty"`
}

// Create creates a channel with its creator as the first member
func (s *ChannelService) Create(ctx context.Context, creatorId string, req *CreateChannelRequest) (*entity.Channel, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" || req.WorkspaceId == "" {
		return nil, errcode.ErrInvalidParam
	}
	id, err := idgen.NextID()
	if err != nil {
		log.CtxError(ctx, "generate channel id failed: %v", err)
		return nil, errcode.ErrInternalServer
	}

	channel := &entity.Channel{
		Id:                id,
		WorkspaceId:       req.WorkspaceId,
		Name:              name,
		Description:       req.Description,
		Type:              req.Type,
		PostingPermission: req.PostingPermission,
		CreatorId:         creatorId,
	}
	if channel.Type != constant.ChannelTypePrivate {
		channel.Type = constant.ChannelTypePublic
	}
	switch channel.PostingPermission {
	case constant.PostingAdminOnly, constant.PostingOwnerOnly:
	default:
		channel.PostingPermission = constant.PostingEveryone
	}

	member := &entity.ChannelMember{ChannelId: id, UserId: creatorId}
	err = s.repos.Transaction(ctx, func(tx *gorm.DB) error {
		if err := s.channelRepo.Create(ctx, tx, channel); err != nil {
			return err
		}
		_, err := s.memberRepo.Add(ctx, tx, member)
		return err
	})
	if err != nil {
		log.CtxError(ctx, "create channel failed: name=%s, error=%v", name, err)
		return nil, errcode.ErrInternalServer
	}

	s.events.Channel(ctx, changefeed.Insert, channel, nil)
	s.events.Member(ctx, changefeed.Insert, member, nil)
	log.CtxInfo(ctx, "channel created: id=%s, creator_id=%s", id, creatorId)
	return channel, nil
}

// addMember inserts a membership with an announcing SYSTEM message. A duplicate
// membership is reported as added=false and announces nothing.
func (s *ChannelService) addMember(ctx context.Context, channelId, userId, actorId, announcement string) (*entity.ChannelMember, bool, error) {
	member := &entity.ChannelMember{ChannelId: channelId, UserId: userId}
	sys, err := s.messages.systemMessage(channelId, actorId, announcement)
	if err != nil {
		return nil, false, errcode.ErrInternalServer.Wrap(err)
	}

	added := false
	err = s.repos.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		if added, err = s.memberRepo.Add(ctx, tx, member); err != nil || !added {
			return err
		}
		return s.msgRepo.Create(ctx, tx, sys, nil)
	})
	if err != nil {
		log.CtxError(ctx, "add channel member failed: channel_id=%s, user_id=%s, error=%v", channelId, userId, err)
		return nil, false, errcode.ErrInternalServer
	}
	if !added {
		return member, false, nil
	}

	s.events.Member(ctx, changefeed.Insert, member, nil)
	s.events.Message(ctx, changefeed.Insert, sys, nil)
	return member, true, nil
}

// removeMember deletes a membership with an announcing SYSTEM message
func (s *ChannelService) removeMember(ctx context.Context, channelId, userId, actorId, announcement string) (bool, error) {
	existing, err := s.memberRepo.Get(ctx, channelId, userId)
	if err != nil {
		log.CtxError(ctx, "get channel member failed: channel_id=%s, user_id=%s, error=%v", channelId, userId, err)
		return false, errcode.ErrInternalServer
	}
	if existing == nil {
		return false, nil
	}
	sys, err := s.messages.systemMessage(channelId, actorId, announcement)
	if err != nil {
		return false, errcode.ErrInternalServer.Wrap(err)
	}

	removed := false
	err = s.repos.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		if removed, err = s.memberRepo.Remove(ctx, tx, channelId, userId); err != nil || !removed {
			return err
		}
		return s.msgRepo.Create(ctx, tx, sys, nil)
	})
	if err != nil {
		log.CtxError(ctx, "remove channel member failed: channel_id=%s, user_id=%s, error=%v", channelId, userId, err)
		return false, errcode.ErrInternalServer
	}
	if !removed {
		return false, nil
	}

	s.events.Member(ctx, changefeed.Delete, nil, existing)
	s.events.Message(ctx, changefeed.Insert, sys, nil)
	return true, nil
}

// Join adds the caller to a public channel. Joining twice is a no-op.
func (s *ChannelService) Join(ctx context.Context, userId, channelId string) (*entity.ChannelMember, error) {
	channel, err := s.access.channel(ctx, channelId)
	if err != nil {
		return nil, err
	}
	if channel.IsArchived {
		return nil, errcode.ErrCannotJoinArchived
	}
	if channel.IsPrivate() {
		return nil, errcode.ErrNoPermission
	}
	member, _, err := s.addMember(ctx, channelId, userId, userId, "joined the channel")
	return member, err
}

// Leave removes the caller from a channel. Leaving twice is a no-op.
func (s *ChannelService) Leave(ctx context.Context, userId, channelId string) error {
	_, err := s.removeMember(ctx, channelId, userId, userId, "left the channel")
	return err
}

func (s *ChannelService) userName(ctx context.Context, userId string) string {
	user, err := s.userRepo.GetById(ctx, userId)
	if err != nil || user == nil || user.Name == "" {
		return "someone"
	}
	return user.Name
}

// AddMember adds userId on behalf of a member of the channel
func (s *ChannelService) AddMember(ctx context.Context, actorId, channelId, userId string) error {
	channel, err := s.access.channel(ctx, channelId)
	if err != nil {
		return err
	}
	if channel.IsArchived {
		return errcode.ErrChannelArchived
	}
	if err := s.access.requireMember(ctx, channelId, actorId); err != nil {
		return err
	}
	_, added, err := s.addMember(ctx, channelId, userId, actorId, "added "+s.userName(ctx, userId)+" to the channel")
	if err != nil || !added {
		return err
	}
	s.notifier.aboutChannel(ctx, constant.NotifyChannelAdd, actorId, channelId, userId)
	return nil
}

// RemoveMember removes userId. The creator can never be removed; only the creator and
// workspace admins may remove others.
func (s *ChannelService) RemoveMember(ctx context.Context, actorId, channelId, userId string) error {
	channel, err := s.access.channel(ctx, channelId)
	if err != nil {
		return err
	}
	if userId == channel.CreatorId {
		return errcode.ErrCannotRemoveCreator
	}
	if actorId != userId {
		if err := s.access.requireAdminOrCreator(ctx, channel, actorId); err != nil {
			return err
		}
	}
	removed, err := s.removeMember(ctx, channelId, userId, actorId, "removed "+s.userName(ctx, userId)+" from the channel")
	if err != nil || !removed {
		return err
	}
	s.notifier.aboutChannel(ctx, constant.NotifyChannelRemove, actorId, channelId, userId)
	return nil
}

// MarkRead moves the caller's cursor to now and clears the channel's notifications.
// The cursor never moves backward. Returns the new cursor.
func (s *ChannelService) MarkRead(ctx context.Context, userId, channelId string) (int64, error) {
	member, err := s.memberRepo.Get(ctx, channelId, userId)
	if err != nil {
		log.CtxError(ctx, "get channel member failed: channel_id=%s, user_id=%s, error=%v", channelId, userId, err)
		return 0, errcode.ErrInternalServer
	}
	if member == nil {
		return 0, errcode.ErrNotChannelMember
	}

	at := entity.MaxInt64(s.now(), member.LastViewedAt)
	if err := s.memberRepo.SaveCursor(ctx, userId, channelId, at); err != nil {
		log.CtxError(ctx, "save read cursor failed: channel_id=%s, user_id=%s, error=%v", channelId, userId, err)
		return 0, errcode.ErrInternalServer
	}
	if at > member.LastViewedAt {
		updated := *member
		updated.LastViewedAt = at
		s.events.Member(ctx, changefeed.Update, &updated, member)
	}
	if s.marker != nil {
		s.marker.MarkChannelRead(ctx, userId, channelId)
	}
	return at, nil
}

// ToggleStar stars or unstars a channel, returning the new state
func (s *ChannelService) ToggleStar(ctx context.Context, userId, channelId string) (bool, error) {
	removed, err := s.prefRepo.RemoveStar(ctx, userId, channelId)
	if err != nil {
		log.CtxError(ctx, "remove star failed: channel_id=%s, error=%v", channelId, err)
		return false, errcode.ErrInternalServer
	}
	if removed {
		return false, nil
	}
	if _, err := s.prefRepo.AddStar(ctx, userId, channelId); err != nil {
		log.CtxError(ctx, "add star failed: channel_id=%s, error=%v", channelId, err)
		return false, errcode.ErrInternalServer
	}
	return true, nil
}

// ListWithUnread returns the caller's channels with unread counts for the sidebar
func (s *ChannelService) ListWithUnread(ctx context.Context, userId string) ([]*entity.ChannelInfo, error) {
	members, err := s.memberRepo.ListByUser(ctx, userId)
	if err != nil {
		log.CtxError(ctx, "list memberships failed: user_id=%s, error=%v", userId, err)
		return nil, errcode.ErrInternalServer
	}
	if len(members) == 0 {
		return []*entity.ChannelInfo{}, nil
	}

	ids := make([]string, 0, len(members))
	cursors := make(map[string]int64, len(members))
	for _, m := range members {
		ids = append(ids, m.ChannelId)
		cursors[m.ChannelId] = m.LastViewedAt
	}
	channels, err := s.channelRepo.GetByIds(ctx, ids)
	if err != nil {
		log.CtxError(ctx, "get channels failed: user_id=%s, error=%v", userId, err)
		return nil, errcode.ErrInternalServer
	}
	starred, err := s.prefRepo.StarredChannelIds(ctx, userId)
	if err != nil {
		log.CtxWarn(ctx, "list starred channels failed: user_id=%s, error=%v", userId, err)
	}
	stars := make(map[string]struct{}, len(starred))
	for _, id := range starred {
		stars[id] = struct{}{}
	}

	now := s.now()
	result := make([]*entity.ChannelInfo, 0, len(channels))
	for _, c := range channels {
		info := c.ToChannelInfo()
		info.LastViewedAt = cursors[c.Id]
		_, info.IsStarred = stars[c.Id]
		count, err := s.msgRepo.CountUnreadSince(ctx, c.Id, userId, info.LastViewedAt, now)
		if err != nil {
			log.CtxWarn(ctx, "count unread failed: channel_id=%s, error=%v", c.Id, err)
		}
		info.UnreadCount = int(count)
		result = append(result, info)
	}
	return result, nil
}

// Archive archives or unarchives a channel. Archiving drops every star on it and
// notifies the members.
func (s *ChannelService) Archive(ctx context.Context, userId, channelId string, archived bool) error {
	channel, err := s.access.channel(ctx, channelId)
	if err != nil {
		return err
	}
	if err := s.access.requireAdminOrCreator(ctx, channel, userId); err != nil {
		return err
	}
	if channel.IsArchived == archived {
		return nil
	}

	text := "unarchived the channel"
	if archived {
		text = "archived the channel"
	}
	sys, err := s.messages.systemMessage(channelId, userId, text)
	if err != nil {
		return errcode.ErrInternalServer.Wrap(err)
	}
	err = s.repos.Transaction(ctx, func(tx *gorm.DB) error {
		if err := s.channelRepo.Update(ctx, tx, channelId, map[string]interface{}{"is_archived": archived}); err != nil {
			return err
		}
		if archived {
			if err := s.prefRepo.RemoveChannelStars(ctx, tx, channelId); err != nil {
				return err
			}
		}
		return s.msgRepo.Create(ctx, tx, sys, nil)
	})
	if err != nil {
		log.CtxError(ctx, "archive channel failed: channel_id=%s, error=%v", channelId, err)
		return errcode.ErrInternalServer
	}

	updated := *channel
	updated.IsArchived = archived
	s.events.Channel(ctx, changefeed.Update, &updated, channel)
	s.events.Message(ctx, changefeed.Insert, sys, nil)
	if archived {
		if memberIds, err := s.memberRepo.ListMemberIds(ctx, channelId); err == nil {
			s.notifier.aboutChannel(ctx, constant.NotifyChannelArchive, userId, channelId, memberIds...)
		}
	}
	return nil
}

// Delete removes a channel with everything in it. Only workspace owners and admins
// may delete channels.
func (s *ChannelService) Delete(ctx context.Context, userId, channelId string) error {
	channel, err := s.access.channel(ctx, channelId)
	if err != nil {
		return err
	}
	role, err := s.access.role(ctx, channel.WorkspaceId, userId)
	if err != nil {
		return err
	}
	if !role.IsElevated() {
		return errcode.ErrNotWorkspaceAdmin
	}

	memberIds, err := s.memberRepo.ListMemberIds(ctx, channelId)
	if err != nil {
		log.CtxWarn(ctx, "list channel members failed: channel_id=%s, error=%v", channelId, err)
	}
	err = s.repos.Transaction(ctx, func(tx *gorm.DB) error {
		return s.channelRepo.Delete(ctx, tx, channelId)
	})
	if err != nil {
		log.CtxError(ctx, "delete channel failed: channel_id=%s, error=%v", channelId, err)
		return errcode.ErrInternalServer
	}

	for _, id := range memberIds {
		s.memberRepo.InvalidateUserChannels(ctx, id)
	}
	s.events.Channel(ctx, changefeed.Delete, nil, channel)
	s.notifier.aboutChannel(ctx, constant.NotifyChannelDelete, userId, channelId, memberIds...)
	log.CtxInfo(ctx, "channel deleted: id=%s, by=%s", channelId, userId)
	return nil
}
