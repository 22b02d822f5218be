package service

import (
	"context"

	"github.com/mbeoliero/kit/log"

	"github.com/mbeoliero/chatsync/internal/entity"
	"github.com/mbeoliero/chatsync/internal/repository"
	"github.com/mbeoliero/chatsync/pkg/constant"
	"github.com/mbeoliero/chatsync/pkg/errcode"
)

// CheckPost decides whether userId may post into channel. Replies are exempt from
// the posting permission but not from the archived check.
func CheckPost(channel *entity.Channel, userId string, isMember bool, role *entity.WorkspaceMember, isReply bool) error {
	if channel == nil {
		return errcode.ErrChannelNotFound
	}
	if channel.IsArchived {
		return errcode.ErrChannelArchived
	}
	if !isMember {
		return errcode.ErrNotChannelMember
	}
	if isReply {
		return nil
	}
	if channel.PostingPermission == constant.PostingOwnerOnly && channel.CreatorId == userId {
		return nil
	}
	if !channel.CanPost(role) {
		return errcode.ErrPostingDenied
	}
	return nil
}

// CanDelete reports whether userId may delete a message written by authorId
func CanDelete(authorId, userId string, role *entity.WorkspaceMember) bool {
	return authorId == userId || role.IsElevated()
}

// access loads what permission checks need
type access struct {
	channelRepo *repository.ChannelRepo
	memberRepo  *repository.MemberRepo
	userRepo    *repository.UserRepo
}

func newAccess(repos *repository.Repositories) access {
	return access{channelRepo: repos.Channel, memberRepo: repos.Member, userRepo: repos.User}
}

// channel loads a channel, mapping a missing row to ErrChannelNotFound
func (a access) channel(ctx context.Context, channelId string) (*entity.Channel, error) {
	channel, err := a.channelRepo.GetById(ctx, channelId)
	if err != nil {
		log.CtxError(ctx, "get channel failed: channel_id=%s, error=%v", channelId, err)
		return nil, errcode.ErrInternalServer
	}
	if channel == nil {
		return nil, errcode.ErrChannelNotFound
	}
	return channel, nil
}

func (a access) role(ctx context.Context, workspaceId, userId string) (*entity.WorkspaceMember, error) {
	role, err := a.userRepo.GetWorkspaceMember(ctx, workspaceId, userId)
	if err != nil {
		log.CtxError(ctx, "get workspace role failed: workspace_id=%s, user_id=%s, error=%v", workspaceId, userId, err)
		return nil, errcode.ErrInternalServer
	}
	return role, nil
}

// requireMember returns ErrNotChannelMember unless userId belongs to channelId
func (a access) requireMember(ctx context.Context, channelId, userId string) error {
	ok, err := a.memberRepo.IsMember(ctx, channelId, userId)
	if err != nil {
		log.CtxError(ctx, "check membership failed: channel_id=%s, user_id=%s, error=%v", channelId, userId, err)
		return errcode.ErrInternalServer
	}
	if !ok {
		return errcode.ErrNotChannelMember
	}
	return nil
}

// postable runs CheckPost against stored state and returns the channel
func (a access) postable(ctx context.Context, userId, channelId string, isReply bool) (*entity.Channel, error) {
	channel, err := a.channel(ctx, channelId)
	if err != nil {
		return nil, err
	}
	isMember, err := a.memberRepo.IsMember(ctx, channelId, userId)
	if err != nil {
		log.CtxError(ctx, "check membership failed: channel_id=%s, user_id=%s, error=%v", channelId, userId, err)
		return nil, errcode.ErrInternalServer
	}
	var role *entity.WorkspaceMember
	if !isReply && channel.PostingPermission != constant.PostingEveryone && channel.PostingPermission != "" {
		if role, err = a.role(ctx, channel.WorkspaceId, userId); err != nil {
			return nil, err
		}
	}
	if err := CheckPost(channel, userId, isMember, role, isReply); err != nil {
		return nil, err
	}
	return channel, nil
}

// requireAdminOrCreator allows workspace owners, admins and the channel creator
func (a access) requireAdminOrCreator(ctx context.Context, channel *entity.Channel, userId string) error {
	if channel.CreatorId == userId {
		return nil
	}
	role, err := a.role(ctx, channel.WorkspaceId, userId)
	if err != nil {
		return err
	}
	if !role.IsElevated() {
		return errcode.ErrNotWorkspaceAdmin
	}
	return nil
}
