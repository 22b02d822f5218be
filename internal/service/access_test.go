package service

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mbeoliero/chatsync/internal/entity"
	"github.com/mbeoliero/chatsync/pkg/constant"
	"github.com/mbeoliero/chatsync/pkg/errcode"
)

func role(r string) *entity.WorkspaceMember {
	return &entity.WorkspaceMember{Role: r}
}

func TestCheckPost(t *testing.T) {
	open := &entity.Channel{Id: "c1", CreatorId: "creator", PostingPermission: constant.PostingEveryone}
	adminOnly := &entity.Channel{Id: "c2", CreatorId: "creator", PostingPermission: constant.PostingAdminOnly}
	ownerOnly := &entity.Channel{Id: "c3", CreatorId: "creator", PostingPermission: constant.PostingOwnerOnly}
	archived := &entity.Channel{Id: "c4", IsArchived: true}

	tests := []struct {
		name    string
		channel *entity.Channel
		userId  string
		member  bool
		role    *entity.WorkspaceMember
		reply   bool
		want    error
	}{
		{"missing channel", nil, "u1", true, nil, false, errcode.ErrChannelNotFound},
		{"archived", archived, "u1", true, role(constant.RoleOwner), false, errcode.ErrChannelArchived},
		{"archived reply", archived, "u1", true, role(constant.RoleOwner), true, errcode.ErrChannelArchived},
		{"not a member", open, "u1", false, nil, false, errcode.ErrNotChannelMember},
		{"everyone", open, "u1", true, role(constant.RoleMember), false, nil},
		{"admin only as member", adminOnly, "u1", true, role(constant.RoleMember), false, errcode.ErrPostingDenied},
		{"admin only as admin", adminOnly, "u1", true, role(constant.RoleAdmin), false, nil},
		{"admin only reply", adminOnly, "u1", true, role(constant.RoleMember), true, nil},
		{"owner only as admin", ownerOnly, "u1", true, role(constant.RoleAdmin), false, errcode.ErrPostingDenied},
		{"owner only as owner", ownerOnly, "u1", true, role(constant.RoleOwner), false, nil},
		{"owner only as creator", ownerOnly, "creator", true, role(constant.RoleMember), false, nil},
		{"owner only without role", ownerOnly, "u1", true, nil, false, errcode.ErrPostingDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckPost(tt.channel, tt.userId, tt.member, tt.role, tt.reply)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, errcode.IsPermissionDenial(err) || tt.want == errcode.ErrChannelNotFound)
		})
	}
}

func TestCanDelete(t *testing.T) {
	assert.True(t, CanDelete("u1", "u1", nil))
	assert.False(t, CanDelete("u1", "u2", role(constant.RoleMember)))
	assert.True(t, CanDelete("u1", "u2", role(constant.RoleAdmin)))
	assert.True(t, CanDelete("u1", "u2", role(constant.RoleOwner)))
	assert.False(t, CanDelete("u1", "u2", nil))
}

func TestSendRequestValidate(t *testing.T) {
	assert.ErrorIs(t, (&SendMessageRequest{Content: "hi"}).validate(), errcode.ErrInvalidParam)
	assert.ErrorIs(t, (&SendMessageRequest{ChannelId: "c1", Content: "  "}).validate(), errcode.ErrMessageEmpty)
	assert.NoError(t, (&SendMessageRequest{ChannelId: "c1", Content: "hi"}).validate())
	assert.NoError(t, (&SendMessageRequest{
		ChannelId:   "c1",
		Attachments: []entity.AttachmentInfo{{FileName: "a.png"}},
	}).validate())
}
