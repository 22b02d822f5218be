package entity

import "github.com/mbeoliero/chatsync/pkg/constant"

// Channel represents a workspace channel
type Channel struct {
	Id                string `json:"id" gorm:"column:id;primaryKey"`
	WorkspaceId       string `json:"workspace_id" gorm:"column:workspace_id;index"`
	Name              string `json:"name" gorm:"column:name"`
	Description       string `json:"description" gorm:"column:description"`
	Type              string `json:"type" gorm:"column:type"`
	PostingPermission string `json:"posting_permission" gorm:"column:posting_permission"`
	IsArchived        bool   `json:"is_archived" gorm:"column:is_archived"`
	CreatorId         string `json:"creator_id" gorm:"column:creator_id"`
	CreatedAt         int64  `json:"created_at" gorm:"column:created_at;autoCreateTime:milli"`
	UpdatedAt         int64  `json:"updated_at" gorm:"column:updated_at;autoUpdateTime:milli"`
}

// TableName returns the table name for Channel
func (Channel) TableName() string {
	return "channels"
}

// IsPrivate checks if the channel is private
func (c *Channel) IsPrivate() bool {
	return c.Type == constant.ChannelTypePrivate
}

// CanPost reports whether a member with the given workspace role may post a top-level
// message. Thread replies are not restricted by posting permission.
func (c *Channel) CanPost(member *WorkspaceMember) bool {
	switch c.PostingPermission {
	case constant.PostingOwnerOnly:
		return member.IsOwner()
	case constant.PostingAdminOnly:
		return member.IsElevated()
	default:
		return true
	}
}

// ChannelMember represents a user's membership and read cursor in a channel
type ChannelMember struct {
	Id           int64  `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	ChannelId    string `json:"channel_id" gorm:"column:channel_id;uniqueIndex:uk_channel_user"`
	UserId       string `json:"user_id" gorm:"column:user_id;uniqueIndex:uk_channel_user;index"`
	LastViewedAt int64  `json:"last_viewed_at" gorm:"column:last_viewed_at"`
	JoinedAt     int64  `json:"joined_at" gorm:"column:joined_at"`
	CreatedAt    int64  `json:"created_at" gorm:"column:created_at;autoCreateTime:milli"`
	UpdatedAt    int64  `json:"updated_at" gorm:"column:updated_at;autoUpdateTime:milli"`
}

// TableName returns the table name for ChannelMember
func (ChannelMember) TableName() string {
	return "channel_members"
}

// Typing is ephemeral typing activity of a user in a channel; it is never stored
type Typing struct {
	ChannelId string `json:"channel_id"`
	UserId    string `json:"user_id"`
	At        int64  `json:"at"`
}

// StarredChannel marks a channel as starred by a user
type StarredChannel struct {
	Id        int64  `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	UserId    string `json:"user_id" gorm:"column:user_id;uniqueIndex:uk_user_channel"`
	ChannelId string `json:"channel_id" gorm:"column:channel_id;uniqueIndex:uk_user_channel"`
	CreatedAt int64  `json:"created_at" gorm:"column:created_at;autoCreateTime:milli"`
}

// TableName returns the table name for StarredChannel
func (StarredChannel) TableName() string {
	return "starred_channels"
}

// ChannelInfo represents a sidebar channel entry
type ChannelInfo struct {
	Id                string `json:"id"`
	Name              string `json:"name"`
	Type              string `json:"type"`
	PostingPermission string `json:"posting_permission"`
	IsArchived        bool   `json:"is_archived"`
	IsStarred         bool   `json:"is_starred"`
	UnreadCount       int    `json:"unread_count"`
	LastViewedAt      int64  `json:"last_viewed_at"`
}

// ToChannelInfo converts Channel to ChannelInfo
func (c *Channel) ToChannelInfo() *ChannelInfo {
	return &ChannelInfo{
		Id:                c.Id,
		Name:              c.Name,
		Type:              c.Type,
		PostingPermission: c.PostingPermission,
		IsArchived:        c.IsArchived,
	}
}

// UnreadMark is the minimal projection of an unread message used by cursor tracking
type UnreadMark struct {
	MessageId string `json:"message_id" gorm:"column:id"`
	CreatedAt int64  `json:"created_at" gorm:"column:created_at"`
}
