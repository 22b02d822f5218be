package entity

import "github.com/mbeoliero/chatsync/pkg/constant"

// User represents a user in the system
type User struct {
	Id        string `json:"id" gorm:"column:id;primaryKey"`
	Name      string `json:"name" gorm:"column:name"`
	Avatar    string `json:"avatar" gorm:"column:avatar"`
	CreatedAt int64  `json:"created_at" gorm:"column:created_at;autoCreateTime:milli"`
	UpdatedAt int64  `json:"updated_at" gorm:"column:updated_at;autoUpdateTime:milli"`
}

// TableName returns the table name for User
func (User) TableName() string {
	return "users"
}

// WorkspaceMember represents a user's role in a workspace
type WorkspaceMember struct {
	Id          int64  `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	WorkspaceId string `json:"workspace_id" gorm:"column:workspace_id;uniqueIndex:uk_workspace_user"`
	UserId      string `json:"user_id" gorm:"column:user_id;uniqueIndex:uk_workspace_user"`
	Role        string `json:"role" gorm:"column:role"`
	CreatedAt   int64  `json:"created_at" gorm:"column:created_at;autoCreateTime:milli"`
}

// TableName returns the table name for WorkspaceMember
func (WorkspaceMember) TableName() string {
	return "workspace_members"
}

// IsOwner checks if member is the workspace owner
func (m *WorkspaceMember) IsOwner() bool {
	return m != nil && m.Role == constant.RoleOwner
}

// IsElevated checks if member is an owner or admin
func (m *WorkspaceMember) IsElevated() bool {
	return m != nil && (m.Role == constant.RoleOwner || m.Role == constant.RoleAdmin)
}
