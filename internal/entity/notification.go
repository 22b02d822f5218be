package entity

// Notification represents a user-facing notification entry
type Notification struct {
	Id           string `json:"id" gorm:"column:id;primaryKey"`
	RecipientId  string `json:"recipient_id" gorm:"column:recipient_id;index:idx_recipient_created"`
	ActorId      string `json:"actor_id" gorm:"column:actor_id"`
	Type         string `json:"type" gorm:"column:type"`
	ResourceId   string `json:"resource_id" gorm:"column:resource_id;index"`
	ResourceType string `json:"resource_type" gorm:"column:resource_type"`
	IsRead       bool   `json:"is_read" gorm:"column:is_read"`
	CreatedAt    int64  `json:"created_at" gorm:"column:created_at;index:idx_recipient_created"`

	// ChannelId is resolved on read: the resource itself for channel resources, the
	// message's channel for message resources.
	ChannelId string `json:"channel_id,omitempty" gorm:"-"`
}

// TableName returns the table name for Notification
func (Notification) TableName() string {
	return "notifications"
}

// DedupKey identifies notifications describing the same occurrence
func (n *Notification) DedupKey() string {
	return n.RecipientId + "|" + n.Type + "|" + n.ResourceId + "|" + n.ActorId
}
