package entity

// Message represents a message row
type Message struct {
	Id          string  `json:"id" gorm:"column:id;primaryKey"`
	ChannelId   string  `json:"channel_id" gorm:"column:channel_id;index:idx_channel_created"`
	UserId      string  `json:"user_id" gorm:"column:user_id"`
	Content     string  `json:"content" gorm:"column:content;type:text"`
	ParentId    *string `json:"parent_id" gorm:"column:parent_id;index"`
	Type        string  `json:"type" gorm:"column:type"`
	IsEdited    bool    `json:"is_edited" gorm:"column:is_edited"`
	IsPinned    bool    `json:"is_pinned" gorm:"column:is_pinned"`
	ScheduledAt *int64  `json:"scheduled_at" gorm:"column:scheduled_at;index"`
	CreatedAt   int64   `json:"created_at" gorm:"column:created_at;index:idx_channel_created"`
	UpdatedAt   int64   `json:"updated_at" gorm:"column:updated_at"`
}

// TableName returns the table name for Message
func (Message) TableName() string {
	return "messages"
}

// IsReply checks if the message belongs to a thread
func (m *Message) IsReply() bool {
	return m.ParentId != nil && *m.ParentId != ""
}

// IsScheduledAfter reports whether the message is still hidden at now
func (m *Message) IsScheduledAfter(now int64) bool {
	return m.ScheduledAt != nil && *m.ScheduledAt > now
}

// ParentIdValue returns the parent id, or empty for top-level messages
func (m *Message) ParentIdValue() string {
	if m.ParentId == nil {
		return ""
	}
	return *m.ParentId
}

// Attachment represents a file attached to a message
type Attachment struct {
	Id          string `json:"id" gorm:"column:id;primaryKey"`
	MessageId   string `json:"message_id" gorm:"column:message_id;index"`
	FileName    string `json:"file_name" gorm:"column:file_name"`
	FileType    string `json:"file_type" gorm:"column:file_type"`
	FileSize    int64  `json:"file_size" gorm:"column:file_size"`
	Url         string `json:"url" gorm:"column:url"`
	ContentHash string `json:"content_hash" gorm:"column:content_hash"`
	CreatedAt   int64  `json:"created_at" gorm:"column:created_at;autoCreateTime:milli"`
}

// TableName returns the table name for Attachment
func (Attachment) TableName() string {
	return "attachments"
}

// Reaction represents a (message, user, emoji) reaction
type Reaction struct {
	Id        string `json:"id" gorm:"column:id;primaryKey"`
	MessageId string `json:"message_id" gorm:"column:message_id;uniqueIndex:uk_message_user_emoji"`
	UserId    string `json:"user_id" gorm:"column:user_id;uniqueIndex:uk_message_user_emoji"`
	Emoji     string `json:"emoji" gorm:"column:emoji;uniqueIndex:uk_message_user_emoji"`
	CreatedAt int64  `json:"created_at" gorm:"column:created_at;autoCreateTime:milli"`
}

// TableName returns the table name for Reaction
func (Reaction) TableName() string {
	return "reactions"
}

// PinnedMessage records who pinned a message
type PinnedMessage struct {
	Id        int64  `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	ChannelId string `json:"channel_id" gorm:"column:channel_id;index"`
	MessageId string `json:"message_id" gorm:"column:message_id;uniqueIndex"`
	PinnedBy  string `json:"pinned_by" gorm:"column:pinned_by"`
	CreatedAt int64  `json:"created_at" gorm:"column:created_at;autoCreateTime:milli"`
}

// TableName returns the table name for PinnedMessage
func (PinnedMessage) TableName() string {
	return "pinned_messages"
}

// Bookmark represents a user's saved message
type Bookmark struct {
	Id        int64  `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	UserId    string `json:"user_id" gorm:"column:user_id;uniqueIndex:uk_user_message"`
	MessageId string `json:"message_id" gorm:"column:message_id;uniqueIndex:uk_user_message"`
	CreatedAt int64  `json:"created_at" gorm:"column:created_at;autoCreateTime:milli"`
}

// TableName returns the table name for Bookmark
func (Bookmark) TableName() string {
	return "bookmarks"
}

// AttachmentInfo represents attachment info for API response
type AttachmentInfo struct {
	Id          string `json:"id"`
	FileName    string `json:"file_name"`
	FileType    string `json:"file_type"`
	FileSize    int64  `json:"file_size"`
	Url         string `json:"url"`
	ContentHash string `json:"content_hash,omitempty"`
}

// ReactionInfo represents a reaction on a message record
type ReactionInfo struct {
	Id     string `json:"id"`
	UserId string `json:"user_id"`
	Emoji  string `json:"emoji"`
}

// MessageRecord is the client-visible message shape with relational data resolved
type MessageRecord struct {
	Id          string           `json:"id"`
	ChannelId   string           `json:"channel_id"`
	AuthorId    string           `json:"author_id"`
	AuthorName  string           `json:"author_name,omitempty"`
	Content     string           `json:"content"`
	Type        string           `json:"type"`
	ParentId    string           `json:"parent_id,omitempty"`
	IsEdited    bool             `json:"is_edited"`
	IsPinned    bool             `json:"is_pinned"`
	ScheduledAt *int64           `json:"scheduled_at,omitempty"`
	Attachments []AttachmentInfo `json:"attachments"`
	Reactions   []ReactionInfo   `json:"reactions"`
	ReplyCount  int              `json:"reply_count"`
	CreatedAt   int64            `json:"created_at"`
}

// IsVisible reports whether the record may be shown at now
func (r *MessageRecord) IsVisible(now int64) bool {
	return r.ScheduledAt == nil || now >= *r.ScheduledAt
}

// Clone returns a deep copy of the record
func (r *MessageRecord) Clone() *MessageRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.ScheduledAt != nil {
		at := *r.ScheduledAt
		c.ScheduledAt = &at
	}
	c.Attachments = append([]AttachmentInfo(nil), r.Attachments...)
	c.Reactions = append([]ReactionInfo(nil), r.Reactions...)
	return &c
}

// HasReaction reports whether userId reacted with emoji
func (r *MessageRecord) HasReaction(userId, emoji string) bool {
	for _, re := range r.Reactions {
		if re.UserId == userId && re.Emoji == emoji {
			return true
		}
	}
	return false
}

// ToMessageRecord builds the client shape from a row and its relations
func (m *Message) ToMessageRecord(author *User, attachments []*Attachment, reactions []*Reaction, replyCount int) *MessageRecord {
	rec := &MessageRecord{
		Id:          m.Id,
		ChannelId:   m.ChannelId,
		AuthorId:    m.UserId,
		Content:     m.Content,
		Type:        m.Type,
		ParentId:    m.ParentIdValue(),
		IsEdited:    m.IsEdited,
		IsPinned:    m.IsPinned,
		ScheduledAt: m.ScheduledAt,
		Attachments: make([]AttachmentInfo, 0, len(attachments)),
		Reactions:   make([]ReactionInfo, 0, len(reactions)),
		ReplyCount:  replyCount,
		CreatedAt:   m.CreatedAt,
	}
	if author != nil {
		rec.AuthorName = author.Name
	}
	for _, a := range attachments {
		rec.Attachments = append(rec.Attachments, AttachmentInfo{
			Id:          a.Id,
			FileName:    a.FileName,
			FileType:    a.FileType,
			FileSize:    a.FileSize,
			Url:         a.Url,
			ContentHash: a.ContentHash,
		})
	}
	for _, re := range reactions {
		rec.Reactions = append(rec.Reactions, ReactionInfo{Id: re.Id, UserId: re.UserId, Emoji: re.Emoji})
	}
	return rec
}
