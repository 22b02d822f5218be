package repository

import (
	"context"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/mbeoliero/chatsync/internal/entity"
)

const maxPageLimit = 100

// MessageRepo is the repository for message operations
type MessageRepo struct {
	db  *gorm.DB
	rdb *redis.Client
}

// NewMessageRepo creates a new MessageRepo
func NewMessageRepo(db *gorm.DB, rdb *redis.Client) *MessageRepo {
	return &MessageRepo{db: db, rdb: rdb}
}

// visible restricts a query to messages whose schedule has passed
func visible(db *gorm.DB, now int64) *gorm.DB {
	return db.Where("(scheduled_at IS NULL OR scheduled_at <= ?)", now)
}

// Create creates a new message with its attachments
func (r *MessageRepo) Create(ctx context.Context, tx *gorm.DB, msg *entity.Message, attachments []*entity.Attachment) error {
	now := entity.NowUnixMilli()
	if msg.CreatedAt == 0 {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = now

	db := dbOr(r.db, tx).WithContext(ctx)
	if err := db.Create(msg).Error; err != nil {
		return err
	}
	for _, a := range attachments {
		a.MessageId = msg.Id
	}
	if len(attachments) > 0 {
		return db.Create(&attachments).Error
	}
	return nil
}

// GetById gets message by Id, nil when missing
func (r *MessageRepo) GetById(ctx context.Context, id string) (*entity.Message, error) {
	var msg entity.Message
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&msg).Error
	if err != nil {
		return nil, notFoundAsNil(err)
	}
	return &msg, nil
}

// GetRecord loads the full client record for one message, nil when missing
func (r *MessageRepo) GetRecord(ctx context.Context, id string) (*entity.MessageRecord, error) {
	msg, err := r.GetById(ctx, id)
	if err != nil || msg == nil {
		return nil, err
	}
	records, err := r.Records(ctx, []*entity.Message{msg})
	if err != nil {
		return nil, err
	}
	return records[0], nil
}

// Records resolves authors, attachments, reactions and reply counts for messages
func (r *MessageRepo) Records(ctx context.Context, msgs []*entity.Message) ([]*entity.MessageRecord, error) {
	if len(msgs) == 0 {
		return []*entity.MessageRecord{}, nil
	}

	ids := make([]string, 0, len(msgs))
	userIds := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.Id)
		userIds = append(userIds, m.UserId)
	}

	db := r.db.WithContext(ctx)

	var users []*entity.User
	if err := db.Where("id IN ?", userIds).Find(&users).Error; err != nil {
		return nil, err
	}
	userMap := make(map[string]*entity.User, len(users))
	for _, u := range users {
		userMap[u.Id] = u
	}

	var attachments []*entity.Attachment
	if err := db.Where("message_id IN ?", ids).Order("created_at ASC").Find(&attachments).Error; err != nil {
		return nil, err
	}
	attMap := make(map[string][]*entity.Attachment)
	for _, a := range attachments {
		attMap[a.MessageId] = append(attMap[a.MessageId], a)
	}

	var reactions []*entity.Reaction
	if err := db.Where("message_id IN ?", ids).Order("created_at ASC").Find(&reactions).Error; err != nil {
		return nil, err
	}
	reactMap := make(map[string][]*entity.Reaction)
	for _, re := range reactions {
		reactMap[re.MessageId] = append(reactMap[re.MessageId], re)
	}

	var counts []struct {
		ParentId string
		Total    int
	}
	err := db.Model(&entity.Message{}).
		Select("parent_id, COUNT(*) AS total").
		Where("parent_id IN ?", ids).
		Group("parent_id").
		Scan(&counts).Error
	if err != nil {
		return nil, err
	}
	replyMap := make(map[string]int, len(counts))
	for _, c := range counts {
		replyMap[c.ParentId] = c.Total
	}

	records := make([]*entity.MessageRecord, 0, len(msgs))
	for _, m := range msgs {
		records = append(records, m.ToMessageRecord(userMap[m.UserId], attMap[m.Id], reactMap[m.Id], replyMap[m.Id]))
	}
	return records, nil
}

// PageBefore returns up to limit visible top-level messages older than beforeId, in
// ascending order. An empty beforeId starts from the newest message.
func (r *MessageRepo) PageBefore(ctx context.Context, channelId, beforeId string, limit int, now int64) ([]*entity.Message, error) {
	if limit <= 0 || limit > maxPageLimit {
		limit = maxPageLimit
	}

	q := visible(r.db.WithContext(ctx), now).
		Where("channel_id = ? AND parent_id IS NULL", channelId)

	if beforeId != "" {
		anchor, err := r.GetById(ctx, beforeId)
		if err != nil {
			return nil, err
		}
		if anchor != nil {
			q = q.Where("(created_at < ? OR (created_at = ? AND id < ?))", anchor.CreatedAt, anchor.CreatedAt, anchor.Id)
		}
	}

	var messages []*entity.Message
	if err := q.Order("created_at DESC, id DESC").Limit(limit).Find(&messages).Error; err != nil {
		return nil, err
	}

	// Reverse to ascending order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// Thread returns visible replies of a parent in ascending order
func (r *MessageRepo) Thread(ctx context.Context, parentId string, now int64) ([]*entity.Message, error) {
	var messages []*entity.Message
	err := visible(r.db.WithContext(ctx), now).
		Where("parent_id = ?", parentId).
		Order("created_at ASC, id ASC").
		Find(&messages).Error
	return messages, err
}

// ThreadParticipantIds returns distinct authors of replies under a parent
func (r *MessageRepo) ThreadParticipantIds(ctx context.Context, parentId string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&entity.Message{}).
		Distinct("user_id").
		Where("parent_id = ?", parentId).
		Pluck("user_id", &ids).Error
	return ids, err
}

// ListScheduled lists a user's pending scheduled messages
func (r *MessageRepo) ListScheduled(ctx context.Context, userId string, now int64) ([]*entity.Message, error) {
	var messages []*entity.Message
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND scheduled_at > ?", userId, now).
		Order("scheduled_at ASC").
		Find(&messages).Error
	return messages, err
}

// ListDue lists scheduled messages whose time has come
func (r *MessageRepo) ListDue(ctx context.Context, now int64, limit int) ([]*entity.Message, error) {
	if limit <= 0 || limit > maxPageLimit {
		limit = maxPageLimit
	}
	var messages []*entity.Message
	err := r.db.WithContext(ctx).
		Where("scheduled_at IS NOT NULL AND scheduled_at <= ?", now).
		Order("scheduled_at ASC").
		Limit(limit).
		Find(&messages).Error
	return messages, err
}

// Update updates message fields
func (r *MessageRepo) Update(ctx context.Context, tx *gorm.DB, id string, updates map[string]interface{}) error {
	updates["updated_at"] = entity.NowUnixMilli()
	return dbOr(r.db, tx).WithContext(ctx).
		Model(&entity.Message{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// Delete removes a message, its thread replies and dependent rows.
// Returns the ids of removed replies.
func (r *MessageRepo) Delete(ctx context.Context, tx *gorm.DB, id string) ([]string, error) {
	db := tx.WithContext(ctx)

	var replyIds []string
	if err := db.Model(&entity.Message{}).Where("parent_id = ?", id).Pluck("id", &replyIds).Error; err != nil {
		return nil, err
	}
	ids := append([]string{id}, replyIds...)

	if err := db.Where("message_id IN ?", ids).Delete(&entity.Reaction{}).Error; err != nil {
		return nil, err
	}
	if err := db.Where("message_id IN ?", ids).Delete(&entity.Attachment{}).Error; err != nil {
		return nil, err
	}
	if err := db.Where("message_id IN ?", ids).Delete(&entity.Bookmark{}).Error; err != nil {
		return nil, err
	}
	if err := db.Where("message_id IN ?", ids).Delete(&entity.PinnedMessage{}).Error; err != nil {
		return nil, err
	}
	if err := db.Where("id IN ?", ids).Delete(&entity.Message{}).Error; err != nil {
		return nil, err
	}
	return replyIds, nil
}

// CountUnreadSince counts visible channel messages newer than since that userId did not write
func (r *MessageRepo) CountUnreadSince(ctx context.Context, channelId, userId string, since, now int64) (int64, error) {
	var count int64
	err := visible(r.db.WithContext(ctx).Model(&entity.Message{}), now).
		Where("channel_id = ? AND created_at > ? AND user_id <> ?", channelId, since, userId).
		Count(&count).Error
	return count, err
}

// UnreadMarksSince returns the newest unread marks, at most limit, in ascending order
func (r *MessageRepo) UnreadMarksSince(ctx context.Context, channelId, userId string, since, now int64, limit int) ([]*entity.UnreadMark, error) {
	var marks []*entity.UnreadMark
	err := visible(r.db.WithContext(ctx).Model(&entity.Message{}), now).
		Select("id, created_at").
		Where("channel_id = ? AND created_at > ? AND user_id <> ?", channelId, since, userId).
		Order("created_at DESC").
		Limit(limit).
		Scan(&marks).Error
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(marks)-1; i < j; i, j = i+1, j-1 {
		marks[i], marks[j] = marks[j], marks[i]
	}
	return marks, nil
}

// AddPin records a pin. A duplicate pin is reported as created=false.
func (r *MessageRepo) AddPin(ctx context.Context, tx *gorm.DB, pin *entity.PinnedMessage) (bool, error) {
	err := dbOr(r.db, tx).WithContext(ctx).Create(pin).Error
	if IsDuplicate(err) {
		return false, nil
	}
	return err == nil, err
}

// RemovePin removes a pin, reporting whether one existed
func (r *MessageRepo) RemovePin(ctx context.Context, tx *gorm.DB, messageId string) (bool, error) {
	res := dbOr(r.db, tx).WithContext(ctx).Where("message_id = ?", messageId).Delete(&entity.PinnedMessage{})
	return res.RowsAffected > 0, res.Error
}

// ListPinned lists pinned messages of a channel
func (r *MessageRepo) ListPinned(ctx context.Context, channelId string) ([]*entity.Message, error) {
	var messages []*entity.Message
	err := r.db.WithContext(ctx).
		Where("channel_id = ? AND is_pinned = ?", channelId, true).
		Order("created_at DESC").
		Find(&messages).Error
	return messages, err
}

// PublishScheduled makes a due scheduled message visible as of at. It reports false
// when another publisher got there first.
func (r *MessageRepo) PublishScheduled(ctx context.Context, id string, at int64) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&entity.Message{}).
		Where("id = ? AND scheduled_at IS NOT NULL", id).
		Updates(map[string]interface{}{
			"scheduled_at": nil,
			"created_at":   at,
			"updated_at":   at,
		})
	return res.RowsAffected > 0, res.Error
}
