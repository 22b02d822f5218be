package constant

import "time"

// Channel types
const (
	ChannelTypePublic  = "PUBLIC"
	ChannelTypePrivate = "PRIVATE"
)

// Channel posting permissions
const (
	PostingEveryone  = "EVERYONE"
	PostingAdminOnly = "ADMIN_ONLY"
	PostingOwnerOnly = "OWNER_ONLY"
)

// Workspace roles
const (
	RoleMember = "MEMBER"
	RoleAdmin  = "ADMIN"
	RoleOwner  = "OWNER"
)

// Message types
const (
	MsgTypeRegular = "REGULAR"
	MsgTypeSystem  = "SYSTEM"
)

// Notification types
const (
	NotifyMention        = "MENTION"
	NotifyReply          = "REPLY"
	NotifyReaction       = "REACTION"
	NotifyPin            = "PIN"
	NotifyChannelAdd     = "CHANNEL_ADD"
	NotifyChannelRemove  = "CHANNEL_REMOVE"
	NotifyChannelArchive = "CHANNEL_ARCHIVE"
	NotifyChannelDelete  = "CHANNEL_DELETE"
)

// Notification resource types
const (
	ResourceMessage = "message"
	ResourceChannel = "channel"
)

// Chat defaults
const (
	DefaultPageSize         = 50
	DefaultEditWindow       = 30 * time.Minute
	DefaultMaxTrackedUnread = 1000
	DefaultTypingTTL        = 3 * time.Second
	DefaultTypingInterval   = time.Second
	TempIdPrefix            = "temp-"
)

// Change feed topics (without prefix, use Topic*() to get full name)
const (
	topicMessages = "messages"
	topicChannels = "channels"
	topicChannel  = "channel.%s" // channel.{channel_id}
	topicUser     = "user.%s"    // user.{user_id}
	topicTyping   = "typing.%s"  // typing.{channel_id}
)

// Redis key patterns (without prefix, use RedisKey*() to get full key)
const (
	redisKeyUserChannels = "user:channels:%s" // user:channels:{user_id}
	redisKeyOnline       = "online:%s"        // online:{user_id}
	redisKeyRevoked      = "token:revoked:%s" // token:revoked:{token_id}
)

// redisKeyPrefix is the global prefix for all Redis keys and feed topics
var redisKeyPrefix = "chatsync:"

// InitRedisKeyPrefix initializes the Redis key prefix from config
func InitRedisKeyPrefix(prefix string) {
	if prefix != "" {
		redisKeyPrefix = prefix
	}
}

// GetRedisKeyPrefix returns the current Redis key prefix
func GetRedisKeyPrefix() string {
	return redisKeyPrefix
}

// Redis key getters with prefix
func RedisKeyUserChannels() string { return redisKeyPrefix + redisKeyUserChannels }
func RedisKeyOnline() string       { return redisKeyPrefix + redisKeyOnline }
func RedisKeyRevoked() string      { return redisKeyPrefix + redisKeyRevoked }

// Topic getters with prefix
func TopicMessages() string { return redisKeyPrefix + topicMessages }
func TopicChannels() string { return redisKeyPrefix + topicChannels }
func TopicChannel() string  { return redisKeyPrefix + topicChannel }
func TopicUser() string     { return redisKeyPrefix + topicUser }
func TopicTyping() string   { return redisKeyPrefix + topicTyping }
