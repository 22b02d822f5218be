package gateway

import (
	"time"

	"github.com/mbeoliero/chatsync/internal/session"
)

// WebSocket protocol constants
const (
	// Request identifiers
	WSOpenChannel          = 1001 // Open a channel view
	WSCloseChannel         = 1002 // Close the open channel
	WSOpenThread           = 1003 // Open a thread view
	WSCloseThread          = 1004 // Close the open thread
	WSSendMsg              = 1005 // Send message
	WSRetryMsg             = 1006 // Retry a failed send
	WSDiscardMsg           = 1007 // Discard an unconfirmed send
	WSToggleReaction       = 1008 // Toggle a reaction
	WSLoadOlder            = 1009 // Load the page before the oldest message
	WSMarkRead             = 1010 // Mark a channel read
	WSGetUnread            = 1011 // Get unread counts
	WSSetNotificationRead  = 1012 // Mark one notification read or unread
	WSMarkAllNotifications = 1013 // Mark every notification read
	WSResubscribe          = 1014 // Retry a degraded subscription now
	WSTyping               = 1015 // User is typing in the open channel

	// Push identifiers
	WSPushView         = 2001 // Message list changed
	WSKickOnlineMsg    = 2002 // Kick user offline
	WSPushUnread       = 2003 // Unread count changed
	WSPushNotification = 2004 // Notification inbox changed
	WSPushState        = 2005 // Subscription state changed
	WSPushSendFailed   = 2006 // Optimistic send failed
	WSPushAccessLost   = 2007 // Channel no longer visible
	WSPushMembership   = 2008 // Membership of the user changed
	WSPushChannel      = 2009 // Channel settings changed
	WSPushInbox        = 2010 // Notification inbox loaded
	WSPushError        = 2011 // Background operation failed
	WSPushTyping       = 2012 // Typing users of the open channel changed
	WSDataError        = 3001 // Data error
)

var pushIdentifiers = map[session.PushKind]int32{
	session.PushView:         WSPushView,
	session.PushUnread:       WSPushUnread,
	session.PushNotification: WSPushNotification,
	session.PushState:        WSPushState,
	session.PushSendFailed:   WSPushSendFailed,
	session.PushAccessLost:   WSPushAccessLost,
	session.PushMembership:   WSPushMembership,
	session.PushChannel:      WSPushChannel,
	session.PushInbox:        WSPushInbox,
	session.PushError:        WSPushError,
	session.PushTyping:       WSPushTyping,
}

// Default timeouts, used when the config leaves them unset
const (
	// WriteWait is time allowed to write a message to the peer
	WriteWait = 10 * time.Second

	// PongWait is time allowed to read the next pong message from the peer
	PongWait = 30 * time.Second

	// PingPeriod is period between pings. Must be less than PongWait
	PingPeriod = (PongWait * 9) / 10

	// MaxMessageSize is maximum message size allowed from peer
	MaxMessageSize = 4 << 20

	// WriteChannelSize bounds the frames queued per connection
	WriteChannelSize = 256

	// OnlineTTL is how long an online marker lives without refresh
	OnlineTTL = 60 * time.Second
)

// Query parameter keys
const (
	QueryToken  = "token"
	QuerySendId = "send_id"
)
