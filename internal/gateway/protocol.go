package gateway

import "encoding/json"

// WSRequest represents a WebSocket request message
type WSRequest struct {
	ReqIdentifier int32  `json:"req_identifier"` // Request type
	MsgIncr       string `json:"msg_incr"`       // Client message counter/trace Id
	OperationId   string `json:"operation_id"`   // Operation Id
	SendId        string `json:"send_id"`        // Sender user Id
	Data          []byte `json:"data"`           // Business data
}

// WSResponse represents a WebSocket response or push message
type WSResponse struct {
	ReqIdentifier int32  `json:"req_identifier"` // Request type (echo back) or push type
	MsgIncr       string `json:"msg_incr"`       // Message counter (echo back)
	OperationId   string `json:"operation_id"`   // Operation Id (echo back)
	ErrCode       int    `json:"err_code"`       // Error code, 0 = success
	ErrMsg        string `json:"err_msg"`        // Error message
	Data          []byte `json:"data"`           // Response data
}

// ChannelReq names a channel
type ChannelReq struct {
	ChannelId string `json:"channel_id"`
}

// ThreadReq names a thread
type ThreadReq struct {
	ChannelId string `json:"channel_id"`
	ParentId  string `json:"parent_id"`
}

// FileData is an attachment sent inline with a message
type FileData struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Data []byte `json:"data"`
}

// SendMsgReq represents send message request data
type SendMsgReq struct {
	ChannelId   string     `json:"channel_id"`
	ParentId    string     `json:"parent_id,omitempty"`
	Content     string     `json:"content"`
	ScheduledAt *int64     `json:"scheduled_at,omitempty"`
	Files       []FileData `json:"files,omitempty"`
}

// EnvelopeReq names an optimistic message by its local id
type EnvelopeReq struct {
	LocalId string `json:"local_id"`
}

// ReactionReq toggles one emoji on a message
type ReactionReq struct {
	MessageId string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

// NotificationReadReq sets the read flag of a notification
type NotificationReadReq struct {
	NotificationId string `json:"notification_id"`
	IsRead         bool   `json:"is_read"`
}

// ResubscribeReq names a subscription target
type ResubscribeReq struct {
	Target string `json:"target"`
}

// ResubscribeResp reports whether a retry started
type ResubscribeResp struct {
	Retried bool `json:"retried"`
}

// UnreadResp carries the unread count of every tracked channel
type UnreadResp struct {
	Counts map[string]int `json:"counts"`
}

// CountResp carries how many rows an operation changed
type CountResp struct {
	Count int `json:"count"`
}

// Encode encodes data to JSON bytes
func Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// Decode decodes JSON bytes to struct
func Decode(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
