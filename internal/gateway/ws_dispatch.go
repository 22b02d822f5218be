package gateway

import (
	"context"

	"github.com/mbeoliero/chatsync/internal/fanout"
	"github.com/mbeoliero/chatsync/internal/session"
	"github.com/mbeoliero/chatsync/internal/upload"
	"github.com/mbeoliero/chatsync/pkg/errcode"
	"github.com/mbeoliero/chatsync/pkg/idgen"
)

func (s *WsServer) registerHandlers() {
	s.handlers = map[int32]handlerFunc{
		WSOpenChannel:          handleOpenChannel,
		WSCloseChannel:         handleCloseChannel,
		WSOpenThread:           handleOpenThread,
		WSCloseThread:          handleCloseThread,
		WSSendMsg:              handleSendMsg,
		WSRetryMsg:             handleRetryMsg,
		WSDiscardMsg:           handleDiscardMsg,
		WSToggleReaction:       handleToggleReaction,
		WSLoadOlder:            handleLoadOlder,
		WSMarkRead:             handleMarkRead,
		WSGetUnread:            handleGetUnread,
		WSSetNotificationRead:  handleSetNotificationRead,
		WSMarkAllNotifications: handleMarkAllNotifications,
		WSResubscribe:          handleResubscribe,
		WSTyping:               handleTyping,
	}
}

func handleOpenChannel(ctx context.Context, c *Client, req *WSRequest) ([]byte, error) {
	var r ChannelReq
	if err := decodeReq(req, &r); err != nil {
		return nil, err
	}
	return nil, c.Session().OpenChannel(ctx, r.ChannelId)
}

func handleCloseChannel(ctx context.Context, c *Client, _ *WSRequest) ([]byte, error) {
	return nil, c.Session().CloseChannel(ctx)
}

func handleOpenThread(ctx context.Context, c *Client, req *WSRequest) ([]byte, error) {
	var r ThreadReq
	if err := decodeReq(req, &r); err != nil {
		return nil, err
	}
	return nil, c.Session().OpenThread(ctx, r.ChannelId, r.ParentId)
}

func handleCloseThread(ctx context.Context, c *Client, _ *WSRequest) ([]byte, error) {
	return nil, c.Session().CloseThread(ctx)
}

func handleSendMsg(ctx context.Context, c *Client, req *WSRequest) ([]byte, error) {
	var r SendMsgReq
	if err := decodeReq(req, &r); err != nil {
		return nil, err
	}
	sreq := session.SendRequest{
		ChannelId:   r.ChannelId,
		ParentId:    r.ParentId,
		Content:     r.Content,
		ScheduledAt: r.ScheduledAt,
	}
	for _, f := range r.Files {
		sreq.Files = append(sreq.Files, upload.File{Name: f.Name, Type: f.Type, Data: f.Data})
	}
	res, err := c.Session().Send(ctx, sreq)
	if err != nil {
		return nil, err
	}
	return Encode(res)
}

// decodeEnvelope reads an envelope request; only local temp ids name envelopes
func decodeEnvelope(req *WSRequest) (string, error) {
	var r EnvelopeReq
	if err := decodeReq(req, &r); err != nil {
		return "", err
	}
	if !idgen.IsTempId(r.LocalId) {
		return "", errcode.ErrInvalidParam
	}
	return r.LocalId, nil
}

func handleRetryMsg(ctx context.Context, c *Client, req *WSRequest) ([]byte, error) {
	localId, err := decodeEnvelope(req)
	if err != nil {
		return nil, err
	}
	return nil, c.Session().Retry(ctx, localId)
}

func handleDiscardMsg(ctx context.Context, c *Client, req *WSRequest) ([]byte, error) {
	localId, err := decodeEnvelope(req)
	if err != nil {
		return nil, err
	}
	return nil, c.Session().Discard(ctx, localId)
}

func handleToggleReaction(ctx context.Context, c *Client, req *WSRequest) ([]byte, error) {
	var r ReactionReq
	if err := decodeReq(req, &r); err != nil {
		return nil, err
	}
	return nil, c.Session().ToggleReaction(ctx, r.MessageId, r.Emoji)
}

func handleLoadOlder(ctx context.Context, c *Client, req *WSRequest) ([]byte, error) {
	var r ChannelReq
	if err := decodeReq(req, &r); err != nil {
		return nil, err
	}
	return nil, c.Session().LoadOlder(ctx, r.ChannelId)
}

func handleMarkRead(ctx context.Context, c *Client, req *WSRequest) ([]byte, error) {
	var r ChannelReq
	if err := decodeReq(req, &r); err != nil {
		return nil, err
	}
	return nil, c.Session().MarkRead(ctx, r.ChannelId)
}

func handleTyping(ctx context.Context, c *Client, req *WSRequest) ([]byte, error) {
	var r ChannelReq
	if err := decodeReq(req, &r); err != nil {
		return nil, err
	}
	return nil, c.Session().Typing(ctx, r.ChannelId)
}

func handleGetUnread(ctx context.Context, c *Client, _ *WSRequest) ([]byte, error) {
	counts, err := c.Session().Counts(ctx)
	if err != nil {
		return nil, err
	}
	return Encode(&UnreadResp{Counts: counts})
}

func handleSetNotificationRead(ctx context.Context, c *Client, req *WSRequest) ([]byte, error) {
	var r NotificationReadReq
	if err := decodeReq(req, &r); err != nil {
		return nil, err
	}
	if r.NotificationId == "" {
		return nil, errcode.ErrInvalidParam
	}
	return nil, c.Session().SetNotificationRead(ctx, r.NotificationId, r.IsRead)
}

func handleMarkAllNotifications(ctx context.Context, c *Client, _ *WSRequest) ([]byte, error) {
	return Encode(&CountResp{Count: c.Session().MarkAllNotificationsRead(ctx)})
}

func handleResubscribe(ctx context.Context, c *Client, req *WSRequest) ([]byte, error) {
	var r ResubscribeReq
	if err := decodeReq(req, &r); err != nil {
		return nil, err
	}
	retried, err := c.Session().ResubscribeNow(ctx, fanout.TargetKind(r.Target))
	if err != nil {
		return nil, err
	}
	return Encode(&ResubscribeResp{Retried: retried})
}
