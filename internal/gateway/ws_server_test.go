package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbeoliero/chatsync/internal/changefeed"
	"github.com/mbeoliero/chatsync/internal/config"
	"github.com/mbeoliero/chatsync/internal/entity"
	"github.com/mbeoliero/chatsync/internal/service"
	"github.com/mbeoliero/chatsync/internal/session"
	"github.com/mbeoliero/chatsync/pkg/errcode"
	"github.com/mbeoliero/chatsync/pkg/jwt"
)

const testSecret = "gateway-secret"

type stubBackend struct{}

func (stubBackend) PageSize() int { return 50 }

func (stubBackend) CheckSend(context.Context, string, *service.SendMessageRequest) error { return nil }

func (stubBackend) Send(_ context.Context, senderId string, req *service.SendMessageRequest) (*entity.MessageRecord, error) {
	return &entity.MessageRecord{Id: "m2", ChannelId: req.ChannelId, AuthorId: senderId, Content: req.Content}, nil
}

func (stubBackend) GetRecord(context.Context, string) (*entity.MessageRecord, error) {
	return nil, errcode.ErrMessageNotFound
}

func (stubBackend) Page(_ context.Context, _, channelId, _ string) ([]*entity.MessageRecord, error) {
	if channelId != "c1" {
		return nil, errcode.ErrNotChannelMember
	}
	return []*entity.MessageRecord{{Id: "m1", ChannelId: "c1", AuthorId: "u2", Content: "hello", CreatedAt: 1}}, nil
}

func (stubBackend) Thread(context.Context, string, string) ([]*entity.MessageRecord, error) {
	return nil, nil
}

func (stubBackend) ToggleReaction(context.Context, string, string, string) (*service.ReactionResult, error) {
	return &service.ReactionResult{}, nil
}

type stubMembers struct{}

func (stubMembers) ListChannelIds(context.Context, string) ([]string, error) {
	return []string{"c1"}, nil
}

type stubCursors struct{}

func (stubCursors) LoadCursor(context.Context, string, string) (int64, bool, error) {
	return 0, true, nil
}

func (stubCursors) SaveCursor(context.Context, string, string, int64) error { return nil }

func (stubCursors) UnreadMarksSince(context.Context, string, string, int64, int64, int) ([]*entity.UnreadMark, error) {
	return nil, nil
}

func (stubCursors) CountUnreadSince(context.Context, string, string, int64, int64) (int64, error) {
	return 0, nil
}

type fixture struct {
	server *WsServer
	hub    *session.Hub
	http   *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	cfg := &config.Config{
		JWT:       config.JWTConfig{Secret: testSecret},
		WebSocket: config.WebSocketConfig{MaxConnNum: 10, PushWorkerNum: 2, PushChannelSize: 256},
	}
	hub := session.NewHub(session.Deps{
		Messages: stubBackend{},
		Members:  stubMembers{},
		Cursors:  stubCursors{},
		Source:   changefeed.NewMemoryBus(64),
	})
	ws := NewWsServer(cfg, nil, hub)
	ctx, cancel := context.WithCancel(context.Background())
	ws.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(ws.HandleConnection))
	t.Cleanup(func() {
		srv.Close()
		hub.Shutdown()
		cancel()
	})
	return &fixture{server: ws, hub: hub, http: srv}
}

func (f *fixture) url(query string) string {
	return "ws" + strings.TrimPrefix(f.http.URL, "http") + "/?" + query
}

func (f *fixture) dial(t *testing.T, userId string) *websocket.Conn {
	token, err := jwt.GenerateToken(userId, "w1", testSecret, 1)
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial(f.url("token="+token+"&send_id="+userId), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, id int32, incr string, payload interface{}) {
	var data []byte
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		require.NoError(t, err)
	}
	frame, err := json.Marshal(WSRequest{ReqIdentifier: id, MsgIncr: incr, Data: data})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

// readUntil reads frames until match returns true for one of them
func readUntil(t *testing.T, conn *websocket.Conn, match func(WSResponse) bool) WSResponse {
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		var resp WSResponse
		require.NoError(t, json.Unmarshal(raw, &resp))
		if match(resp) {
			return resp
		}
	}
}

func TestHandshakeRequiresToken(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.http.URL + "/?send_id=u1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandshakeRejectsForeignToken(t *testing.T) {
	f := newFixture(t)
	token, err := jwt.GenerateToken("u1", "w1", testSecret, 1)
	require.NoError(t, err)

	resp, err := http.Get(f.http.URL + "/?token=" + token + "&send_id=u2")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestOpenChannelRepliesAndPushesView(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "u1")

	send(t, conn, WSOpenChannel, "1", ChannelReq{ChannelId: "c1"})

	var replied bool
	var view session.ViewUpdate
	readUntil(t, conn, func(resp WSResponse) bool {
		switch resp.ReqIdentifier {
		case WSOpenChannel:
			assert.Equal(t, "1", resp.MsgIncr)
			assert.Zero(t, resp.ErrCode)
			replied = true
		case WSPushView:
			require.NoError(t, json.Unmarshal(resp.Data, &view))
		}
		return replied && len(view.Entries) == 1
	})

	assert.Equal(t, "c1", view.ChannelId)
	assert.Equal(t, "m1", view.Entries[0].Record.Id)
}

func TestUnknownRequestIsRejected(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "u1")

	send(t, conn, 9999, "7", nil)

	resp := readUntil(t, conn, func(resp WSResponse) bool { return resp.MsgIncr == "7" })
	assert.Equal(t, errcode.ErrInvalidProtocol.Code, resp.ErrCode)
}

func TestInvalidParamKeepsConnection(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "u1")

	send(t, conn, WSOpenChannel, "1", ChannelReq{})
	resp := readUntil(t, conn, func(resp WSResponse) bool { return resp.MsgIncr == "1" })
	assert.Equal(t, errcode.ErrInvalidParam.Code, resp.ErrCode)

	send(t, conn, WSGetUnread, "2", nil)
	resp = readUntil(t, conn, func(resp WSResponse) bool { return resp.MsgIncr == "2" })
	assert.Zero(t, resp.ErrCode)
	var unread UnreadResp
	require.NoError(t, json.Unmarshal(resp.Data, &unread))
}

func TestRetryRequiresLocalId(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "u1")

	send(t, conn, WSRetryMsg, "3", EnvelopeReq{LocalId: "12345"})
	resp := readUntil(t, conn, func(resp WSResponse) bool { return resp.MsgIncr == "3" })
	assert.Equal(t, errcode.ErrInvalidParam.Code, resp.ErrCode)
}

func TestDisconnectEndsSession(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "u1")

	require.Eventually(t, func() bool { return f.server.GetOnlineConnCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.hub.Count())
	assert.True(t, f.server.IsOnline(context.Background(), "u1"))

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return f.server.GetOnlineConnCount() == 0 && f.hub.Count() == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, f.server.IsOnline(context.Background(), "u1"))
}

func TestKickClosesTokenConnections(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "u1")
	require.Eventually(t, func() bool { return f.server.GetOnlineConnCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, f.server.Kick("u1", "other-token"))
	assert.Equal(t, 1, f.server.Kick("u1", ""))

	readUntil(t, conn, func(resp WSResponse) bool { return resp.ReqIdentifier == WSKickOnlineMsg })
	require.Eventually(t, func() bool { return f.hub.Count() == 0 }, 2*time.Second, 5*time.Millisecond)
}
