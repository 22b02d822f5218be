package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mbeoliero/kit/log"
	"github.com/redis/go-redis/v9"

	"github.com/mbeoliero/chatsync/pkg/constant"
)

// UserMap manages user connections. Online markers live in Redis so presence is
// visible across gateway nodes.
type UserMap struct {
	mu    sync.RWMutex
	users map[string]*UserConns // userId -> UserConns
	rdb   *redis.Client
	ttl   time.Duration
}

// UserConns holds all connections for a user
type UserConns struct {
	Clients []*Client
	Time    time.Time
}

// NewUserMap creates a new UserMap
func NewUserMap(rdb *redis.Client) *UserMap {
	return &UserMap{
		users: make(map[string]*UserConns),
		rdb:   rdb,
		ttl:   OnlineTTL,
	}
}

// Register registers a client, reporting whether it is the user's first connection
func (m *UserMap) Register(ctx context.Context, client *Client) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	conns, exists := m.users[client.UserId]
	if !exists {
		conns = &UserConns{Clients: make([]*Client, 0, 4)}
		m.users[client.UserId] = conns
	}
	conns.Clients = append(conns.Clients, client)
	conns.Time = time.Now()

	m.setOnline(ctx, client.UserId)
	return !exists
}

// Unregister unregisters a client. It reports whether the client was registered and
// whether the user has no connection left.
func (m *UserMap) Unregister(ctx context.Context, client *Client) (found, offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conns, exists := m.users[client.UserId]
	if !exists {
		return false, false
	}

	kept := make([]*Client, 0, len(conns.Clients))
	for _, c := range conns.Clients {
		if c.ConnId != client.ConnId {
			kept = append(kept, c)
		}
	}
	if len(kept) == len(conns.Clients) {
		return false, false
	}
	conns.Clients = kept

	if len(conns.Clients) == 0 {
		delete(m.users, client.UserId)
		m.setOffline(ctx, client.UserId)
		return true, true
	}
	return true, false
}

// GetAll gets all clients for a user
func (m *UserMap) GetAll(userId string) ([]*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conns, exists := m.users[userId]
	if !exists {
		return nil, false
	}

	clients := make([]*Client, len(conns.Clients))
	copy(clients, conns.Clients)
	return clients, true
}

// HasConnection checks if user has any connection on this node
func (m *UserMap) HasConnection(userId string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conns, exists := m.users[userId]
	return exists && len(conns.Clients) > 0
}

// GetOnlineUserCount returns the number of online users
func (m *UserMap) GetOnlineUserCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users)
}

// GetOnlineConnCount returns the total number of connections
func (m *UserMap) GetOnlineConnCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, conns := range m.users {
		count += len(conns.Clients)
	}
	return count
}

// IsOnline checks if user is online on any node
func (m *UserMap) IsOnline(ctx context.Context, userId string) bool {
	if m.HasConnection(userId) {
		return true
	}
	if m.rdb == nil {
		return false
	}
	exists, err := m.rdb.Exists(ctx, onlineKey(userId)).Result()
	if err != nil {
		log.CtxWarn(ctx, "check online status failed: user_id=%s, error=%v", userId, err)
		return false
	}
	return exists > 0
}

func onlineKey(userId string) string {
	return fmt.Sprintf(constant.RedisKeyOnline(), userId)
}

// setOnline marks user as online in Redis
func (m *UserMap) setOnline(ctx context.Context, userId string) {
	if m.rdb == nil {
		return
	}
	if err := m.rdb.Set(ctx, onlineKey(userId), "1", m.ttl).Err(); err != nil {
		log.CtxWarn(ctx, "set online failed: user_id=%s, error=%v", userId, err)
	}
}

// setOffline marks user as offline in Redis
func (m *UserMap) setOffline(ctx context.Context, userId string) {
	if m.rdb == nil {
		return
	}
	if err := m.rdb.Del(ctx, onlineKey(userId)).Err(); err != nil {
		log.CtxWarn(ctx, "set offline failed: user_id=%s, error=%v", userId, err)
	}
}

// RefreshAll extends the online TTL of every user connected to this node
func (m *UserMap) RefreshAll(ctx context.Context) {
	if m.rdb == nil {
		return
	}
	ids := m.GetAllOnlineUserIds()
	if len(ids) == 0 {
		return
	}
	pipe := m.rdb.Pipeline()
	for _, userId := range ids {
		pipe.Set(ctx, onlineKey(userId), "1", m.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.CtxWarn(ctx, "refresh online status failed: users=%d, error=%v", len(ids), err)
	}
}

// GetAllOnlineUserIds returns all online user Ids (local only)
func (m *UserMap) GetAllOnlineUserIds() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	userIds := make([]string, 0, len(m.users))
	for userId := range m.users {
		userIds = append(userIds, userId)
	}
	return userIds
}
