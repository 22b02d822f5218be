package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUserMapTracksConnections(t *testing.T) {
	ctx := context.Background()
	m := NewUserMap(nil)
	a := &Client{UserId: "u1", ConnId: "a"}
	b := &Client{UserId: "u1", ConnId: "b"}

	assert.True(t, m.Register(ctx, a))
	assert.False(t, m.Register(ctx, b))
	assert.Equal(t, 1, m.GetOnlineUserCount())
	assert.Equal(t, 2, m.GetOnlineConnCount())

	found, offline := m.Unregister(ctx, a)
	assert.True(t, found)
	assert.False(t, offline)

	found, offline = m.Unregister(ctx, a)
	assert.False(t, found)
	assert.False(t, offline)

	found, offline = m.Unregister(ctx, b)
	assert.True(t, found)
	assert.True(t, offline)
	assert.False(t, m.IsOnline(ctx, "u1"))
}

func TestUserMapGetAllCopies(t *testing.T) {
	m := NewUserMap(nil)
	m.Register(context.Background(), &Client{UserId: "u1", ConnId: "a"})

	clients, ok := m.GetAll("u1")
	assert.True(t, ok)
	clients[0] = nil

	again, _ := m.GetAll("u1")
	assert.NotNil(t, again[0])
	assert.ElementsMatch(t, []string{"u1"}, m.GetAllOnlineUserIds())
}
