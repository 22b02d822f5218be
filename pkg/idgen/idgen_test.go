package idgen

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSonyflakeIdsAreNumericAndUnique(t *testing.T) {
	gen, err := NewSonyflakeGenerator(7)
	require.NoError(t, err)

	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id, err := gen.NextID()
		require.NoError(t, err)
		_, err = strconv.ParseUint(id, 10, 64)
		require.NoError(t, err)
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
		assert.False(t, IsTempId(id))
	}
}

func TestTempIds(t *testing.T) {
	a, b := NewTempId(), NewTempId()
	assert.NotEqual(t, a, b)
	assert.True(t, IsTempId(a))
	assert.False(t, IsTempId("12345"))
}

type fixedGen struct{ id string }

func (g fixedGen) NextID() (string, error) { return g.id, nil }

func TestNextIdUsesDefault(t *testing.T) {
	SetDefault(fixedGen{id: "42"})
	t.Cleanup(func() { SetDefault(nil) })

	id, err := NextID()
	require.NoError(t, err)
	assert.Equal(t, "42", id)
}

func TestConnIdsAreNotTempIds(t *testing.T) {
	id := NewConnId()
	assert.NotEmpty(t, id)
	assert.False(t, IsTempId(id))
}
