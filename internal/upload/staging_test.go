package upload

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStaging(t *testing.T, maxBytes int64) *Staging {
	t.Helper()
	s, err := Open(Options{Dir: "staging", InMemory: true, MaxBytes: maxBytes})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStageAndRead(t *testing.T) {
	s := openStaging(t, 0)

	p, err := s.Stage(File{Name: "a.txt", Type: "text/plain", Data: []byte("hello")})
	require.NoError(t, err)

	f := p.File()
	assert.Equal(t, ContentHash([]byte("hello")), f.Hash)
	assert.Equal(t, int64(5), f.Size)

	data, err := s.Read(f.Hash)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
}

func TestReleaseExactlyOnce(t *testing.T) {
	s := openStaging(t, 0)

	a, err := s.Stage(File{Name: "a.txt", Data: []byte("same")})
	require.NoError(t, err)
	b, err := s.Stage(File{Name: "b.txt", Data: []byte("same")})
	require.NoError(t, err)
	hash := a.File().Hash
	assert.Equal(t, 2, s.Refs(hash))

	assert.True(t, a.Release())
	assert.False(t, a.Release())
	assert.Equal(t, 1, s.Refs(hash))

	_, err = s.Read(hash)
	require.NoError(t, err, "still referenced by b")

	assert.True(t, b.Release())
	assert.Equal(t, 0, s.Refs(hash))
	_, err = s.Read(hash)
	assert.ErrorIs(t, err, ErrNotStaged)
}

func TestStageTooLarge(t *testing.T) {
	s := openStaging(t, 3)
	_, err := s.Stage(File{Name: "big", Data: []byte("toolarge")})
	assert.ErrorIs(t, err, ErrTooLarge)
}

type failingStorage struct{ calls int }

func (f *failingStorage) Put(context.Context, StagedFile, []byte) (string, error) {
	f.calls++
	return "", errors.New("store unavailable")
}

func TestUploadAllRetryUsesStagedBytes(t *testing.T) {
	s := openStaging(t, 0)
	p, err := s.Stage(File{Name: "photo.png", Type: "image/png", Data: []byte{1, 2, 3}})
	require.NoError(t, err)

	failing := &failingStorage{}
	_, err = s.UploadAll(context.Background(), failing, []*Preview{p})
	require.Error(t, err)
	assert.Equal(t, 1, failing.calls)

	// The original bytes survive the failure
	local := NewLocalStorage(s, "/files")
	infos, err := s.UploadAll(context.Background(), local, []*Preview{p})
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "/files/"+p.File().Hash, infos[0].Url)
	assert.Equal(t, "photo.png", infos[0].FileName)

	p.Release()
	f, data, err := local.Get(p.File().Hash)
	require.NoError(t, err, "uploaded files outlive staging")
	assert.Equal(t, []byte{1, 2, 3}, data)
	assert.Equal(t, "image/png", f.Type)
}
