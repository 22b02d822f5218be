package upload

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// Storage is the durable file store attachments are uploaded to
type Storage interface {
	Put(ctx context.Context, f StagedFile, data []byte) (string, error)
}

// LocalStorage keeps uploaded files in the staging database under a permanent key.
// It serves single-node deployments that have no external file store.
type LocalStorage struct {
	staging *Staging
	baseURL string
}

// NewLocalStorage creates a LocalStorage serving files under baseURL
func NewLocalStorage(staging *Staging, baseURL string) *LocalStorage {
	return &LocalStorage{staging: staging, baseURL: baseURL}
}

// Put stores data permanently and returns its URL
func (l *LocalStorage) Put(ctx context.Context, f StagedFile, data []byte) (string, error) {
	meta, err := json.Marshal(f)
	if err != nil {
		return "", err
	}
	b := l.staging.db.NewBatch()
	defer b.Close()
	_ = b.Set([]byte(filePrefix+f.Hash), data, nil)
	_ = b.Set([]byte(filePrefix+f.Hash+":meta"), meta, nil)
	if err := b.Commit(pebble.Sync); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s", l.baseURL, f.Hash), nil
}

// Get returns a stored file and its description
func (l *LocalStorage) Get(hash string) (*StagedFile, []byte, error) {
	data, err := l.staging.get(filePrefix + hash)
	if err != nil {
		return nil, nil, err
	}
	meta, err := l.staging.get(filePrefix + hash + ":meta")
	if err != nil {
		return nil, nil, err
	}
	var f StagedFile
	if err := json.Unmarshal(meta, &f); err != nil {
		return nil, nil, err
	}
	return &f, data, nil
}
