package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/mbeoliero/kit/log"

	"github.com/mbeoliero/chatsync/internal/entity"
)

var (
	ErrNotStaged = errors.New("upload: content not staged")
	ErrTooLarge  = errors.New("upload: file exceeds size limit")
)

const (
	blobPrefix = "blob:"
	metaPrefix = "meta:"
	filePrefix = "file:"
)

// File is a client-provided attachment
type File struct {
	Name string
	Type string
	Data []byte
}

// StagedFile describes bytes held in staging under their content hash
type StagedFile struct {
	Hash string `json:"hash"`
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

// Options configures staging
type Options struct {
	Dir      string
	InMemory bool
	MaxBytes int64
}

// Staging keeps original attachment bytes until the message that references them is
// confirmed or discarded, so a retry re-uploads from stored bytes.
type Staging struct {
	db       *pebble.DB
	maxBytes int64

	mu   sync.Mutex
	refs map[string]int
}

// Open opens the staging store
func Open(opts Options) (*Staging, error) {
	pebbleOpts := &pebble.Options{}
	if opts.InMemory {
		pebbleOpts.FS = vfs.NewMem()
	}
	db, err := pebble.Open(opts.Dir, pebbleOpts)
	if err != nil {
		return nil, fmt.Errorf("open staging %s: %w", opts.Dir, err)
	}
	return &Staging{
		db:       db,
		maxBytes: opts.MaxBytes,
		refs:     make(map[string]int),
	}, nil
}

// Close closes the staging store
func (s *Staging) Close() error {
	return s.db.Close()
}

// ContentHash returns the hex sha256 of data
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Stage stores f and returns a preview handle holding one reference to its bytes
func (s *Staging) Stage(f File) (*Preview, error) {
	if s.maxBytes > 0 && int64(len(f.Data)) > s.maxBytes {
		return nil, ErrTooLarge
	}

	staged := &StagedFile{
		Hash: ContentHash(f.Data),
		Name: f.Name,
		Type: f.Type,
		Size: int64(len(f.Data)),
	}
	meta, err := json.Marshal(staged)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refs[staged.Hash] == 0 {
		b := s.db.NewBatch()
		_ = b.Set([]byte(blobPrefix+staged.Hash), f.Data, nil)
		_ = b.Set([]byte(metaPrefix+staged.Hash), meta, nil)
		if err := b.Commit(pebble.Sync); err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("stage %s: %w", f.Name, err)
		}
		_ = b.Close()
	}
	s.refs[staged.Hash]++

	return &Preview{staged: staged, owner: s}, nil
}

// Read returns the staged bytes of hash
func (s *Staging) Read(hash string) ([]byte, error) {
	return s.get(blobPrefix + hash)
}

func (s *Staging) get(key string) ([]byte, error) {
	v, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotStaged
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), v...), nil
}

// Refs returns the live reference count of hash
func (s *Staging) Refs(hash string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs[hash]
}

// release drops one reference; the bytes are removed with the last one
func (s *Staging) release(hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.refs[hash]
	if n <= 0 {
		return
	}
	if n > 1 {
		s.refs[hash] = n - 1
		return
	}
	delete(s.refs, hash)

	b := s.db.NewBatch()
	_ = b.Delete([]byte(blobPrefix+hash), nil)
	_ = b.Delete([]byte(metaPrefix+hash), nil)
	if err := b.Commit(pebble.NoSync); err != nil {
		log.Warn("remove staged content failed: hash=%s, error=%v", hash, err)
	}
	_ = b.Close()
}

// UploadAll pushes the staged bytes of every preview to storage
func (s *Staging) UploadAll(ctx context.Context, storage Storage, previews []*Preview) ([]entity.AttachmentInfo, error) {
	result := make([]entity.AttachmentInfo, 0, len(previews))
	for _, p := range previews {
		data, err := s.Read(p.staged.Hash)
		if err != nil {
			return nil, fmt.Errorf("read staged %s: %w", p.staged.Name, err)
		}
		url, err := storage.Put(ctx, *p.staged, data)
		if err != nil {
			return nil, fmt.Errorf("upload %s: %w", p.staged.Name, err)
		}
		result = append(result, entity.AttachmentInfo{
			FileName:    p.staged.Name,
			FileType:    p.staged.Type,
			FileSize:    p.staged.Size,
			Url:         url,
			ContentHash: p.staged.Hash,
		})
	}
	return result, nil
}

// Preview is a transient handle on staged bytes. Release must be called exactly
// once; later calls are ignored.
type Preview struct {
	staged *StagedFile
	owner  *Staging
	once   sync.Once
}

// File returns the staged file description
func (p *Preview) File() StagedFile {
	return *p.staged
}

// Release drops the handle, reporting whether this call released it
func (p *Preview) Release() bool {
	released := false
	p.once.Do(func() {
		p.owner.release(p.staged.Hash)
		released = true
	})
	return released
}

// ReleaseAll releases every preview
func ReleaseAll(previews []*Preview) {
	for _, p := range previews {
		p.Release()
	}
}
