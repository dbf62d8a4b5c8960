// Package store keeps files uploaded during a session. The reference
// backend is in-memory; the Store interface leaves room for a disk or blob
// backend without touching the transfer coordinator.
package store

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// File is an uploaded file. Immutable once stored; retained for the server
// process lifetime.
type File struct {
	ID       string
	Name     string
	Size     int64
	Uploader string
	Data     []byte
	StoredAt time.Time
}

// Store is the blob store the file transfer coordinator writes through.
type Store interface {
	Put(name string, data []byte, uploader string) *File
	Get(id string) (*File, bool)
	List() []*File
}

// MemoryStore holds files in process memory, keyed by an opaque id
// allocated at upload completion.
type MemoryStore struct {
	mu    sync.Mutex
	files map[string]*File
	order []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{files: make(map[string]*File)}
}

func (s *MemoryStore) Put(name string, data []byte, uploader string) *File {
	f := &File{
		ID:       uuid.NewString(),
		Name:     name,
		Size:     int64(len(data)),
		Uploader: uploader,
		Data:     data,
		StoredAt: time.Now(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[f.ID] = f
	s.order = append(s.order, f.ID)
	return f
}

func (s *MemoryStore) Get(id string) (*File, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	return f, ok
}

// List returns the stored files in upload order.
func (s *MemoryStore) List() []*File {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*File, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.files[id])
	}
	return out
}
