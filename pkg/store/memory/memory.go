// Package memory implements pkg/store's ContentStorage and MetaDB entirely
// in process memory, used by pipeline/orchestrator tests to stay hermetic
// (SPEC_FULL §4.7: "property tests in §8 run against this, not bbolt").
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/nxinstall/yati/pkg/store"
)

// ContentStorage is an in-memory store.ContentStorage: placeholders and
// registered content both live in plain byte slices keyed by id.
type ContentStorage struct {
	mu           sync.Mutex
	placeholders map[string]*placeholder
	content      map[[16]byte][]byte
}

type placeholder struct {
	buf []byte
}

// NewContentStorage returns an empty in-memory content storage.
func NewContentStorage() *ContentStorage {
	return &ContentStorage{
		placeholders: make(map[string]*placeholder),
		content:      make(map[[16]byte][]byte),
	}
}

func (s *ContentStorage) GeneratePlaceholderID() (string, error) {
	return uuid.NewString(), nil
}

func (s *ContentStorage) CreatePlaceholder(_ context.Context, _ [16]byte, placeholderID string, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.placeholders[placeholderID] = &placeholder{buf: make([]byte, size)}
	return nil
}

func (s *ContentStorage) SetPlaceholderSize(_ context.Context, placeholderID string, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.placeholders[placeholderID]
	if !ok {
		return fmt.Errorf("memory: placeholder %s not found", placeholderID)
	}
	if int64(len(p.buf)) == size {
		return nil
	}
	grown := make([]byte, size)
	copy(grown, p.buf)
	p.buf = grown
	return nil
}

func (s *ContentStorage) WritePlaceholder(_ context.Context, placeholderID string, offset int64, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.placeholders[placeholderID]
	if !ok {
		return fmt.Errorf("memory: placeholder %s not found", placeholderID)
	}
	end := offset + int64(len(buf))
	if end > int64(len(p.buf)) {
		grown := make([]byte, end)
		copy(grown, p.buf)
		p.buf = grown
	}
	copy(p.buf[offset:end], buf)
	return nil
}

func (s *ContentStorage) FlushPlaceholder(_ context.Context, placeholderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.placeholders[placeholderID]; !ok {
		return fmt.Errorf("memory: placeholder %s not found", placeholderID)
	}
	return nil
}

func (s *ContentStorage) GetPlaceholderPath(placeholderID string) (string, error) {
	return "memory://placeholder/" + placeholderID, nil
}

func (s *ContentStorage) Register(_ context.Context, contentID [16]byte, placeholderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.placeholders[placeholderID]
	if !ok {
		return fmt.Errorf("memory: placeholder %s not found", placeholderID)
	}
	s.content[contentID] = p.buf
	delete(s.placeholders, placeholderID)
	return nil
}

func (s *ContentStorage) DeletePlaceholder(_ context.Context, placeholderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.placeholders, placeholderID)
	return nil
}

func (s *ContentStorage) Has(contentID [16]byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.content[contentID]
	return ok, nil
}

func (s *ContentStorage) ReadContent(_ context.Context, contentID [16]byte, offset int64, buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.content[contentID]
	if !ok {
		return 0, fmt.Errorf("memory: content %x not found", contentID)
	}
	if offset >= int64(len(data)) {
		return 0, nil
	}
	return copy(buf, data[offset:]), nil
}

func (s *ContentStorage) GetContentPath(contentID [16]byte) (string, error) {
	return fmt.Sprintf("memory://content/%x", contentID), nil
}

func (s *ContentStorage) Delete(_ context.Context, contentID [16]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.content, contentID)
	return nil
}

// MetaDB is an in-memory store.MetaDB.
type MetaDB struct {
	mu      sync.Mutex
	records map[store.MetaKey][]byte
}

// NewMetaDB returns an empty in-memory meta DB.
func NewMetaDB() *MetaDB {
	return &MetaDB{records: make(map[store.MetaKey][]byte)}
}

func (d *MetaDB) List(metaType byte, appID uint64, versionMin, versionMax uint32, installType byte) ([]store.MetaKey, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var keys []store.MetaKey
	for k := range d.records {
		if metaType != 0 && k.Type != metaType {
			continue
		}
		if k.ApplicationID != appID {
			continue
		}
		if k.InstallType != installType {
			continue
		}
		if k.Version < versionMin || k.Version > versionMax {
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func (d *MetaDB) Get(key store.MetaKey) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	blob, ok := d.records[key]
	if !ok {
		return nil, fmt.Errorf("memory: meta key %+v not found", key)
	}
	return append([]byte(nil), blob...), nil
}

func (d *MetaDB) Has(key store.MetaKey) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.records[key]
	return ok, nil
}

func (d *MetaDB) Set(key store.MetaKey, blob []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records[key] = append([]byte(nil), blob...)
	return nil
}

func (d *MetaDB) Remove(key store.MetaKey) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.records, key)
	return nil
}

func (d *MetaDB) Commit() error { return nil }
