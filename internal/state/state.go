package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
)

type Mode int

const (
	Read Mode = iota
	Write
)

func (m Mode) String() string {
	if m == Write {
		return "write"
	}
	return "read"
}

var (
	// ErrLockTimeout is returned when a document lock cannot be acquired in time.
	ErrLockTimeout = errors.New("state: lock timeout")
	// ErrNoChange lets an Update callback skip the write-back.
	ErrNoChange = errors.New("state: no change")
)

// Repository serializes access to named JSON documents. Every read and every
// read-modify-write of a shared document goes through WithDocument.
type Repository interface {
	WithDocument(ctx context.Context, name string, mode Mode, fn func(doc *Document) error) error
}

var emptyObject = []byte("{}")

// Document is the mutable handle passed to WithDocument callbacks.
type Document struct {
	name  string
	raw   []byte
	empty bool
	dirty bool
}

func newDocument(name string, raw []byte) *Document {
	doc := &Document{name: name}
	trimmed := bytes.TrimSpace(raw)
	switch {
	case len(trimmed) == 0:
		doc.raw, doc.empty = emptyObject, true
	case !json.Valid(trimmed):
		warn("state document is not valid JSON, using empty object", name)
		doc.raw, doc.empty = emptyObject, true
	default:
		doc.raw = trimmed
		doc.empty = string(trimmed) == "{}"
	}
	return doc
}

func (d *Document) Name() string { return d.name }

// Raw returns the current JSON content.
func (d *Document) Raw() []byte { return d.raw }

// Decode unmarshals the document into v. It returns false and leaves v
// untouched when the document is empty or does not match v's shape.
func (d *Document) Decode(v any) bool {
	if d.empty {
		return false
	}
	if err := json.Unmarshal(d.raw, v); err != nil {
		warn("state document has unexpected shape, using default: "+err.Error(), d.name)
		return false
	}
	return true
}

// Encode replaces the document content. Only encoded documents are written back.
func (d *Document) Encode(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	d.raw = data
	d.empty = false
	d.dirty = true
	return nil
}

// View decodes a document under the read lock. A missing or malformed
// document yields the zero value of T.
func View[T any](ctx context.Context, repo Repository, name string) (T, error) {
	var out T
	err := repo.WithDocument(ctx, name, Read, func(doc *Document) error {
		doc.Decode(&out)
		return nil
	})
	return out, err
}

// Update performs a read-modify-write of a document under one lock
// acquisition. Returning ErrNoChange from fn skips the write.
func Update[T any](ctx context.Context, repo Repository, name string, fn func(v *T) error) error {
	return repo.WithDocument(ctx, name, Write, func(doc *Document) error {
		var v T
		doc.Decode(&v)
		if err := fn(&v); err != nil {
			if errors.Is(err, ErrNoChange) {
				return nil
			}
			return err
		}
		return doc.Encode(v)
	})
}

// MemoryStore is an in-process Repository.
type MemoryStore struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
	docs  map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks: map[string]*sync.Mutex{},
		docs:  map[string][]byte{},
	}
}

func (s *MemoryStore) lockFor(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[name]
	if !ok {
		l = &sync.Mutex{}
		s.locks[name] = l
	}
	return l
}

func (s *MemoryStore) WithDocument(ctx context.Context, name string, mode Mode, fn func(doc *Document) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l := s.lockFor(name)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	raw := s.docs[name]
	s.mu.Unlock()

	doc := newDocument(name, raw)
	fnErr := fn(doc)
	if mode == Write && doc.dirty {
		s.mu.Lock()
		s.docs[name] = append([]byte(nil), doc.raw...)
		s.mu.Unlock()
	}
	return fnErr
}

// Put seeds a raw document.
func (s *MemoryStore) Put(name string, raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[name] = append([]byte(nil), raw...)
}

// Get returns the raw stored bytes.
func (s *MemoryStore) Get(name string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.docs[name]...)
}
