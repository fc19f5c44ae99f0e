// Package catalog holds the in-memory collection store the query layer
// reads from. It is deliberately small: named collections, document
// lists, a version counter per collection, and a write hook so the query
// result cache can be invalidated on every data modification.
package catalog

import (
	"sync"
	"time"

	"github.com/google/uuid"

	apierr "github.com/kartikbazzad/cursordb/internal/errors"
	"github.com/kartikbazzad/cursordb/internal/logger"
	"github.com/kartikbazzad/cursordb/internal/value"
)

type Collection struct {
	Name      string
	CreatedAt time.Time

	mu      sync.RWMutex
	version uint64
	docs    []value.Value
}

// Version increments on every write. The cursor layer does not depend on
// it; it exists for diagnostics and for callers that want to detect
// concurrent modification.
func (c *Collection) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

func (c *Collection) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.docs)
}

// Snapshot returns the documents as of now. The slice is a copy; the
// documents themselves are shared and must be treated as read-only.
func (c *Collection) Snapshot() []value.Value {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]value.Value, len(c.docs))
	copy(out, c.docs)
	return out
}

type Catalog struct {
	mu          sync.RWMutex
	collections map[string]*Collection
	logger      *logger.Logger
	onWrite     func(collections []string)
}

func NewCatalog(log *logger.Logger) *Catalog {
	return &Catalog{
		collections: make(map[string]*Collection),
		logger:      log,
	}
}

// SetWriteHook registers a callback fired after every data modification,
// with the names of the touched collections. Set once at startup, before
// the catalog is shared.
func (c *Catalog) SetWriteHook(fn func(collections []string)) {
	c.onWrite = fn
}

func (c *Catalog) Create(name string) (*Collection, error) {
	if name == "" {
		return nil, apierr.ErrInvalidCollectionName
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.collections[name]; ok {
		return nil, apierr.ErrCollectionExists
	}
	coll := &Collection{Name: name, CreatedAt: time.Now()}
	c.collections[name] = coll
	c.logger.Info("Created collection %q", name)
	return coll, nil
}

func (c *Catalog) Get(name string) (*Collection, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	coll, ok := c.collections[name]
	if !ok {
		return nil, apierr.ErrCollectionNotFound
	}
	return coll, nil
}

func (c *Catalog) Exists(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.collections[name]
	return ok
}

func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.collections))
	for name := range c.collections {
		names = append(names, name)
	}
	return names
}

// Insert appends a document. Object documents without a _key get one
// assigned. Fires the write hook.
func (c *Catalog) Insert(name string, doc value.Value) (value.Value, error) {
	coll, err := c.Get(name)
	if err != nil {
		return nil, err
	}

	if obj, ok := doc.(map[string]interface{}); ok {
		if _, ok := obj["_key"]; !ok {
			obj["_key"] = uuid.NewString()
		}
	}

	coll.mu.Lock()
	coll.docs = append(coll.docs, doc)
	coll.version++
	coll.mu.Unlock()

	c.notifyWrite(name)
	return doc, nil
}

// Truncate drops all documents but keeps the collection. Fires the write
// hook.
func (c *Catalog) Truncate(name string) error {
	coll, err := c.Get(name)
	if err != nil {
		return err
	}

	coll.mu.Lock()
	coll.docs = nil
	coll.version++
	coll.mu.Unlock()

	c.notifyWrite(name)
	return nil
}

// Drop removes the collection entirely. Fires the write hook; cached
// results over a dropped collection must not be served.
func (c *Catalog) Drop(name string) error {
	c.mu.Lock()
	_, ok := c.collections[name]
	if !ok {
		c.mu.Unlock()
		return apierr.ErrCollectionNotFound
	}
	delete(c.collections, name)
	c.mu.Unlock()

	c.logger.Info("Dropped collection %q", name)
	c.notifyWrite(name)
	return nil
}

func (c *Catalog) notifyWrite(name string) {
	if c.onWrite != nil {
		c.onWrite([]string{name})
	}
}
