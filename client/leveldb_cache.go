package client

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/layer-3/wcsap/core"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

var activeKey = []byte("active")

func sessionKey(identity core.Identity) []byte {
	return []byte("session/" + core.NormalizeIdentity(identity.String()).String())
}

// LevelDBCache is a durable SessionCache
type LevelDBCache struct {
	db *leveldb.DB
}

// OpenLevelDBCache opens or creates the cache database at path
func OpenLevelDBCache(path string) (*LevelDBCache, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open session cache: %w", err)
	}
	return &LevelDBCache{db: db}, nil
}

// NewInMemoryLevelDBCache backs the cache with memory storage
func NewInMemoryLevelDBCache() (*LevelDBCache, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open session cache: %w", err)
	}
	return &LevelDBCache{db: db}, nil
}

// Close releases the database
func (c *LevelDBCache) Close() error {
	return c.db.Close()
}

func (c *LevelDBCache) activeIdentity() (core.Identity, error) {
	raw, err := c.db.Get(activeKey, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read active identity: %w", err)
	}
	return core.Identity(raw), nil
}

func (c *LevelDBCache) get(identity core.Identity) (*CachedSession, error) {
	raw, err := c.db.Get(sessionKey(identity), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	var s CachedSession
	if err := json.Unmarshal(raw, &s); err != nil {
		// unreadable entries are dropped rather than surfaced
		_ = c.db.Delete(sessionKey(identity), nil)
		return nil, nil
	}
	return &s, nil
}

// Load returns the session for identity. If another identity is active its
// entry is removed first.
func (c *LevelDBCache) Load(identity core.Identity) (*CachedSession, error) {
	active, err := c.activeIdentity()
	if err != nil {
		return nil, err
	}
	if active != "" && !active.Equal(identity) {
		batch := new(leveldb.Batch)
		batch.Delete(sessionKey(active))
		batch.Delete(activeKey)
		if err := c.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
			return nil, fmt.Errorf("failed to drop previous identity: %w", err)
		}
		return nil, nil
	}
	return c.get(identity)
}

// Active returns the session of the active identity
func (c *LevelDBCache) Active() (*CachedSession, error) {
	active, err := c.activeIdentity()
	if err != nil || active == "" {
		return nil, err
	}
	return c.get(active)
}

// Save stores session, replacing the entry of any other identity in one batch
func (c *LevelDBCache) Save(session CachedSession) error {
	session.Identity = core.NormalizeIdentity(session.Identity.String())
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	active, err := c.activeIdentity()
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	if active != "" && !active.Equal(session.Identity) {
		batch.Delete(sessionKey(active))
	}
	batch.Put(sessionKey(session.Identity), raw)
	batch.Put(activeKey, []byte(session.Identity))

	if err := c.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Clear removes the entry of identity
func (c *LevelDBCache) Clear(identity core.Identity) error {
	active, err := c.activeIdentity()
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	batch.Delete(sessionKey(identity))
	if active.Equal(identity) {
		batch.Delete(activeKey)
	}
	if err := c.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}
