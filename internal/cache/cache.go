// Package cache persists the authenticated profile, session token, and
// document collections in a local bbolt database so the app can launch
// offline with last-known-good data.
package cache

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/avilchez/docsync/internal/backend"
	"github.com/avilchez/docsync/internal/document"
)

const (
	// cacheDirPerm is the permission mode for the cache directory (~/.docsync/).
	cacheDirPerm = fs.FileMode(0o700)

	// cacheFilePerm is the permission mode for the cache database file.
	// It holds the session token, so owner-only.
	cacheFilePerm = fs.FileMode(0o600)

	// cacheOpenTimeout is the maximum time to wait for the bolt database lock.
	cacheOpenTimeout = 5 * time.Second
)

var (
	appBucket  = []byte("app")
	tokenKey   = []byte("token")
	profileKey = []byte("profile")
)

func userRootBucket(userID string) []byte {
	return []byte("docs:" + userID + ":root")
}

// Cache wraps a bbolt database for all persistent client state.
type Cache struct {
	db *bolt.DB
}

// Open opens the cache database at the given path, creating it and its
// directory if needed. The app bucket is created on open.
func Open(path string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), cacheDirPerm); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	db, err := bolt.Open(path, cacheFilePerm, &bolt.Options{Timeout: cacheOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening cache db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(appBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing cache db: %w", err)
	}

	return &Cache{db: db}, nil
}

// Close closes the database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Token returns the cached session token, or empty string.
func (c *Cache) Token() string {
	var token string

	_ = c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(tokenKey)
		if v != nil {
			token = string(v)
		}

		return nil
	})

	return token
}

// SetToken persists the session token. An empty token clears it.
func (c *Cache) SetToken(token string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		if token == "" {
			return tx.Bucket(appBucket).Delete(tokenKey)
		}

		return tx.Bucket(appBucket).Put(tokenKey, []byte(token))
	})
}

// SaveProfile persists the authenticated user's profile.
func (c *Cache) SaveProfile(user backend.User) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(user)
		if err != nil {
			return err
		}

		return tx.Bucket(appBucket).Put(profileKey, data)
	})
}

// Profile returns the cached profile, or nil when none is stored.
func (c *Cache) Profile() (*backend.User, error) {
	var user *backend.User

	err := c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(profileKey)
		if v == nil {
			return nil
		}

		user = &backend.User{}

		return json.Unmarshal(v, user)
	})

	return user, err
}

// SaveDocuments replaces the cached root collection for a user. The
// bucket is rewritten wholesale so deletions do not linger.
func (c *Cache) SaveDocuments(userID string, docs []document.Document) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		name := userRootBucket(userID)

		if tx.Bucket(name) != nil {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
		}

		b, err := tx.CreateBucket(name)
		if err != nil {
			return err
		}

		for _, d := range docs {
			data, err := json.Marshal(d)
			if err != nil {
				return err
			}

			if err := b.Put([]byte(d.ID), data); err != nil {
				return err
			}
		}

		return nil
	})
}

// Documents returns the cached root collection for a user. A missing
// bucket yields an empty slice, never an error. Stored order is by
// document ID; callers re-sort through the view layer anyway.
func (c *Cache) Documents(userID string) ([]document.Document, error) {
	docs := []document.Document{}

	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(userRootBucket(userID))
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, v []byte) error {
			var d document.Document
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}

			docs = append(docs, d)

			return nil
		})
	})

	return docs, err
}

// Clear removes the session token, profile, and the given user's cached
// documents. Called on sign-out.
func (c *Cache) Clear(userID string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		app := tx.Bucket(appBucket)

		if err := app.Delete(tokenKey); err != nil {
			return err
		}

		if err := app.Delete(profileKey); err != nil {
			return err
		}

		name := userRootBucket(userID)
		if tx.Bucket(name) != nil {
			return tx.DeleteBucket(name)
		}

		return nil
	})
}
