package document

import "sync"

// Snapshot is an immutable copy of all three collections, handed to
// change listeners after every mutation.
type Snapshot struct {
	Root      []Document
	Favorites []Document
	Folder    []Document
}

// Store is the single source of truth for locally known documents. It
// holds the root collection, the favorites collection (always derived by
// filtering root), and the currently open folder's children.
//
// The original client ran on a single-threaded event loop; here the
// reconciler and the mutation layer run on separate goroutines, so a
// mutex serializes mutators instead. Every mutation path funnels through
// mutate(), which re-derives favorites and notifies listeners, so the
// favorites invariant holds after each call, not just at rest.
type Store struct {
	mu        sync.RWMutex
	root      []Document
	favorites []Document
	folder    []Document

	onChange func(Snapshot)
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		root:      []Document{},
		favorites: []Document{},
		folder:    []Document{},
	}
}

// OnChange registers a listener invoked with a snapshot after every
// mutation. Used to mirror collections into the local cache and to
// trigger view recomputation. Only one listener is supported; calling
// again replaces it.
func (s *Store) OnChange(fn func(Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// mutate runs fn under the write lock, re-derives the favorites
// collection from root, and notifies the change listener. The listener
// runs outside the lock so it may call read accessors.
func (s *Store) mutate(fn func()) {
	s.mu.Lock()
	fn()
	s.favorites = filterFavorites(s.root)
	snap := s.snapshotLocked()
	listener := s.onChange
	s.mu.Unlock()

	if listener != nil {
		listener(snap)
	}
}

func filterFavorites(docs []Document) []Document {
	favorites := []Document{}
	for _, d := range docs {
		if d.IsFavorite {
			favorites = append(favorites, d)
		}
	}

	return favorites
}

// SetRoot replaces the root collection. A nil slice is coerced to an
// empty collection; the network layer may hand back nothing on a failed
// or empty fetch and the store must never propagate that as a panic.
func (s *Store) SetRoot(docs []Document) {
	s.mutate(func() {
		s.root = copyDocs(docs)
	})
}

// SetFavorites replaces the favorites collection directly, bypassing
// derivation. Nil is coerced to empty. Any later root mutation
// re-derives favorites from root, so this only matters when seeding the
// favorites view before a root collection exists.
func (s *Store) SetFavorites(docs []Document) {
	s.mu.Lock()
	s.favorites = copyDocs(docs)
	snap := s.snapshotLocked()
	listener := s.onChange
	s.mu.Unlock()

	if listener != nil {
		listener(snap)
	}
}

// SetFolder replaces the current-folder collection. Nil is coerced to
// empty. Favorites are unaffected (they derive from root only).
func (s *Store) SetFolder(docs []Document) {
	s.mutate(func() {
		s.folder = copyDocs(docs)
	})
}

// Add appends a document to the root collection. Membership in
// favorites follows automatically from derivation. No de-duplication is
// performed; callers must not add an ID that is already present (the
// reconciler guards against replaying its own inserts).
func (s *Store) Add(doc Document) {
	s.mutate(func() {
		s.root = append(s.root, doc)
	})
}

// Update applies a partial patch to the document with the given ID in
// the root collection. Returns false when no document matched. The
// current-folder collection is patched too so an open folder view stays
// current without a refetch.
func (s *Store) Update(id string, patch Patch) bool {
	found := false

	s.mutate(func() {
		for i := range s.root {
			if s.root[i].ID == id {
				s.root[i] = s.root[i].Apply(patch)
				found = true

				break
			}
		}

		for i := range s.folder {
			if s.folder[i].ID == id {
				s.folder[i] = s.folder[i].Apply(patch)
				found = true

				break
			}
		}
	})

	return found
}

// Replace substitutes the stored document with the same ID by the given
// full row. Used by the realtime reconciler, whose update events carry
// the complete new row. Returns false when no document matched.
func (s *Store) Replace(doc Document) bool {
	found := false

	s.mutate(func() {
		for i := range s.root {
			if s.root[i].ID == doc.ID {
				s.root[i] = doc
				found = true

				break
			}
		}

		for i := range s.folder {
			if s.folder[i].ID == doc.ID {
				s.folder[i] = doc
				found = true

				break
			}
		}
	})

	return found
}

// Delete removes the document with the given ID from all collections.
// Not recursive: deleting a folder does not cascade to children held
// locally. Idempotent; deleting an absent ID is a no-op.
func (s *Store) Delete(id string) {
	s.mutate(func() {
		s.root = removeByID(s.root, id)
		s.folder = removeByID(s.folder, id)
	})
}

// Get returns the document with the given ID from the root or folder
// collection.
func (s *Store) Get(id string) (Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, d := range s.root {
		if d.ID == id {
			return d, true
		}
	}

	for _, d := range s.folder {
		if d.ID == id {
			return d, true
		}
	}

	return Document{}, false
}

// Root returns a copy of the root collection.
func (s *Store) Root() []Document {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return copyDocs(s.root)
}

// Favorites returns a copy of the derived favorites collection.
func (s *Store) Favorites() []Document {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return copyDocs(s.favorites)
}

// Folder returns a copy of the current-folder collection.
func (s *Store) Folder() []Document {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return copyDocs(s.folder)
}

// Snapshot returns a copy of all three collections.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{
		Root:      copyDocs(s.root),
		Favorites: copyDocs(s.favorites),
		Folder:    copyDocs(s.folder),
	}
}

func copyDocs(docs []Document) []Document {
	out := make([]Document, len(docs))
	copy(out, docs)

	return out
}

func removeByID(docs []Document, id string) []Document {
	out := docs[:0]
	for _, d := range docs {
		if d.ID != id {
			out = append(out, d)
		}
	}

	return out
}
