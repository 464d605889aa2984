// Package reconcile mirrors remote document mutations into the local store
// by subscribing to the backend's change channel. Mutations made by any
// client, including this one, arrive here as realtime echoes.
package reconcile

import (
	"context"
	"log/slog"
	"sync"

	"github.com/avilchez/docsync/internal/backend"
	"github.com/avilchez/docsync/internal/cache"
	"github.com/avilchez/docsync/internal/document"
	"github.com/avilchez/docsync/internal/realtime"
)

// Lister is the slice of the backend API the reconciler fetches with.
type Lister interface {
	ListRootDocuments(ctx context.Context, token, userID string, order *backend.Order) ([]document.Document, error)
	ListFolderDocuments(ctx context.Context, token, userID, folderID string, order *backend.Order) ([]document.Document, error)
}

// Stream is a running change subscription. *realtime.Channel satisfies
// this interface.
type Stream interface {
	Run(ctx context.Context) error
	Events() <-chan realtime.Event
}

// StreamFactory builds a change subscription for one user session.
type StreamFactory func(sub realtime.Subscription) Stream

// Reconciler owns the subscription lifecycle for the authenticated user
// and applies incoming change events to the document store. At most one
// subscription is active at a time; switching or clearing the user
// tears the current one down first.
type Reconciler struct {
	api       Lister
	newStream StreamFactory
	store     *document.Store
	cache     *cache.Cache
	logger    *slog.Logger

	mu         sync.Mutex
	userID     string
	token      string
	subscribed bool
	cancel     context.CancelFunc
	done       chan struct{}
}

// New creates a reconciler. The cache is optional; when present, the
// store is seeded from it on user change so offline launches show the
// last-known-good collection until the first fetch succeeds.
func New(api Lister, newStream StreamFactory, store *document.Store, c *cache.Cache, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		api:       api,
		newStream: newStream,
		store:     store,
		cache:     c,
		logger:    logger,
	}
}

// SetUser switches the reconciler to a new authenticated identity.
// Passing an empty userID clears the subscription and the store
// (sign-out). Calling again with the currently subscribed user is a
// no-op, which is the guard against duplicate channels.
func (r *Reconciler) SetUser(ctx context.Context, token, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.subscribed && r.userID == userID {
		return
	}

	r.teardownLocked()

	r.userID = userID
	r.token = token

	if userID == "" {
		r.store.SetRoot(nil)
		r.store.SetFolder(nil)

		return
	}

	r.seedFromCache(userID)

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.subscribed = true

	go r.run(runCtx, token, userID, r.done)
}

// Stop tears down the active subscription, if any.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.teardownLocked()
}

func (r *Reconciler) teardownLocked() {
	if !r.subscribed {
		return
	}

	r.cancel()
	<-r.done

	r.subscribed = false
	r.cancel = nil
	r.done = nil
}

// seedFromCache loads the persisted root collection so reads work
// before (or without) connectivity. Errors only cost the warm start.
func (r *Reconciler) seedFromCache(userID string) {
	if r.cache == nil {
		return
	}

	docs, err := r.cache.Documents(userID)
	if err != nil {
		r.logger.Warn("loading cached documents", slog.String("error", err.Error()))

		return
	}

	if len(docs) > 0 {
		r.store.SetRoot(docs)
	}
}

// run pumps change events for one user session until its context is
// cancelled. The stream emits a resync event after every (re)join, so
// the full fetch happens through the same path as reconnection.
func (r *Reconciler) run(ctx context.Context, token, userID string, done chan struct{}) {
	defer close(done)

	stream := r.newStream(realtime.Subscription{
		Table:  "documents",
		Filter: "user_id=eq." + userID + "&folder_id=is.null",
		Token:  token,
	})

	streamDone := make(chan struct{})

	go func() {
		defer close(streamDone)

		if err := stream.Run(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("realtime stream stopped", slog.String("error", err.Error()))
		}
	}()

	for ev := range stream.Events() {
		r.apply(ctx, ev, token, userID)
	}

	<-streamDone
}

// apply folds one change event into the store. All three row kinds are
// idempotent replace/filter operations keyed by id, so replaying an
// event the optimistic layer already applied converges to the same
// state.
func (r *Reconciler) apply(ctx context.Context, ev realtime.Event, token, userID string) {
	switch ev.Kind {
	case realtime.KindResync:
		r.seed(ctx, token, userID)

	case realtime.KindInsert:
		// The echo of this client's own insert would duplicate the row;
		// an existing id turns the insert into a replace.
		if _, exists := r.store.Get(ev.New.ID); exists {
			r.store.Replace(ev.New)
		} else {
			r.store.Add(ev.New)
		}
		r.persist(userID)

	case realtime.KindUpdate:
		if !r.store.Replace(ev.New) {
			// Row not held locally (created inside a closed folder view).
			// Root-scoped subscription means it belongs in root.
			if ev.New.InRoot() {
				r.store.Add(ev.New)
			}
		}
		r.persist(userID)

	case realtime.KindDelete:
		r.store.Delete(ev.Old.ID)
		r.persist(userID)
	}
}

// seed fetches the full root collection and replaces the store. On
// failure the store is reset to empty rather than left stale, and the
// error is logged, not surfaced: the UI keeps working with an empty
// list until the next successful sync.
func (r *Reconciler) seed(ctx context.Context, token, userID string) {
	docs, err := r.api.ListRootDocuments(ctx, token, userID, nil)
	if err != nil {
		r.logger.Error("fetching root documents", slog.String("error", err.Error()))
		r.store.SetRoot(nil)

		return
	}

	r.store.SetRoot(docs)
	r.persist(userID)

	r.logger.Info("document collection synced", slog.Int("count", len(docs)))
}

// persist mirrors the current root collection into the cache.
func (r *Reconciler) persist(userID string) {
	if r.cache == nil {
		return
	}

	if err := r.cache.SaveDocuments(userID, r.store.Root()); err != nil {
		r.logger.Warn("persisting documents to cache", slog.String("error", err.Error()))
	}
}

// OpenFolder fetches the children of a folder into the current-folder
// collection. The folder view has no realtime subscription; it reflects
// the state at open time plus local patches.
func (r *Reconciler) OpenFolder(ctx context.Context, folderID string) error {
	r.mu.Lock()
	token, userID := r.token, r.userID
	r.mu.Unlock()

	docs, err := r.api.ListFolderDocuments(ctx, token, userID, folderID, nil)
	if err != nil {
		r.store.SetFolder(nil)

		return err
	}

	r.store.SetFolder(docs)

	return nil
}

// CloseFolder clears the current-folder collection.
func (r *Reconciler) CloseFolder() {
	r.store.SetFolder(nil)
}
