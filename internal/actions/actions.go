// Package actions implements the user-facing mutations: each one checks
// connectivity, performs the remote call, and applies the same change to
// the local store without waiting for the realtime echo.
package actions

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/avilchez/docsync/internal/backend"
	"github.com/avilchez/docsync/internal/document"
	errs "github.com/avilchez/docsync/internal/errors"
	"github.com/avilchez/docsync/internal/netcheck"
)

// API is the slice of the backend client the mutation layer uses.
type API interface {
	InsertDocument(ctx context.Context, token string, doc backend.NewDocument) (document.Document, error)
	UpdateDocument(ctx context.Context, token, userID, id string, patch document.Patch) (document.Document, error)
	UpdateDocumentsFolder(ctx context.Context, token, userID string, ids []string, folderID *string) error
	DeleteDocument(ctx context.Context, token, userID, id string) error
	Upload(ctx context.Context, token, bucket, objectPath string, data []byte, contentType string) error
	RemoveObject(ctx context.Context, token, bucket, objectPath string) error
	CreateSignedURL(ctx context.Context, token, bucket, objectPath string) (string, error)
	Download(ctx context.Context, signedURL string) ([]byte, error)
}

// Notifier surfaces transient user notices. Failures are reported here
// and as error returns; nothing escalates past the operation that hit it.
type Notifier interface {
	Info(msg string)
	Error(msg string)
}

// LogNotifier writes notices to the structured log. The headless agent
// has no toast surface.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Info(msg string)  { n.Logger.Info(msg) }
func (n LogNotifier) Error(msg string) { n.Logger.Warn(msg) }

// Actions performs optimistic mutations for one authenticated session.
type Actions struct {
	api    API
	store  *document.Store
	check  netcheck.Checker
	notify Notifier
	logger *slog.Logger
	bucket string

	token  string
	userID string
}

// New creates the mutation layer. Call SetSession before issuing
// operations.
func New(api API, store *document.Store, check netcheck.Checker, notify Notifier, logger *slog.Logger, bucket string) *Actions {
	return &Actions{
		api:    api,
		store:  store,
		check:  check,
		notify: notify,
		logger: logger,
		bucket: bucket,
	}
}

// SetSession binds the layer to an authenticated identity. Every remote
// call is scoped by both document id and this user id.
func (a *Actions) SetSession(token, userID string) {
	a.token = token
	a.userID = userID
}

// ensureOnline rejects the operation before any remote or local
// mutation when the connectivity probe fails. Mutations are never
// queued for later; only the read path works offline.
func (a *Actions) ensureOnline(ctx context.Context) error {
	if a.check.Online(ctx) {
		return nil
	}

	a.notify.Error("You are offline. Check your connection and try again.")

	return errs.ErrOffline
}

// patchDocument is the shared remote-then-local path for single-row
// updates. The local apply uses the same patch, so the later realtime
// echo is a harmless replay.
func (a *Actions) patchDocument(ctx context.Context, id string, patch document.Patch, failNotice string) error {
	if err := a.ensureOnline(ctx); err != nil {
		return err
	}

	if _, err := a.api.UpdateDocument(ctx, a.token, a.userID, id, patch); err != nil {
		a.logger.Error("remote update failed",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		a.notify.Error(failNotice)

		return err
	}

	a.store.Update(id, patch)

	return nil
}

// ToggleFavorite flips the favorite flag of a document.
func (a *Actions) ToggleFavorite(ctx context.Context, id string) error {
	doc, ok := a.store.Get(id)
	if !ok {
		return errs.ErrNotFound
	}

	flipped := !doc.IsFavorite

	return a.patchDocument(ctx, id, document.Patch{IsFavorite: &flipped},
		"Could not update the favorite.")
}

// Rename changes a document's display name.
func (a *Actions) Rename(ctx context.Context, id, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		a.notify.Error("The name must not be empty.")

		return errs.ErrEmptyName
	}

	err := a.patchDocument(ctx, id, document.Patch{Name: &name},
		"Could not rename the document.")
	if err != nil {
		return err
	}

	a.notify.Info("Renamed.")

	return nil
}

// Recolor changes the presentation color hint.
func (a *Actions) Recolor(ctx context.Context, id, color string) error {
	return a.patchDocument(ctx, id, document.Patch{Color: &color},
		"Could not change the color.")
}

// SetIcon changes the presentation icon hint.
func (a *Actions) SetIcon(ctx context.Context, id, icon string) error {
	return a.patchDocument(ctx, id, document.Patch{Icon: &icon},
		"Could not change the icon.")
}

// Move re-parents a batch of documents under one target folder (nil
// means root) with a single remote call, then patches each locally. The
// batch is not transactional: any remote error is treated as total
// failure and nothing is applied locally.
func (a *Actions) Move(ctx context.Context, ids []string, target *string) error {
	if err := a.ensureOnline(ctx); err != nil {
		return err
	}

	if err := a.api.UpdateDocumentsFolder(ctx, a.token, a.userID, ids, target); err != nil {
		a.logger.Error("remote move failed",
			slog.Int("count", len(ids)),
			slog.String("error", err.Error()),
		)
		a.notify.Error("Could not move the selected documents.")

		return err
	}

	for _, id := range ids {
		a.store.Update(id, document.Patch{FolderID: target, SetFolder: true})
	}

	a.notify.Info("Moved.")

	return nil
}

// Delete removes a document remotely and locally. For files, the
// storage blob is removed best-effort after the row: an orphaned blob
// is preferable to a dangling row. Folder deletes are not cascaded
// locally; whether the backend cascades is its own policy.
func (a *Actions) Delete(ctx context.Context, id string) error {
	if err := a.ensureOnline(ctx); err != nil {
		return err
	}

	doc, _ := a.store.Get(id)

	if err := a.api.DeleteDocument(ctx, a.token, a.userID, id); err != nil {
		a.logger.Error("remote delete failed",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		a.notify.Error("Could not delete the document.")

		return err
	}

	if doc.Path != "" {
		if err := a.api.RemoveObject(ctx, a.token, a.bucket, doc.Path); err != nil {
			a.logger.Warn("removing storage object",
				slog.String("path", doc.Path),
				slog.String("error", err.Error()),
			)
		}
	}

	a.store.Delete(id)
	a.notify.Info("Deleted.")

	return nil
}

// CreateFolder creates a folder document under the given parent (nil
// means root) and returns the stored row.
func (a *Actions) CreateFolder(ctx context.Context, name string, parent *string, color string) (document.Document, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		a.notify.Error("The folder name must not be empty.")

		return document.Document{}, errs.ErrEmptyName
	}

	if err := a.ensureOnline(ctx); err != nil {
		return document.Document{}, err
	}

	created, err := a.api.InsertDocument(ctx, a.token, backend.NewDocument{
		Name:     name,
		FolderID: parent,
		IsFolder: true,
		Color:    color,
		UserID:   a.userID,
	})
	if err != nil {
		a.logger.Error("creating folder failed", slog.String("error", err.Error()))
		a.notify.Error("Could not create the folder.")

		return document.Document{}, err
	}

	if created.InRoot() {
		a.store.Add(created)
	}

	a.notify.Info("Folder created.")

	return created, nil
}

// UploadFile stores the blob under a fresh object path, inserts the
// document row, and applies it locally. The object path is namespaced
// by user id so storage policies can scope access.
func (a *Actions) UploadFile(ctx context.Context, name string, data []byte, contentType string, folder *string) (document.Document, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		a.notify.Error("The file name must not be empty.")

		return document.Document{}, errs.ErrEmptyName
	}

	if err := a.ensureOnline(ctx); err != nil {
		return document.Document{}, err
	}

	ext := strings.TrimPrefix(path.Ext(name), ".")

	objectPath := a.userID + "/" + uuid.NewString()
	if ext != "" {
		objectPath += "." + ext
	}

	if err := a.api.Upload(ctx, a.token, a.bucket, objectPath, data, contentType); err != nil {
		a.logger.Error("uploading blob failed",
			slog.String("name", name),
			slog.String("error", err.Error()),
		)
		a.notify.Error("Could not upload the file.")

		return document.Document{}, err
	}

	created, err := a.api.InsertDocument(ctx, a.token, backend.NewDocument{
		Name:     name,
		FolderID: folder,
		Path:     objectPath,
		Size:     int64(len(data)),
		Ext:      ext,
		UserID:   a.userID,
	})
	if err != nil {
		a.logger.Error("inserting uploaded document failed",
			slog.String("name", name),
			slog.String("error", err.Error()),
		)
		a.notify.Error("Could not upload the file.")

		// The blob is already stored; clean it up so retries do not
		// accumulate orphans.
		if rmErr := a.api.RemoveObject(ctx, a.token, a.bucket, objectPath); rmErr != nil {
			a.logger.Warn("removing orphaned blob",
				slog.String("path", objectPath),
				slog.String("error", rmErr.Error()),
			)
		}

		return document.Document{}, err
	}

	if created.InRoot() {
		a.store.Add(created)
	}

	a.notify.Info(fmt.Sprintf("Uploaded %s.", name))

	return created, nil
}

// Download fetches a file's blob through a short-lived signed URL.
func (a *Actions) Download(ctx context.Context, id string) ([]byte, error) {
	doc, ok := a.store.Get(id)
	if !ok {
		return nil, errs.ErrNotFound
	}

	if doc.IsFolder || doc.Path == "" {
		return nil, fmt.Errorf("document %s has no stored blob", id)
	}

	if err := a.ensureOnline(ctx); err != nil {
		return nil, err
	}

	signedURL, err := a.api.CreateSignedURL(ctx, a.token, a.bucket, doc.Path)
	if err != nil {
		a.notify.Error("Could not download the file.")

		return nil, err
	}

	data, err := a.api.Download(ctx, signedURL)
	if err != nil {
		a.notify.Error("Could not download the file.")

		return nil, err
	}

	return data, nil
}
