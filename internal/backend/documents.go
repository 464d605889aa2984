package backend

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/avilchez/docsync/internal/document"
	errs "github.com/avilchez/docsync/internal/errors"
)

const documentsPath = "/rest/v1/documents"

// NewDocument is the insert body for creating a document row. The
// backend assigns id, created_at, and updated_at.
type NewDocument struct {
	Name       string  `json:"name"`
	FolderID   *string `json:"folder_id"`
	IsFolder   bool    `json:"is_folder"`
	IsFavorite bool    `json:"is_favorite"`
	Path       string  `json:"path,omitempty"`
	Size       int64   `json:"size,omitempty"`
	Ext        string  `json:"ext,omitempty"`
	Color      string  `json:"color,omitempty"`
	Icon       string  `json:"icon,omitempty"`
	UserID     string  `json:"user_id"`
}

// Order maps to the rows-API order parameter for server-side sorting.
type Order struct {
	Field     string
	Ascending bool
}

func (o Order) param() string {
	dir := "desc"
	if o.Ascending {
		dir = "asc"
	}

	return o.Field + "." + dir
}

// ListRootDocuments fetches all top-level documents (folder_id is null)
// owned by the user.
func (c *Client) ListRootDocuments(ctx context.Context, token, userID string, order *Order) ([]document.Document, error) {
	query := url.Values{
		"select":    {"*"},
		"user_id":   {"eq." + userID},
		"folder_id": {"is.null"},
	}

	return c.listDocuments(ctx, token, query, order)
}

// ListFolderDocuments fetches the children of a folder owned by the user.
func (c *Client) ListFolderDocuments(ctx context.Context, token, userID, folderID string, order *Order) ([]document.Document, error) {
	query := url.Values{
		"select":    {"*"},
		"user_id":   {"eq." + userID},
		"folder_id": {"eq." + folderID},
	}

	return c.listDocuments(ctx, token, query, order)
}

// SearchDocuments fetches the user's documents whose name matches the
// term, case-insensitively, using the rows-API ilike filter.
func (c *Client) SearchDocuments(ctx context.Context, token, userID, term string, order *Order) ([]document.Document, error) {
	query := url.Values{
		"select":  {"*"},
		"user_id": {"eq." + userID},
		"name":    {"ilike.*" + term + "*"},
	}

	return c.listDocuments(ctx, token, query, order)
}

func (c *Client) listDocuments(ctx context.Context, token string, query url.Values, order *Order) ([]document.Document, error) {
	if order != nil {
		query.Set("order", order.param())
	}

	var docs []document.Document

	err := c.do(ctx, request{
		method: http.MethodGet,
		path:   documentsPath,
		query:  query,
		token:  token,
	}, &docs)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}

	return docs, nil
}

// InsertDocument creates a row and returns it as stored, including the
// backend-assigned identity and timestamps.
func (c *Client) InsertDocument(ctx context.Context, token string, doc NewDocument) (document.Document, error) {
	var rows []document.Document

	err := c.do(ctx, request{
		method:         http.MethodPost,
		path:           documentsPath,
		token:          token,
		body:           doc,
		representation: true,
	}, &rows)
	if err != nil {
		return document.Document{}, fmt.Errorf("inserting document: %w", err)
	}

	if len(rows) == 0 {
		return document.Document{}, fmt.Errorf("inserting document: %w: empty representation", errs.ErrAPIResponse)
	}

	return rows[0], nil
}

// UpdateDocument patches a single row, scoped by both id and user_id as
// a second line of defense against cross-user writes. The updated row
// is returned.
func (c *Client) UpdateDocument(ctx context.Context, token, userID, id string, patch document.Patch) (document.Document, error) {
	fields := patch.Fields()
	if len(fields) == 0 {
		return document.Document{}, fmt.Errorf("updating document: empty patch")
	}

	var rows []document.Document

	err := c.do(ctx, request{
		method: http.MethodPatch,
		path:   documentsPath,
		query: url.Values{
			"id":      {"eq." + id},
			"user_id": {"eq." + userID},
		},
		token:          token,
		body:           fields,
		representation: true,
	}, &rows)
	if err != nil {
		return document.Document{}, fmt.Errorf("updating document: %w", err)
	}

	if len(rows) == 0 {
		// Filter matched nothing: the id does not exist or belongs to
		// another user.
		return document.Document{}, errs.ErrNotFound
	}

	return rows[0], nil
}

// UpdateDocumentsFolder moves a batch of documents under one target
// folder (nil means root) in a single rows call using the in filter.
// The batch is not transactional on the backend; callers treat any
// error as total failure and apply nothing locally.
func (c *Client) UpdateDocumentsFolder(ctx context.Context, token, userID string, ids []string, folderID *string) error {
	if len(ids) == 0 {
		return nil
	}

	body := map[string]any{"folder_id": nil}
	if folderID != nil {
		body["folder_id"] = *folderID
	}

	err := c.do(ctx, request{
		method: http.MethodPatch,
		path:   documentsPath,
		query: url.Values{
			"id":      {"in.(" + strings.Join(ids, ",") + ")"},
			"user_id": {"eq." + userID},
		},
		token: token,
		body:  body,
	}, nil)
	if err != nil {
		return fmt.Errorf("moving documents: %w", err)
	}

	return nil
}

// DeleteDocument removes a row, scoped by id and user_id. Whether the
// backend cascades folder deletions to children is its own policy; the
// client never assumes it.
func (c *Client) DeleteDocument(ctx context.Context, token, userID, id string) error {
	err := c.do(ctx, request{
		method: http.MethodDelete,
		path:   documentsPath,
		query: url.Values{
			"id":      {"eq." + id},
			"user_id": {"eq." + userID},
		},
		token: token,
	}, nil)
	if err != nil {
		return fmt.Errorf("deleting document: %w", err)
	}

	return nil
}
