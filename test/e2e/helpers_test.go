package e2e_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/avilchez/docsync/internal/actions"
	"github.com/avilchez/docsync/internal/backend"
	"github.com/avilchez/docsync/internal/cache"
	"github.com/avilchez/docsync/internal/document"
	"github.com/avilchez/docsync/internal/netcheck"
	"github.com/avilchez/docsync/internal/realtime"
	"github.com/avilchez/docsync/internal/reconcile"
)

const (
	testEmail    = "e2e@example.com"
	testPassword = "e2e-password"
	testToken    = "e2e-access-token"
	testUserID   = "u1"
	testBucket   = "documents"

	waitFor = 20 * time.Second
	tick    = 20 * time.Millisecond
)

// fakeBackend is an in-memory stand-in for the hosted service: password
// auth, a filtered rows API, object storage with signed URLs, and a
// realtime websocket that broadcasts change frames to subscribers.
type fakeBackend struct {
	t   *testing.T
	srv *httptest.Server

	mu     sync.Mutex
	docs   map[string]document.Document
	blobs  map[string][]byte
	nextID int
	conns  []*rtConn
}

type rtConn struct {
	conn *websocket.Conn
	ctx  context.Context
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()

	b := &fakeBackend{
		t:     t,
		docs:  make(map[string]document.Document),
		blobs: make(map[string][]byte),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/v1/token", b.handleSignIn)
	mux.HandleFunc("/auth/v1/user", b.handleUser)
	mux.HandleFunc("/auth/v1/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/rest/v1/documents", b.handleDocuments)
	mux.HandleFunc("/storage/v1/object/sign/", b.handleSign)
	mux.HandleFunc("/storage/v1/object/", b.handleObject)
	mux.HandleFunc("/realtime/v1/websocket", b.handleRealtime)

	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)

	return b
}

func (b *fakeBackend) url() string { return b.srv.URL }

func (b *fakeBackend) wsURL() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/realtime/v1"
}

// seed inserts a row directly, without a realtime broadcast.
func (b *fakeBackend) seed(doc document.Document) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.docs[doc.ID] = doc
}

func (b *fakeBackend) document(id string) (document.Document, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	doc, ok := b.docs[id]

	return doc, ok
}

func (b *fakeBackend) blob(path string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.blobs[path]

	return data, ok
}

// dropConnections closes every realtime connection, simulating a
// network interruption the client must recover from.
func (b *fakeBackend) dropConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, rc := range b.conns {
		_ = rc.conn.Close(websocket.StatusGoingAway, "dropped")
	}

	b.conns = nil
}

func (b *fakeBackend) handleSignIn(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("grant_type") != "password" {
		http.Error(w, `{"message":"unsupported grant"}`, http.StatusBadRequest)

		return
	}

	var creds struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}

	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil ||
		creds.Email != testEmail || creds.Password != testPassword {
		http.Error(w, `{"message":"invalid login credentials"}`, http.StatusBadRequest)

		return
	}

	writeJSON(w, map[string]any{
		"access_token": testToken,
		"token_type":   "bearer",
		"expires_in":   3600,
		"user": map[string]any{
			"id":    testUserID,
			"email": testEmail,
		},
	})
}

func (b *fakeBackend) handleUser(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+testToken {
		http.Error(w, `{"message":"invalid token"}`, http.StatusUnauthorized)

		return
	}

	writeJSON(w, map[string]any{"id": testUserID, "email": testEmail})
}

func (b *fakeBackend) handleDocuments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		b.listDocuments(w, r)
	case http.MethodPost:
		b.insertDocument(w, r)
	case http.MethodPatch:
		b.patchDocuments(w, r)
	case http.MethodDelete:
		b.deleteDocuments(w, r)
	default:
		http.Error(w, `{"message":"method not allowed"}`, http.StatusMethodNotAllowed)
	}
}

// match applies the eq/is/in filters from the query to one row.
func match(query url.Values, doc document.Document) bool {
	for key, vals := range query {
		if key == "select" || key == "order" {
			continue
		}

		filter := vals[0]

		var field string
		switch key {
		case "id":
			field = doc.ID
		case "user_id":
			field = doc.UserID
		case "name":
			field = doc.Name
		case "folder_id":
			if doc.FolderID != nil {
				field = *doc.FolderID
			}
		default:
			continue
		}

		switch {
		case strings.HasPrefix(filter, "eq."):
			if field != strings.TrimPrefix(filter, "eq.") {
				return false
			}
		case filter == "is.null":
			if key == "folder_id" && doc.FolderID != nil {
				return false
			}
		case strings.HasPrefix(filter, "in.("):
			set := strings.TrimSuffix(strings.TrimPrefix(filter, "in.("), ")")
			found := false
			for _, v := range strings.Split(set, ",") {
				if field == v {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		case strings.HasPrefix(filter, "ilike."):
			pattern := strings.Trim(strings.TrimPrefix(filter, "ilike."), "*")
			if !strings.Contains(strings.ToLower(field), strings.ToLower(pattern)) {
				return false
			}
		}
	}

	return true
}

func (b *fakeBackend) listDocuments(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	rows := make([]document.Document, 0)
	for _, doc := range b.docs {
		if match(r.URL.Query(), doc) {
			rows = append(rows, doc)
		}
	}
	b.mu.Unlock()

	writeJSON(w, rows)
}

func (b *fakeBackend) insertDocument(w http.ResponseWriter, r *http.Request) {
	var doc document.Document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		http.Error(w, `{"message":"bad body"}`, http.StatusBadRequest)

		return
	}

	b.mu.Lock()
	b.nextID++
	doc.ID = fmt.Sprintf("doc-%d", b.nextID)
	now := time.Now().UTC()
	doc.CreatedAt = now
	doc.UpdatedAt = now
	b.docs[doc.ID] = doc
	b.mu.Unlock()

	b.broadcast("INSERT", &doc, nil)

	w.WriteHeader(http.StatusCreated)
	writeJSON(w, []document.Document{doc})
}

func (b *fakeBackend) patchDocuments(w http.ResponseWriter, r *http.Request) {
	var fields map[string]any
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		http.Error(w, `{"message":"bad body"}`, http.StatusBadRequest)

		return
	}

	b.mu.Lock()
	updated := make([]document.Document, 0)
	for id, doc := range b.docs {
		if !match(r.URL.Query(), doc) {
			continue
		}

		applyFields(&doc, fields)
		doc.UpdatedAt = time.Now().UTC()
		b.docs[id] = doc
		updated = append(updated, doc)
	}
	b.mu.Unlock()

	for i := range updated {
		b.broadcast("UPDATE", &updated[i], nil)
	}

	writeJSON(w, updated)
}

func applyFields(doc *document.Document, fields map[string]any) {
	for key, val := range fields {
		switch key {
		case "name":
			doc.Name, _ = val.(string)
		case "is_favorite":
			doc.IsFavorite, _ = val.(bool)
		case "color":
			doc.Color, _ = val.(string)
		case "icon":
			doc.Icon, _ = val.(string)
		case "folder_id":
			if val == nil {
				doc.FolderID = nil
			} else if s, ok := val.(string); ok {
				doc.FolderID = &s
			}
		}
	}
}

func (b *fakeBackend) deleteDocuments(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	removed := make([]document.Document, 0)
	for id, doc := range b.docs {
		if match(r.URL.Query(), doc) {
			removed = append(removed, doc)
			delete(b.docs, id)
		}
	}
	b.mu.Unlock()

	for i := range removed {
		b.broadcast("DELETE", nil, &removed[i])
	}

	w.WriteHeader(http.StatusNoContent)
}

func (b *fakeBackend) handleSign(w http.ResponseWriter, r *http.Request) {
	objectPath := strings.TrimPrefix(r.URL.Path, "/storage/v1/object/sign/")
	writeJSON(w, map[string]string{
		"signedURL": "/object/" + objectPath + "?token=signed",
	})
}

func (b *fakeBackend) handleObject(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/storage/v1/object/")

	switch r.Method {
	case http.MethodPost, http.MethodPut:
		data, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, `{"message":"read failed"}`, http.StatusBadRequest)

			return
		}

		b.mu.Lock()
		b.blobs[key] = data
		b.mu.Unlock()

		writeJSON(w, map[string]string{"Key": key})

	case http.MethodGet:
		b.mu.Lock()
		data, ok := b.blobs[key]
		b.mu.Unlock()

		if !ok {
			http.Error(w, `{"message":"object not found"}`, http.StatusNotFound)

			return
		}

		_, _ = w.Write(data)

	case http.MethodDelete:
		b.mu.Lock()
		delete(b.blobs, key)
		b.mu.Unlock()

		w.WriteHeader(http.StatusOK)

	default:
		http.Error(w, `{"message":"method not allowed"}`, http.StatusMethodNotAllowed)
	}
}

func (b *fakeBackend) handleRealtime(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	ctx := r.Context()

	_, data, err := conn.Read(ctx)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "read failed")

		return
	}

	if gjson.GetBytes(data, "type").String() != "subscribe" {
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"error","message":"expected subscribe"}`))
		_ = conn.Close(websocket.StatusPolicyViolation, "bad handshake")

		return
	}

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"subscribed","table":"documents"}`)); err != nil {
		return
	}

	b.mu.Lock()
	b.conns = append(b.conns, &rtConn{conn: conn, ctx: ctx})
	b.mu.Unlock()

	// Drain heartbeats until the client disconnects.
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

// broadcast pushes a change frame to every subscribed connection.
func (b *fakeBackend) broadcast(kind string, newDoc, oldDoc *document.Document) {
	frame := map[string]any{
		"type":  "change",
		"table": "documents",
		"kind":  kind,
	}
	if newDoc != nil {
		frame["new"] = newDoc
	}
	if oldDoc != nil {
		frame["old"] = oldDoc
	}

	data, err := json.Marshal(frame)
	require.NoError(b.t, err)

	b.mu.Lock()
	conns := append([]*rtConn(nil), b.conns...)
	b.mu.Unlock()

	for _, rc := range conns {
		_ = rc.conn.Write(rc.ctx, websocket.MessageText, data)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// harness wires the full client stack against a fakeBackend.
type harness struct {
	Backend    *fakeBackend
	Client     *backend.Client
	Store      *document.Store
	Cache      *cache.Cache
	Actions    *actions.Actions
	Reconciler *reconcile.Reconciler
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	return newHarnessWith(t, newFakeBackend(t))
}

// newHarnessWith wires the stack against a backend the test has already
// seeded.
func newHarnessWith(t *testing.T, fb *fakeBackend) *harness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	client := backend.NewClient(fb.url(), "anon-key", nil)

	session, err := client.SignIn(t.Context(), testEmail, testPassword)
	require.NoError(t, err)
	require.Equal(t, testToken, session.AccessToken)
	require.Equal(t, testUserID, session.User.ID)

	store := document.NewStore()

	c, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	checker := netcheck.New(fb.url(), nil)

	acts := actions.New(client, store, checker,
		actions.LogNotifier{Logger: logger}, logger, testBucket)
	acts.SetSession(session.AccessToken, session.User.ID)

	factory := func(sub realtime.Subscription) reconcile.Stream {
		return realtime.NewChannel(fb.wsURL(), "anon-key", sub, logger)
	}

	rec := reconcile.New(client, factory, store, c, logger)
	t.Cleanup(rec.Stop)

	rec.SetUser(t.Context(), session.AccessToken, session.User.ID)

	return &harness{
		Backend:    fb,
		Client:     client,
		Store:      store,
		Cache:      c,
		Actions:    acts,
		Reconciler: rec,
	}
}

// waitForRoot blocks until the store's root collection reaches n rows.
func (h *harness) waitForRoot(t *testing.T, n int) {
	t.Helper()

	require.Eventually(t, func() bool {
		return len(h.Store.Root()) == n
	}, waitFor, tick, "expected %d root documents", n)
}

func rootDoc(id, name string, favorite bool) document.Document {
	return document.Document{ID: id, Name: name, IsFavorite: favorite, UserID: testUserID}
}
