package drive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drivesync/drivesync/internal/remote"
	"github.com/drivesync/drivesync/internal/syncerr"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(Config{
		BaseURL:       srv.URL,
		Token:         "secret",
		RetryStep:     time.Millisecond,
		TimeoutBudget: 20 * time.Millisecond,
		MaxRetries:    3,
	})
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// TestListChildren_FiltersRestrictedAndMapsParents verifies listing conversion.
func TestListChildren_FiltersRestrictedAndMapsParents(t *testing.T) {
	var auth, query string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		query = r.URL.Query().Get("q")
		writeJSON(w, fileList{Items: []fileResource{
			{ID: "d1", Title: "docs", MimeType: MimeFolder, Parents: []parentRef{{ID: "r", IsRoot: true}}},
			{ID: "f1", Title: "a.txt", MimeType: "text/plain", MD5Checksum: "abc", FileSize: "3", Parents: []parentRef{{ID: "r", IsRoot: true}}},
			{ID: "g1", Title: "Notes", MimeType: MimeDocument, Etag: `"e1"`, Parents: []parentRef{{ID: "r", IsRoot: true}}},
			{ID: "x1", Title: "form", MimeType: "application/vnd.google-apps.form"},
		}})
	}))

	items, err := c.ListChildren(context.Background(), remote.RootID)
	require.NoError(t, err)

	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "'root' in parents and trashed = false", query)
	require.Len(t, items, 3)
	assert.Equal(t, remote.Metadata{ID: "d1", Title: "docs", ParentID: remote.RootID, IsDir: true}, items[0])
	assert.Equal(t, remote.Metadata{ID: "f1", Title: "a.txt", ParentID: remote.RootID, Fingerprint: "abc", Size: 3}, items[1])
	assert.Equal(t, `"e1"`, items[2].Fingerprint, "native documents use the etag")
}

// TestFindChild_NotFound verifies that an empty result maps to ErrNotFound.
func TestFindChild_NotFound(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Query().Get("q"), `title = 'it\'s'`)
		writeJSON(w, fileList{})
	}))

	_, err := c.FindChild(context.Background(), remote.RootID, "it's")
	assert.True(t, errors.Is(err, syncerr.ErrNotFound))
}

// TestDo_RetriesTransientFailures verifies that 5xx responses are retried.
func TestDo_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, about{LargestChangeID: 42})
	}))

	cursor, err := c.CurrentCursor(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), cursor)
	assert.Equal(t, int32(3), calls.Load())
}

// TestDo_BudgetExhaustedIsUnavailable verifies the failure after the retry budget.
func TestDo_BudgetExhaustedIsUnavailable(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	_, err := c.CurrentCursor(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, syncerr.ErrRemoteUnavailable))
	assert.True(t, syncerr.IsRetryable(err))
	assert.Equal(t, int32(4), calls.Load(), "first attempt plus MaxRetries")
}

// TestDo_ClientErrorsAreNotRetried verifies 404 and 4xx mapping.
func TestDo_ClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusForbidden)
		writeJSON(w, map[string]any{"error": map[string]any{"message": "insufficient permissions"}})
	}))

	err := c.Delete(context.Background(), "gone")
	assert.True(t, errors.Is(err, syncerr.ErrNotFound))

	_, err = c.CurrentCursor(context.Background())
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusForbidden, httpErr.StatusCode)
	assert.Equal(t, "insufficient permissions", httpErr.Message)
	assert.Equal(t, int32(2), calls.Load())
}

// TestChangesSince_ConvertsEntries verifies parent mapping, filtering and cursor math.
func TestChangesSince_ConvertsEntries(t *testing.T) {
	var start string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start = r.URL.Query().Get("startChangeId")
		writeJSON(w, changeList{
			LargestChangeID: 99,
			Items: []changeResource{
				{ID: 11, FileID: "a", Deleted: true},
				{ID: 12, FileID: "b", File: &fileResource{ID: "b", Title: "b.txt", MimeType: "text/plain", Labels: labels{Trashed: true}}},
				{ID: 13, FileID: "c", File: &fileResource{ID: "c", Title: "c.txt", MimeType: "text/plain"}},
				{ID: 14, FileID: "d", File: &fileResource{ID: "d", Title: "d", MimeType: MimeFolder, Parents: []parentRef{{ID: "p1"}}}},
				{ID: 15, FileID: "e", File: &fileResource{ID: "e", MimeType: "application/vnd.google-apps.script"}},
			},
		})
	}))

	page, err := c.ChangesSince(context.Background(), 10, "")
	require.NoError(t, err)

	assert.Equal(t, "11", start)
	require.Len(t, page.Entries, 4)
	assert.True(t, page.Entries[0].Deleted)
	assert.Equal(t, "", page.Entries[1].File.ParentID, "trashed")
	assert.Equal(t, remote.SharedParentID, page.Entries[2].File.ParentID, "no parents")
	assert.Equal(t, "p1", page.Entries[3].File.ParentID)
	assert.True(t, page.Entries[3].File.IsDir)
	assert.Equal(t, int64(99), page.LargestChangeID, "last page reports the feed head")
}

// TestChangesSince_IntermediatePageCursor verifies that a non-final page only covers its own entries.
func TestChangesSince_IntermediatePageCursor(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, changeList{
			LargestChangeID: 99,
			NextPageToken:   "next",
			Items:           []changeResource{{ID: 21, FileID: "a", Deleted: true}},
		})
	}))

	page, err := c.ChangesSince(context.Background(), 20, "")
	require.NoError(t, err)
	assert.Equal(t, int64(21), page.LargestChangeID)
	assert.Equal(t, "next", page.NextPageToken)
}

// TestUpload_UpdatesExistingChild verifies insert versus in-place update.
func TestUpload_UpdatesExistingChild(t *testing.T) {
	var method, path, payload string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/drive/v2/files" {
			if strings.Contains(r.URL.Query().Get("q"), "existing.txt") {
				writeJSON(w, fileList{Items: []fileResource{{ID: "f9", Title: "existing.txt", MimeType: "text/plain"}}})
				return
			}
			writeJSON(w, fileList{})
			return
		}

		method, path = r.Method, r.URL.Path
		_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if !assert.NoError(t, err) {
			return
		}
		mr := multipart.NewReader(r.Body, params["boundary"])
		if _, err := mr.NextPart(); !assert.NoError(t, err) {
			return
		}
		data, err := mr.NextPart()
		if !assert.NoError(t, err) {
			return
		}
		raw, _ := io.ReadAll(data)
		payload = string(raw)
		writeJSON(w, fileResource{ID: "f9", Title: "x", MimeType: "text/plain", MD5Checksum: "m"})
	}))

	meta, err := c.Upload(context.Background(), remote.RootID, "existing.txt", strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/upload/drive/v2/files/f9", path)
	assert.Equal(t, "hello", payload)
	assert.Equal(t, remote.RootID, meta.ParentID)

	_, err = c.Upload(context.Background(), remote.RootID, "new.txt", strings.NewReader("hi"))
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, method)
	assert.Equal(t, "/upload/drive/v2/files", path)
}

// TestDownload_StreamsContent verifies the metadata and media round trip.
func TestDownload_StreamsContent(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("alt") == "media" {
			_, _ = w.Write([]byte("payload"))
			return
		}
		writeJSON(w, fileResource{ID: "f1", Title: "a.bin", MimeType: "application/octet-stream", MD5Checksum: "abc",
			Parents: []parentRef{{ID: "d1"}}})
	}))

	var buf bytes.Buffer
	meta, err := c.Download(context.Background(), "f1", &buf)
	require.NoError(t, err)
	assert.Equal(t, "payload", buf.String())
	assert.Equal(t, "abc", meta.Fingerprint)
	assert.Equal(t, "d1", meta.ParentID)
}

// TestNew_RejectsBadBaseURL verifies configuration validation.
func TestNew_RejectsBadBaseURL(t *testing.T) {
	_, err := New(Config{BaseURL: "ftp://example"})
	assert.Error(t, err)
}
