package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaths(t *testing.T) {
	assert.Equal(t, "participants/p1/events/e1", DocumentPath("p1", CollectionEvents, "e1"))
	assert.Equal(t, "participants/p1/safety_alerts/r1", DocumentPath("p1", CollectionSafetyAlerts, "r1"))
	assert.Equal(t, "valid_participants/p1", ValidParticipantPath("p1"))
	assert.Equal(t, "screenshots/p1/s1/shot.png", BlobPath("screenshot", "p1", "s1", "shot.png"))
	assert.Equal(t, "pages/p1/s1/page.html", BlobPath("page_snapshot", "p1", "s1", "page.html"))
	assert.Equal(t, "participants/_", ParticipantPath(""))
}

func TestMerge_NestedMapsMergeAndScalarsReplace(t *testing.T) {
	doc := map[string]any{
		"eventType":     "screenshot",
		"screenshotUrl": "mem://a",
		"ocr":           map[string]any{"wordCount": 3},
	}
	Merge(doc, map[string]any{
		"ocr":    map[string]any{"extractedText": "a b c"},
		"synced": true,
	})
	assert.Equal(t, "screenshot", doc["eventType"])
	assert.Equal(t, true, doc["synced"])
	assert.Equal(t, map[string]any{"wordCount": 3, "extractedText": "a b c"}, doc["ocr"])
}

func TestMemory_FailHookAndCounters(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.FailWhen(func(op, path string) error {
		if strings.HasSuffix(path, "/bad") {
			return ErrUnavailable
		}
		return nil
	})

	require.NoError(t, m.PutDocument(ctx, "participants/p1/events/ok", map[string]any{"a": 1}))
	err := m.PutDocument(ctx, "participants/p1/events/bad", map[string]any{"a": 1})
	assert.ErrorIs(t, err, ErrUnavailable)

	ref, err := m.UploadBlob(ctx, "screenshots/p1/s1/x.png", "image/png", strings.NewReader("px"))
	require.NoError(t, err)
	assert.Equal(t, "mem://screenshots/p1/s1/x.png", ref)

	assert.Equal(t, 3, m.Attempts())
	assert.Equal(t, 2, m.Writes())

	_, err = m.GetDocument(ctx, "participants/p1/events/bad")
	assert.ErrorIs(t, err, ErrNotFound)

	b, ok := m.Blob("screenshots/p1/s1/x.png")
	require.True(t, ok)
	assert.Equal(t, "px", string(b))
}

func TestHTTP_DocumentRoundTrip(t *testing.T) {
	docs := map[string]map[string]any{}
	var patches int32

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		key := strings.TrimPrefix(r.URL.Path, "/documents/")
		switch {
		case r.Method == http.MethodPatch && strings.HasPrefix(r.URL.Path, "/documents/"):
			atomic.AddInt32(&patches, 1)
			var fields map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&fields))
			docs[key] = Merge(docs[key], fields)
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/documents/"):
			doc, ok := docs[key]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				_ = json.NewEncoder(w).Encode(map[string]any{"error": "missing"})
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(doc)
		default:
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.String())
		}
	}))
	defer ts.Close()

	c := NewHTTP(ts.Client(), ts.URL+"/", "secret")
	ctx := context.Background()

	require.NoError(t, c.PutDocument(ctx, "participants/p1/events/e1", map[string]any{"eventType": "scroll"}))
	require.NoError(t, c.PutDocument(ctx, "participants/p1/events/e1", map[string]any{"synced": true}))
	doc, err := c.GetDocument(ctx, "participants/p1/events/e1")
	require.NoError(t, err)
	assert.Equal(t, "scroll", doc["eventType"])
	assert.Equal(t, true, doc["synced"])
	assert.EqualValues(t, 2, atomic.LoadInt32(&patches))

	_, err = c.GetDocument(ctx, "participants/p1/events/none")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHTTP_ErrorMapping(t *testing.T) {
	status := http.StatusServiceUnavailable
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "nope"})
	}))
	defer ts.Close()

	c := NewHTTP(ts.Client(), ts.URL, "")
	ctx := context.Background()

	err := c.PutDocument(ctx, "a/b", map[string]any{})
	assert.ErrorIs(t, err, ErrUnavailable)

	status = http.StatusConflict
	err = c.PutDocument(ctx, "a/b", map[string]any{})
	assert.ErrorIs(t, err, ErrConflict)

	status = http.StatusBadRequest
	err = c.PutDocument(ctx, "a/b", map[string]any{})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnavailable))
	assert.Contains(t, err.Error(), "nope")
}

func TestHTTP_UploadBlob(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/blobs/screenshots/p1/s1/a.png", r.URL.Path)
		assert.Equal(t, "image/png", r.Header.Get("Content-Type"))
		b, _ := io.ReadAll(r.Body)
		assert.Equal(t, "px", string(b))
		_ = json.NewEncoder(w).Encode(map[string]string{"ref": "https://cdn/a.png"})
	}))
	defer ts.Close()

	ref, err := NewHTTP(ts.Client(), ts.URL, "").UploadBlob(context.Background(), "screenshots/p1/s1/a.png", "image/png", strings.NewReader("px"))
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/a.png", ref)
}

func TestHTTP_TransportFailureIsUnavailable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := ts.URL
	ts.Close()

	err := NewHTTP(nil, url, "").PutDocument(context.Background(), "a/b", map[string]any{})
	assert.ErrorIs(t, err, ErrUnavailable)
}
