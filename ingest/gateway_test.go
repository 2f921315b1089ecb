package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"socialscope/spooler"
)

func newTestGateway(t *testing.T) (*Gateway, *spooler.Store) {
	t.Helper()
	st, err := spooler.Open(filepath.Join(t.TempDir(), "local.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return NewGateway(st, nil, nil), st
}

func TestIngest_TenEventsOneSession(t *testing.T) {
	g, st := newTestGateway(t)
	ctx := context.Background()

	seen := map[string]bool{}
	var sessionID string
	for i := 0; i < 10; i++ {
		msg := fmt.Sprintf(`{"type":"scroll","timestamp":%d,"url":"https://reddit.com/r/all","platform":"reddit","data":{"deltaY":%d}}`,
			time.Now().UnixMilli(), i*10)
		ev, err := g.Ingest(ctx, "p-new", []byte(msg))
		require.NoError(t, err)
		assert.False(t, seen[ev.ID], "duplicate event id %s", ev.ID)
		seen[ev.ID] = true
		if sessionID == "" {
			sessionID = ev.SessionID
		}
		assert.Equal(t, sessionID, ev.SessionID)
	}

	sess, err := st.OpenSessionFor("p-new")
	require.NoError(t, err)
	assert.Equal(t, sessionID, sess.ID)
	assert.Equal(t, 10, sess.EventCount)
	assert.Nil(t, sess.EndedAt)

	n, err := st.CountEvents("p-new")
	require.NoError(t, err)
	assert.EqualValues(t, 10, n)
}

func TestIngest_MalformedStoredAsRaw(t *testing.T) {
	g, st := newTestGateway(t)
	raw := []byte(`{"type":"scroll", "data": {oops`)

	ev, err := g.Ingest(context.Background(), "p1", raw)
	require.NoError(t, err)
	assert.Equal(t, spooler.EventTypeRaw, ev.EventType)

	stored, err := st.Event(ev.ID)
	require.NoError(t, err)
	var body map[string]string
	require.NoError(t, json.Unmarshal(stored.Payload, &body))
	assert.Equal(t, string(raw), body["raw"])
	assert.False(t, stored.Timestamp.IsZero())
}

func TestIngest_MissingTypeIsRaw(t *testing.T) {
	g, _ := newTestGateway(t)
	ev, err := g.Ingest(context.Background(), "p1", []byte(`{"url":"https://x.com"}`))
	require.NoError(t, err)
	assert.Equal(t, spooler.EventTypeRaw, ev.EventType)
}

func TestIngest_RedeliveryProducesDistinctEvents(t *testing.T) {
	g, st := newTestGateway(t)
	msg := []byte(`{"type":"page_view","timestamp":1700000000000,"url":"https://x.com/home","platform":"X","data":{"title":"Home"}}`)

	a, err := g.Ingest(context.Background(), "p1", msg)
	require.NoError(t, err)
	b, err := g.Ingest(context.Background(), "p1", msg)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, "twitter", a.Platform)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), a.Timestamp.UTC())

	n, err := st.CountEvents("p1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestTypedPayload(t *testing.T) {
	g, st := newTestGateway(t)
	ctx := context.Background()

	ev, err := g.Ingest(ctx, "p1", []byte(`{"type":"interaction","timestamp":0,"data":{"action":"like","contentId":"t3_abc","extra":1}}`))
	require.NoError(t, err)
	stored, err := st.Event(ev.ID)
	require.NoError(t, err)

	p := TypedPayload(stored)
	in, ok := p.(Interaction)
	require.True(t, ok, "got %T", p)
	assert.Equal(t, "like", in.Action)
	assert.Equal(t, "t3_abc", in.ContentID)
	assert.Contains(t, string(stored.Payload), `"extra":1`)

	ev, err = g.Ingest(ctx, "p1", []byte(`{"type":"carousel_swipe","data":{"index":3}}`))
	require.NoError(t, err)
	stored, err = st.Event(ev.ID)
	require.NoError(t, err)
	raw, ok := TypedPayload(stored).(RawPayload)
	require.True(t, ok)
	assert.JSONEq(t, `{"index":3}`, string(raw.Data))
}

func TestDecodePayload_MismatchFallsBackToRaw(t *testing.T) {
	p := DecodePayload("scroll", []byte(`{"deltaY":"fast"}`))
	raw, ok := p.(RawPayload)
	require.True(t, ok)
	assert.Equal(t, "scroll", raw.EventType())
}

func TestEndSession_NextEventOpensNewSession(t *testing.T) {
	g, _ := newTestGateway(t)
	ctx := context.Background()

	first, err := g.Ingest(ctx, "p1", []byte(`{"type":"page_view"}`))
	require.NoError(t, err)
	ended, err := g.EndSession(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, ended.ID)
	assert.Equal(t, 1, ended.EventCount)

	second, err := g.Ingest(ctx, "p1", []byte(`{"type":"page_view"}`))
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, second.SessionID)
}

func TestNormalizePlatform(t *testing.T) {
	cases := map[string]string{
		"Reddit":  "reddit",
		" X ":     "twitter",
		"twitter": "twitter",
		"":        "",
		"TikTok":  "tiktok",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizePlatform(in), in)
	}
}
