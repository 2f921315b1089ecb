package capture

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"socialscope/ingest"
	"socialscope/spooler"
)

type fixture struct {
	gate  *Gate
	store *spooler.Store
	dir   string
	inbox string
	now   time.Time
}

func newFixture(t *testing.T, minInterval time.Duration) *fixture {
	t.Helper()
	root := t.TempDir()
	st, err := spooler.Open(filepath.Join(root, "local.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{
		store: st,
		dir:   filepath.Join(root, "artifacts"),
		inbox: filepath.Join(root, "inbox"),
		now:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, os.MkdirAll(f.inbox, 0o755))
	gw := ingest.NewGateway(st, nil, nil)
	f.gate = NewGate(st, gw, Config{ArtifactDir: f.dir, InboxDir: f.inbox, MinInterval: minInterval}, nil, nil)
	f.gate.clock = func() time.Time { return f.now }
	return f
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func TestCapture_SameHashFiveTimes(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	bitmap := []byte{0x89, 'P', 'N', 'G', 1, 2, 3, 4}

	var stream string
	for i := 0; i < 5; i++ {
		d, err := f.gate.Capture(ctx, Candidate{ParticipantID: "p1", Kind: KindScreenshot, Content: bitmap})
		require.NoError(t, err)
		assert.False(t, d.Throttled)
		assert.Equal(t, i == 0, d.Changed, "attempt %d", i)
		stream = d.Stream
		f.advance(time.Second)
	}

	snapshots, decisions, unchanged, err := f.store.CaptureCounts(stream)
	require.NoError(t, err)
	assert.EqualValues(t, 1, snapshots)
	assert.EqualValues(t, 5, decisions)
	assert.EqualValues(t, 4, unchanged)

	n, err := f.store.CountEvents("p1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "only the stored capture becomes an event")
}

func TestCapture_ComparesWithLastStoredNotLastAttempt(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	a := []byte("frame-a")
	b := []byte("frame-b")

	for _, content := range [][]byte{a, a, b, b, a} {
		_, err := f.gate.Capture(ctx, Candidate{ParticipantID: "p1", Kind: KindScreenshot, Content: content})
		require.NoError(t, err)
		f.advance(time.Second)
	}

	sess, err := f.store.OpenSessionFor("p1")
	require.NoError(t, err)
	snapshots, decisions, unchanged, err := f.store.CaptureCounts(StreamKey(KindScreenshot, sess.ID))
	require.NoError(t, err)
	assert.EqualValues(t, 3, snapshots)
	assert.EqualValues(t, 5, decisions)
	assert.EqualValues(t, 2, unchanged)
}

func TestCapture_StoresArtifactAndEvent(t *testing.T) {
	f := newFixture(t, 0)
	d, err := f.gate.Capture(context.Background(), Candidate{
		ParticipantID: "p1",
		Kind:          KindScreenshot,
		Platform:      "Reddit",
		URL:           "https://reddit.com/r/all",
		Content:       []byte("pixels"),
	})
	require.NoError(t, err)
	require.NotNil(t, d.Event)

	assert.Equal(t, spooler.EventTypeScreenshot, d.Event.EventType)
	assert.Equal(t, "reddit", d.Event.Platform)
	assert.True(t, d.Event.HasArtifact())
	assert.Equal(t, filepath.Join(f.dir, "p1", d.Event.SessionID), filepath.Dir(d.Event.ArtifactPath))

	got, err := os.ReadFile(d.Event.ArtifactPath)
	require.NoError(t, err)
	assert.Equal(t, "pixels", string(got))

	snap, err := f.store.LastSnapshot(d.Stream)
	require.NoError(t, err)
	assert.Equal(t, d.Event.ID, snap.EventID)
	assert.Equal(t, d.ContentHash, snap.ContentHash)
}

func TestCapture_ThrottleWritesNothing(t *testing.T) {
	f := newFixture(t, 10*time.Second)
	ctx := context.Background()

	first, err := f.gate.Capture(ctx, Candidate{ParticipantID: "p1", Kind: KindScreenshot, Content: []byte("a")})
	require.NoError(t, err)
	assert.True(t, first.Changed)

	f.advance(3 * time.Second)
	second, err := f.gate.Capture(ctx, Candidate{ParticipantID: "p1", Kind: KindScreenshot, Content: []byte("b")})
	require.NoError(t, err)
	assert.True(t, second.Throttled)

	f.advance(10 * time.Second)
	third, err := f.gate.Capture(ctx, Candidate{ParticipantID: "p1", Kind: KindScreenshot, Content: []byte("b")})
	require.NoError(t, err)
	assert.True(t, third.Changed)

	_, decisions, _, err := f.store.CaptureCounts(first.Stream)
	require.NoError(t, err)
	assert.EqualValues(t, 2, decisions)
}

func TestCapture_DiscardRemovesSourceFile(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	write := func(name string) string {
		p := filepath.Join(f.inbox, name)
		require.NoError(t, os.WriteFile(p, []byte("same"), 0o644))
		return p
	}

	src1 := write("shot1.png")
	d, err := f.gate.Capture(ctx, Candidate{ParticipantID: "p1", Kind: KindScreenshot, SourcePath: src1})
	require.NoError(t, err)
	assert.True(t, d.Changed)
	assert.NoFileExists(t, src1)
	assert.FileExists(t, d.Event.ArtifactPath)
	assert.Equal(t, ".png", filepath.Ext(d.Event.ArtifactPath))

	src2 := write("shot2.png")
	d, err = f.gate.Capture(ctx, Candidate{ParticipantID: "p1", Kind: KindScreenshot, SourcePath: src2})
	require.NoError(t, err)
	assert.False(t, d.Changed)
	assert.NoFileExists(t, src2)
}

func TestCapture_StreamsAreSeparatePerKind(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	shot, err := f.gate.Capture(ctx, Candidate{ParticipantID: "p1", Kind: KindScreenshot, Content: []byte("x")})
	require.NoError(t, err)
	page, err := f.gate.Capture(ctx, Candidate{ParticipantID: "p1", Kind: KindPageSnapshot, Content: []byte("x")})
	require.NoError(t, err)
	assert.NotEqual(t, shot.Stream, page.Stream)
	assert.True(t, page.Changed)
}

func TestCapture_RejectsUnknownKind(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.gate.Capture(context.Background(), Candidate{ParticipantID: "p1", Kind: "video", Content: []byte("x")})
	assert.ErrorIs(t, err, ErrUnsupportedKind)

	_, err = f.gate.Capture(context.Background(), Candidate{ParticipantID: "p1", Kind: KindScreenshot})
	assert.ErrorIs(t, err, ErrEmptyCapture)
}

func TestCapture_SourceMustBeInInbox(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	outside := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(outside, []byte("keep me"), 0o644))
	_, err := f.gate.Capture(ctx, Candidate{ParticipantID: "p1", Kind: KindScreenshot, SourcePath: outside})
	assert.ErrorIs(t, err, ErrSourceOutsideInbox)
	assert.FileExists(t, outside, "rejected sources are left alone")

	escape := filepath.Join(f.inbox, "..", "local.db")
	_, err = f.gate.Capture(ctx, Candidate{ParticipantID: "p1", Kind: KindScreenshot, SourcePath: escape})
	assert.ErrorIs(t, err, ErrSourceOutsideInbox)

	link := filepath.Join(f.inbox, "link.png")
	require.NoError(t, os.Symlink(outside, link))
	_, err = f.gate.Capture(ctx, Candidate{ParticipantID: "p1", Kind: KindScreenshot, SourcePath: link})
	assert.ErrorIs(t, err, ErrSourceOutsideInbox)
	assert.FileExists(t, outside)

	noInbox := NewGate(f.store, ingest.NewGateway(f.store, nil, nil), Config{ArtifactDir: f.dir}, nil, nil)
	inside := filepath.Join(f.inbox, "shot.png")
	require.NoError(t, os.WriteFile(inside, []byte("px"), 0o644))
	_, err = noInbox.Capture(ctx, Candidate{ParticipantID: "p1", Kind: KindScreenshot, SourcePath: inside})
	assert.ErrorIs(t, err, ErrSourceOutsideInbox)
}

func TestStoreArtifact_WritesContentWhenRenameFails(t *testing.T) {
	dir := t.TempDir()
	p, err := storeArtifact(dir, "screenshot-1.png", filepath.Join(dir, "missing.png"), []byte("px"))
	require.NoError(t, err)
	b, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "px", string(b))

	again, err := storeArtifact(dir, "screenshot-1.png", "", []byte("px2"))
	require.NoError(t, err)
	assert.NotEqual(t, p, again, "existing names get a suffix")
}
