package vod

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/nobbersit/nobber-sit/backend/testutil"
)

type mockDownloader struct {
	path string
	err  error
}

func (m mockDownloader) Download(ctx context.Context, dbc *sql.DB, id, dataDir string) (string, error) {
	return m.path, m.err
}

const sampleChatJSON = `{
	"video": {"id": "123", "title": "Test Stream", "created_at": "2024-05-01T18:00:00Z"},
	"comments": [
		{"commenter": {"display_name": "alice"}, "message": {"body": "nobberS hello", "user_badges": []}},
		{"commenter": {"display_name": "bob"}, "message": {"body": "nobberS nobberS", "user_badges": [{"_id": "subscriber", "version": "3"}]}},
		{"commenter": {"display_name": "alice"}, "message": {"body": "no emotes here", "user_badges": []}}
	]
}`

// writeTrackerFixtures writes an emote config and chat log into dir and points
// the env at them.
func writeTrackerFixtures(t *testing.T, dir string) (cfgPath, chatPath string) {
	t.Helper()
	cfgPath = filepath.Join(dir, "config.json")
	if err := os.WriteFile(cfgPath, []byte(`{"channel_name":"nobber","emotes":["nobberS"]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	chatPath = filepath.Join(dir, "123.json")
	if err := os.WriteFile(chatPath, []byte(sampleChatJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("EMOTE_STAT_CONFIG", cfgPath)
	return cfgPath, chatPath
}

func TestProcessOnceHappyPath(t *testing.T) {
	dbc := testutil.SetupTestDB(t)
	testutil.TruncateAll(t, dbc)

	t.Setenv("TWITCH_CHANNEL", "") // no discovery against the real API
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("KEEP_CHAT_JSON", "1")
	_, chatPath := writeTrackerFixtures(t, t.TempDir())

	_, _ = dbc.Exec(`INSERT INTO vods (twitch_vod_id,channel,title,date,duration_seconds,created_at) VALUES ('123','nobber','Test',NOW(),60,NOW()) ON CONFLICT (twitch_vod_id) DO NOTHING`)
	oldD := downloader
	downloader = mockDownloader{path: chatPath}
	defer func() { downloader = oldD }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := processOnce(ctx, dbc); err != nil {
		t.Fatal(err)
	}

	var processed bool
	var msgCount int
	_ = dbc.QueryRow(`SELECT processed, message_count FROM vods WHERE twitch_vod_id='123'`).Scan(&processed, &msgCount)
	if !processed {
		t.Fatal("expected processed=true")
	}
	if msgCount != 3 {
		t.Fatalf("expected message_count=3 got %d", msgCount)
	}

	var aliceUses, bobUses int
	_ = dbc.QueryRow(`SELECT uses FROM emote_usages WHERE vod_id='123' AND emote='nobberS' AND display_name='alice'`).Scan(&aliceUses)
	_ = dbc.QueryRow(`SELECT uses FROM emote_usages WHERE vod_id='123' AND emote='nobberS' AND display_name='bob'`).Scan(&bobUses)
	if aliceUses != 1 || bobUses != 1 {
		t.Fatalf("expected presence counting (1 use each) got alice=%d bob=%d", aliceUses, bobUses)
	}

	// exporter signal
	var dirty string
	_ = dbc.QueryRow(`SELECT value FROM kv WHERE key='stats_dirty'`).Scan(&dirty)
	if dirty == "" {
		t.Fatal("expected stats_dirty to be set")
	}
}

func TestProcessOnceDownloadFail(t *testing.T) {
	dbc := testutil.SetupTestDB(t)
	testutil.TruncateAll(t, dbc)

	t.Setenv("TWITCH_CHANNEL", "")
	t.Setenv("DATA_DIR", t.TempDir())

	_, _ = dbc.Exec(`INSERT INTO vods (twitch_vod_id,channel,title,date,duration_seconds,created_at) VALUES ('d1','nobber','D','2024-01-01T00:00:00Z',30,NOW()) ON CONFLICT (twitch_vod_id) DO NOTHING`)
	oldD := downloader
	downloader = mockDownloader{err: errors.New("connection reset")}
	defer func() { downloader = oldD }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := processOnce(ctx, dbc); err != nil {
		t.Fatal(err)
	}
	var perr string
	_ = dbc.QueryRow(`SELECT processing_error FROM vods WHERE twitch_vod_id='d1'`).Scan(&perr)
	if perr == "" {
		t.Fatal("expected processing_error set")
	}
}

func TestProcessOnceFatalErrorSkipsRetries(t *testing.T) {
	dbc := testutil.SetupTestDB(t)
	testutil.TruncateAll(t, dbc)

	t.Setenv("TWITCH_CHANNEL", "")
	t.Setenv("DATA_DIR", t.TempDir())

	_, _ = dbc.Exec(`INSERT INTO vods (twitch_vod_id,channel,title,date,duration_seconds,created_at) VALUES ('f1','nobber','F','2024-01-01T00:00:00Z',30,NOW()) ON CONFLICT (twitch_vod_id) DO NOTHING`)
	oldD := downloader
	downloader = mockDownloader{err: errors.New("chat is subscriber-only")}
	defer func() { downloader = oldD }()

	if err := processOnce(context.Background(), dbc); err != nil {
		t.Fatal(err)
	}
	var retries int
	_ = dbc.QueryRow(`SELECT download_retries FROM vods WHERE twitch_vod_id='f1'`).Scan(&retries)
	if retries < 5 {
		t.Fatalf("expected retries maxed out for fatal error, got %d", retries)
	}
}

func TestProcessOnceSkipsLivePlaceholders(t *testing.T) {
	dbc := testutil.SetupTestDB(t)
	testutil.TruncateAll(t, dbc)

	t.Setenv("TWITCH_CHANNEL", "")
	t.Setenv("DATA_DIR", t.TempDir())

	_, _ = dbc.Exec(`INSERT INTO vods (twitch_vod_id,channel,title,date,created_at) VALUES ('live-1700000000','nobber','Live',NOW(),NOW()) ON CONFLICT (twitch_vod_id) DO NOTHING`)
	oldD := downloader
	called := false
	downloader = downloaderFunc(func(ctx context.Context, dbc *sql.DB, id, dataDir string) (string, error) {
		called = true
		return "", errors.New("should not be called")
	})
	defer func() { downloader = oldD }()

	if err := processOnce(context.Background(), dbc); err != nil {
		t.Fatal(err)
	}
	if called {
		t.Fatal("live placeholder rows must not be downloaded")
	}
}

type downloaderFunc func(ctx context.Context, dbc *sql.DB, id, dataDir string) (string, error)

func (f downloaderFunc) Download(ctx context.Context, dbc *sql.DB, id, dataDir string) (string, error) {
	return f(ctx, dbc, id, dataDir)
}

func TestTallyAndStoreReplacesPreviousRows(t *testing.T) {
	dbc := testutil.SetupTestDB(t)
	testutil.TruncateAll(t, dbc)

	_, chatPath := writeTrackerFixtures(t, t.TempDir())
	_, _ = dbc.Exec(`INSERT INTO vods (twitch_vod_id,channel,title,date,created_at) VALUES ('123','nobber','T',NOW(),NOW()) ON CONFLICT (twitch_vod_id) DO NOTHING`)
	_, _ = dbc.Exec(`INSERT INTO emote_usages (vod_id,emote,display_name,uses) VALUES ('123','nobberS','stale_user',9)`)

	if err := tallyAndStore(context.Background(), dbc, "123", chatPath); err != nil {
		t.Fatal(err)
	}
	var stale int
	_ = dbc.QueryRow(`SELECT COUNT(1) FROM emote_usages WHERE vod_id='123' AND display_name='stale_user'`).Scan(&stale)
	if stale != 0 {
		t.Fatal("expected stale usage rows replaced")
	}
	var total int
	_ = dbc.QueryRow(`SELECT COUNT(1) FROM emote_usages WHERE vod_id='123'`).Scan(&total)
	if total != 2 {
		t.Fatalf("expected 2 usage rows got %d", total)
	}
}

func TestCircuitBreakerTransitions(t *testing.T) {
	dbc := testutil.SetupTestDB(t)
	testutil.TruncateAll(t, dbc)

	t.Setenv("CIRCUIT_FAILURE_THRESHOLD", "2")
	ctx := context.Background()
	updateCircuitOnFailure(ctx, dbc)
	var v string
	_ = dbc.QueryRow(`SELECT value FROM kv WHERE key='circuit_failures'`).Scan(&v)
	if v != "1" {
		t.Fatalf("expected failures=1 got %s", v)
	}
	updateCircuitOnFailure(ctx, dbc)
	_ = dbc.QueryRow(`SELECT value FROM kv WHERE key='circuit_state'`).Scan(&v)
	if v != "open" {
		t.Fatalf("expected state open got %s", v)
	}
	resetCircuit(ctx, dbc)
	_ = dbc.QueryRow(`SELECT value FROM kv WHERE key='circuit_state'`).Scan(&v)
	if v != "closed" {
		t.Fatalf("expected state closed got %s", v)
	}
}
