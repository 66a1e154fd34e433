package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nobbersit/nobber-sit/backend/testutil"
)

func TestCORS(t *testing.T) {
	db := testutil.SetupTestDB(t)
	handler := NewMux(context.Background(), db)

	req := httptest.NewRequest(http.MethodOptions, "/healthz", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "GET")

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		t.Errorf("OPTIONS request status = %d, want %d or %d", resp.StatusCode, http.StatusNoContent, http.StatusOK)
	}

	headers := []string{
		"Access-Control-Allow-Origin",
		"Access-Control-Allow-Methods",
		"Access-Control-Allow-Headers",
	}
	for _, h := range headers {
		if resp.Header.Get(h) == "" {
			t.Errorf("missing CORS header: %s", h)
		}
	}
}

func TestHealthzEndpoint(t *testing.T) {
	db := testutil.SetupTestDB(t)
	handler := NewMux(context.Background(), db)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if resp.Header.Get("X-Correlation-ID") == "" {
		t.Error("expected X-Correlation-ID response header")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	db := testutil.SetupTestDB(t)
	handler := NewMux(context.Background(), db)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) == 0 {
		t.Error("metrics returned empty response")
	}
}

func TestVodsListAndDetail(t *testing.T) {
	db := testutil.SetupTestDB(t)
	testutil.TruncateAll(t, db)
	t.Setenv("RATE_LIMIT_ENABLED", "0")
	handler := NewMux(context.Background(), db)

	if _, err := db.Exec(`INSERT INTO vods (twitch_vod_id,channel,title,date,duration_seconds,processed,message_count,created_at) VALUES
        ('100','nobber','First',NOW() - INTERVAL '2 days',60,TRUE,10,NOW()),
        ('200','nobber','Second',NOW() - INTERVAL '1 day',90,FALSE,0,NOW()),
        ('live-1700000000','nobber','LIVE: now',NOW(),0,FALSE,0,NOW())`); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/vods", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("vods status = %d", w.Code)
	}
	var list []map[string]any
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 vods (live placeholder excluded), got %d", len(list))
	}
	if list[0]["id"] != "200" {
		t.Errorf("expected newest first, got %v", list[0]["id"])
	}

	// Detail
	req = httptest.NewRequest(http.MethodGet, "/vods/100", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("vod detail status = %d", w.Code)
	}
	var detail map[string]any
	if err := json.NewDecoder(w.Body).Decode(&detail); err != nil {
		t.Fatal(err)
	}
	if detail["title"] != "First" || detail["message_count"] != float64(10) {
		t.Errorf("unexpected detail payload: %v", detail)
	}

	// Unknown VOD
	req = httptest.NewRequest(http.MethodGet, "/vods/999", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown vod status = %d, want 404", w.Code)
	}
}

func TestLiveEndpoint(t *testing.T) {
	db := testutil.SetupTestDB(t)
	testutil.TruncateAll(t, db)
	t.Setenv("RATE_LIMIT_ENABLED", "0")
	handler := NewMux(context.Background(), db)

	req := httptest.NewRequest(http.MethodGet, "/live", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("live status = %d", w.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["live"] != false {
		t.Errorf("expected live=false with no placeholder row, got %v", body["live"])
	}

	if _, err := db.Exec(`INSERT INTO vods (twitch_vod_id,channel,title,date,processed,created_at) VALUES
        ('live-1700000000','nobber','LIVE: speedrun',NOW(),FALSE,NOW())`); err != nil {
		t.Fatal(err)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/live", nil))
	body = map[string]any{}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["live"] != true {
		t.Errorf("expected live=true, got %v", body["live"])
	}
	if body["title"] != "speedrun" {
		t.Errorf("expected LIVE: prefix stripped, got %v", body["title"])
	}
	if body["session_id"] != "live-1700000000" {
		t.Errorf("session_id = %v", body["session_id"])
	}
}

func TestVodEmotesEndpoint(t *testing.T) {
	db := testutil.SetupTestDB(t)
	testutil.TruncateAll(t, db)
	t.Setenv("RATE_LIMIT_ENABLED", "0")
	handler := NewMux(context.Background(), db)

	if _, err := db.Exec(`INSERT INTO vods (twitch_vod_id,channel,title,date,processed,created_at) VALUES ('100','nobber','First',NOW(),TRUE,NOW())`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`INSERT INTO emote_usages (vod_id,emote,display_name,uses) VALUES
        ('100','nobberS','alice',5),
        ('100','nobberS','bob',3),
        ('100','nobberHi','alice',1)`); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/vods/100/emotes", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("vod emotes status = %d", w.Code)
	}
	var usages []map[string]any
	if err := json.NewDecoder(w.Body).Decode(&usages); err != nil {
		t.Fatal(err)
	}
	if len(usages) != 3 {
		t.Fatalf("expected 3 usage rows, got %d", len(usages))
	}
}

func TestEmotesLeaderboard(t *testing.T) {
	db := testutil.SetupTestDB(t)
	testutil.TruncateAll(t, db)
	t.Setenv("RATE_LIMIT_ENABLED", "0")
	handler := NewMux(context.Background(), db)

	if _, err := db.Exec(`INSERT INTO vods (twitch_vod_id,channel,title,date,processed,created_at) VALUES
        ('100','nobber','First',NOW(),TRUE,NOW()),
        ('200','nobber','Second',NOW(),FALSE,NOW())`); err != nil {
		t.Fatal(err)
	}
	// Usage on the unprocessed VOD must not leak into the leaderboard.
	if _, err := db.Exec(`INSERT INTO emote_usages (vod_id,emote,display_name,uses) VALUES
        ('100','nobberS','alice',5),
        ('100','nobberS','bob',2),
        ('100','nobberHi','carol',9),
        ('200','nobberS','mallory',100)`); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/emotes", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("emotes status = %d", w.Code)
	}
	var list []map[string]any
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 emotes, got %d", len(list))
	}
	if list[0]["emote"] != "nobberHi" || list[0]["total_uses"] != float64(9) {
		t.Errorf("expected nobberHi first with 9 uses, got %v", list[0])
	}
	if list[1]["emote"] != "nobberS" || list[1]["total_uses"] != float64(7) {
		t.Errorf("expected nobberS with 7 uses, got %v", list[1])
	}
	if list[1]["user_count"] != float64(2) {
		t.Errorf("expected 2 distinct users for nobberS, got %v", list[1]["user_count"])
	}
}

func TestEmoteDetail(t *testing.T) {
	db := testutil.SetupTestDB(t)
	testutil.TruncateAll(t, db)
	t.Setenv("RATE_LIMIT_ENABLED", "0")
	handler := NewMux(context.Background(), db)

	if _, err := db.Exec(`INSERT INTO vods (twitch_vod_id,channel,title,date,processed,created_at) VALUES ('100','nobber','First',NOW(),TRUE,NOW())`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`INSERT INTO emote_usages (vod_id,emote,display_name,uses) VALUES
        ('100','nobberS','alice',5),
        ('100','nobberS','bob',3)`); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/emotes/nobberS", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("emote detail status = %d", w.Code)
	}
	var detail struct {
		Emote string `json:"emote"`
		Users []struct {
			DisplayName string `json:"display_name"`
			TotalUses   int64  `json:"total_uses"`
		} `json:"users"`
	}
	if err := json.NewDecoder(w.Body).Decode(&detail); err != nil {
		t.Fatal(err)
	}
	if detail.Emote != "nobberS" || len(detail.Users) != 2 {
		t.Fatalf("unexpected detail: %+v", detail)
	}
	if detail.Users[0].DisplayName != "alice" || detail.Users[0].TotalUses != 5 {
		t.Errorf("expected alice first with 5 uses, got %+v", detail.Users[0])
	}

	// Unknown emote
	req = httptest.NewRequest(http.MethodGet, "/emotes/unknownEmote", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown emote status = %d, want 404", w.Code)
	}
}

func TestStatsJSONFallsBackToLiveBuild(t *testing.T) {
	db := testutil.SetupTestDB(t)
	testutil.TruncateAll(t, db)
	t.Setenv("RATE_LIMIT_ENABLED", "0")

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.json")
	if err := os.WriteFile(cfgPath, []byte(`{"channel_name":"nobber","emotes":["nobberS"]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("EMOTE_STAT_CONFIG", cfgPath)
	t.Setenv("EMOTE_STAT_JSON", filepath.Join(dir, "missing.json"))

	handler := NewMux(context.Background(), db)

	if _, err := db.Exec(`INSERT INTO vods (twitch_vod_id,channel,title,date,processed,created_at) VALUES ('100','nobber','First',NOW(),TRUE,NOW())`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`INSERT INTO emote_usages (vod_id,emote,display_name,uses) VALUES ('100','nobberS','alice',5)`); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/stats.json", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("stats.json status = %d, body %s", w.Code, w.Body.String())
	}
	var payload struct {
		Data map[string]struct {
			Emotes []struct {
				Name string `json:"name"`
			} `json:"emotes"`
		} `json:"data"`
	}
	if err := json.NewDecoder(w.Body).Decode(&payload); err != nil {
		t.Fatal(err)
	}
	if len(payload.Data) != 1 {
		t.Fatalf("expected one vod in snapshot, got %d", len(payload.Data))
	}
}

func TestStatsJSONServesExportedFile(t *testing.T) {
	db := testutil.SetupTestDB(t)
	t.Setenv("RATE_LIMIT_ENABLED", "0")

	dir := t.TempDir()
	statsPath := filepath.Join(dir, "emote-stats.json")
	if err := os.WriteFile(statsPath, []byte(`{"data":{}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("EMOTE_STAT_JSON", statsPath)

	handler := NewMux(context.Background(), db)
	req := httptest.NewRequest(http.MethodGet, "/stats.json", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("stats.json status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"data"`) {
		t.Errorf("expected exported file contents, got %s", w.Body.String())
	}
}

func TestVodReprocess(t *testing.T) {
	db := testutil.SetupTestDB(t)
	testutil.TruncateAll(t, db)
	t.Setenv("RATE_LIMIT_ENABLED", "0")
	handler := NewMux(context.Background(), db)

	if _, err := db.Exec(`INSERT INTO vods (twitch_vod_id,channel,title,date,processed,processing_error,download_retries,created_at) VALUES ('100','nobber','First',NOW(),TRUE,'old error',3,NOW())`); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/vods/100/reprocess", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("reprocess status = %d", w.Code)
	}

	var processed bool
	var retries int
	if err := db.QueryRow(`SELECT processed, download_retries FROM vods WHERE twitch_vod_id='100'`).Scan(&processed, &retries); err != nil {
		t.Fatal(err)
	}
	if processed || retries != 0 {
		t.Errorf("expected reset state, got processed=%v retries=%d", processed, retries)
	}
}

func TestVodCancelNoActiveDownload(t *testing.T) {
	db := testutil.SetupTestDB(t)
	t.Setenv("RATE_LIMIT_ENABLED", "0")
	handler := NewMux(context.Background(), db)

	req := httptest.NewRequest(http.MethodPost, "/vods/100/cancel", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Errorf("cancel with no active download status = %d, want 204", w.Code)
	}
}

func TestAdminVodPriority(t *testing.T) {
	db := testutil.SetupTestDB(t)
	testutil.TruncateAll(t, db)
	t.Setenv("RATE_LIMIT_ENABLED", "0")
	handler := NewMux(context.Background(), db)

	if _, err := db.Exec(`INSERT INTO vods (twitch_vod_id,channel,title,date,created_at) VALUES ('100','nobber','First',NOW(),NOW())`); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/admin/vod/priority", strings.NewReader(`{"vod_id":"100","priority":5}`))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("priority status = %d, body %s", w.Code, w.Body.String())
	}

	var priority int
	if err := db.QueryRow(`SELECT priority FROM vods WHERE twitch_vod_id='100'`).Scan(&priority); err != nil {
		t.Fatal(err)
	}
	if priority != 5 {
		t.Errorf("priority = %d, want 5", priority)
	}

	// Unknown VOD
	req = httptest.NewRequest(http.MethodPost, "/admin/vod/priority", strings.NewReader(`{"vod_id":"999","priority":1}`))
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown vod priority status = %d, want 404", w.Code)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	db := testutil.SetupTestDB(t)
	testutil.TruncateAll(t, db)
	t.Setenv("RATE_LIMIT_ENABLED", "0")
	handler := NewMux(context.Background(), db)

	req := httptest.NewRequest(http.MethodPut, "/config", strings.NewReader(`{"VOD_PROCESS_INTERVAL":"5m","GH_PAT":"sneaky"}`))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("config put status = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/config", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("config get status = %d", w.Code)
	}
	var out map[string]string
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out["VOD_PROCESS_INTERVAL"] != "5m" {
		t.Errorf("expected override to round-trip, got %q", out["VOD_PROCESS_INTERVAL"])
	}
	if _, ok := out["GH_PAT"]; ok {
		t.Error("secret key must not be accepted or returned by /config")
	}
}

func TestStatusEndpoint(t *testing.T) {
	db := testutil.SetupTestDB(t)
	testutil.TruncateAll(t, db)
	t.Setenv("RATE_LIMIT_ENABLED", "0")
	handler := NewMux(context.Background(), db)

	if _, err := db.Exec(`INSERT INTO vods (twitch_vod_id,channel,title,date,processed,created_at) VALUES
        ('100','nobber','Done',NOW(),TRUE,NOW()),
        ('200','nobber','Pending',NOW(),FALSE,NOW()),
        ('live-1700000000','nobber','LIVE',NOW(),FALSE,NOW())`); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status endpoint = %d", w.Code)
	}
	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["pending"] != float64(1) {
		t.Errorf("pending = %v, want 1 (live placeholder excluded)", resp["pending"])
	}
	if resp["processed"] != float64(1) {
		t.Errorf("processed = %v, want 1", resp["processed"])
	}
	if _, ok := resp["retry_config"]; !ok {
		t.Error("expected retry_config in status payload")
	}
}

func TestAdminAuthProtectsAdminRoutes(t *testing.T) {
	db := testutil.SetupTestDB(t)
	t.Setenv("RATE_LIMIT_ENABLED", "0")
	t.Setenv("ADMIN_TOKEN", "sekrit")
	handler := NewMux(context.Background(), db)

	req := httptest.NewRequest(http.MethodGet, "/admin/monitor", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated admin status = %d, want 401", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/monitor", nil)
	req.Header.Set("X-Admin-Token", "sekrit")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("authenticated admin status = %d, want 200", w.Code)
	}
}
