package vod

import (
	"context"
	"testing"
	"time"

	"github.com/nobbersit/nobber-sit/backend/testutil"
	"github.com/nobbersit/nobber-sit/backend/twitchapi"
)

type fakeHelix struct {
	userID  string
	videos  []twitchapi.VideoMeta
	streams []twitchapi.StreamMeta
	pages   map[string][]twitchapi.VideoMeta // cursor -> page
	cursors map[string]string                // cursor -> next cursor
}

func (f *fakeHelix) GetUserID(ctx context.Context, login string) (string, error) {
	return f.userID, nil
}

func (f *fakeHelix) ListVideos(ctx context.Context, userID, after string, first int) ([]twitchapi.VideoMeta, string, error) {
	if f.pages != nil {
		return f.pages[after], f.cursors[after], nil
	}
	return f.videos, "", nil
}

func (f *fakeHelix) GetStreams(ctx context.Context, login string) ([]twitchapi.StreamMeta, error) {
	return f.streams, nil
}

func withFakeHelix(t *testing.T, f *fakeHelix) {
	t.Helper()
	old := newHelix
	newHelix = func() helixAPI { return f }
	t.Cleanup(func() { newHelix = old })
}

func TestParseTwitchDuration(t *testing.T) {
	cases := map[string]int{"1h2m3s": 3723, "45m": 2700, "30s": 30, "2h": 7200, "": 0}
	for in, want := range cases {
		if got := parseTwitchDuration(in); got != want {
			t.Fatalf("%s => %d want %d", in, got, want)
		}
	}
}

func TestFetchChannelVODsSkipsNewestWhenLive(t *testing.T) {
	t.Setenv("TWITCH_CHANNEL", "nobber")
	withFakeHelix(t, &fakeHelix{
		userID: "u1",
		videos: []twitchapi.VideoMeta{
			{ID: "300", Title: "In Progress", Duration: "1h", CreatedAt: "2024-05-03T10:00:00Z", PublishedAt: "2024-05-03T10:00:00Z"},
			{ID: "200", Title: "Yesterday", Duration: "2h", CreatedAt: "2024-05-02T10:00:00Z", PublishedAt: "2024-05-02T10:00:00Z"},
		},
		streams: []twitchapi.StreamMeta{{ID: "s1", Title: "In Progress", StartedAt: time.Now()}},
	})

	vods, err := FetchChannelVODs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(vods) != 1 {
		t.Fatalf("expected 1 vod (newest skipped while live), got %d", len(vods))
	}
	if vods[0].ID != "200" {
		t.Fatalf("expected vod 200, got %s", vods[0].ID)
	}
	if vods[0].Duration != 7200 {
		t.Fatalf("expected duration 7200, got %d", vods[0].Duration)
	}
}

func TestFetchChannelVODsOffline(t *testing.T) {
	t.Setenv("TWITCH_CHANNEL", "nobber")
	withFakeHelix(t, &fakeHelix{
		userID: "u1",
		videos: []twitchapi.VideoMeta{
			{ID: "300", Title: "Latest", Duration: "1h", CreatedAt: "2024-05-03T10:00:00Z"},
			{ID: "200", Title: "Older", Duration: "2h", CreatedAt: "2024-05-02T10:00:00Z"},
		},
	})

	vods, err := FetchChannelVODs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(vods) != 2 {
		t.Fatalf("expected 2 vods when offline, got %d", len(vods))
	}
}

func TestFetchChannelVODsNoChannel(t *testing.T) {
	t.Setenv("TWITCH_CHANNEL", "")
	vods, err := FetchChannelVODs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if vods != nil {
		t.Fatalf("expected nil without TWITCH_CHANNEL, got %v", vods)
	}
}

func TestFetchChannelVODsOverHTTP(t *testing.T) {
	t.Setenv("TWITCH_CHANNEL", "nobber")
	m := testutil.NewMockTwitchServer(t)
	m.MockOAuthTokenResponse("app-token", 3600)
	m.MockUserResponse("u1", "nobber")
	m.MockVideosResponse([]map[string]string{
		{"id": "500", "title": "Friday Stream", "duration": "1h5m", "created_at": "2024-06-07T18:00:00Z", "published_at": "2024-06-07T18:00:00Z"},
	}, "")
	m.MockStreamsResponse(nil)

	old := newHelix
	newHelix = func() helixAPI {
		return &twitchapi.HelixClient{
			AppTokenSource: &twitchapi.TokenSource{ClientID: "id", ClientSecret: "secret", HTTPClient: m.Client()},
			ClientID:       "id",
			HTTPClient:     m.Client(),
		}
	}
	t.Cleanup(func() { newHelix = old })

	vods, err := FetchChannelVODs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(vods) != 1 || vods[0].ID != "500" {
		t.Fatalf("unexpected vods: %+v", vods)
	}
	if vods[0].Duration != 3900 {
		t.Fatalf("duration: got %d", vods[0].Duration)
	}
}

func TestToVOD(t *testing.T) {
	v := toVOD(twitchapi.VideoMeta{
		ID:          "42",
		Title:       "t",
		Duration:    "1h30m",
		CreatedAt:   "2024-05-01T18:00:00Z",
		PublishedAt: "2024-05-01T19:00:00Z",
	})
	if v.Duration != 5400 {
		t.Fatalf("duration: got %d", v.Duration)
	}
	if v.Date.IsZero() || v.Published.IsZero() {
		t.Fatal("expected parsed timestamps")
	}
	if !v.Published.After(v.Date) {
		t.Fatal("published should be after created in fixture")
	}
}
