package oauth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nobbersit/nobber-sit/backend/testutil"
)

func TestStartRefresherOutsideWindow(t *testing.T) {
	dbx := testutil.SetupTestDB(t)

	futureExpiry := time.Now().Add(1 * time.Hour)
	_, err := dbx.Exec(`INSERT INTO oauth_tokens (provider, access_token, refresh_token, expires_at, scope, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())`,
		"test-provider", "access123", "refresh456", futureExpiry, "scope1")
	if err != nil {
		t.Fatalf("failed to insert test token: %v", err)
	}

	refreshCalled := false
	refreshFunc := func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		refreshCalled = true
		return "new-access", "new-refresh", time.Now().Add(2 * time.Hour), "scope1", nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	StartRefresher(ctx, dbx, "test-provider", 50*time.Millisecond, 30*time.Minute, refreshFunc)
	<-ctx.Done()

	if refreshCalled {
		t.Error("refresh should not have been called for token that expires in 1 hour with 30 min window")
	}
}

func TestStartRefresherWithinWindow(t *testing.T) {
	dbx := testutil.SetupTestDB(t)

	soonExpiry := time.Now().Add(5 * time.Minute)
	_, err := dbx.Exec(`INSERT INTO oauth_tokens (provider, access_token, refresh_token, expires_at, scope, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())`,
		"test-provider", "old-access", "old-refresh", soonExpiry, "scope1")
	if err != nil {
		t.Fatalf("failed to insert test token: %v", err)
	}

	refreshCalled := false
	newExpiry := time.Now().Add(2 * time.Hour)
	refreshFunc := func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		if refreshToken != "old-refresh" {
			t.Errorf("refresh called with wrong token: got %s, want old-refresh", refreshToken)
		}
		refreshCalled = true
		return "new-access", "new-refresh", newExpiry, "scope2", nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	StartRefresher(ctx, dbx, "test-provider", 100*time.Millisecond, 15*time.Minute, refreshFunc)

	deadline := time.Now().Add(1500 * time.Millisecond)
	for !refreshCalled && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	cancel()

	if !refreshCalled {
		t.Fatal("refresh should have been called for token expiring within window")
	}
}

func TestStartRefresherRefreshError(t *testing.T) {
	dbx := testutil.SetupTestDB(t)

	soonExpiry := time.Now().Add(5 * time.Minute)
	_, err := dbx.Exec(`INSERT INTO oauth_tokens (provider, access_token, refresh_token, expires_at, scope, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())`,
		"test-provider", "old-access", "old-refresh", soonExpiry, "scope1")
	if err != nil {
		t.Fatalf("failed to insert test token: %v", err)
	}

	refreshFunc := func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		return "", "", time.Time{}, "", errors.New("refresh failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	StartRefresher(ctx, dbx, "test-provider", 50*time.Millisecond, 15*time.Minute, refreshFunc)
	<-ctx.Done()

	var access string
	err = dbx.QueryRow(`SELECT access_token FROM oauth_tokens WHERE provider='test-provider'`).Scan(&access)
	if err != nil {
		t.Fatalf("failed to query token: %v", err)
	}
	if access != "old-access" {
		t.Errorf("token should not have been updated on error, got %s", access)
	}
}

func TestStartRefresherNoRefreshToken(t *testing.T) {
	dbx := testutil.SetupTestDB(t)

	soonExpiry := time.Now().Add(5 * time.Minute)
	_, err := dbx.Exec(`INSERT INTO oauth_tokens (provider, access_token, refresh_token, expires_at, scope, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())`,
		"test-provider", "access123", "", soonExpiry, "scope1")
	if err != nil {
		t.Fatalf("failed to insert test token: %v", err)
	}

	refreshCalled := false
	refreshFunc := func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		refreshCalled = true
		return "new-access", "new-refresh", time.Now().Add(2 * time.Hour), "scope1", nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	StartRefresher(ctx, dbx, "test-provider", 50*time.Millisecond, 15*time.Minute, refreshFunc)
	<-ctx.Done()

	if refreshCalled {
		t.Error("refresh should not be called when refresh_token is empty")
	}
}

func TestStartRefresherCancellation(t *testing.T) {
	dbx := testutil.SetupTestDB(t)

	refreshFunc := func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		return "access", "refresh", time.Now().Add(1 * time.Hour), "scope", nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	StartRefresher(ctx, dbx, "test-provider", 1*time.Second, 15*time.Minute, refreshFunc)
	cancel()
	time.Sleep(50 * time.Millisecond)
}
