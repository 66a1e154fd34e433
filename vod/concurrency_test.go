package vod

import (
	"context"
	"testing"
	"time"
)

func TestDownloadSlotAcquireRelease(t *testing.T) {
	ctx := context.Background()

	if !acquireDownloadSlot(ctx) {
		t.Fatal("expected to acquire slot")
	}
	if GetActiveDownloads() != 1 {
		t.Fatalf("expected 1 active download, got %d", GetActiveDownloads())
	}
	releaseDownloadSlot()
	if GetActiveDownloads() != 0 {
		t.Fatalf("expected 0 active downloads, got %d", GetActiveDownloads())
	}
}

func TestDownloadSlotBlocksAtCapacity(t *testing.T) {
	max := GetMaxConcurrentDownloads()
	ctx := context.Background()
	for i := 0; i < max; i++ {
		if !acquireDownloadSlot(ctx) {
			t.Fatal("expected to acquire slot")
		}
	}
	defer func() {
		for i := 0; i < max; i++ {
			releaseDownloadSlot()
		}
	}()

	blocked, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if acquireDownloadSlot(blocked) {
		releaseDownloadSlot()
		t.Fatal("expected acquire to block at capacity")
	}
}

func TestReleaseWithoutAcquireIsSafe(t *testing.T) {
	releaseDownloadSlot() // must not panic or go negative
	if GetActiveDownloads() != 0 {
		t.Fatalf("expected 0 active downloads, got %d", GetActiveDownloads())
	}
}

func TestCancelDownloadRegistry(t *testing.T) {
	if CancelDownload("missing") {
		t.Fatal("expected false for unknown id")
	}

	ctx, cancel := context.WithCancel(context.Background())
	registerCancel("v1", cancel)
	if !CancelDownload("v1") {
		t.Fatal("expected cancel to fire for registered id")
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context was not canceled")
	}
	if CancelDownload("v1") {
		t.Fatal("expected second cancel to return false")
	}
}
