package vod

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"sync"
)

// downloadSlots is the global chat download semaphore, sized once from
// MAX_CONCURRENT_DOWNLOADS (default 1, serial processing).
var downloadSlots = sync.OnceValue(func() chan struct{} {
	limit := 1
	if s := os.Getenv("MAX_CONCURRENT_DOWNLOADS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}
	slog.Info("download concurrency limit initialized", slog.Int("max_concurrent", limit))
	return make(chan struct{}, limit)
})

// acquireDownloadSlot blocks until a slot frees up or ctx is canceled.
func acquireDownloadSlot(ctx context.Context) bool {
	select {
	case downloadSlots() <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func releaseDownloadSlot() {
	select {
	case <-downloadSlots():
	default:
		slog.Warn("download slot release called without corresponding acquire")
	}
}

// GetActiveDownloads returns the current number of active chat downloads.
func GetActiveDownloads() int {
	return len(downloadSlots())
}

// GetMaxConcurrentDownloads returns the configured maximum concurrent downloads.
func GetMaxConcurrentDownloads() int {
	return cap(downloadSlots())
}
