package telemetry

import (
	"context"
	"testing"
	"time"
)

func TestInitIdempotent(t *testing.T) {
	Init()
	Init() // must not panic on duplicate registration
	if ChatDownloadsStarted == nil || QueueDepthGauge == nil {
		t.Fatal("metrics not initialized")
	}
}

func TestCorrelationRoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := GetCorrelation(ctx); got != "" {
		t.Fatalf("expected empty corr, got %q", got)
	}
	ctx = WithCorrelation(ctx, "abc-123")
	if got := GetCorrelation(ctx); got != "abc-123" {
		t.Fatalf("expected abc-123, got %q", got)
	}
	if l := LoggerWithCorr(ctx); l == nil {
		t.Fatal("nil logger")
	}
}

func TestTimeFunc(t *testing.T) {
	Init()
	d := TimeFunc(TallyDuration, func() { time.Sleep(5 * time.Millisecond) })
	if d < 5*time.Millisecond {
		t.Fatalf("duration too short: %v", d)
	}
	// nil observer must not panic
	TimeFunc(nil, func() {})
}
