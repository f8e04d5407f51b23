package temporalx

import (
	"context"
	"errors"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestBackoffDoublesToCeiling(t *testing.T) {
	got := []time.Duration{}
	for a := 1; a <= 5; a++ {
		got = append(got, Backoff(100*time.Millisecond, 500*time.Millisecond, a))
	}
	want := []time.Duration{100, 200, 400, 500, 500}
	for i := range want {
		if got[i] != want[i]*time.Millisecond {
			t.Fatalf("attempt %d: want=%s got=%s", i+1, want[i]*time.Millisecond, got[i])
		}
	}
}

func TestRetryableRPC(t *testing.T) {
	if !retryableRPC(status.Error(codes.Unavailable, "down")) {
		t.Fatalf("unavailable should retry")
	}
	if retryableRPC(status.Error(codes.PermissionDenied, "no")) {
		t.Fatalf("permission denied should not retry")
	}
	if !retryableRPC(context.DeadlineExceeded) || retryableRPC(errors.New("x")) {
		t.Fatalf("plain errors: only deadlines retry")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("TEMPORAL_ADDRESS", "")
	t.Setenv("TEMPORAL_TASK_QUEUE", "")
	cfg := LoadConfig()
	if cfg.Enabled() || cfg.TaskQueue != "scenecast-generation" || cfg.Namespace != "scenecast" {
		t.Fatalf("cfg: %+v", cfg)
	}
}
