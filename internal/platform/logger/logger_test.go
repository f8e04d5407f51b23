package logger

import "testing"

func TestScrubRedactsSecrets(t *testing.T) {
	out := scrub([]interface{}{"api_key", "abc", "stage", "image", "Authorization", "Bearer xyz"})
	if len(out) != 6 {
		t.Fatalf("len: want=6 got=%d", len(out))
	}
	if out[1] != "[REDACTED]" {
		t.Fatalf("api_key not redacted: %v", out[1])
	}
	if out[3] != "image" {
		t.Fatalf("stage altered: %v", out[3])
	}
	if out[5] != "[REDACTED]" {
		t.Fatalf("authorization not redacted: %v", out[5])
	}
}

func TestScrubKeepsOddTrailingValue(t *testing.T) {
	out := scrub([]interface{}{"job_id", "1", "dangling"})
	if len(out) != 3 || out[2] != "dangling" {
		t.Fatalf("unexpected: %v", out)
	}
}

func TestNopLogger(t *testing.T) {
	l := Nop().With("component", "test")
	l.Info("hello", "k", "v")
	l.Sync()
}
